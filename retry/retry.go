// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package retry implements the bounded-retry polling envelope shared by
// the sdmmc and norspi command layers: a status-register read wrapped in
// a bounded loop, with an optional hardware-assisted poll offload and an
// optional pacing delay between software iterations.
package retry

import (
	"errors"
	"runtime"
	"time"

	"github.com/usbarmory/sdnor/hwio"
)

// ErrTimeout is returned when a poll envelope exhausts its timeout without
// observing the target condition.
var ErrTimeout = errors.New("retry: polling timed out")

// Params bounds a poll envelope: TimeOut is the overall deadline, Delay is
// the pacing sleep between software-loop iterations (zero means a tight
// busy loop, Gosched()-paced).
type Params struct {
	TimeOut time.Duration
	Delay   time.Duration
}

// Poll repeatedly calls check until it returns true, an error, or Params.TimeOut
// elapses. If hw implements hwio.Delayer, Delay is honoured through it;
// otherwise the loop sleeps for Delay, or, when Delay is zero, paces itself
// with runtime.Gosched() so as to never spin libuv-hot in a hosted (non
// bare-metal) build.
func Poll(hw any, p Params, check func() (done bool, err error)) error {
	start := time.Now()
	delayer, _ := hw.(hwio.Delayer)

	for {
		done, err := check()
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if time.Since(start) >= p.TimeOut {
			return ErrTimeout
		}

		pace(delayer, p.Delay)
	}
}

// PollOffloaded is like Poll but first attempts a hardware-assisted poll
// through off (non-nil) before falling back to the software loop.
// offload is called once; a nil error with ok=false means the hardware
// declined to offload (e.g. the mask/value pair isn't one it can watch)
// and the caller should fall back.
func PollOffloaded(hw any, p Params, offload func() (ok bool, err error), check func() (done bool, err error)) error {
	if offload != nil {
		ok, err := offload()
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}

	return Poll(hw, p, check)
}

func pace(d hwio.Delayer, delay time.Duration) {
	if d != nil {
		d.Delay(delay)
		return
	}

	if delay > 0 {
		time.Sleep(delay)
		return
	}

	runtime.Gosched()
}

// Attempts runs fn up to n times, returning nil on the first success. The
// last error is returned if every attempt fails. stop, when non-nil, lets
// fn signal a fatal (non-retryable) condition such as card-removed; its
// error is returned immediately without exhausting n.
func Attempts(n int, fn func(attempt int) error, stop func(err error) bool) (err error) {
	for i := 0; i < n; i++ {
		err = fn(i)

		if err == nil {
			return nil
		}

		if stop != nil && stop(err) {
			return err
		}
	}

	return err
}
