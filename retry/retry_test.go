// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollSucceedsEventually(t *testing.T) {
	n := 0

	err := Poll(nil, Params{TimeOut: 50 * time.Millisecond}, func() (bool, error) {
		n++
		return n >= 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPollTimesOut(t *testing.T) {
	err := Poll(nil, Params{TimeOut: 5 * time.Millisecond}, func() (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPollOffloadedSkipsSoftwareLoop(t *testing.T) {
	softwareCalls := 0

	err := PollOffloaded(nil, Params{TimeOut: 10 * time.Millisecond},
		func() (bool, error) { return true, nil },
		func() (bool, error) { softwareCalls++; return true, nil },
	)

	require.NoError(t, err)
	assert.Equal(t, 0, softwareCalls)
}

func TestAttemptsStopsOnFatal(t *testing.T) {
	errGone := errors.New("card gone")
	calls := 0

	err := Attempts(5, func(attempt int) error {
		calls++
		return errGone
	}, func(err error) bool {
		return errors.Is(err, errGone)
	})

	assert.ErrorIs(t, err, errGone)
	assert.Equal(t, 1, calls)
}

func TestAttemptsExhausted(t *testing.T) {
	calls := 0

	err := Attempts(3, func(attempt int) error {
		calls++
		return errors.New("soft error")
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}
