// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package periphspi adapts a periph.io SPI connection into hwio.SPIHost,
// for running norspi against a real SPI-attached NOR chip from a hosted
// Linux (or other periph.io-supported) platform instead of a bare-metal
// uSDHC/SPI controller.
package periphspi

import (
	"errors"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/usbarmory/sdnor/hwio"
)

// ErrTimeout is returned by Poll/PollWithCmdEx when the target bit never
// reaches the requested value before the deadline.
var ErrTimeout = errors.New("periphspi: poll timeout")

// Adapter implements hwio.SPIHost over a periph.io spi.Conn. Transactions
// are full-duplex: the write buffer is reused in place as the read buffer,
// matching the shift-register nature of a SPI transaction.
//
// cs is optional. Most periph.io spi.Port implementations (e.g. Linux
// spidev) toggle chip-select automatically around each Tx call; cs is only
// needed for controllers that leave CS under software control, in which
// case Adapter asserts it low for the duration of the transaction.
type Adapter struct {
	conn spi.Conn
	cs   gpio.PinIO
}

// New connects to port at maxHz with the given SPI mode (CPOL/CPHA) and
// 8 bits per word, as SPI-NOR command framing requires.
func New(port spi.Port, maxHz physic.Frequency, mode spi.Mode, cs gpio.PinIO) (*Adapter, error) {
	conn, err := port.Connect(maxHz, mode, 8)
	if err != nil {
		return nil, err
	}
	return &Adapter{conn: conn, cs: cs}, nil
}

func (a *Adapter) tx(buf []byte) (err error) {
	if a.cs != nil {
		if err = a.cs.Out(gpio.Low); err != nil {
			return err
		}
		defer func() {
			if csErr := a.cs.Out(gpio.High); csErr != nil && err == nil {
				err = csErr
			}
		}()
	}
	return a.conn.Tx(buf, buf)
}

func (a *Adapter) Control(cmd byte) error {
	return a.tx([]byte{cmd})
}

func (a *Adapter) ReadReg(cmd byte, buf []byte) error {
	frame := make([]byte, 1+len(buf))
	frame[0] = cmd

	if err := a.tx(frame); err != nil {
		return err
	}

	copy(buf, frame[1:])
	return nil
}

func (a *Adapter) WriteReg(cmd byte, buf []byte) error {
	frame := make([]byte, 1+len(buf))
	frame[0] = cmd
	copy(frame[1:], buf)
	return a.tx(frame)
}

func (a *Adapter) Poll(cmd byte, bit int, value int, delay time.Duration, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		var sr [1]byte

		if err := a.ReadReg(cmd, sr[:]); err != nil {
			return err
		}

		if int(sr[0]>>uint(bit))&1 == value {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		time.Sleep(delay)
	}
}

// header builds the opcode+address+dummy-cycle prefix shared by the
// *CmdExAndAddr transactions. addr is encoded big-endian, MSB first, as
// SPI-NOR opcodes require.
func header(cmd []byte, addr uint32, addrBytes int, dummyBytes int) []byte {
	out := make([]byte, 0, len(cmd)+addrBytes+dummyBytes)
	out = append(out, cmd...)

	for i := addrBytes - 1; i >= 0; i-- {
		out = append(out, byte(addr>>uint(8*i)))
	}

	out = append(out, make([]byte, dummyBytes)...)
	return out
}

func (a *Adapter) ReadWithCmdExAndAddr(cmd []byte, addr uint32, addrBytes int, dummyBytes int, flags hwio.SPIFlags, buf []byte) error {
	h := header(cmd, addr, addrBytes, dummyBytes)
	frame := append(h, make([]byte, len(buf))...)

	if err := a.tx(frame); err != nil {
		return err
	}

	copy(buf, frame[len(h):])
	return nil
}

func (a *Adapter) WriteWithCmdExAndAddr(cmd []byte, addr uint32, addrBytes int, flags hwio.SPIFlags, buf []byte) error {
	h := header(cmd, addr, addrBytes, 0)
	frame := append(h, buf...)
	return a.tx(frame)
}

func (a *Adapter) ControlWithCmdEx(cmd []byte, flags hwio.SPIFlags) error {
	return a.tx(append([]byte{}, cmd...))
}

func (a *Adapter) PollWithCmdEx(cmd []byte, flags hwio.SPIFlags, bit int, value int, delay time.Duration, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		buf := make([]byte, 1)

		if err := a.ReadWithCmdExAndAddr(cmd, 0, 0, 0, flags, buf); err != nil {
			return err
		}

		if int(buf[0]>>uint(bit))&1 == value {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		time.Sleep(delay)
	}
}
