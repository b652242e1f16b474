// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hwio defines the hardware adapter contracts consumed by the
// sdmmc and norspi packages. The adapter owns the physical bus (a
// uSDHC-style controller for SD/MMC, a bit-banged or controller-backed
// bus for SPI-NOR); this package only specifies the interface, never an
// implementation — concrete adapters live under platform/.
package hwio

import "time"

// ResponseFormat selects the expected card response shape for a command:
// R1/R2/R3/R6/R7/none.
type ResponseFormat int

const (
	RspNone ResponseFormat = iota
	RspR1
	RspR1b // R1 with busy signalling
	RspR2
	RspR3
	RspR6
	RspR7
)

// CmdFlags carries per-command data-phase hints the adapter needs in order
// to correctly frame the transaction (index/CRC checking, data presence).
type CmdFlags struct {
	CheckIndex bool
	CheckCRC   bool
	HasData    bool
	Write      bool
}

// ClockFlags requests DDR/enhanced-strobe framing from SetMaxClock.
type ClockFlags struct {
	DDR            bool
	EnhancedStrobe bool
	BusWidthBits   int // 1, 4 or 8
}

// SDHost is the capability object an SD/MMC controller exposes to the
// core driver. All methods are mandatory; optional capabilities (tuning,
// voltage switching, HW-assisted polling) are expressed as separate
// interfaces an adapter may additionally implement — the core
// type-asserts for them and treats their absence as "feature not
// supported", never as an error.
type SDHost interface {
	// InitHW resets the controller to its power-on configuration.
	InitHW() error

	// IsPresent reports physical card presence (card-detect line or
	// equivalent). A false return mid-operation is the card-gone error
	// kind.
	IsPresent() bool

	// IsWriteProtected reports the mechanical/electrical write-protect
	// signal, where available. Adapters without a WP line return false.
	IsWriteProtected() bool

	// SetMaxClock requests a clock frequency in kHz and returns the
	// actual frequency the controller settled on.
	SetMaxClock(kHz int, flags ClockFlags) (actualKHz int, err error)

	// SetResponseTimeout configures the command-response timeout.
	SetResponseTimeout(d time.Duration)

	// SetReadDataTimeout configures the data-phase timeout, normally
	// derived from the current clock.
	SetReadDataTimeout(d time.Duration)

	// SendCmd issues a command and blocks until the response phase (or
	// data phase, for HasData commands) completes or times out.
	SendCmd(index uint32, flags CmdFlags, rsp ResponseFormat, arg uint32) error

	// GetResponse reads up to len(buf) bytes of the most recent
	// response (4 bytes for R1/R3/R6/R7, 16 for R2/CID/CSD).
	GetResponse(buf []byte) error

	// SetDataPointer, SetHWBlockLen and SetHWNumBlocks configure a
	// pending data phase; ReadData/WriteData perform it. Split out to
	// mirror the register-level sequencing the controller requires.
	SetDataPointer(buf []byte) error
	SetHWBlockLen(n int) error
	SetHWNumBlocks(n int) error
	ReadData(buf []byte) error
	WriteData(buf []byte) error

	// GetMaxReadBurst and GetMaxWriteBurst report the largest block
	// count the controller/DMA engine can transfer in one command.
	GetMaxReadBurst() int
	GetMaxWriteBurst() int
}

// BurstRepeatFiller is an optional SDHost capability exposing burst hints
// for the repeat/fill write patterns. Its absence forces chunk size 1 for
// those burst types.
type BurstRepeatFiller interface {
	GetMaxWriteBurstRepeat() int
	GetMaxWriteBurstFill() int
}

// VoltageSwitcher is an optional SDHost capability implementing the 1.8V
// signalling switch.
type VoltageSwitcher interface {
	SetVoltage(minMV int, maxMV int, isSDCard bool) error
	GetVoltage() (mv int, err error)
}

// Tuner is an optional SDHost capability implementing sampling-point
// tuning. GetMaxTunings reports the number of taps.
type Tuner interface {
	EnableTuning() error
	DisableTuning(isError bool) error
	StartTuning(step int) error
	GetMaxTunings() int
}

// PollOffload is an optional SDHost capability letting the controller
// perform busy/status polling without host intervention.
type PollOffload interface {
	PollCardStatus(mask uint32, value uint32, timeout time.Duration) (ok bool, err error)
}

// Delayer is an optional capability (shared by SDHost and SPIHost
// adapters) exposing a suspension hook; its absence means waits are pure
// busy loops.
type Delayer interface {
	Delay(d time.Duration)
}

// DAT3PullUpControl is an optional SDHost capability letting the adapter
// drive the SD DAT3 line's internal pull-up. Only SD cards use DAT3 as a
// card-detect aid, and only some controllers let software toggle it, so
// the core type-asserts for it on unmount and treats its absence as
// "nothing to re-enable".
type DAT3PullUpControl interface {
	SetDAT3PullUp(enable bool) error
}
