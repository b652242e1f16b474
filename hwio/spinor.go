// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hwio

import "time"

// SPIFlags describes the bus-width triple and DTR/mode-bit framing of a
// SPI-NOR transaction: bus widths are encoded as a triple (cmd, addr,
// data).
type SPIFlags struct {
	CmdWidth  int // 1, 2, 4 or 8
	AddrWidth int
	DataWidth int

	DTRCmd  bool
	DTRAddr bool
	DTRData bool

	// ModeBits, when > 0, are sent immediately after the address phase
	// (used by 1-4-4/1-1-4 continuous-read mode-bit framing).
	ModeBits uint8
	HasMode  bool
}

// SPIHost is the capability object a SPI-NOR bus adapter exposes.
// Multi-byte addressing, CEI opcode framing and dummy cycles are all
// expressed through the *Ex variants; the single-byte Control/Read/Write
// cover status-register traffic.
type SPIHost interface {
	// Control performs a command-only transaction (e.g. WREN, WRDIS).
	Control(cmd byte) error

	// ReadReg reads n bytes following a single-byte command (status,
	// config and extended registers).
	ReadReg(cmd byte, buf []byte) error

	// WriteReg writes the bytes following a single-byte command.
	WriteReg(cmd byte, buf []byte) error

	// Poll polls a single status bit (RDSR bit 0 = WIP, typically)
	// until it reaches value or timeout elapses, pacing iterations by
	// delay. Used when no hardware poll offload is available.
	Poll(cmd byte, bit int, value int, delay time.Duration, timeout time.Duration) error

	// ReadWithCmdExAndAddr performs a read with an n-byte opcode
	// (n=1 normally, n=2 for Macronix CEI framing), an address of
	// addrBytes width, dummyBytes of turnaround, and flags describing
	// per-phase bus width/DTR/mode-bit framing.
	ReadWithCmdExAndAddr(cmd []byte, addr uint32, addrBytes int, dummyBytes int, flags SPIFlags, buf []byte) error

	// WriteWithCmdExAndAddr performs a program/erase with the same
	// opcode/address framing as ReadWithCmdExAndAddr; buf is nil for
	// erase (no data payload).
	WriteWithCmdExAndAddr(cmd []byte, addr uint32, addrBytes int, flags SPIFlags, buf []byte) error

	// ControlWithCmdEx issues a CEI-wrapped, data-less command (used by
	// Macronix Octal WREN/WRDIS/reset-to-SPI).
	ControlWithCmdEx(cmd []byte, flags SPIFlags) error

	// PollWithCmdEx is the CEI-wrapped counterpart of Poll.
	PollWithCmdEx(cmd []byte, flags SPIFlags, bit int, value int, delay time.Duration, timeout time.Duration) error
}

// DualDieSPIHost is an optional SPIHost capability for parallel two-die
// operation. When absent, the driver only ever targets a single die.
type DualDieSPIHost interface {
	IsDualDie() bool
}
