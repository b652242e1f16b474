// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package norspi implements the family-aware driver for SPI-attached NOR
// flash devices: identification via manufacturer families and SFDP
// tables, read-mode selection, sector geometry, page program, sector
// erase and write-protection removal, with optional parallel dual-die
// operation.
package norspi

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbarmory/sdnor/hwio"
)

// Opcodes used by the core.
const (
	OpRDID       = 0x9F
	OpRDSR       = 0x05
	OpRDCR       = 0x35
	OpWREN       = 0x06
	OpWRDIS      = 0x04
	OpWRSR       = 0x01
	OpRDSR2      = 0x07
	OpRDSR2Alt   = 0x35
	OpRDSR3      = 0x15
	OpFastRead   = 0x0B
	OpFastRead4B = 0x0C
	OpPP         = 0x02
	OpPP4B       = 0x12
	OpP4E        = 0x20
	OpSE         = 0xD8
	OpSE4B       = 0xDC
	OpEN4B       = 0xB7
	OpEX4B       = 0xE9
	OpReadSFDP   = 0x5A
	OpCLSR       = 0x30
	OpCFSR       = 0x50
	OpRFSR       = 0x70
	OpRDSCUR     = 0x2B
	OpBRRD       = 0x16
	OpBRWR       = 0x17
	OpWRENVCypress = 0x50
	OpWRCR2      = 0x72
	OpRDCR2      = 0x71
	OpWBPR       = 0x42
	OpRBPR       = 0x72
)

// ReadMode selects the bus-width triple used for the data-read opcode.
type ReadMode int

const (
	ReadMode111 ReadMode = iota // FAST_READ, 1 dummy byte
	ReadMode112
	ReadMode122
	ReadMode114
	ReadMode144
	ReadModeOctalSTR
	ReadModeOctalDTR
)

// ReadModeMask is a per-descriptor bitmask of disabled read modes (e.g.
// Adesto parts that misreport dummy cycles for 1-4-4 in SFDP).
type ReadModeMask uint8

const (
	ReadModeDisable112 ReadModeMask = 1 << iota
	ReadModeDisable122
	ReadModeDisable114
	ReadModeDisable144
)

func (m ReadModeMask) disabled(mode ReadModeMask) bool { return m&mode != 0 }

// HW flags threaded through write/erase paths.
const (
	FlagAddr3Byte = 1 << iota
	FlagMode4Bit
	FlagMode8Bit
)

// Sentinel errors.
var (
	ErrNoFamilyMatch   = errors.New("norspi: no device family matched")
	ErrTimeout         = errors.New("norspi: operation timed out")
	ErrDeviceError     = errors.New("norspi: device reported a program/erase error")
	ErrOutOfRange      = errors.New("norspi: sector index out of range")
	ErrSFDPUnsupported = errors.New("norspi: device does not advertise SFDP")
	ErrDualDieMismatch = errors.New("norspi: dual-die SFDP mismatch")
)

// SectorBlock is one homogeneous erase-geometry region.
type SectorBlock struct {
	NumSectors   int
	LdBytesPerSector int
	EraseOpcode  byte
}

func (b SectorBlock) bytesPerSector() int { return 1 << b.LdBytesPerSector }

// PollParams bounds a per-family busy-poll loop.
type PollParams struct {
	Timeout time.Duration
	Delay   time.Duration
}

// DefaultPollParams mirrors the historical generic busy-poll budget.
func DefaultPollParams() PollParams {
	return PollParams{Timeout: 5 * time.Second, Delay: time.Millisecond}
}

// Permissions gates optional read-mode/transfer-rate capabilities.
type Permissions struct {
	Allow2Bit bool
	Allow4Bit bool
	AllowOctal bool
	AllowDTR   bool
}

// DefaultPermissions mirrors the historical hard-coded bring-up.
func DefaultPermissions() Permissions {
	return Permissions{Allow2Bit: true, Allow4Bit: true}
}

// ReadFlags parametrizes a read transaction's command/address/data
// framing.
type ReadFlags struct {
	BusWidth      hwio.SPIFlags
	DummyBytes    int
	ModeBits      uint8
	HasModeBits   bool
	CmdOpcode     []byte // 1 byte normally, 2 for Macronix CEI framing
}

// Instance is one driver instance bound to a single SPI-NOR device (or
// dual-die pair). It is allocated lazily and carries all mutable state.
type Instance struct {
	HW hwio.SPIHost

	Log *logrus.Entry

	Perm Permissions

	FamilyOrder []Descriptor

	// Geometry.
	Blocks       []SectorBlock
	NumAddrBytes int

	// Selected read/write command framing.
	ReadOpcode  []byte
	ReadFlags   ReadFlags
	WriteOpcode byte
	WriteWidth  hwio.SPIFlags

	PageSize int

	PollPara PollParams

	ReadModesDisabled ReadModeMask

	IsDualDie bool

	HWBusWidth hwio.SPIFlags
	HWFlags    int

	IsInited bool

	descriptor Descriptor

	ManufacturerID byte
	DeviceID       []byte
}

func (in *Instance) log() *logrus.Entry {
	if in.Log != nil {
		return in.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Configure installs the hardware adapter, permission profile and
// ordered family-descriptor list.
func (in *Instance) Configure(hw hwio.SPIHost, perm Permissions, order []Descriptor) {
	in.HW = hw
	in.Perm = perm
	in.FamilyOrder = order
	in.PageSize = 256 // not read from SFDP; families leave it unchanged
	in.PollPara = DefaultPollParams()
}

// capacityBytes sums the sector blocks' contribution to total device size.
func (in *Instance) capacityBytes() int64 {
	var total int64
	for _, b := range in.Blocks {
		total += int64(b.NumSectors) * int64(b.bytesPerSector())
	}
	return total
}
