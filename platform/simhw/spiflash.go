// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package simhw implements in-memory fakes for the hwio.SDHost and
// hwio.SPIHost contracts, playing the role the teacher's physical uSDHC/
// SPI controllers play so the sdmmc and norspi packages can be exercised
// under go test.
package simhw

import (
	"sync"
	"time"

	"github.com/usbarmory/sdnor/hwio"
)

const (
	opRDID     = 0x9F
	opRDSR     = 0x05
	opRDCR     = 0x35
	opWREN     = 0x06
	opWRDIS    = 0x04
	opWRSR     = 0x01
	opFastRead = 0x0B
	opPP       = 0x02
	opPP4B     = 0x12
	opP4E      = 0x20
	opSE       = 0xD8
	opSE4B     = 0xDC
	opEN4B     = 0xB7
	opEX4B     = 0xE9
	opReadSFDP = 0x5A
)

// SPIFlash is a byte-addressable in-memory SPI-NOR model: RDID returns a
// fixed manufacturer/device id, SFDP reads are served from a
// caller-supplied table, and program/erase/status register traffic
// mutates a flat memory buffer. It is not a faithful timing model — busy
// polling resolves immediately, there is no program/erase disturb — only
// enough behaviour for exercising norspi's identification, read, write
// and erase paths.
type SPIFlash struct {
	mu sync.Mutex

	ID       []byte
	SFDP     []byte
	Memory   []byte
	EraseVal byte

	sr        byte
	cr        byte
	addr4byte bool
}

// NewSPIFlash allocates a flash model of the given size, pre-erased to
// 0xFF as real NOR flash powers up.
func NewSPIFlash(id []byte, sfdp []byte, size int) *SPIFlash {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &SPIFlash{ID: id, SFDP: sfdp, Memory: mem, EraseVal: 0xFF}
}

func (f *SPIFlash) Control(cmd byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case opWREN:
		f.sr |= 0x2
	case opWRDIS:
		f.sr &^= 0x2
	case opEN4B:
		f.addr4byte = true
	case opEX4B:
		f.addr4byte = false
	}

	return nil
}

func (f *SPIFlash) ReadReg(cmd byte, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case opRDID:
		n := copy(buf, f.ID)
		for ; n < len(buf); n++ {
			buf[n] = 0
		}
	case opRDSR:
		buf[0] = f.sr
	case opRDCR:
		buf[0] = f.cr
	default:
		for i := range buf {
			buf[i] = 0
		}
	}

	return nil
}

func (f *SPIFlash) WriteReg(cmd byte, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd {
	case opWRSR:
		if len(buf) > 0 {
			f.sr = buf[0]
		}
	case opRDCR:
		if len(buf) > 0 {
			f.cr = buf[0]
		}
	}

	f.sr &^= 0x2 // WEL drops at the end of any register write

	return nil
}

func (f *SPIFlash) Poll(cmd byte, bit int, value int, delay time.Duration, timeout time.Duration) error {
	return nil
}

func (f *SPIFlash) ReadWithCmdExAndAddr(cmd []byte, addr uint32, addrBytes int, dummyBytes int, flags hwio.SPIFlags, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(cmd) > 0 && cmd[0] == opReadSFDP {
		n := copy(buf, f.sliceFrom(f.SFDP, int(addr), len(buf)))
		for ; n < len(buf); n++ {
			buf[n] = 0xFF
		}
		return nil
	}

	n := copy(buf, f.sliceFrom(f.Memory, int(addr), len(buf)))
	for ; n < len(buf); n++ {
		buf[n] = 0xFF
	}

	return nil
}

func (f *SPIFlash) sliceFrom(src []byte, off int, n int) []byte {
	if off < 0 || off >= len(src) {
		return nil
	}
	end := off + n
	if end > len(src) {
		end = len(src)
	}
	return src[off:end]
}

func (f *SPIFlash) WriteWithCmdExAndAddr(cmd []byte, addr uint32, addrBytes int, flags hwio.SPIFlags, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	defer func() { f.sr &^= 0x2 }()

	if len(cmd) == 0 {
		return nil
	}

	if buf == nil {
		// Erase: opSE/opSE4B erase a 4KiB-aligned sector, opP4E a
		// 4KiB parameter sector; both collapse to the same fill here
		// since the model tracks no per-region geometry.
		switch cmd[0] {
		case opSE, opSE4B, opP4E:
			f.eraseRange(int(addr), 4096)
		default:
			f.eraseRange(int(addr), 65536)
		}
		return nil
	}

	switch cmd[0] {
	case opPP, opPP4B:
		f.programRange(int(addr), buf)
	default:
		f.programRange(int(addr), buf)
	}

	return nil
}

func (f *SPIFlash) eraseRange(off int, n int) {
	end := off + n
	if end > len(f.Memory) {
		end = len(f.Memory)
	}
	for i := off; i < end; i++ {
		f.Memory[i] = f.EraseVal
	}
}

func (f *SPIFlash) programRange(off int, data []byte) {
	end := off + len(data)
	if end > len(f.Memory) {
		end = len(f.Memory)
	}
	for i := off; i < end; i++ {
		f.Memory[i] &= data[i-off] // NOR program can only clear bits
	}
}

func (f *SPIFlash) ControlWithCmdEx(cmd []byte, flags hwio.SPIFlags) error {
	if len(cmd) > 0 {
		return f.Control(cmd[0])
	}
	return nil
}

func (f *SPIFlash) PollWithCmdEx(cmd []byte, flags hwio.SPIFlags, bit int, value int, delay time.Duration, timeout time.Duration) error {
	return nil
}
