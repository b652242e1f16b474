// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package norspi

import (
	"fmt"
)

// sectorOffset walks the sector-block table summing prior blocks'
// capacity; the single-block case short-circuits to i << ld_bps.
func (in *Instance) sectorOffset(i int) (int64, error) {
	if len(in.Blocks) == 1 {
		b := in.Blocks[0]
		if i < 0 || i >= b.NumSectors {
			return 0, ErrOutOfRange
		}
		return int64(i) << uint(b.LdBytesPerSector), nil
	}

	var off int64
	remaining := i

	for _, b := range in.Blocks {
		if remaining < b.NumSectors {
			return off + int64(remaining)<<uint(b.LdBytesPerSector), nil
		}
		remaining -= b.NumSectors
		off += int64(b.NumSectors) << uint(b.LdBytesPerSector)
	}

	return 0, ErrOutOfRange
}

// sectorSize returns the byte size of sector i.
func (in *Instance) sectorSize(i int) (int, error) {
	b, err := in.blockFor(i)
	if err != nil {
		return 0, err
	}
	return b.bytesPerSector(), nil
}

// sectorEraseCmd returns the erase opcode owning sector i.
func (in *Instance) sectorEraseCmd(i int) (byte, error) {
	b, err := in.blockFor(i)
	if err != nil {
		return 0, err
	}
	return b.EraseOpcode, nil
}

func (in *Instance) blockFor(i int) (SectorBlock, error) {
	if i < 0 {
		return SectorBlock{}, ErrOutOfRange
	}

	remaining := i
	for _, b := range in.Blocks {
		if remaining < b.NumSectors {
			return b, nil
		}
		remaining -= b.NumSectors
	}

	return SectorBlock{}, ErrOutOfRange
}

func (in *Instance) totalSectors() int {
	n := 0
	for _, b := range in.Blocks {
		n += b.NumSectors
	}
	return n
}

// Detect runs family identification once, binding the first matching
// descriptor for the life of the instance.
func (in *Instance) Detect() error {
	if in.IsInited {
		return nil
	}

	if in.HW == nil {
		return fmt.Errorf("norspi: Configure must be called before Detect")
	}

	id, err := in.ReadID()
	if err != nil {
		return err
	}

	desc, err := in.identifyFamily(id)
	if err == ErrNoFamilyMatch {
		// No descriptor recognized the id bytes as read over plain
		// SPI: the part may be a mode-changing device (e.g. Macronix
		// Octal) stuck in a non-SPI mode from a previous session.
		// Give every descriptor's Init a chance to recover it, then
		// retry identification once.
		for _, d := range in.FamilyOrder {
			d.Init(in)
		}

		id, err = in.ReadID()
		if err != nil {
			return err
		}

		desc, err = in.identifyFamily(id)
	}
	if err != nil {
		return err
	}

	in.ManufacturerID = id[0]
	in.DeviceID = id[1:]
	in.descriptor = desc

	if err := desc.Init(in); err != nil {
		return err
	}

	if err := desc.ReadApplyPara(in); err != nil {
		return err
	}

	if err := desc.SetBusWidth(in); err != nil {
		return err
	}

	if err := desc.SetNumAddrBytes(in, in.NumAddrBytes); err != nil {
		return err
	}

	in.IsInited = true
	in.log().WithField("family", desc.Name()).Debug("norspi: device identified")

	return nil
}

// Read performs a generic read lowered onto
// SPIHost.ReadWithCmdExAndAddr, supporting multi-byte opcodes, address
// width, dummy bytes and the selected bus-width/mode-bit framing.
func (in *Instance) Read(sector int, buf []byte) error {
	if err := in.checkReady(); err != nil {
		return err
	}

	off, err := in.sectorOffset(sector)
	if err != nil {
		return err
	}

	dummyBytes := in.ReadFlags.DummyBytes

	return in.HW.ReadWithCmdExAndAddr(in.ReadOpcode, uint32(off), in.NumAddrBytes, dummyBytes, in.ReadFlags.BusWidth, buf)
}

// Write programs data starting at sector/offset 0, chunked by
// in.PageSize so no single transaction crosses a page boundary.
func (in *Instance) Write(sector int, data []byte) error {
	if err := in.checkReady(); err != nil {
		return err
	}

	off, err := in.sectorOffset(sector)
	if err != nil {
		return err
	}

	pageSize := in.PageSize
	if pageSize <= 0 {
		pageSize = 256
	}

	written := 0
	for written < len(data) {
		pageOff := (int64(off) + int64(written)) % int64(pageSize)
		chunk := pageSize - int(pageOff)
		if chunk > len(data)-written {
			chunk = len(data) - written
		}

		addr := uint32(int64(off) + int64(written))

		if err := in.writePage(addr, data[written:written+chunk]); err != nil {
			return err
		}

		written += chunk
	}

	return nil
}

func (in *Instance) writePage(addr uint32, data []byte) error {
	if err := in.descriptor.WritePage(in, addr, data); err != nil {
		return err
	}
	return in.descriptor.WaitForEndOfOp(in)
}

// Erase erases the sector containing sector index i.
func (in *Instance) Erase(sector int) error {
	if err := in.checkReady(); err != nil {
		return err
	}

	off, err := in.sectorOffset(sector)
	if err != nil {
		return err
	}

	cmd, err := in.sectorEraseCmd(sector)
	if err != nil {
		return err
	}

	if err := in.descriptor.EraseSector(in, cmd, uint32(off)); err != nil {
		return err
	}

	return in.descriptor.WaitForEndOfOp(in)
}

// RemoveWriteProtection clears write-lock bits over the given sector
// range via the bound family descriptor.
func (in *Instance) RemoveWriteProtection(startSector int, endSector int) error {
	if err := in.checkReady(); err != nil {
		return err
	}

	startOff, err := in.sectorOffset(startSector)
	if err != nil {
		return err
	}

	size, err := in.sectorSize(endSector)
	if err != nil {
		return err
	}

	endOff, err := in.sectorOffset(endSector)
	if err != nil {
		return err
	}

	length := uint32(endOff + int64(size) - startOff)

	return in.descriptor.RemoveWriteProtection(in, uint32(startOff), length)
}

func (in *Instance) checkReady() error {
	if !in.IsInited {
		return in.Detect()
	}
	return nil
}
