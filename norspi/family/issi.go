// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package family

import (
	"fmt"

	"github.com/usbarmory/sdnor/hwio"
	"github.com/usbarmory/sdnor/norspi"
)

const (
	issiOpReadExtended = 0x81
	issiExtendedEnhancedMask = 0x1F
	issiExtendedEnhancedValue = 0x10
)

// ISSI matches mfg 0x9D. Some devices expose an Extended Read Register
// at 0x81 carrying PROT_E/P_ERR/E_ERR ("enhanced"); others only the
// plain status register ("standard"). A handful of parts share an id
// with a non-enhanced sibling and are disambiguated by reading the
// Extended Read Register and checking its low 5 bits equal 0x10.
// Legacy parts without SFDP are hard-coded to 16 x 64 KiB sectors read
// with FAST_READ (1-1-1); dual and quad reads are not selected for
// them. Legacy status is detected by the
// absence of an SFDP table rather than registered as a separate
// descriptor.
type ISSI struct{}

func (ISSI) Name() string { return "issi" }

func (ISSI) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0x9D
}

func (i ISSI) isEnhanced(in *norspi.Instance) bool {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(issiOpReadExtended, buf); err != nil {
		return false
	}
	return buf[0]&issiExtendedEnhancedMask == issiExtendedEnhancedValue
}

func (ISSI) Init(in *norspi.Instance) error {
	return nil
}

func (ISSI) SetBusWidth(in *norspi.Instance) error {
	sr, err := in.ReadStatus()
	if err != nil {
		return err
	}

	want := in.ReadFlags.BusWidth.DataWidth == 4
	got := sr&(1<<6) != 0

	if want == got {
		return nil
	}

	if want {
		sr |= 1 << 6
	} else {
		sr &^= 1 << 6
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	return in.HW.WriteReg(norspi.OpWRSR, []byte{sr})
}

func (ISSI) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}
	return in.HW.Control(op)
}

func (ISSI) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		in.Blocks = []norspi.SectorBlock{{NumSectors: 16, LdBytesPerSector: 16, EraseOpcode: norspi.OpSE}}
		in.NumAddrBytes = 3
		in.ReadOpcode = []byte{norspi.OpFastRead}
		in.ReadFlags = norspi.ReadFlags{BusWidth: hwio.SPIFlags{CmdWidth: 1, AddrWidth: 1, DataWidth: 1}, DummyBytes: 1}
		return nil
	}

	bpt, err := in.GetBPTAddr()
	if err != nil {
		return fmt.Errorf("norspi/family: issi SFDP lookup failed: %w", err)
	}

	if err := in.ReadApplyDeviceGeometry(bpt); err != nil {
		return err
	}

	return in.ReadApplyReadMode(bpt)
}

func (ISSI) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (ISSI) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (ISSI) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (i ISSI) WaitForEndOfOp(in *norspi.Instance) error {
	if err := in.GenericPollBusy(); err != nil {
		return err
	}

	if !i.isEnhanced(in) {
		return nil
	}

	buf := make([]byte, 1)
	if err := in.HW.ReadReg(issiOpReadExtended, buf); err != nil {
		return err
	}

	const errMask = (1 << 5) | (1 << 6) // P_ERR, E_ERR
	if buf[0]&errMask != 0 {
		return norspi.ErrDeviceError
	}

	return nil
}

func (ISSI) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
