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

const adestoOpReadIndirectStatus = 0x65

// Adesto matches mfg 0x1F. Program/erase failure, when the part
// supports it, is reported in an indirect status register read at
// address 4 (bits PE/EE); every part in the family disables SFDP's
// 1-4-4 read mode because it misreports its dummy-cycle count for that
// mode.
type Adesto struct{}

func (Adesto) Name() string { return "adesto" }

func (Adesto) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0x1F
}

func (Adesto) Init(in *norspi.Instance) error {
	return nil
}

func (Adesto) SetBusWidth(in *norspi.Instance) error {
	return nil
}

func (Adesto) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}
	return in.HW.Control(op)
}

func (Adesto) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: adesto part without SFDP unsupported")
	}

	in.ReadModesDisabled |= norspi.ReadModeDisable144

	bpt, err := in.GetBPTAddr()
	if err != nil {
		return err
	}

	if err := in.ReadApplyDeviceGeometry(bpt); err != nil {
		return err
	}

	return in.ReadApplyReadMode(bpt)
}

func (Adesto) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (Adesto) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (Adesto) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (Adesto) WaitForEndOfOp(in *norspi.Instance) error {
	if err := in.GenericPollBusy(); err != nil {
		return err
	}

	buf := make([]byte, 1)
	flags := hwio.SPIFlags{CmdWidth: 1, AddrWidth: 1, DataWidth: 1}
	if err := in.HW.ReadWithCmdExAndAddr([]byte{adestoOpReadIndirectStatus}, 4, 1, 1, flags, buf); err != nil {
		return err
	}

	const errMask = (1 << 2) | (1 << 5) // PE, EE
	if buf[0]&errMask != 0 {
		return norspi.ErrDeviceError
	}

	return nil
}

func (Adesto) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
