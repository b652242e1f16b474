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

	"github.com/usbarmory/sdnor/norspi"
)

const (
	winbondOpReadStatus2  = 0x35
	winbondOpWriteStatus2 = 0x31
	winbondOpReadDTR      = 0x0D
	winbondOpDualReadDTR  = 0xBD
	winbondOpQuadReadDTR  = 0xED
)

// Winbond matches mfg 0xEF. QE lives in Status Register 2 (bit 1). When
// the caller's permission profile allows it, the read opcode is
// overridden with the DTR-specific variant and the address/data phases
// are marked DTR.
type Winbond struct{}

func (Winbond) Name() string { return "winbond" }

func (Winbond) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0xEF
}

func (Winbond) Init(in *norspi.Instance) error {
	return nil
}

func (Winbond) SetBusWidth(in *norspi.Instance) error {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(winbondOpReadStatus2, buf); err != nil {
		return err
	}
	sr2 := buf[0]

	want := in.ReadFlags.BusWidth.DataWidth == 4
	got := sr2&(1<<1) != 0

	if want == got {
		return nil
	}

	if want {
		sr2 |= 1 << 1
	} else {
		sr2 &^= 1 << 1
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	return in.HW.WriteReg(winbondOpWriteStatus2, []byte{sr2})
}

func (Winbond) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}
	return in.HW.Control(op)
}

func (Winbond) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: winbond part without SFDP unsupported")
	}

	bpt, err := in.GetBPTAddr()
	if err != nil {
		return err
	}

	if err := in.ReadApplyDeviceGeometry(bpt); err != nil {
		return err
	}

	if err := in.ReadApplyReadMode(bpt); err != nil {
		return err
	}

	if !in.Perm.AllowDTR {
		return nil
	}

	var op byte
	switch in.ReadFlags.BusWidth.DataWidth {
	case 4:
		op = winbondOpQuadReadDTR
	case 2:
		op = winbondOpDualReadDTR
	default:
		op = winbondOpReadDTR
	}

	in.ReadOpcode = []byte{op}
	in.ReadFlags.BusWidth.DTRAddr = true
	in.ReadFlags.BusWidth.DTRData = true

	return nil
}

func (Winbond) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (Winbond) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (Winbond) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (Winbond) WaitForEndOfOp(in *norspi.Instance) error {
	return in.GenericPollBusy()
}

func (Winbond) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
