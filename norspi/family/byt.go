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

const bytOpReadStatus2 = 0x35

// BYT matches mfg 0x89 (early PMC/BYT-family parts rebranded under
// Intel/Altera programmers). QE is Status Register 2 bit 1; geometry
// and read-mode selection are purely SFDP-driven with no family quirks.
type BYT struct{}

func (BYT) Name() string { return "byt" }

func (BYT) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0x89
}

func (BYT) Init(in *norspi.Instance) error {
	return nil
}

func (BYT) SetBusWidth(in *norspi.Instance) error {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(bytOpReadStatus2, buf); err != nil {
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

	sr1, err := in.ReadStatus()
	if err != nil {
		return err
	}

	return in.HW.WriteReg(norspi.OpWRSR, []byte{sr1, sr2})
}

func (BYT) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}
	return in.HW.Control(op)
}

func (BYT) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: byt part without SFDP unsupported")
	}

	bpt, err := in.GetBPTAddr()
	if err != nil {
		return err
	}

	if err := in.ReadApplyDeviceGeometry(bpt); err != nil {
		return err
	}

	return in.ReadApplyReadMode(bpt)
}

func (BYT) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (BYT) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (BYT) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (BYT) WaitForEndOfOp(in *norspi.Instance) error {
	return in.GenericPollBusy()
}

func (BYT) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
