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

// Microchip matches mfg 0xBF. Write protection is removed through a
// per-sector Block Protection Register rather than the status
// register's BP bits; CR.IOC (bit 1) selects quad mode.
type Microchip struct{}

func (Microchip) Name() string { return "microchip" }

func (Microchip) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0xBF
}

func (Microchip) Init(in *norspi.Instance) error {
	return nil
}

func (Microchip) SetBusWidth(in *norspi.Instance) error {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(norspi.OpRDCR, buf); err != nil {
		return err
	}
	cr := buf[0]

	want := in.ReadFlags.BusWidth.DataWidth == 4
	got := cr&(1<<1) != 0

	if want == got {
		return nil
	}

	if want {
		cr |= 1 << 1
	} else {
		cr &^= 1 << 1
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	return in.HW.WriteReg(norspi.OpWRSR, []byte{0, cr})
}

func (Microchip) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}
	return in.HW.Control(op)
}

func (Microchip) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: microchip part without SFDP unsupported")
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

func (Microchip) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.MicrochipRemoveWriteProtection(addr, length)
}

func (Microchip) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (Microchip) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (Microchip) WaitForEndOfOp(in *norspi.Instance) error {
	return in.GenericPollBusy()
}

func (Microchip) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
