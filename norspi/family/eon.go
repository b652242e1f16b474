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

const eonOpFastReadQuadIO = 0xEB

// EON matches mfg 0x1C. SFDP over-reports the dummy-cycle count for
// the 1-4-4 fast-read-quad-IO opcode (0xEB); the driver overrides it
// to a fixed 3 dummy bytes.
type EON struct{}

func (EON) Name() string { return "eon" }

func (EON) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0x1C
}

func (EON) Init(in *norspi.Instance) error {
	return nil
}

func (EON) SetBusWidth(in *norspi.Instance) error {
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

func (EON) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}
	return in.HW.Control(op)
}

func (EON) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: eon part without SFDP unsupported")
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

	if len(in.ReadOpcode) == 1 && in.ReadOpcode[0] == eonOpFastReadQuadIO {
		in.ReadFlags.DummyBytes = 3
	}

	return nil
}

func (EON) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (EON) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (EON) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (EON) WaitForEndOfOp(in *norspi.Instance) error {
	return in.GenericPollBusy()
}

func (EON) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
