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
	gigadeviceOpReadStatus2 = 0x35
	gigadeviceOpReadStatus3 = 0x15
)

// GigaDevice matches mfg 0xC8. Program/erase failure, when reported by
// the part, surfaces via Status Register 3 bits PE (2) / EE (3); parts
// without that register simply never set them. 4-byte addressing state
// is tracked through Status Register 2 bit 0 rather than a dedicated
// read-back command. Status Register 1 and 2 are always written
// together in a single two-byte WRSR, which is safe across the whole
// family including low-voltage variants that require it.
type GigaDevice struct{}

func (GigaDevice) Name() string { return "gigadevice" }

func (GigaDevice) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0xC8
}

func (GigaDevice) Init(in *norspi.Instance) error {
	return nil
}

func (GigaDevice) SetBusWidth(in *norspi.Instance) error {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(gigadeviceOpReadStatus2, buf); err != nil {
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

	sr1, err := in.ReadStatus()
	if err != nil {
		return err
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	return in.HW.WriteReg(norspi.OpWRSR, []byte{sr1, sr2})
}

func (GigaDevice) SetNumAddrBytes(in *norspi.Instance, n int) error {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(gigadeviceOpReadStatus2, buf); err != nil {
		return err
	}

	want4 := n == 4
	got4 := buf[0]&1 != 0

	if want4 == got4 {
		return nil
	}

	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}

	return in.HW.Control(op)
}

func (GigaDevice) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: gigadevice part without SFDP unsupported")
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

func (GigaDevice) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (GigaDevice) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (GigaDevice) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (GigaDevice) WaitForEndOfOp(in *norspi.Instance) error {
	if err := in.GenericPollBusy(); err != nil {
		return err
	}

	buf := make([]byte, 1)
	if err := in.HW.ReadReg(gigadeviceOpReadStatus3, buf); err != nil {
		return err
	}

	const errMask = (1 << 2) | (1 << 3) // PE, EE
	if buf[0]&errMask != 0 {
		return norspi.ErrDeviceError
	}

	return nil
}

func (GigaDevice) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
