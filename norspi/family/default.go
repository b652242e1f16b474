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

// Default is the catch-all terminator consulted when no manufacturer-
// specific descriptor matched: pure SFDP geometry/read-mode discovery
// with no family-specific error-flag reading, using the generic QE bit
// (status register bit 6) as a conservative default for bus-width
// selection.
type Default struct{}

func (Default) Name() string { return "default" }

func (Default) Identify(in *norspi.Instance, id []byte) bool {
	return true
}

func (Default) Init(in *norspi.Instance) error {
	return nil
}

func (Default) SetBusWidth(in *norspi.Instance) error {
	if in.ReadFlags.BusWidth.DataWidth != 4 {
		return nil
	}

	sr, err := in.ReadStatus()
	if err != nil {
		return err
	}

	if sr&(1<<6) != 0 {
		return nil
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	return in.HW.WriteReg(norspi.OpWRSR, []byte{sr | (1 << 6)})
}

func (Default) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}
	return in.HW.Control(op)
}

func (Default) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: %w", norspi.ErrSFDPUnsupported)
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

func (Default) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (Default) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (Default) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (Default) WaitForEndOfOp(in *norspi.Instance) error {
	return in.GenericPollBusy()
}

func (Default) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
