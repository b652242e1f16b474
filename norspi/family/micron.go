// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package family implements the ordered SPI-NOR device descriptor table:
// one file per manufacturer family, each satisfying norspi.Descriptor.
package family

import (
	"fmt"

	"github.com/usbarmory/sdnor/norspi"
)

// Micron matches mfg 0x20, device id byte in [0x16, 0x22]. Devices in
// this family expose a Flag Status Register (RFSR) instead of a plain
// status register for error reporting.
type Micron struct{}

func (Micron) Name() string { return "micron" }

func (Micron) Identify(in *norspi.Instance, id []byte) bool {
	if len(id) < 2 || id[0] != 0x20 {
		return false
	}
	return id[1] >= 0x16 && id[1] <= 0x22
}

func (Micron) Init(in *norspi.Instance) error {
	return nil
}

func (Micron) SetBusWidth(in *norspi.Instance) error {
	return nil
}

func (m Micron) SetNumAddrBytes(in *norspi.Instance, n int) error {
	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}

	if err := in.HW.Control(op); err != nil {
		return err
	}

	rfsr, err := m.readRFSR(in)
	if err != nil {
		return err
	}

	want4 := n == 4
	got4 := rfsr&(1<<0) != 0 // ADDR bit

	if want4 != got4 {
		return fmt.Errorf("norspi/family: micron address-width verify mismatch")
	}

	return nil
}

func (Micron) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: micron part without SFDP unsupported")
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

func (Micron) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (Micron) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (Micron) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

// WaitForEndOfOp polls RFSR bit 7 for READY and checks
// PROT/VPP/PROG/ERASE error bits, clearing on error via CFSR.
func (m Micron) WaitForEndOfOp(in *norspi.Instance) error {
	for {
		rfsr, err := m.readRFSR(in)
		if err != nil {
			return err
		}

		if rfsr&(1<<7) == 0 {
			continue
		}

		const errMask = (1 << 1) | (1 << 4) | (1 << 5) | (1 << 6) // PROT, PROG, ERASE, VPP
		if rfsr&errMask != 0 {
			in.HW.Control(norspi.OpCFSR)
			return norspi.ErrDeviceError
		}

		return nil
	}
}

func (Micron) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}

func (Micron) readRFSR(in *norspi.Instance) (byte, error) {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(norspi.OpRFSR, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}
