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

// Spansion matches mfg 0x01 Cypress/Spansion parts. Status bits E_ERR
// (5) and P_ERR (6) report erase/program failures and must be cleared
// via CLSR before the next operation; CR.QUAD (bit 1) enables 1-1-4/
// 1-4-4 reads; 4-byte addressing is selected through the Bank Register
// EXTADD bit (7) rather than EN4B/EX4B.
type Spansion struct{}

const (
	spansionOpBRRD = 0x16
	spansionOpBRWR = 0x17
	spansionExtAddBit = 7
)

func (Spansion) Name() string { return "spansion" }

func (Spansion) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 2 && id[0] == 0x01
}

func (Spansion) Init(in *norspi.Instance) error {
	return nil
}

func (s Spansion) SetBusWidth(in *norspi.Instance) error {
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

func (s Spansion) SetNumAddrBytes(in *norspi.Instance, n int) error {
	bar := make([]byte, 1)
	if err := in.HW.ReadReg(spansionOpBRRD, bar); err != nil {
		return err
	}

	want4 := n == 4
	got4 := bar[0]&(1<<spansionExtAddBit) != 0

	if want4 == got4 {
		return nil
	}

	if want4 {
		bar[0] |= 1 << spansionExtAddBit
	} else {
		bar[0] &^= 1 << spansionExtAddBit
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	return in.HW.WriteReg(spansionOpBRWR, bar)
}

func (Spansion) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: spansion part without SFDP unsupported")
	}

	bpt, err := in.GetBPTAddr()
	if err != nil {
		return err
	}

	if err := in.ReadApplyDeviceGeometry(bpt); err != nil {
		return err
	}

	// S25FL127S-family quirk: the "L" die reinterprets its uniform
	// sector size as 256 KiB rather than the 64 KiB the "S" die
	// reports, decided by device id byte 1 rather than SFDP. This is
	// a literal historical reproduction, not a general rule.
	if in.DeviceID != nil && len(in.DeviceID) >= 1 && in.DeviceID[0] == 0x18 {
		if len(in.Blocks) == 1 && in.Blocks[0].LdBytesPerSector == 16 {
			in.Blocks[0].LdBytesPerSector = 18
			in.Blocks[0].NumSectors /= 4
		}
	}

	return in.ReadApplyReadMode(bpt)
}

func (Spansion) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (Spansion) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	return in.GenericEraseSector(cmd, addr)
}

func (Spansion) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	return in.GenericWritePage(addr, data)
}

func (Spansion) WaitForEndOfOp(in *norspi.Instance) error {
	if err := in.GenericPollBusy(); err != nil {
		return err
	}

	sr, err := in.ReadStatus()
	if err != nil {
		return err
	}

	const errMask = (1 << 5) | (1 << 6) // E_ERR, P_ERR
	if sr&errMask == 0 {
		return nil
	}

	if err := in.HW.Control(norspi.OpCLSR); err != nil {
		return err
	}

	return norspi.ErrDeviceError
}

func (Spansion) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	return nil
}
