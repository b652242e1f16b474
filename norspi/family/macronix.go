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
	macronixOpSecurityRegister = 0x2B
	macronixOpWRCR2            = 0x72
	macronixOpFastReadOctal    = 0xEE
	macronixCR2AddrMode        = 0x00000000
	macronixCR2AddrDummy       = 0x00000300
	macronixCR2ModeOctalDTR    = 0x02
	macronixCR2ModeOctalSTR    = 0x01
)

// dummyCycleTable maps CR2 dummy-cycle field values 0..7 to clock
// cycles for Octal mode, per Macronix's documented encoding.
var macronixDummyCycleTable = [8]int{20, 18, 16, 14, 12, 10, 8, 6}

// Macronix matches mfg 0xC2. STR devices select QE via status register
// bit 6 and 4-byte mode via EN4B verified by Configuration Register bit
// 5; errors surface through Security Register bits 5 (P_FAIL) and 6
// (E_FAIL). When permissions allow it, ReadApplyPara upgrades the part
// into Octal mode (OPI-STR or OPI-DTR): every subsequent transaction is
// framed through 2-byte Command-Extension-Inverted opcodes over 8-8-8,
// addresses become 4 bytes, and mode/dummy-cycle selection moves to
// Configuration Register 2 at addresses 0x0 and 0x300. Octal framing is
// tracked on the instance itself (FlagMode8Bit plus the read-side DTR
// bit), not on the descriptor, so a single registered Macronix handles
// every sub-variant.
type Macronix struct{}

func (Macronix) Name() string { return "macronix" }

func (Macronix) Identify(in *norspi.Instance, id []byte) bool {
	return len(id) >= 1 && id[0] == 0xC2
}

// Init recovers a device left in Octal mode by a previous session: if a
// plain SPI RDID doesn't match the expected manufacturer, the part is
// assumed to be in OPI-DTR and is returned to SPI by issuing a
// CEI-wrapped WRCR2(addr=0, value=0) under 8-8-8 DTR framing.
func (Macronix) Init(in *norspi.Instance) error {
	id, err := in.ReadID()
	if err == nil && len(id) >= 1 && id[0] == 0xC2 {
		return nil
	}

	flags := hwio.SPIFlags{
		CmdWidth: 8, AddrWidth: 8, DataWidth: 8,
		DTRCmd: true, DTRAddr: true, DTRData: true,
	}

	cmd := norspi.CEIWrap(macronixOpWRCR2)

	if err := in.HW.WriteWithCmdExAndAddr(cmd, macronixCR2AddrMode, 4, flags, []byte{0x00}); err != nil {
		return fmt.Errorf("norspi/family: macronix OPI-to-SPI recovery failed: %w", err)
	}

	in.HWFlags &^= norspi.FlagMode8Bit

	return nil
}

func (Macronix) isOctal(in *norspi.Instance) bool {
	return in.HWFlags&norspi.FlagMode8Bit != 0
}

func (m Macronix) SetBusWidth(in *norspi.Instance) error {
	if m.isOctal(in) {
		return nil
	}

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

func (m Macronix) SetNumAddrBytes(in *norspi.Instance, n int) error {
	if m.isOctal(in) {
		// Octal parts always address with 4 bytes.
		return nil
	}

	op := byte(norspi.OpEN4B)
	if n == 3 {
		op = norspi.OpEX4B
	}

	if err := in.HW.Control(op); err != nil {
		return err
	}

	buf := make([]byte, 1)
	if err := in.HW.ReadReg(norspi.OpRDCR, buf); err != nil {
		return err
	}

	want4 := n == 4
	got4 := buf[0]&(1<<5) != 0

	if want4 != got4 {
		return fmt.Errorf("norspi/family: macronix address-width verify mismatch")
	}

	return nil
}

// ReadApplyPara parses SFDP geometry, then — when permissions allow it
// — upgrades the part into Octal mode by programming Configuration
// Register 2's mode field and switches the read path over to
// CEI-wrapped 8-8-8 framing.
func (m Macronix) ReadApplyPara(in *norspi.Instance) error {
	if !in.IsSFDPSupported() {
		return fmt.Errorf("norspi/family: macronix part without SFDP unsupported")
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

	if !in.Perm.AllowOctal {
		return nil
	}

	dtr := in.Perm.AllowDTR

	mode := byte(macronixCR2ModeOctalSTR)
	if dtr {
		mode = macronixCR2ModeOctalDTR
	}

	if err := in.HW.WriteWithCmdExAndAddr([]byte{macronixOpWRCR2}, macronixCR2AddrMode, in.NumAddrBytes,
		hwio.SPIFlags{CmdWidth: 1, AddrWidth: 1, DataWidth: 1}, []byte{mode}); err != nil {
		return fmt.Errorf("norspi/family: macronix octal mode switch failed: %w", err)
	}

	width := 8
	in.ReadOpcode = norspi.CEIWrap(macronixOpFastReadOctal)
	in.NumAddrBytes = 4
	in.ReadFlags = norspi.ReadFlags{
		BusWidth: hwio.SPIFlags{CmdWidth: width, AddrWidth: width, DataWidth: width},
	}

	if dtr {
		in.ReadFlags.BusWidth.DTRCmd = true
		in.ReadFlags.BusWidth.DTRAddr = true
		in.ReadFlags.BusWidth.DTRData = true
	}

	in.HWFlags |= norspi.FlagMode8Bit

	return m.SetNumDummyCycles(in, 0)
}

func (Macronix) RemoveWriteProtection(in *norspi.Instance, addr uint32, length uint32) error {
	return in.GenericRemoveWriteProtection(addr, length)
}

func (m Macronix) octalFlags() hwio.SPIFlags {
	return hwio.SPIFlags{CmdWidth: 8, AddrWidth: 8, DataWidth: 8}
}

func (m Macronix) EraseSector(in *norspi.Instance, cmd byte, addr uint32) error {
	if !m.isOctal(in) {
		return in.GenericEraseSector(cmd, addr)
	}

	flags := m.octalFlags()
	if in.ReadFlags.BusWidth.DTRData {
		flags.DTRCmd, flags.DTRAddr = true, true
	}

	if err := in.HW.ControlWithCmdEx(norspi.CEIWrap(norspi.OpWREN), flags); err != nil {
		return err
	}

	return in.HW.WriteWithCmdExAndAddr(norspi.CEIWrap(cmd), addr, 4, flags, nil)
}

func (m Macronix) WritePage(in *norspi.Instance, addr uint32, data []byte) error {
	if !m.isOctal(in) {
		return in.GenericWritePage(addr, data)
	}

	flags := m.octalFlags()
	if in.ReadFlags.BusWidth.DTRData {
		flags.DTRCmd, flags.DTRAddr, flags.DTRData = true, true, true
	}

	if err := in.HW.ControlWithCmdEx(norspi.CEIWrap(norspi.OpWREN), flags); err != nil {
		return err
	}

	return in.HW.WriteWithCmdExAndAddr(norspi.CEIWrap(norspi.OpPP4B), addr, 4, flags, data)
}

func (m Macronix) WaitForEndOfOp(in *norspi.Instance) error {
	if !m.isOctal(in) {
		if err := in.GenericPollBusy(); err != nil {
			return err
		}

		buf := make([]byte, 1)
		if err := in.HW.ReadReg(macronixOpSecurityRegister, buf); err != nil {
			return err
		}

		const errMask = (1 << 5) | (1 << 6) // P_FAIL, E_FAIL
		if buf[0]&errMask != 0 {
			return norspi.ErrDeviceError
		}

		return nil
	}

	flags := m.octalFlags()
	if in.ReadFlags.BusWidth.DTRData {
		flags.DTRCmd, flags.DTRAddr = true, true
	}

	return in.HW.PollWithCmdEx(norspi.CEIWrap(norspi.OpRDSR), flags, 0, 0, 0, 0)
}

// SetNumDummyCycles programs Configuration Register 2's dummy-cycle
// field with the table entry giving the fewest cycles that is still at
// least 8. clockHz is not used: the choice does not depend on the
// target clock.
func (m Macronix) SetNumDummyCycles(in *norspi.Instance, clockHz int) error {
	if !m.isOctal(in) {
		return nil
	}

	field := byte(0)
	for i, cycles := range macronixDummyCycleTable {
		if cycles >= 8 {
			field = byte(i)
		}
	}

	flags := m.octalFlags()
	if in.ReadFlags.BusWidth.DTRData {
		flags.DTRCmd, flags.DTRAddr, flags.DTRData = true, true, true
	}

	dummy := macronixDummyCycleTable[field]
	if in.ReadFlags.BusWidth.DTRData {
		dummy *= 2
	}
	in.ReadFlags.DummyBytes = dummy / 8

	return in.HW.WriteWithCmdExAndAddr(norspi.CEIWrap(macronixOpWRCR2), macronixCR2AddrDummy, 4, flags, []byte{field})
}
