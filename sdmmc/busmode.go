// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"errors"
	"fmt"
	"time"

	"github.com/usbarmory/sdnor/hwio"
)

const (
	extCSDBusWidth  = 183
	extCSDHSTiming  = 185
	extCSDCacheCtrl = 33
	extCSDDriverStr = 197
)

// selectBusWidth negotiates the widest bus the permission profile and
// the card both support.
func (in *Instance) selectBusWidth(isSD bool) error {
	if isSD {
		return in.selectBusWidthSD()
	}
	return in.selectBusWidthMMC()
}

func (in *Instance) selectBusWidthSD() error {
	in.BusWidth = 1

	if !in.Perm.Allow4Bit || in.sticky.bus4Bit == decisionPermanentlyUnavailable || !in.SCR.Bus4BitSupported {
		return in.setControllerBusWidth(1)
	}

	// ACMD6 - SET_BUS_WIDTH.
	if err := in.execAppR1(6, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, 0b10, RetryCommand, nil); err != nil {
		in.sticky.bus4Bit = decisionPermanentlyUnavailable
		return in.setControllerBusWidth(1)
	}

	// Verify via ACMD13 SD-status read.
	status := make([]byte, 64)
	if err := in.execAppR1WithDataRead(13, 0, dataInfo{Blocks: 1, BlockSize: 64, Buf: status}, RetryDataRead); err != nil {
		in.sticky.bus4Bit = decisionPermanentlyUnavailable
		return in.setControllerBusWidth(1)
	}

	if err := in.setControllerBusWidth(4); err != nil {
		return err
	}

	in.BusWidth = 4
	return nil
}

// execAppR1WithDataRead is the ACMD counterpart of execR1WithDataRead.
func (in *Instance) execAppR1WithDataRead(index uint32, arg uint32, di dataInfo, retries int) error {
	if err := in.execR1(55, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(in.RCA)<<16, 1, nil); err != nil {
		return err
	}
	return in.execR1WithDataRead(index, arg, di, retries, false)
}

func (in *Instance) selectBusWidthMMC() error {
	in.BusWidth = 1

	tryWidth := func(width int, code byte) error {
		if err := in.mmcSwitch(extCSDBusWidth, code); err != nil {
			return err
		}
		return in.setControllerBusWidth(width)
	}

	if in.Perm.Allow8Bit && in.sticky.bus8Bit == decisionUntried {
		if err := tryWidth(8, 0b10); err == nil {
			in.BusWidth = 8
			return nil
		}
		in.sticky.bus8Bit = decisionPermanentlyUnavailable
	}

	if in.Perm.Allow4Bit && in.sticky.bus4Bit == decisionUntried {
		if err := tryWidth(4, 0b01); err == nil {
			in.BusWidth = 4
			return nil
		}
		in.sticky.bus4Bit = decisionPermanentlyUnavailable
	}

	return in.setControllerBusWidth(1)
}

func (in *Instance) setControllerBusWidth(width int) error {
	_, err := in.HW.SetMaxClock(in.ClockKHz, hwio.ClockFlags{BusWidthBits: width})
	return err
}

// selectAccessMode runs the access-mode ladder.
func (in *Instance) selectAccessMode(isSD bool) error {
	if isSD {
		return in.selectAccessModeSD()
	}
	return in.selectAccessModeMMC()
}

// sdModeLadder lists SD access modes from highest to lowest.
var sdModeLadder = []struct {
	mode  AccessMode
	group byte
}{
	{ModeSDR104, 3},
	{ModeDDR50, 4},
	{ModeSDR50, 2},
	{ModeHS, 1},
}

func (in *Instance) selectAccessModeSD() error {
	for _, step := range sdModeLadder {
		if !in.modeAllowed(step.mode) {
			continue
		}

		if in.modeRequiresUHSVoltage(step.mode) && in.VoltageMV > UHSVoltageMarkerMV {
			continue
		}

		if step.mode == ModeDDR50 && in.BusWidth < 4 {
			continue
		}

		supported, err := in.sdSwitchCheck(step.group)
		if err != nil || !supported {
			continue
		}

		if err := in.sdSwitchSet(step.group); err != nil {
			in.markModeUnavailable(step.mode)
			continue
		}

		// Re-read CSD to pick up the updated TRAN_SPEED.
		if err := in.readCSD(true); err != nil {
			return err
		}

		if err := in.applyClockForMode(step.mode, true); err != nil {
			in.markModeUnavailable(step.mode)
			continue
		}

		if in.requiresTuning(step.mode) {
			if err := in.runTuning(true); err != nil {
				in.markModeUnavailable(step.mode)
				return &capabilityError{cause: err, mark: func(s *sticky) {
					in.markModeUnavailableS(s, step.mode)
				}}
			}
		}

		in.AccessMode = step.mode
		return nil
	}

	in.AccessMode = ModeDS
	return in.applyClockForMode(ModeDS, true)
}

func (in *Instance) selectAccessModeMMC() error {
	type step struct {
		mode AccessMode
		try  func() error
	}

	ladder := []step{
		{ModeHS400, in.trySetHS400},
		{ModeHS200, in.trySetHS200},
		{ModeHSDDR, in.trySetHSDDR},
		{ModeHS, in.trySetHS},
	}

	for _, s := range ladder {
		if !in.modeAllowed(s.mode) {
			continue
		}

		if err := s.try(); err != nil {
			in.markModeUnavailable(s.mode)
			continue
		}

		in.AccessMode = s.mode
		return nil
	}

	in.AccessMode = ModeDS
	return nil
}

func (in *Instance) trySetHS() error {
	if err := in.mmcSwitch(extCSDHSTiming, 1); err != nil {
		return err
	}
	return in.applyClockForMode(ModeHS, false)
}

func (in *Instance) trySetHSDDR() error {
	if in.BusWidth < 4 {
		return errors.New("sdmmc: HS_DDR requires 4/8-bit bus")
	}

	if err := in.mmcSwitch(extCSDHSTiming, 1); err != nil {
		return err
	}

	return in.applyClockForMode(ModeHSDDR, true)
}

func (in *Instance) trySetHS200() error {
	if in.BusWidth < 4 || in.VoltageMV > UHSVoltageMarkerMV {
		return errors.New("sdmmc: HS200 requires 4/8-bit bus and 1.8V")
	}

	if err := in.mmcSwitch(extCSDHSTiming, 2); err != nil {
		return err
	}

	if err := in.applyClockForMode(ModeHS200, false); err != nil {
		return err
	}

	if !in.requiresTuning(ModeHS200) {
		return nil
	}

	return in.runTuning(false)
}

func (in *Instance) trySetHS400() error {
	if in.BusWidth != 8 || in.VoltageMV > UHSVoltageMarkerMV {
		return errors.New("sdmmc: HS400 requires 8-bit bus and 1.8V")
	}

	// HS400 protocol: switch to HS timing, clock <=52MHz, set 8-bit DDR
	// (+ strobe flags), write HS400 to HS_TIMING, wait ready, then
	// raise clock to 200MHz.
	if err := in.mmcSwitch(extCSDHSTiming, 1); err != nil {
		return err
	}

	if err := in.applyClockForMode(ModeHS, false); err != nil {
		return err
	}

	flags := hwio.ClockFlags{BusWidthBits: 8, DDR: true}
	if in.Perm.AllowEnhancedStrobe && in.ExtCSD.Raw[184] != 0 {
		flags.EnhancedStrobe = true
	}

	if _, err := in.HW.SetMaxClock(52000, flags); err != nil {
		return err
	}

	if err := in.mmcSwitch(extCSDHSTiming, 3); err != nil {
		return err
	}

	if err := in.waitForReady(sdmmcDefaultTimeout); err != nil {
		return err
	}

	if _, err := in.HW.SetMaxClock(200000, flags); err != nil {
		return err
	}

	in.ClockKHz = 200000
	in.IsEnhancedStrobeActive = flags.EnhancedStrobe

	return nil
}

func (in *Instance) modeAllowed(mode AccessMode) bool {
	switch mode {
	case ModeHS:
		return in.Perm.AllowHS && in.sticky.hs == decisionUntried
	case ModeHSDDR:
		return in.Perm.AllowHSDDR && in.sticky.hsDDR == decisionUntried
	case ModeSDR50:
		return in.Perm.AllowSDR50 && in.sticky.sdr50 == decisionUntried
	case ModeDDR50:
		return in.Perm.AllowDDR50 && in.sticky.ddr50 == decisionUntried
	case ModeSDR104:
		return in.Perm.AllowSDR104 && in.sticky.sdr104 == decisionUntried
	case ModeHS200:
		return in.Perm.AllowHS200 && in.sticky.hs200 == decisionUntried
	case ModeHS400:
		return in.Perm.AllowHS400 && in.sticky.hs400 == decisionUntried
	default:
		return true
	}
}

func (in *Instance) markModeUnavailable(mode AccessMode) {
	in.markModeUnavailableS(&in.sticky, mode)
}

func (in *Instance) markModeUnavailableS(s *sticky, mode AccessMode) {
	switch mode {
	case ModeHS:
		s.hs = decisionPermanentlyUnavailable
	case ModeHSDDR:
		s.hsDDR = decisionPermanentlyUnavailable
	case ModeSDR50:
		s.sdr50 = decisionPermanentlyUnavailable
	case ModeDDR50:
		s.ddr50 = decisionPermanentlyUnavailable
	case ModeSDR104:
		s.sdr104 = decisionPermanentlyUnavailable
	case ModeHS200:
		s.hs200 = decisionPermanentlyUnavailable
	case ModeHS400:
		s.hs400 = decisionPermanentlyUnavailable
	}
}

func (in *Instance) modeRequiresUHSVoltage(mode AccessMode) bool {
	switch mode {
	case ModeSDR50, ModeSDR104, ModeDDR50:
		return true
	default:
		return false
	}
}

func (in *Instance) requiresTuning(mode AccessMode) bool {
	if !in.Perm.TuningRequested {
		return false
	}

	switch mode {
	case ModeSDR50, ModeSDR104, ModeHS200:
		return true
	default:
		return false
	}
}

// sdSwitchCheck/sdSwitchSet run CMD6 mode-check / mode-switch for the SD
// access-mode function group.
func (in *Instance) sdSwitchCheck(group byte) (bool, error) {
	status := make([]byte, 64)
	arg := sdSwitchArg(0, group, 0xf)

	if err := in.execR1WithDataRead(6, arg, dataInfo{Blocks: 1, BlockSize: 64, Buf: status}, RetryCommand, false); err != nil {
		return false, err
	}

	// Support bits live at byte 13 in the 64-byte status.
	return status[13]&(1<<uint(group-1)) != 0, nil
}

func (in *Instance) sdSwitchSet(group byte) error {
	status := make([]byte, 64)
	arg := sdSwitchArg(1, group, byte(group))

	if err := in.execR1WithDataRead(6, arg, dataInfo{Blocks: 1, BlockSize: 64, Buf: status}, RetryCommand, false); err != nil {
		return err
	}

	if status[16]&0xf == 0xf {
		return fmt.Errorf("sdmmc: switch function group %d rejected", group)
	}

	return in.waitForState(StateTran, 500*time.Millisecond)
}

func sdSwitchArg(mode byte, group byte, val byte) uint32 {
	arg := uint32(0x00ffffff)

	if mode == 1 {
		arg |= 1 << 31
	} else {
		arg &^= 1 << 31
	}

	shift := (group - 1) * 4
	arg &^= uint32(0xf) << shift
	arg |= uint32(val&0xf) << shift

	return arg
}

func (in *Instance) applyClockForMode(mode AccessMode, isSD bool) error {
	var kHz int

	if isSD {
		ddr := mode == ModeDDR50
		kHz = clockFromTranSpeed(in.CSD.TranSpeedRaw, true, ddr)
	} else {
		kHz = mmcCardTypeClockKHz(mode, in.ExtCSD.CardType)
	}

	flags := hwio.ClockFlags{BusWidthBits: in.BusWidth, DDR: mode == ModeDDR50 || mode == ModeHSDDR}

	actual, err := in.HW.SetMaxClock(kHz, flags)
	if err != nil {
		return err
	}

	in.ClockKHz = actual
	in.HW.SetReadDataTimeout(time.Duration(readDataTimeoutFromClockMS(actual)) * time.Millisecond)

	return nil
}

// enableCache toggles EXT_CSD.CACHE_CTRL.
func (in *Instance) enableCache(enable bool) error {
	val := byte(0)
	if enable {
		val = 1
	}
	return in.mmcSwitch(extCSDCacheCtrl, val)
}

// applySectorRange enforces StartSector/MaxSectors and caches the
// hardware adapter's burst limits.
func (in *Instance) applySectorRange() error {
	device := in.CSD.TotalSectors

	if in.StartSector >= device {
		return fmt.Errorf("%w: start_sector %d >= device sectors %d", ErrConfiguration, in.StartSector, device)
	}

	usable := device - in.StartSector
	if in.MaxSectors > 0 && in.MaxSectors < usable {
		usable = in.MaxSectors
	}

	if usable <= 0 {
		return fmt.Errorf("%w: zero usable sectors after range restriction", ErrConfiguration)
	}

	in.TotalSectors = usable
	in.MaxReadBurst = in.HW.GetMaxReadBurst()
	in.MaxWriteBurst = in.HW.GetMaxWriteBurst()

	if brf, ok := in.HW.(hwio.BurstRepeatFiller); ok {
		in.MaxWriteBurstRepeat = brf.GetMaxWriteBurstRepeat()
		in.MaxWriteBurstFill = brf.GetMaxWriteBurstFill()
	}

	if in.MaxReadBurst <= 0 {
		in.MaxReadBurst = 1
	}
	if in.MaxWriteBurst <= 0 {
		in.MaxWriteBurst = 1
	}

	return nil
}
