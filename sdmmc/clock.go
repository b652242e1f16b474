// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

// tranSpeedUnitKHz10 is the unit table for the TRAN_SPEED CSD field in
// kHz (100 kHz, 1 MHz, 10 MHz, 100 MHz), indexed by the field's low 2 bits.
var tranSpeedUnitKHz10 = [4]int{100, 1000, 10000, 100000}

// tranSpeedFactorSD is the x10 multiplier table for SD cards (bits 6:3
// of TRAN_SPEED).
var tranSpeedFactorSD = [16]int{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}

// tranSpeedFactorMMC is the equivalent table for MMC cards, kept
// distinct since some vendor cards diverge in the upper entries.
var tranSpeedFactorMMC = tranSpeedFactorSD

// clockFromTranSpeed decodes the CSD TRAN_SPEED byte into a kHz value,
// halving the result when ddr is requested.
func clockFromTranSpeed(tranSpeed byte, isSD bool, ddr bool) (kHz int) {
	unit := tranSpeedUnitKHz10[tranSpeed&0x3]
	factorIdx := (tranSpeed >> 3) & 0xf

	var factor int
	if isSD {
		factor = tranSpeedFactorSD[factorIdx]
	} else {
		factor = tranSpeedFactorMMC[factorIdx]
	}

	// unit is in kHz; factor is x10 scaled.
	kHz = unit * factor / 10

	if ddr {
		kHz /= 2
	}

	return kHz
}

// mmcCardTypeClockKHz maps EXT_CSD.CARD_TYPE bits to the legacy/HS_DDR/
// HS200/HS400 fixed clock caps.
func mmcCardTypeClockKHz(mode AccessMode, cardType byte) int {
	switch mode {
	case ModeHS400:
		return 200000
	case ModeHS200:
		return 200000
	case ModeHSDDR:
		return 52000
	case ModeHS:
		// CARD_TYPE bit 1: HS @ 52MHz, bit 0: HS @ 26MHz.
		if cardType&0x2 != 0 {
			return 52000
		}
		return 26000
	default:
		return DefaultStartupClockKHz
	}
}

// readDataTimeoutFromClockMS derives the data-read timeout from the
// current clock: never shorter than 100ms, never shorter than roughly
// 1M clock cycles.
func readDataTimeoutFromClockMS(kHz int) int {
	if kHz <= 0 {
		return 100
	}

	ms := 1_000_000 / kHz
	if ms < 100 {
		ms = 100
	}

	return ms
}
