// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"fmt"

	"github.com/usbarmory/sdnor/hwio"
)

// Read transfers num sectors starting at sector (already adjusted by
// the caller to be relative to StartSector) into buf.
func (in *Instance) Read(sector int, num int, buf []byte) error {
	if err := in.checkReady(); err != nil {
		return err
	}

	if sector < 0 || num < 0 || sector+num > in.TotalSectors {
		return fmt.Errorf("%w: read out of range", ErrConfiguration)
	}

	absSector := sector + in.StartSector

	if in.IsPowerSaveActive {
		if err := in.exitPowerSave(); err != nil {
			return err
		}
	}

	if err := in.ensureTransferState(); err != nil {
		return err
	}

	maxBurst := in.MaxReadBurst

	err := retryEnvelope(RetryInit, func(firstFailure bool) error {
		if firstFailure {
			maxBurst = 1
		}

		s := absSector
		off := 0
		remaining := num

		for remaining > 0 {
			chunk := remaining
			if chunk > maxBurst {
				chunk = maxBurst
			}

			if in.ReadSingleLastSector && s+chunk-1 == in.StartSector+in.TotalSectors-1 && chunk > 1 {
				chunk--
			}

			sub := buf[off*BytesPerSector : (off+chunk)*BytesPerSector]

			var err error
			if chunk == 1 {
				err = in.readSingle(s, sub)
			} else {
				err = in.readMultiple(s, chunk, sub)
			}

			if err != nil {
				return err
			}

			s += chunk
			off += chunk
			remaining -= chunk
		}

		return nil
	})

	if in.Perm.AllowPowerSave {
		in.enterPowerSaveIfRequested()
	}

	return err
}

func (in *Instance) readSingle(sector int, buf []byte) error {
	arg := uint32(sector)
	if !in.IsHighCapacity {
		arg = uint32(sector) * BytesPerSector
	}

	return in.execR1WithDataRead(17, arg, dataInfo{Blocks: 1, BlockSize: BytesPerSector, Buf: buf}, RetryDataRead, false)
}

func (in *Instance) readMultiple(sector int, count int, buf []byte) error {
	arg := uint32(sector)
	if !in.IsHighCapacity {
		arg = uint32(sector) * BytesPerSector
	}

	closeEnded := in.IsCloseEndedRWSupported

	if closeEnded {
		if err := in.execR1(23, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(count), RetryCommand, nil); err != nil {
			return err
		}
	}

	if err := in.execR1WithDataRead(18, arg, dataInfo{Blocks: count, BlockSize: BytesPerSector, Buf: buf}, RetryDataRead, !closeEnded); err != nil {
		return err
	}

	if !closeEnded {
		in.execR1(12, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1b, 0, RetryCommand, nil)
	}

	return nil
}

// Write transfers num sectors starting at sector from buf, honouring
// the requested burst type.
func (in *Instance) Write(sector int, num int, buf []byte, burst BurstType) error {
	if in.IsWriteProtected {
		return ErrWriteProtected
	}

	if err := in.checkReady(); err != nil {
		return err
	}

	if sector < 0 || num < 0 || sector+num > in.TotalSectors {
		return fmt.Errorf("%w: write out of range", ErrConfiguration)
	}

	absSector := sector + in.StartSector

	maxBurst := in.burstLimit(burst)
	if !in.Perm.AllowBufferedWrite {
		maxBurst = 1
	}

	return retryEnvelope(RetryInit, func(firstFailure bool) error {
		if firstFailure {
			maxBurst = 1
		}

		s := absSector
		off := 0
		remaining := num

		for remaining > 0 {
			chunk := remaining
			if chunk > maxBurst {
				chunk = maxBurst
			}

			if !in.Perm.AllowBufferedWrite {
				if err := in.waitForState(StateTran, sdmmcDefaultTimeout); err != nil {
					return err
				}
				chunk = 1
			}

			sub := buf[off*BytesPerSector : (off+chunk)*BytesPerSector]

			var err error
			if chunk == 1 {
				err = in.writeSingle(s, sub)
			} else {
				err = in.writeMultiple(s, chunk, sub)
			}

			if err != nil {
				return err
			}

			s += chunk
			off += chunk
			remaining -= chunk
		}

		return nil
	})
}

func (in *Instance) burstLimit(burst BurstType) int {
	switch burst {
	case BurstRepeat:
		if in.MaxWriteBurstRepeat <= 0 {
			return 1
		}
		return in.MaxWriteBurstRepeat
	case BurstFill:
		limit := in.MaxWriteBurstRepeat
		if in.MaxWriteBurstFill > limit {
			limit = in.MaxWriteBurstFill
		}
		if limit <= 0 {
			return 1
		}
		return limit
	default:
		if in.MaxWriteBurst <= 0 {
			return 1
		}
		return in.MaxWriteBurst
	}
}

func (in *Instance) writeSingle(sector int, buf []byte) error {
	if err := in.prepareWrite(sector, 1); err != nil {
		return err
	}

	arg := uint32(sector)
	if !in.IsHighCapacity {
		arg = uint32(sector) * BytesPerSector
	}

	return in.execR1WithDataWrite(24, arg, dataInfo{Blocks: 1, BlockSize: BytesPerSector, Buf: buf}, RetryDataRead, false)
}

func (in *Instance) writeMultiple(sector int, count int, buf []byte) error {
	if err := in.prepareWrite(sector, count); err != nil {
		return err
	}

	arg := uint32(sector)
	if !in.IsHighCapacity {
		arg = uint32(sector) * BytesPerSector
	}

	openEnded := in.Type == CardSD && !in.IsCloseEndedRWSupported

	if err := in.execR1WithDataWrite(25, arg, dataInfo{Blocks: count, BlockSize: BytesPerSector, Buf: buf}, RetryDataRead, openEnded); err != nil {
		return err
	}

	if openEnded {
		in.execR1(12, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1b, 0, RetryCommand, nil)
	}

	return nil
}

// prepareWrite issues the CMD23/ACMD23 prepare step ahead of CMD24/CMD25.
func (in *Instance) prepareWrite(sector int, count int) error {
	switch {
	case in.Type == CardMMC:
		reliable := uint32(0)
		if in.IsReliableWriteActive {
			reliable = 1 << 31
		}
		return in.execR1(23, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(count)|reliable, RetryCommand, nil)
	case in.Type == CardSD && in.IsCloseEndedRWSupported:
		return in.execR1(23, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(count), RetryCommand, nil)
	case in.Type == CardSD:
		// Legacy open-ended: ACMD23 pre-erase count.
		return in.execAppR1(23, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(count), RetryCommand, nil)
	default:
		return nil
	}
}

// Erase implements MMC erase.
func (in *Instance) Erase(startSector int, endSector int) error {
	return in.eraseOrTrim(startSector, endSector, false)
}

// Trim implements MMC trim / free-sectors notification.
func (in *Instance) Trim(startSector int, endSector int) error {
	if in.Type != CardMMC {
		// Trim only implemented for MMC; no device command issued,
		// caller proceeds without error.
		return nil
	}

	return in.eraseOrTrim(startSector, endSector, true)
}

func (in *Instance) eraseOrTrim(startSector int, endSector int, trim bool) error {
	if in.Type != CardMMC {
		return ErrTrimNotSupported
	}

	if in.IsWriteProtected {
		return ErrWriteProtected
	}

	if err := in.checkReady(); err != nil {
		return err
	}

	abs0 := startSector + in.StartSector
	abs1 := endSector + in.StartSector

	if err := in.execR1(35, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(abs0), RetryCommand, nil); err != nil {
		return err
	}

	if err := in.execR1(36, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(abs1), RetryCommand, nil); err != nil {
		return err
	}

	arg := uint32(0)
	if trim {
		arg = 1 // MarkForErase=1
	}

	if err := in.execR1(38, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1b, arg, RetryCommand, nil); err != nil {
		return err
	}

	return in.waitForState(StateTran, sdmmcDefaultTimeout*5)
}

// UnlockForced implements the SD CMD42-based forced unlock sequence.
func (in *Instance) UnlockForced() error {
	if err := in.execR1(16, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, 36, RetryCommand, nil); err != nil {
		return err
	}

	const lockEraseFlag = 1 << 3

	pwd := make([]byte, 0)

	if err := in.execR1WithDataWrite(42, lockEraseFlag, dataInfo{Blocks: 1, BlockSize: 36, Buf: padTo(pwd, 36)}, RetryCommand, false); err != nil {
		return err
	}

	if err := in.execR1(16, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, BytesPerSector, RetryCommand, nil); err != nil {
		return err
	}

	_, err := in.sendStatus()
	return err
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (in *Instance) exitPowerSave() error {
	// CMD7 re-selects the card, ending Sleep/deselected state.
	if err := in.execR1(7, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1b, uint32(in.RCA)<<16, RetryCommand, nil); err != nil {
		return err
	}

	in.IsPowerSaveActive = false
	return nil
}

func (in *Instance) enterPowerSaveIfRequested() {
	if !in.Perm.AllowPowerSave {
		return
	}

	// CMD7 with RCA=0 deselects (SD) / CMD5 puts eMMC to sleep; both
	// collapse here to a deselect for simplicity.
	if in.execR1(7, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1b, 0, 1, nil) == nil {
		in.IsPowerSaveActive = true
	}
}

// checkReady enforces the has_error sticky invariant and lazily runs
// identification on first use.
func (in *Instance) checkReady() error {
	if in.HasError {
		return ErrHasError
	}

	if !in.IsInited {
		return in.Detect()
	}

	if !in.HW.IsPresent() {
		in.IsInited = false
		return ErrCardGone
	}

	return nil
}

// retryEnvelope runs fn up to attempts times; after the first failure
// the caller is expected to degrade burst size to 1 for the remainder
// of the call.
func retryEnvelope(attempts int, fn func(firstFailure bool) error) error {
	var err error
	firstFailure := false

	for i := 0; i < attempts; i++ {
		err = fn(firstFailure)
		if err == nil {
			return nil
		}
		firstFailure = true
	}

	return err
}
