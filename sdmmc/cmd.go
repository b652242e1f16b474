// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/usbarmory/sdnor/hwio"
	"github.com/usbarmory/sdnor/retry"
)

// stateMask is a bitset over the card FSM states.
type stateMask uint16

func stateBit(state int) stateMask { return 1 << uint(state) }

func (m stateMask) has(state int) bool { return m&stateBit(state) != 0 }

// command describes one SD/MMC command.
type command struct {
	Index      uint32
	IsAppCmd   bool
	NextStates stateMask
	Flags      hwio.CmdFlags
	Rsp        hwio.ResponseFormat
}

// dataInfo parametrizes a data-phase command.
type dataInfo struct {
	Blocks    int
	BlockSize int
	Buf       []byte
}

// commandsThatBypassRecovery are commands whose data phase must not run
// the stop_transmission_if_required recovery dance: tuning block reads
// and bus-test commands behave differently on error.
func commandsThatBypassRecovery(index uint32) bool {
	switch index {
	case 19, 21, // tuning block read (SD/MMC)
		14: // bus test
		return true
	default:
		return false
	}
}

// sendRaw issues a single command with no retry, no state checking, and
// reads back the response into rsp (len 4 for R1/R3/R6/R7, 16 for R2).
func (in *Instance) sendRaw(index uint32, flags hwio.CmdFlags, rf hwio.ResponseFormat, arg uint32) (rsp [16]byte, err error) {
	if in.HW == nil {
		return rsp, errors.New("sdmmc: no hardware adapter bound")
	}

	if err = in.HW.SendCmd(index, flags, rf, arg); err != nil {
		return rsp, err
	}

	n := 4
	if rf == hwio.RspR2 {
		n = 16
	}

	if err = in.HW.GetResponse(rsp[:n]); err != nil {
		return rsp, err
	}

	return rsp, nil
}

// r1Status extracts the 32-bit card status from an R1-shaped response.
func r1Status(rsp [16]byte) uint32 {
	return binary.BigEndian.Uint32(rsp[:4])
}

// execR1 issues cmd and retries on transient-hw or card-soft-error,
// aborting early if the card is no longer physically present (card-gone).
func (in *Instance) execR1(index uint32, isAppCmd bool, flags hwio.CmdFlags, rf hwio.ResponseFormat, arg uint32, retries int, statusOut *uint32) error {
	var lastRsp [16]byte

	err := retry.Attempts(retries, func(attempt int) error {
		if isAppCmd {
			if _, e := in.sendRaw(55, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(in.RCA)<<16); e != nil {
				return e
			}
		}

		rsp, e := in.sendRaw(index, flags, rf, arg)
		if e != nil {
			return e
		}

		lastRsp = rsp

		if rf == hwio.RspNone || rf == hwio.RspR3 || rf == hwio.RspR2 {
			return nil
		}

		status := r1Status(rsp)

		if e := cardSoftError(status); e != nil {
			return e
		}

		return nil
	}, func(err error) bool {
		return !in.HW.IsPresent()
	})

	if !in.HW.IsPresent() {
		return fmt.Errorf("%w: aborted CMD%d", ErrCardGone, index)
	}

	if statusOut != nil {
		*statusOut = r1Status(lastRsp)
	}

	return err
}

// execAppR1 precedes cmd with CMD55 using the current RCA.
func (in *Instance) execAppR1(index uint32, flags hwio.CmdFlags, rf hwio.ResponseFormat, arg uint32, retries int, statusOut *uint32) error {
	return in.execR1(index, true, flags, rf, arg, retries, statusOut)
}

// execR1WithStateTransition issues cmd, then verifies the card
// transitioned into one of next states. A communication error observed
// during the command is classified recoverable iff a subsequent CMD13
// observes the expected state.
func (in *Instance) execR1WithStateTransition(index uint32, flags hwio.CmdFlags, rf hwio.ResponseFormat, arg uint32, next stateMask) error {
	var status uint32

	err := in.execR1(index, false, flags, rf, arg, RetryCommand, &status)

	if err == nil {
		if !next.has(int((status >> 9) & 0xf)) {
			err = fmt.Errorf("sdmmc: CMD%d did not reach expected state", index)
		} else {
			return nil
		}
	}

	var recheck uint32
	if e2 := in.execR1(13, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(in.RCA)<<16, 1, &recheck); e2 == nil {
		if next.has(int((recheck >> 9) & 0xf)) {
			return nil
		}
	}

	return err
}

// stopTransmissionIfRequired issues CMD12 to terminate an open-ended
// transfer after a data error.
func (in *Instance) stopTransmissionIfRequired(openEnded bool) {
	if !openEnded {
		return
	}

	in.execR1(12, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1b, 0, 1, nil)
}

// execR1WithDataRead sets up the data phase command flags, configures
// block length/count, and reads data, retrying with
// stop_transmission_if_required on failure. The command flags carry no
// bus width; the width reaches the adapter only through SetMaxClock.
func (in *Instance) execR1WithDataRead(index uint32, arg uint32, di dataInfo, retries int, openEnded bool) error {
	flags := hwio.CmdFlags{CheckIndex: true, CheckCRC: true, HasData: true}

	return retry.Attempts(retries, func(attempt int) error {
		if err := in.HW.SetHWBlockLen(di.BlockSize); err != nil {
			return err
		}

		if err := in.HW.SetHWNumBlocks(di.Blocks); err != nil {
			return err
		}

		if err := in.HW.SetDataPointer(di.Buf); err != nil {
			return err
		}

		if err := in.HW.SendCmd(index, flags, hwio.RspR1, arg); err != nil {
			if !commandsThatBypassRecovery(index) {
				in.stopTransmissionIfRequired(openEnded)
			}
			return err
		}

		if err := in.HW.ReadData(di.Buf); err != nil {
			if !commandsThatBypassRecovery(index) {
				in.stopTransmissionIfRequired(openEnded)
			}
			return err
		}

		var rsp [4]byte
		if err := in.HW.GetResponse(rsp[:]); err != nil {
			return err
		}

		status := binary.BigEndian.Uint32(rsp[:])

		if e := cardSoftError(status); e != nil {
			if !commandsThatBypassRecovery(index) {
				in.stopTransmissionIfRequired(openEnded)
			}
			return e
		}

		return nil
	}, func(err error) bool {
		return in.HW != nil && !in.HW.IsPresent()
	})
}

// execR1WithDataWrite is the write counterpart of execR1WithDataRead.
func (in *Instance) execR1WithDataWrite(index uint32, arg uint32, di dataInfo, retries int, openEnded bool) error {
	flags := hwio.CmdFlags{CheckIndex: true, CheckCRC: true, HasData: true, Write: true}

	return retry.Attempts(retries, func(attempt int) error {
		if err := in.HW.SetHWBlockLen(di.BlockSize); err != nil {
			return err
		}

		if err := in.HW.SetHWNumBlocks(di.Blocks); err != nil {
			return err
		}

		if err := in.HW.SetDataPointer(di.Buf); err != nil {
			return err
		}

		if err := in.HW.SendCmd(index, flags, hwio.RspR1, arg); err != nil {
			in.stopTransmissionIfRequired(openEnded)
			return err
		}

		if err := in.HW.WriteData(di.Buf); err != nil {
			in.stopTransmissionIfRequired(openEnded)
			return err
		}

		var rsp [4]byte
		if err := in.HW.GetResponse(rsp[:]); err != nil {
			return err
		}

		status := binary.BigEndian.Uint32(rsp[:])

		if e := cardSoftError(status); e != nil {
			in.stopTransmissionIfRequired(openEnded)
			return e
		}

		return nil
	}, func(err error) bool {
		return in.HW != nil && !in.HW.IsPresent()
	})
}

// sendStatus issues CMD13 - SEND_STATUS.
func (in *Instance) sendStatus() (CardStatus, error) {
	var status uint32

	err := in.execR1(13, false, hwio.CmdFlags{CheckIndex: true, CheckCRC: true}, hwio.RspR1, uint32(in.RCA)<<16, RetryCommand, &status)

	return CardStatus{Raw: status}, err
}

// waitForReady implements READY_FOR_DATA = 1 polling.
func (in *Instance) waitForReady(timeout time.Duration) error {
	return retry.Poll(in.HW, retry.Params{TimeOut: timeout}, func() (bool, error) {
		st, err := in.sendStatus()
		if err != nil {
			if !in.HW.IsPresent() {
				return false, ErrCardGone
			}
			return false, nil
		}
		return st.ReadyForData(), nil
	})
}

// waitForIdle implements CURRENT_STATE ∈ {stby, tran} polling.
func (in *Instance) waitForIdle(timeout time.Duration) error {
	return retry.Poll(in.HW, retry.Params{TimeOut: timeout}, func() (bool, error) {
		st, err := in.sendStatus()
		if err != nil {
			if !in.HW.IsPresent() {
				return false, ErrCardGone
			}
			return false, nil
		}
		cs := st.CurrentState()
		return cs == StateStby || cs == StateTran, nil
	})
}

// waitForState implements the generic CURRENT_STATE == S predicate. On
// timeout it latches HasError.
func (in *Instance) waitForState(state int, timeout time.Duration) error {
	err := retry.Poll(in.HW, retry.Params{TimeOut: timeout}, func() (bool, error) {
		st, sErr := in.sendStatus()
		if sErr != nil {
			if !in.HW.IsPresent() {
				return false, ErrCardGone
			}
			return false, nil
		}
		return st.CurrentState() == state, nil
	})

	if err != nil && !errors.Is(err, ErrCardGone) {
		in.HasError = true
	}

	return err
}

// ensureTransferState moves the card into the Transfer state if it isn't
// already there.
func (in *Instance) ensureTransferState() error {
	st, err := in.sendStatus()
	if err != nil {
		return err
	}

	if st.CurrentState() == StateTran {
		return nil
	}

	return in.waitForState(StateTran, sdmmcDefaultTimeout)
}
