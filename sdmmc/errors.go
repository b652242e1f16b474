// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import "errors"

// Sentinel errors.
var (
	ErrCardGone         = errors.New("sdmmc: card removed")
	ErrWriteProtected   = errors.New("sdmmc: card is write protected")
	ErrTimeout          = errors.New("sdmmc: operation timed out")
	ErrHasError         = errors.New("sdmmc: instance latched an error, remount required")
	ErrNotInited        = errors.New("sdmmc: instance not initialized")
	ErrConfiguration    = errors.New("sdmmc: invalid configuration")
	ErrUnsupportedCSD   = errors.New("sdmmc: unsupported CSD version")
	ErrUnknownCardType  = errors.New("sdmmc: unknown card type")
	ErrTrimNotSupported = errors.New("sdmmc: trim only implemented for MMC")
	ErrCapabilityFailed = errors.New("sdmmc: capability probe failed")
)

// r1ErrorBit is one entry of the R1 card-status error taxonomy. Bit
// positions follow p131, Table 4-42, SD-PL-7.10 / p160, Table 68,
// JESD84-B51.
type r1ErrorBit struct {
	pos  int
	name string
}

var r1ErrorBits = []r1ErrorBit{
	{31, "OUT_OF_RANGE"},
	{30, "ADDRESS_ERROR"},
	{29, "BLOCK_LEN_ERROR"},
	{28, "ERASE_SEQ_ERROR"},
	{27, "ERASE_PARAM"},
	{26, "WP_VIOLATION"},
	{24, "LOCK_UNLOCK_FAILED"},
	{23, "COM_CRC_ERROR"},
	{22, "ILLEGAL_COMMAND"},
	{21, "CARD_ECC_FAILED"},
	{20, "CC_ERROR"},
	{19, "ERROR"},
	{16, "CSD_OVERWRITE"},
	{13, "WP_ERASE_SKIP"},
	{3, "AKE_SEQ_ERROR"},
}

// cardSoftError reports whether the card status contains any of the R1
// error bits, and returns a descriptive error naming the first bit found.
func cardSoftError(status uint32) error {
	for _, b := range r1ErrorBits {
		if (status>>b.pos)&1 == 1 {
			return &CardError{Bit: b.name, Status: status}
		}
	}

	return nil
}

// CardError wraps a single R1 error-bit observation.
type CardError struct {
	Bit    string
	Status uint32
}

func (e *CardError) Error() string {
	return "sdmmc: card status error " + e.Bit
}

// illegalCommand reports whether status carries ILLEGAL_COMMAND, used by
// the MMC RCA-publish path to accept a failed SD-style CMD3 attempt.
func illegalCommand(status uint32) bool {
	return (status>>22)&1 == 1
}
