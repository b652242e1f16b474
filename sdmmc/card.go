// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdmmc implements the core block-device driver for SD/MMC cards
// operated in native card (4/8-bit parallel) mode. Identification, bus
// configuration and sector I/O are all driven against the hwio.SDHost
// contract; no register or bus specifics live here.
package sdmmc

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbarmory/sdnor/hwio"
)

// CardType identifies the kind of card bound to an Instance.
type CardType int

const (
	CardUnknown CardType = iota
	CardSD
	CardMMC
)

func (t CardType) String() string {
	switch t {
	case CardSD:
		return "SD"
	case CardMMC:
		return "MMC"
	default:
		return "unknown"
	}
}

// AccessMode is the SD/MMC signalling/throughput tier.
type AccessMode int

const (
	ModeDS AccessMode = iota
	ModeHS
	ModeHSDDR
	ModeSDR50
	ModeDDR50
	ModeSDR104
	ModeHS200
	ModeHS400
)

func (m AccessMode) String() string {
	switch m {
	case ModeHS:
		return "HS"
	case ModeHSDDR:
		return "HS_DDR"
	case ModeSDR50:
		return "SDR50"
	case ModeDDR50:
		return "DDR50"
	case ModeSDR104:
		return "SDR104"
	case ModeHS200:
		return "HS200"
	case ModeHS400:
		return "HS400"
	default:
		return "DS"
	}
}

// DriverStrength is the eMMC/UHS-I output driver strength type (HS200/
// HS400/SDR104 CMD6 group 2).
type DriverStrength int

const (
	DriverStrengthTypeB DriverStrength = iota
	DriverStrengthTypeA
	DriverStrengthTypeC
	DriverStrengthTypeD
)

// BurstType selects the write intent hint.
type BurstType int

const (
	BurstNormal BurstType = iota
	BurstRepeat
	BurstFill
)

const (
	// BytesPerSectorShift is fixed at 512 B.
	BytesPerSectorShift = 9
	BytesPerSector       = 1 << BytesPerSectorShift

	DefaultStartupClockKHz = 400
	DefaultVoltageMV       = 3300
	LowVoltageMinMV        = 1700
	LowVoltageMaxMV        = 1950
	UHSVoltageMarkerMV     = 1800

	DefaultMMCRCA = 1
)

// Retry budgets.
const (
	RetryCommand     = 5
	RetryDataRead    = 5
	RetryIdentifySD  = 2000
	RetryIdentifyMMC = 4000
	RetryGoIdle      = 10
	RetryRCA         = 10
	RetrySwitch      = 100
	RetryInit        = 5
	RetryTuning      = 10
)

// Permissions is the builder-like, once-consumed permission struct. It
// must be set via Instance.Configure before the first I/O; it becomes
// immutable once identification has run.
type Permissions struct {
	Allow4Bit bool
	Allow8Bit bool
	AllowHS   bool

	AllowHSDDR  bool
	AllowSDR50  bool
	AllowDDR50  bool
	AllowSDR104 bool
	AllowHS200  bool
	AllowHS400  bool

	Allow1V8 bool

	AllowReliableWrite   bool
	AllowBufferedWrite   bool
	AllowCacheActivation bool
	AllowPowerSave       bool
	AllowEnhancedStrobe  bool

	// RequestedDriverStrength is honoured only if the card/EXT_CSD
	// advertises support; otherwise the default is used.
	RequestedDriverStrength DriverStrength

	// TuningRequested gates whether SDR50/SDR104/HS200 run sampling-
	// point tuning at all.
	TuningRequested bool
}

// DefaultPermissions mirrors the historical hard-coded bring-up used when
// no YAML profile is supplied (see LoadPermissions).
func DefaultPermissions() Permissions {
	return Permissions{
		Allow4Bit:       true,
		Allow8Bit:       true,
		AllowHS:         true,
		TuningRequested: true,
	}
}

// capabilityDecision replaces a boolean "*Error" sticky flag with an
// explicit tri-state per capability.
type capabilityDecision int

const (
	decisionUntried capabilityDecision = iota
	decisionPermanentlyUnavailable
)

// sticky tracks which bring-up capabilities have been permanently ruled
// out by a prior failed probe.
type sticky struct {
	bus4Bit    capabilityDecision
	bus8Bit    capabilityDecision
	hs         capabilityDecision
	hsDDR      capabilityDecision
	sdr50      capabilityDecision
	ddr50      capabilityDecision
	sdr104     capabilityDecision
	hs200      capabilityDecision
	hs400      capabilityDecision
	voltage1V8 capabilityDecision
	tuning     capabilityDecision
	driverStr  capabilityDecision
}

func (s *sticky) reset() { *s = sticky{} }

// OCR is the 48-bit Operation Conditions Register (decoded subset).
type OCR struct {
	Busy bool
	HCS  bool
	S18A bool
}

// CID is the 128-bit Card Identification register, kept raw: its layout
// is vendor/card-type specific and of no interest to the block I/O layer.
type CID [16]byte

// CSD is the 128-bit Card Specific Data register, kept raw plus the
// decoded fields the driver actually consumes.
type CSD struct {
	Raw [16]byte

	Version      int
	TotalSectors int
	TranSpeedRaw byte
}

// ExtCSD is the 512 B MMC extended configuration register, kept raw plus
// decoded fields.
type ExtCSD struct {
	Raw [512]byte

	SectorCount    uint32
	CardType       byte
	BusWidth       byte
	HSTiming       byte
	CacheSize      uint32
	CacheCtrl      byte
	DriverStrength byte
}

// SCR is the 64-bit SD Configuration Register.
type SCR struct {
	Raw              [8]byte
	SDSpec           byte
	Bus4BitSupported bool
}

// CardStatus is the 48-bit (32-bit as returned by R1) card status register.
type CardStatus struct {
	Raw uint32
}

func (s CardStatus) CurrentState() int {
	return int((s.Raw >> 9) & 0xf)
}

func (s CardStatus) ReadyForData() bool {
	return (s.Raw>>8)&1 == 1
}

// Card FSM states (p131, Table 4-42, SD-PL-7.10 / p160, Table 68, JESD84-B51).
const (
	StateIdle = iota
	StateReady
	StateIdent
	StateStby
	StateTran
	StateData
	StateRcv
	StatePrg
	StateDis
)

// Instance is one driver instance bound to a single hardware unit. The
// caller allocates it; identification runs lazily on first use (see
// checkReady). It carries all mutable state; nothing here is safe for concurrent use
// across goroutines without external locking.
type Instance struct {
	HW hwio.SDHost

	Log *logrus.Entry

	Perm Permissions

	// FamilyOrder is unused for SD/MMC (kept absent on purpose: there
	// is no family table for the native card protocol, only for
	// SPI-NOR — see norspi.FamilyOrder).

	Type             CardType
	RCA              uint16
	IsHighCapacity   bool
	IsWriteProtected bool

	TotalSectors int
	StartSector  int
	MaxSectors   int

	BusWidth       int
	ClockKHz       int
	VoltageMV      int
	AccessMode     AccessMode
	DriverStrength DriverStrength

	IsInited                bool
	IsHWInited              bool
	HasError                bool
	IsCacheEnabled          bool
	IsReliableWriteActive   bool
	IsCloseEndedRWSupported bool
	IsPowerSaveActive       bool
	IsEnhancedStrobeActive  bool

	MaxReadBurst        int
	MaxWriteBurst       int
	MaxWriteBurstRepeat int
	MaxWriteBurstFill   int

	CID    CID
	CSD    CSD
	ExtCSD ExtCSD
	SCR    SCR

	sticky sticky

	// ReadSingleLastSector mirrors FS_MMC_READ_SINGLE_LAST_SECTOR: when
	// set, a multi-block read whose tail lands on the final sector is
	// split so the last sector is read with CMD17.
	ReadSingleLastSector bool
}

func (in *Instance) log() *logrus.Entry {
	if in.Log != nil {
		return in.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// DeviceInfo is the block-device contract's get_device_info result.
type DeviceInfo struct {
	BytesPerSector int
	NumSectors     int
}

func (in *Instance) capacitySectors() int {
	return in.CSD.TotalSectors
}

// sdmmcDefaultTimeout is used where a finite timeout is clearly required
// but no specific bound is otherwise called for.
const sdmmcDefaultTimeout = 1 * time.Second
