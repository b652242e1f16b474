// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package norspi

// Descriptor is the per-family "class" contract: a sum-type of device
// descriptors, consulted in a fixed order by Identify. Each family
// package (norspi/family) provides one implementation.
type Descriptor interface {
	// Name identifies the family for logging.
	Name() string

	// Identify reports whether id (the RDID response) matches this
	// family, optionally recording instance-local quirks (e.g.
	// ReadModesDisabled) on in.
	Identify(in *Instance, id []byte) bool

	// Init releases the device from deep power-down, clears a
	// stale WEL, and for mode-changing devices recovers from an
	// unknown power-on mode.
	Init(in *Instance) error

	// SetBusWidth flips the family's QE/IOC/QUAD-equivalent bit to
	// match in.ReadFlags.BusWidth.
	SetBusWidth(in *Instance) error

	// SetNumAddrBytes applies EN4B/EX4B (or the family's
	// equivalent) and verifies the change.
	SetNumAddrBytes(in *Instance, n int) error

	// ReadApplyPara parses SFDP/CFI/hard-coded geometry and
	// populates in.Blocks, in.ReadOpcode, in.ReadFlags. in.PageSize is
	// not set here; it keeps the value Configure gave it.
	ReadApplyPara(in *Instance) error

	// RemoveWriteProtection clears whatever lock mechanism the
	// family uses over [addr, addr+len).
	RemoveWriteProtection(in *Instance, addr uint32, length uint32) error

	// EraseSector erases the sector containing addr using cmd (the
	// owning SectorBlock's EraseOpcode).
	EraseSector(in *Instance, cmd byte, addr uint32) error

	// WritePage programs data at addr (data does not cross a page
	// boundary; the block-I/O layer chunks by in.PageSize).
	WritePage(in *Instance, addr uint32, data []byte) error

	// WaitForEndOfOp polls busy/error status until the device signals
	// it has completed its last program/erase operation.
	WaitForEndOfOp(in *Instance) error

	// SetNumDummyCycles is only meaningful for Macronix Octal parts;
	// other families return nil without effect.
	SetNumDummyCycles(in *Instance, clockHz int) error
}

// identifyFamily walks in.FamilyOrder and returns the first matching
// descriptor, in order (lifecycle: a family descriptor is selected
// once at bring-up and remains bound for the life of the instance).
func (in *Instance) identifyFamily(id []byte) (Descriptor, error) {
	for _, d := range in.FamilyOrder {
		if d.Identify(in, id) {
			return d, nil
		}
	}
	return nil, ErrNoFamilyMatch
}
