// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package norspi

import (
	"github.com/usbarmory/sdnor/bits"
	"github.com/usbarmory/sdnor/hwio"
	"github.com/usbarmory/sdnor/retry"
)

// ReadID issues RDID and returns the manufacturer + device id bytes.
func (in *Instance) ReadID() ([]byte, error) {
	buf := make([]byte, 8)
	if err := in.HW.ReadReg(OpRDID, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadStatus issues RDSR.
func (in *Instance) ReadStatus() (byte, error) {
	buf := make([]byte, 1)
	if err := in.HW.ReadReg(OpRDSR, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteEnable issues WREN, then rereads status to confirm WEL.
func (in *Instance) WriteEnable() error {
	return retry.Poll(in.HW, retry.Params{TimeOut: in.PollPara.Timeout, Delay: in.PollPara.Delay}, func() (bool, error) {
		if err := in.HW.Control(OpWREN); err != nil {
			return false, err
		}

		sr, err := in.ReadStatus()
		if err != nil {
			return false, err
		}

		return sr&0x2 != 0, nil // WEL bit 1
	})
}

// WriteDisable is the WRDIS counterpart.
func (in *Instance) WriteDisable() error {
	return retry.Poll(in.HW, retry.Params{TimeOut: in.PollPara.Timeout, Delay: in.PollPara.Delay}, func() (bool, error) {
		if err := in.HW.Control(OpWRDIS); err != nil {
			return false, err
		}

		sr, err := in.ReadStatus()
		if err != nil {
			return false, err
		}

		return sr&0x2 == 0, nil
	})
}

// GenericWritePage implements write_page for families that don't
// override the opcode/addressing framing.
func (in *Instance) GenericWritePage(addr uint32, data []byte) error {
	cmd := in.WriteOpcode
	if cmd == 0 {
		if in.NumAddrBytes == 4 {
			cmd = OpPP4B
		} else {
			cmd = OpPP
		}
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	addrBytes, addr := in.EncodeAddress(addr)

	return in.HW.WriteWithCmdExAndAddr([]byte{cmd}, addr, addrBytes, in.WriteWidth, data)
}

// GenericEraseSector implements erase_sector for families that don't
// override opcode framing.
func (in *Instance) GenericEraseSector(cmd byte, addr uint32) error {
	if err := in.WriteEnable(); err != nil {
		return err
	}

	addrBytes, addr := in.EncodeAddress(addr)

	return in.HW.WriteWithCmdExAndAddr([]byte{cmd}, addr, addrBytes, hwio.SPIFlags{CmdWidth: 1, AddrWidth: 1, DataWidth: 1}, nil)
}

// EncodeAddress applies the dual-die 3-to-4-byte address promotion
// described for ×2 parallel writes: when the original request is
// 3-byte addressing but the die-combined address exceeds 24 bits, the
// driver promotes to 4-byte framing and flags HW_FLAG_ADDR_3BYTE so the
// hardware halves/doubles the address correctly for the pair.
func (in *Instance) EncodeAddress(addr uint32) (addrBytes int, out uint32) {
	addrBytes = in.NumAddrBytes

	if in.IsDualDie && addrBytes == 3 && addr > 0xFFFFFF {
		addrBytes = 4
		in.HWFlags |= FlagAddr3Byte
	}

	return addrBytes, addr
}

// GenericPollBusy implements the family-agnostic busy poll: it hands
// the wait for RDSR bit 0 (WIP) to clear to SPIHost.Poll, with the
// instance's pacing delay and timeout. How the poll is carried out is
// up to the adapter; there is no separate software loop here.
func (in *Instance) GenericPollBusy() error {
	return in.HW.Poll(OpRDSR, 0, 0, in.PollPara.Delay, in.PollPara.Timeout)
}

// GenericRemoveWriteProtection clears the BP[2:0] block-protection bits
// in the status register if set.
func (in *Instance) GenericRemoveWriteProtection(addr uint32, length uint32) error {
	sr, err := in.ReadStatus()
	if err != nil {
		return err
	}

	if sr&0x1C == 0 {
		return nil
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	cleared := sr &^ 0x1C
	return in.HW.WriteReg(OpWRSR, []byte{cleared})
}

// MicrochipRemoveWriteProtection walks the sector-block table clearing
// the matching lock bits in the family's Block Protection Register,
// accounting for the BPR's read-lock-interleaved bit layout (two bits
// per sector: write-lock then read-lock); both bits of each covered
// sector are cleared.
func (in *Instance) MicrochipRemoveWriteProtection(addr uint32, length uint32) error {
	bpr := make([]byte, 32)
	if err := in.HW.ReadReg(OpRBPR, bpr); err != nil {
		return err
	}

	startSector, endSector := in.SectorRangeFor(addr, length)

	for s := startSector; s <= endSector; s++ {
		bitPos := s * 2
		bits.ClearBits(bpr, bitPos+1, bitPos, len(bpr))
	}

	if err := in.WriteEnable(); err != nil {
		return err
	}

	return in.HW.WriteReg(OpWBPR, bpr)
}

func (in *Instance) SectorRangeFor(addr uint32, length uint32) (start int, end int) {
	startByte := int64(addr)
	endByte := int64(addr) + int64(length) - 1

	start = in.SectorIndexForByte(startByte)
	end = in.SectorIndexForByte(endByte)

	return start, end
}

func (in *Instance) SectorIndexForByte(byteOffset int64) int {
	var idx, consumed int
	var off int64

	for _, b := range in.Blocks {
		span := int64(b.NumSectors) * int64(b.bytesPerSector())
		if byteOffset < off+span {
			return consumed + int((byteOffset-off)/int64(b.bytesPerSector()))
		}
		off += span
		consumed += b.NumSectors
	}

	return idx
}

// CEIWrap builds the 2-byte Command-Extension-Inverted opcode used by
// Macronix OPI-mode transactions: [cmd, ^cmd].
func CEIWrap(cmd byte) []byte {
	return []byte{cmd, ^cmd}
}
