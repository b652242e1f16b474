// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package simhw

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/usbarmory/sdnor/bits"
	"github.com/usbarmory/sdnor/hwio"
)

const sectorSize = 512

// SDCard is an in-memory model of a single SDHC card: CMD0-CMD9/ACMD41
// bring-up, 4-bit bus width, default-speed-only access mode (every CMD6
// function-group query reports unsupported, steering sdmmc's ladder to
// the always-available default speed), and CMD17/18/24/25 sector I/O
// against a flat memory buffer. UHS voltage switching, tuning and
// HS200/HS400 are not modelled: the corresponding hwio capability
// interfaces are simply not implemented by this type, which sdmmc treats
// as "capability absent", not an error.
type SDCard struct {
	mu sync.Mutex

	Memory []byte
	present bool

	dat3PullUp bool

	rca          uint16
	appCmdArmed  bool
	selected     bool

	blockLen  int
	numBlocks int

	pendingIndex uint32
	pendingArg   uint32

	cid [16]byte
	csd [16]byte
	scr [8]byte

	lastResponse [16]byte
}

// NewSDCard allocates a card model with the given total sector count.
func NewSDCard(numSectors int) *SDCard {
	c := &SDCard{
		Memory:  make([]byte, numSectors*sectorSize),
		present: true,
		rca:     6, // arbitrary, chosen to avoid colliding with R1 error bit positions
	}

	c.cid = [16]byte{0x03, 'S', 'I', 'M', '0', '1', 0x10, 0, 0, 0, 0, 0, 0, 0, 0, 0x01}

	bits.SetBits(c.csd[:], 127, 126, 16, 1) // CSD structure version 2.0 (SDHC)
	bits.SetBits(c.csd[:], 103, 96, 16, 0x32) // TRAN_SPEED: 25 MHz, normal
	cSize := uint32(numSectors/1024) - 1
	bits.SetBits(c.csd[:], 69, 48, 16, cSize)

	c.scr[0] = 0x02 // SD_SPEC = 2 (v2.00)
	c.scr[1] = 0x04 // bus-width bitmap: 4-bit supported

	return c
}

// SetPresent simulates card insertion/removal.
func (c *SDCard) SetPresent(present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = present
}

func (c *SDCard) InitHW() error { return nil }

func (c *SDCard) IsPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

func (c *SDCard) IsWriteProtected() bool { return false }

// SetDAT3PullUp implements hwio.DAT3PullUpControl.
func (c *SDCard) SetDAT3PullUp(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dat3PullUp = enable
	return nil
}

// DAT3PullUp reports the last value SetDAT3PullUp was called with.
func (c *SDCard) DAT3PullUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dat3PullUp
}

func (c *SDCard) SetMaxClock(kHz int, flags hwio.ClockFlags) (int, error) {
	return kHz, nil
}

func (c *SDCard) SetResponseTimeout(d time.Duration)  {}
func (c *SDCard) SetReadDataTimeout(d time.Duration)   {}

// baseStatus reports the card parked in the Transfer state, ready for
// data, with no R1 error bits set.
func baseStatus() uint32 {
	const (
		stateTran      = 4
		readyForData   = 1 << 8
	)
	return uint32(stateTran<<9) | readyForData
}

func (c *SDCard) SendCmd(index uint32, flags hwio.CmdFlags, rsp hwio.ResponseFormat, arg uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	isApp := c.appCmdArmed
	c.appCmdArmed = false

	c.pendingIndex = index
	c.pendingArg = arg

	switch {
	case index == 55 && !isApp:
		c.appCmdArmed = true
		binary.BigEndian.PutUint32(c.lastResponse[:4], baseStatus())

	case index == 0:
		// GO_IDLE_STATE: no response expected.

	case index == 8 && !isApp:
		// SEND_IF_COND: echo back voltage/check pattern as a
		// zero-status R1-shaped response (this driver only checks
		// for success, never the echoed pattern).
		binary.BigEndian.PutUint32(c.lastResponse[:4], 0)

	case index == 41 && isApp:
		// SD_SEND_OP_COND: busy=1 (power-up complete), HCS=1 (SDHC).
		binary.BigEndian.PutUint32(c.lastResponse[:4], 0xC0000000)

	case index == 2:
		copy(c.lastResponse[:16], c.cid[:])

	case index == 3 && !isApp:
		binary.BigEndian.PutUint32(c.lastResponse[:4], uint32(c.rca)<<16)

	case index == 7:
		c.selected = arg != 0
		binary.BigEndian.PutUint32(c.lastResponse[:4], baseStatus())

	case index == 9:
		copy(c.lastResponse[:16], c.csd[:])

	case index == 6 && !isApp:
		// SWITCH_FUNCTION: data phase reports every group unsupported
		// (byte 13 of the 64-byte status left zero), so sdmmc's
		// access-mode ladder always falls back to default speed.
		binary.BigEndian.PutUint32(c.lastResponse[:4], baseStatus())

	case index == 6 && isApp:
		// SET_BUS_WIDTH: always accepted.
		binary.BigEndian.PutUint32(c.lastResponse[:4], baseStatus())

	case index == 13:
		binary.BigEndian.PutUint32(c.lastResponse[:4], baseStatus())

	default:
		binary.BigEndian.PutUint32(c.lastResponse[:4], baseStatus())
	}

	return nil
}

func (c *SDCard) GetResponse(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(buf, c.lastResponse[:len(buf)])
	return nil
}

func (c *SDCard) SetDataPointer(buf []byte) error { return nil }

func (c *SDCard) SetHWBlockLen(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockLen = n
	return nil
}

func (c *SDCard) SetHWNumBlocks(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numBlocks = n
	return nil
}

func (c *SDCard) ReadData(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.pendingIndex {
	case 51: // ACMD51: SCR
		copy(buf, c.scr[:])
	case 6: // CMD6: switch-function status, all groups unsupported
		for i := range buf {
			buf[i] = 0
		}
	case 13: // ACMD13: SD status, unused by the driver beyond success
		for i := range buf {
			buf[i] = 0
		}
	case 17, 18: // READ_SINGLE/MULTIPLE_BLOCK
		off := int(c.pendingArg) * c.blockLen
		n := copy(buf, c.sliceFrom(off, len(buf)))
		for ; n < len(buf); n++ {
			buf[n] = 0
		}
	default:
		for i := range buf {
			buf[i] = 0
		}
	}

	return nil
}

func (c *SDCard) WriteData(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.pendingIndex {
	case 24, 25: // WRITE_BLOCK/WRITE_MULTIPLE_BLOCK
		off := int(c.pendingArg) * c.blockLen
		end := off + len(buf)
		if end > len(c.Memory) {
			end = len(c.Memory)
		}
		if off < len(c.Memory) {
			copy(c.Memory[off:end], buf)
		}
	}

	return nil
}

func (c *SDCard) sliceFrom(off int, n int) []byte {
	if off < 0 || off >= len(c.Memory) {
		return nil
	}
	end := off + n
	if end > len(c.Memory) {
		end = len(c.Memory)
	}
	return c.Memory[off:end]
}

func (c *SDCard) GetMaxReadBurst() int  { return 32 }
func (c *SDCard) GetMaxWriteBurst() int { return 32 }
