// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package norspi_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/sdnor/norspi"
	"github.com/usbarmory/sdnor/norspi/family"
	"github.com/usbarmory/sdnor/platform/simhw"
)

// buildWinbondSFDP constructs a minimal single-header SFDP table
// describing an 8MiB part with one 4KiB erase type and no fast
// multi-I/O read modes (forcing the 1-1-1 FAST_READ fallback), per the
// JESD216 layout norspi/sfdp.go parses.
func buildWinbondSFDP() []byte {
	buf := make([]byte, 0xA8)

	copy(buf[0:4], []byte{'S', 'F', 'D', 'P'})
	buf[4] = 0x06 // minor rev
	buf[5] = 0x01 // major rev
	buf[6] = 0x00 // NPH - 1: one header (the mandatory BPT header)
	buf[7] = 0xFF

	const bptOffset = 0x80

	buf[0x08] = 0x00 // BPT signature
	buf[0x09] = 0x06 // minor rev
	buf[0x0A] = 0x01 // major rev
	buf[0x0B] = 9    // length in dwords
	binary.LittleEndian.PutUint32(buf[0x0C:0x10], bptOffset)
	buf[0x0F] = 0xFF // idMSB (avoid the minorRev==0/idMSB==0x01 shift quirk)

	buf[bptOffset+0x02] = 0x00 // read-mode support byte: none, fall back to FAST_READ

	// Density: 8MiB = 2^26 bits, linear encoding stores bits-1.
	binary.LittleEndian.PutUint32(buf[bptOffset+0x04:bptOffset+0x08], (1<<26)-1)

	// One 4KiB (2^12) erase type using opcode 0x20 (P4E/sector erase).
	buf[bptOffset+0x1C] = 12
	buf[bptOffset+0x1D] = 0x20

	return buf
}

func newTestFlash(t *testing.T) (*norspi.Instance, *simhw.SPIFlash) {
	t.Helper()

	hw := simhw.NewSPIFlash([]byte{0xEF, 0x40, 0x18}, buildWinbondSFDP(), 8*1024*1024)

	in := &norspi.Instance{}
	in.Configure(hw, norspi.DefaultPermissions(), family.Order())

	require.NoError(t, in.Detect())

	return in, hw
}

func TestDetectIdentifiesWinbond(t *testing.T) {
	in, _ := newTestFlash(t)

	assert.EqualValues(t, 0xEF, in.ManufacturerID)
	assert.Equal(t, 2048, in.Blocks[0].NumSectors)
	assert.Equal(t, 12, in.Blocks[0].LdBytesPerSector)
}

func TestWriteReadRoundTrip(t *testing.T) {
	in, _ := newTestFlash(t)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, in.Write(1, data))

	readBack := make([]byte, len(data))
	require.NoError(t, in.Read(1, readBack))

	assert.Equal(t, data, readBack)
}

func TestWriteOnlyClearsBits(t *testing.T) {
	in, hw := newTestFlash(t)

	off, err := exportedSectorOffset(in, 0)
	require.NoError(t, err)

	require.NoError(t, in.Write(0, []byte{0x0F}))
	assert.Equal(t, byte(0x0F), hw.Memory[off])

	// A second program over the same byte can only clear further bits,
	// never set ones the first program already cleared.
	require.NoError(t, in.Write(0, []byte{0xFF}))
	assert.Equal(t, byte(0x0F), hw.Memory[off])
}

func TestErase(t *testing.T) {
	in, hw := newTestFlash(t)

	require.NoError(t, in.Write(0, []byte{0x00, 0x00, 0x00, 0x00}))
	require.NoError(t, in.Erase(0))

	for i := 0; i < 4; i++ {
		assert.Equal(t, byte(0xFF), hw.Memory[i])
	}
}

// exportedSectorOffset recomputes the same single-block offset formula
// norspi's unexported sectorOffset uses, since the package has only one
// SectorBlock in this test's geometry.
func exportedSectorOffset(in *norspi.Instance, sector int) (int64, error) {
	return int64(sector) << uint(in.Blocks[0].LdBytesPerSector), nil
}
