// https://github.com/usbarmory/tamago
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSetN(t *testing.T) {
	var reg uint32

	SetN(&reg, 4, 0xf, 0xa)
	assert.Equal(t, uint32(0xa0), reg)
	assert.Equal(t, uint32(0xa), Get(&reg, 4, 0xf))
}

func TestSetTo(t *testing.T) {
	var reg uint32

	SetTo(&reg, 3, true)
	assert.Equal(t, uint32(1), Get(&reg, 3, 1))

	SetTo(&reg, 3, false)
	assert.Equal(t, uint32(0), Get(&reg, 3, 1))
}

func TestGetBitsLastByteLSB(t *testing.T) {
	// bit 0 is the LSB of the last byte
	buf := []byte{0x00, 0x00, 0x00, 0x01}
	assert.Equal(t, uint32(1), GetBits(buf, 0, 0, len(buf)))
}

func TestGetBitsCSDReadBlLen(t *testing.T) {
	// CSD Version 1.0, READ_BL_LEN at bits [83:80], value 9 (512 bytes)
	buf := make([]byte, 16)
	// byte index for bit 80: 15 - 80/8 = 15 - 10 = 5, bit 0 within byte
	buf[5] = 0x09
	assert.Equal(t, uint32(9), GetBits(buf, 83, 80, len(buf)))
}

func TestClearBitsBlockProtection(t *testing.T) {
	buf := []byte{0xff}
	ClearBits(buf, 4, 2, 1)
	assert.Equal(t, byte(0xc3), buf[0])
}

func TestClearBitsNoop(t *testing.T) {
	buf := []byte{0xff}
	ClearBits(buf, 2, 4, 1)
	assert.Equal(t, byte(0xff), buf[0])
}

func TestSetBitsRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	SetBits(buf, 69, 48, len(buf), 0x155)
	assert.Equal(t, uint32(0x155), GetBits(buf, 69, 48, len(buf)))
}

func TestSetBitsCSDVersion(t *testing.T) {
	buf := make([]byte, 16)
	SetBits(buf, 127, 126, len(buf), 1)
	assert.Equal(t, uint32(1), GetBits(buf, 127, 126, len(buf)))
	assert.Equal(t, byte(0x40), buf[0])
}
