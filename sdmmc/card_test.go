// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/sdnor/platform/simhw"
	"github.com/usbarmory/sdnor/sdmmc"
)

func newTestCard(t *testing.T) (*sdmmc.Instance, *simhw.SDCard) {
	t.Helper()

	hw := simhw.NewSDCard(8192)

	in := &sdmmc.Instance{}
	in.Configure(hw, sdmmc.DefaultPermissions())

	require.NoError(t, in.Detect())

	return in, hw
}

func TestDetectIdentifiesSDHC(t *testing.T) {
	in, _ := newTestCard(t)

	assert.Equal(t, sdmmc.CardSD, in.Type)
	assert.True(t, in.IsHighCapacity)
	assert.Equal(t, 8192, in.TotalSectors)
}

func TestDetectIsIdempotent(t *testing.T) {
	in, _ := newTestCard(t)
	require.NoError(t, in.Detect())
	assert.True(t, in.IsInited)
}

func TestWriteReadSingleSector(t *testing.T) {
	in, _ := newTestCard(t)

	data := make([]byte, sdmmc.BytesPerSector)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, in.Write(0, 1, data, sdmmc.BurstNormal))

	readBack := make([]byte, sdmmc.BytesPerSector)
	require.NoError(t, in.Read(0, 1, readBack))

	assert.Equal(t, data, readBack)
}

func TestReadOutOfRange(t *testing.T) {
	in, _ := newTestCard(t)

	buf := make([]byte, sdmmc.BytesPerSector)
	err := in.Read(in.TotalSectors, 1, buf)
	assert.Error(t, err)
}

func TestDetectObservesCardRemoval(t *testing.T) {
	in, hw := newTestCard(t)

	hw.SetPresent(false)

	buf := make([]byte, sdmmc.BytesPerSector)
	err := in.Read(0, 1, buf)
	assert.ErrorIs(t, err, sdmmc.ErrCardGone)
}

func TestIoctlUnmountTearsDownCacheAndPullUp(t *testing.T) {
	in, hw := newTestCard(t)

	wasCacheEnabled := in.IsCacheEnabled

	_, err := in.Ioctl(sdmmc.IoctlUnmount, nil)
	require.NoError(t, err)

	assert.False(t, in.IsInited)
	if wasCacheEnabled {
		assert.False(t, in.IsCacheEnabled)
	}
	assert.True(t, hw.DAT3PullUp())
}

func TestIoctlUnmountForcedSkipsTeardown(t *testing.T) {
	in, hw := newTestCard(t)

	_, err := in.Ioctl(sdmmc.IoctlUnmountForced, nil)
	require.NoError(t, err)

	assert.False(t, in.IsInited)
	assert.False(t, hw.DAT3PullUp())
}
