// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/sdnor/sdmmc"
)

func TestLoadPermissionsMissingFileReturnsDefault(t *testing.T) {
	p, err := sdmmc.LoadPermissions(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, sdmmc.DefaultPermissions(), p)
}

func TestLoadPermissionsParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perms.yaml")

	const doc = `
allow4bit: true
allow8bit: false
allowHS: true
allowSDR104: true
requestedDriverStrength: 2
tuningRequested: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := sdmmc.LoadPermissions(path)
	require.NoError(t, err)

	assert.True(t, p.Allow4Bit)
	assert.False(t, p.Allow8Bit)
	assert.True(t, p.AllowHS)
	assert.True(t, p.AllowSDR104)
	assert.Equal(t, sdmmc.DriverStrength(2), p.RequestedDriverStrength)
	assert.True(t, p.TuningRequested)
}

func TestLoadPermissionsRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("allow4bit: [this is not a bool"), 0o644))

	_, err := sdmmc.LoadPermissions(path)
	assert.Error(t, err)
}
