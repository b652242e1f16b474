// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package norspi_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/sdnor/norspi"
)

func TestLoadPermissionsMissingFileReturnsDefault(t *testing.T) {
	p, err := norspi.LoadPermissions(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, norspi.DefaultPermissions(), p)
}

func TestLoadPermissionsParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perms.yaml")

	const doc = `
allow2bit: true
allow4bit: true
allowOctal: false
allowDTR: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := norspi.LoadPermissions(path)
	require.NoError(t, err)

	assert.True(t, p.Allow2Bit)
	assert.True(t, p.Allow4Bit)
	assert.False(t, p.AllowOctal)
	assert.True(t, p.AllowDTR)
}
