// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package family_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/sdnor/norspi/family"
)

func TestLoadOrderMissingFileReturnsDefault(t *testing.T) {
	order, err := family.LoadOrder(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, family.Order(), order)
}

func TestLoadOrderParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.yaml")
	require.NoError(t, os.WriteFile(path, []byte("families: [winbond, micron]\n"), 0o644))

	order, err := family.LoadOrder(path)
	require.NoError(t, err)
	require.Len(t, order, 2)

	assert.Equal(t, family.Winbond{}, order[0])
	assert.Equal(t, family.Micron{}, order[1])
}

func TestLoadOrderRejectsUnknownFamily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.yaml")
	require.NoError(t, os.WriteFile(path, []byte("families: [nosuchvendor]\n"), 0o644))

	_, err := family.LoadOrder(path)
	assert.Error(t, err)
}
