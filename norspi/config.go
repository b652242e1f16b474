// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package norspi

import (
	"os"

	"gopkg.in/yaml.v2"
)

// PermissionsConfig is the YAML-serializable form of Permissions.
type PermissionsConfig struct {
	Allow2Bit  bool `yaml:"allow2bit"`
	Allow4Bit  bool `yaml:"allow4bit"`
	AllowOctal bool `yaml:"allowOctal"`
	AllowDTR   bool `yaml:"allowDTR"`
}

func (c PermissionsConfig) toPermissions() Permissions {
	return Permissions{
		Allow2Bit:  c.Allow2Bit,
		Allow4Bit:  c.Allow4Bit,
		AllowOctal: c.AllowOctal,
		AllowDTR:   c.AllowDTR,
	}
}

// LoadPermissions reads a YAML permission profile from path. A missing
// file is not an error: it returns DefaultPermissions.
func LoadPermissions(path string) (Permissions, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPermissions(), nil
	}
	if err != nil {
		return Permissions{}, err
	}

	var cfg PermissionsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Permissions{}, err
	}

	return cfg.toPermissions(), nil
}
