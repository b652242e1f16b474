// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"os"

	"gopkg.in/yaml.v2"
)

// PermissionsConfig is the YAML-serializable form of Permissions, letting
// a deployment relax or restrict the historical hard-coded capability set
// (DefaultPermissions) without a recompile.
type PermissionsConfig struct {
	Allow4Bit bool `yaml:"allow4bit"`
	Allow8Bit bool `yaml:"allow8bit"`
	AllowHS   bool `yaml:"allowHS"`

	AllowHSDDR  bool `yaml:"allowHSDDR"`
	AllowSDR50  bool `yaml:"allowSDR50"`
	AllowDDR50  bool `yaml:"allowDDR50"`
	AllowSDR104 bool `yaml:"allowSDR104"`
	AllowHS200  bool `yaml:"allowHS200"`
	AllowHS400  bool `yaml:"allowHS400"`

	Allow1V8 bool `yaml:"allow1v8"`

	AllowReliableWrite   bool `yaml:"allowReliableWrite"`
	AllowBufferedWrite   bool `yaml:"allowBufferedWrite"`
	AllowCacheActivation bool `yaml:"allowCacheActivation"`
	AllowPowerSave       bool `yaml:"allowPowerSave"`
	AllowEnhancedStrobe  bool `yaml:"allowEnhancedStrobe"`

	RequestedDriverStrength int  `yaml:"requestedDriverStrength"`
	TuningRequested         bool `yaml:"tuningRequested"`
}

func (c PermissionsConfig) toPermissions() Permissions {
	return Permissions{
		Allow4Bit:               c.Allow4Bit,
		Allow8Bit:               c.Allow8Bit,
		AllowHS:                 c.AllowHS,
		AllowHSDDR:              c.AllowHSDDR,
		AllowSDR50:              c.AllowSDR50,
		AllowDDR50:              c.AllowDDR50,
		AllowSDR104:             c.AllowSDR104,
		AllowHS200:              c.AllowHS200,
		AllowHS400:              c.AllowHS400,
		Allow1V8:                c.Allow1V8,
		AllowReliableWrite:      c.AllowReliableWrite,
		AllowBufferedWrite:      c.AllowBufferedWrite,
		AllowCacheActivation:    c.AllowCacheActivation,
		AllowPowerSave:          c.AllowPowerSave,
		AllowEnhancedStrobe:     c.AllowEnhancedStrobe,
		RequestedDriverStrength: DriverStrength(c.RequestedDriverStrength),
		TuningRequested:         c.TuningRequested,
	}
}

// LoadPermissions reads a YAML permission profile from path. A missing
// file is not an error: it returns DefaultPermissions, matching the
// historical hard-coded bring-up used before this profile existed.
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
