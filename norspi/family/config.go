// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package family

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/usbarmory/sdnor/norspi"
)

// registry maps the YAML family name to its descriptor, in the same
// fixed order Order returns by default.
var registry = map[string]norspi.Descriptor{
	"micron":     Micron{},
	"spansion":   Spansion{},
	"microchip":  Microchip{},
	"winbond":    Winbond{},
	"issi":       ISSI{},
	"macronix":   Macronix{},
	"gigadevice": GigaDevice{},
	"byt":        BYT{},
	"adesto":     Adesto{},
	"eon":        EON{},
	"default":    Default{},
}

// OrderConfig is the YAML-serializable family identification order: a
// list of the names used as keys in registry.
type OrderConfig struct {
	Families []string `yaml:"families"`
}

// LoadOrder reads a YAML family-order profile from path, translating
// each name through registry. A missing file is not an error: it
// returns Order, the fixed built-in sequence. An unknown family name is
// an error, since a typo there would silently skip a manufacturer's
// identification probe.
func LoadOrder(path string) ([]norspi.Descriptor, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Order(), nil
	}
	if err != nil {
		return nil, err
	}

	var cfg OrderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	order := make([]norspi.Descriptor, 0, len(cfg.Families))

	for _, name := range cfg.Families {
		d, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("family: unknown descriptor %q", name)
		}
		order = append(order, d)
	}

	return order, nil
}
