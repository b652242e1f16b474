// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package family

import "github.com/usbarmory/sdnor/norspi"

// Order returns the fixed manufacturer-identification order consulted
// by norspi.Instance.Detect. Descriptors are tried in this order and
// the first match wins; the catch-all Default descriptor is always
// last.
func Order() []norspi.Descriptor {
	return []norspi.Descriptor{
		Micron{},
		Spansion{},
		Microchip{},
		Winbond{},
		ISSI{},
		Macronix{},
		GigaDevice{},
		BYT{},
		Adesto{},
		EON{},
		Default{},
	}
}
