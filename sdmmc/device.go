// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"time"

	"github.com/usbarmory/sdnor/hwio"
)

// unmountIdleTimeout bounds the CURRENT_STATE settle wait a normal
// unmount performs after disabling the cache.
const unmountIdleTimeout = 500 * time.Millisecond

// IoctlCode enumerates the filesystem-facing control operations; the
// constants here are driver-local.
type IoctlCode int

const (
	IoctlUnmount IoctlCode = iota
	IoctlUnmountForced
	IoctlGetDevInfo
	IoctlFreeSectors
	IoctlDeinit
)

// Status is the get_status result.
type Status int

const (
	StatusOK Status = iota
	StatusNoMedia
	StatusNeedsInit
)

// GetStatus reports whether the instance is ready for I/O without
// attempting to (re)initialize it.
func (in *Instance) GetStatus() Status {
	if in.HasError {
		return StatusNeedsInit
	}

	if in.HW == nil || !in.HW.IsPresent() {
		return StatusNoMedia
	}

	if !in.IsInited {
		return StatusNeedsInit
	}

	return StatusOK
}

// GetDeviceInfo reports capacity information, triggering identification
// if it has not yet run.
func (in *Instance) GetDeviceInfo() (DeviceInfo, error) {
	if err := in.checkReady(); err != nil {
		return DeviceInfo{}, err
	}

	return DeviceInfo{
		BytesPerSector: BytesPerSector,
		NumSectors:     in.TotalSectors,
	}, nil
}

// Ioctl dispatches the filesystem-facing control operations: normal and
// forced unmount, device info, sector freeing (Trim) and deinit. Any
// other code returns ErrConfiguration.
func (in *Instance) Ioctl(code IoctlCode, arg interface{}) (interface{}, error) {
	switch code {
	case IoctlUnmount:
		return nil, in.unmount()
	case IoctlUnmountForced:
		in.IsInited = false
		return nil, nil
	case IoctlGetDevInfo:
		return in.GetDeviceInfo()
	case IoctlFreeSectors:
		rng, ok := arg.(SectorRange)
		if !ok {
			return nil, ErrConfiguration
		}
		return nil, in.Trim(rng.Start, rng.End)
	case IoctlDeinit:
		in.IsInited = false
		in.HasError = false
		in.sticky.reset()
		return nil, nil
	default:
		return nil, ErrConfiguration
	}
}

// unmount implements the normal (non-forced) IoctlUnmount teardown:
// disable the cache if it was activated, wait for the card to settle
// idle, re-enable the SD DAT3 pull-up where the controller supports it,
// then clear is_inited.
func (in *Instance) unmount() error {
	if in.HasError {
		return ErrHasError
	}

	if !in.IsInited {
		return nil
	}

	if in.IsCacheEnabled {
		if err := in.enableCache(false); err != nil {
			return err
		}
		in.IsCacheEnabled = false
	}

	if err := in.waitForIdle(unmountIdleTimeout); err != nil {
		return err
	}

	if in.Type == CardSD {
		if puc, ok := in.HW.(hwio.DAT3PullUpControl); ok {
			if err := puc.SetDAT3PullUp(true); err != nil {
				return err
			}
		}
	}

	in.IsInited = false

	return nil
}

// SectorRange is the argument shape for IoctlFreeSectors.
type SectorRange struct {
	Start int
	End   int
}

// InitMedium runs identification if it has not already succeeded.
func (in *Instance) InitMedium() error {
	return in.checkReady()
}
