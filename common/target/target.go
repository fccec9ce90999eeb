//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Package target describes what each supported device family can do. All
// per-family behavior of the OTA path is decided by a Profile picked once at
// startup.
package target

import (
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/bootutil"
	"github.com/mongoose-os/otastore/common/multierror"
)

const (
	BackendMCUboot = "mcuboot"
	BackendNVRAM   = "nvram"

	DefaultYieldDelay = time.Millisecond
)

type NVRAMConfig struct {
	// AreaID is the flash area holding the header and the data section.
	AreaID     int    `yaml:"area_id"`
	HeaderSize uint32 `yaml:"header_size"`
	DSOffset   uint32 `yaml:"ds_offset"`
	DSSize     uint32 `yaml:"ds_size"`
}

type Profile struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`

	// LazyErase erases sectors just before they are first written.
	// Otherwise whole slots are erased when a session opens.
	LazyErase bool `yaml:"lazy_erase"`
	// EraseSize overrides the device erase granularity, 0 uses the device's.
	EraseSize uint32 `yaml:"erase_size"`

	TrailerReliableOnInternal bool   `yaml:"trailer_reliable_on_internal"`
	ConfirmStrategy           string `yaml:"confirm_strategy"`
	MaxAlign                  uint32 `yaml:"max_align"`
	TrailerAlign              uint32 `yaml:"trailer_align"`

	// DirectXIP images run from either slot; updates go to the inactive one.
	DirectXIP  bool   `yaml:"direct_xip"`
	ActiveSlot string `yaml:"active_slot"`

	// ImageVerification hands verification to the bootloader's validator
	// instead of marking images pending.
	ImageVerification   bool `yaml:"image_verification"`
	ValidateAfterReboot bool `yaml:"validate_after_reboot"`

	ImageCount int           `yaml:"image_count"`
	YieldDelay time.Duration `yaml:"yield_delay"`

	// CheckAppVersion rejects archives whose version is not newer than
	// AppVersion. ImageVersions holds the running version of each image
	// and makes files that are not newer skippable.
	CheckAppVersion bool           `yaml:"check_app_version"`
	AppVersion      string         `yaml:"app_version"`
	ImageVersions   map[int]string `yaml:"image_versions"`

	NVRAM NVRAMConfig `yaml:"nvram"`
}

var families = map[string]Profile{
	"psoc6": {
		Backend:         BackendMCUboot,
		LazyErase:       false,
		ConfirmStrategy: "primary",
		MaxAlign:        512,
		ImageCount:      2,
		YieldDelay:      DefaultYieldDelay,
	},
	"xmc7200": {
		Backend:                   BackendMCUboot,
		LazyErase:                 false,
		TrailerReliableOnInternal: true,
		ConfirmStrategy:           "clear-secondary",
		MaxAlign:                  8,
		ImageCount:                1,
		YieldDelay:                DefaultYieldDelay,
	},
	"cyw20829": {
		Backend:         BackendMCUboot,
		LazyErase:       true,
		ConfirmStrategy: "primary",
		MaxAlign:        256,
		ImageCount:      1,
		YieldDelay:      DefaultYieldDelay,
	},
	"pse84": {
		Backend:         BackendMCUboot,
		LazyErase:       true,
		EraseSize:       0x40000,
		ConfirmStrategy: "primary",
		MaxAlign:        8,
		ImageCount:      2,
		YieldDelay:      DefaultYieldDelay,
	},
	"h1cp": {
		Backend:    BackendNVRAM,
		ImageCount: 1,
		MaxAlign:   8,
		YieldDelay: DefaultYieldDelay,
		NVRAM: NVRAMConfig{
			AreaID:     1,
			HeaderSize: 48,
		},
	},
}

// Families lists the built-in family names.
func Families() []string {
	var res []string
	for name := range families {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Lookup returns a copy of a built-in family profile.
func Lookup(name string) (*Profile, error) {
	p, ok := families[strings.ToLower(name)]
	if !ok {
		return nil, errors.NotFoundf("target %q (known: %s)", name, strings.Join(Families(), ", "))
	}
	p.Name = strings.ToLower(name)
	return &p, nil
}

func (p *Profile) Validate() error {
	var errs error
	switch p.Backend {
	case BackendMCUboot:
	case BackendNVRAM:
		if p.NVRAM.HeaderSize == 0 {
			errs = multierror.Append(errs, errors.Errorf("nvram: header size is not set"))
		}
		if p.LazyErase {
			errs = multierror.Append(errs, errors.Errorf("nvram: lazy erase is not supported"))
		}
	default:
		errs = multierror.Append(errs, errors.Errorf("unknown backend %q", p.Backend))
	}
	if _, err := bootutil.ParseConfirmStrategy(p.ConfirmStrategy); err != nil {
		errs = multierror.Append(errs, err)
	}
	if p.MaxAlign > bootutil.MaxMaxAlign || p.MaxAlign&(p.MaxAlign-1) != 0 {
		errs = multierror.Append(errs, errors.Errorf("max align %d must be a power of 2 up to %d", p.MaxAlign, bootutil.MaxMaxAlign))
	}
	if p.ImageCount < 1 || p.ImageCount > 4 {
		errs = multierror.Append(errs, errors.Errorf("image count %d must be 1 to 4", p.ImageCount))
	}
	if p.EraseSize&(p.EraseSize-1) != 0 {
		errs = multierror.Append(errs, errors.Errorf("erase size 0x%x is not a power of 2", p.EraseSize))
	}
	if p.DirectXIP {
		switch p.ActiveSlot {
		case "", "primary", "secondary":
		default:
			errs = multierror.Append(errs, errors.Errorf("active slot %q", p.ActiveSlot))
		}
	}
	if p.CheckAppVersion && p.AppVersion == "" {
		errs = multierror.Append(errs, errors.Errorf("check_app_version needs app_version"))
	}
	if p.YieldDelay < 0 {
		errs = multierror.Append(errs, errors.Errorf("negative yield delay"))
	}
	return errs
}

// Policy returns the slot state policy of the profile.
func (p *Profile) Policy() (bootutil.Policy, error) {
	cs, err := bootutil.ParseConfirmStrategy(p.ConfirmStrategy)
	if err != nil {
		return bootutil.Policy{}, errors.Trace(err)
	}
	return bootutil.Policy{
		TrailerReliableOnInternal: p.TrailerReliableOnInternal,
		Confirm:                   cs,
	}, nil
}

// UpdateSlot is the slot new images are written to.
func (p *Profile) UpdateSlot() bootutil.Slot {
	if p.DirectXIP && p.ActiveSlot == "secondary" {
		return bootutil.Primary
	}
	return bootutil.Secondary
}
