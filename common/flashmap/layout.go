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
package flashmap

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

// AreaConfig is the YAML form of a flash area:
//
//	- name: image1-secondary
//	  device: external
//	  offset: 0x40000
//	  size: 0x40000
//
// Either name or id identifies the area. Device is "internal", "rram",
// "external" or "external:<index>".
type AreaConfig struct {
	ID     *int   `yaml:"id,omitempty"`
	Name   string `yaml:"name,omitempty"`
	Device string `yaml:"device"`
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
}

func ParseDevice(s string) (uint8, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "internal":
		return DeviceInternal, nil
	case s == "rram":
		return DeviceRRAM, nil
	case s == "external":
		return ExternalDevice(0), nil
	case strings.HasPrefix(s, "external:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(s, "external:"))
		if err != nil || idx < 0 || idx > 0x7f {
			return 0, errors.NotValidf("external device index in %q", s)
		}
		return ExternalDevice(idx), nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.NotValidf("device %q", s)
	}
	return uint8(v), nil
}

func (ac *AreaConfig) Area() (Area, error) {
	var a Area
	switch {
	case ac.ID != nil:
		a.ID = *ac.ID
	case ac.Name != "":
		id, err := AreaIDByName(ac.Name)
		if err != nil {
			return a, errors.Trace(err)
		}
		a.ID = id
	default:
		return a, errors.Errorf("area has neither id nor name")
	}
	dev, err := ParseDevice(ac.Device)
	if err != nil {
		return a, errors.Annotatef(err, "%s", AreaIDName(a.ID))
	}
	a.DeviceID = dev
	a.Offset = ac.Offset
	a.Size = ac.Size
	return a, nil
}

func ParseAreas(acs []AreaConfig) ([]Area, error) {
	var res []Area
	for i := range acs {
		a, err := acs[i].Area()
		if err != nil {
			return nil, errors.Annotatef(err, "area %d", i)
		}
		res = append(res, a)
	}
	return res, nil
}

// LoadLayout parses a YAML document with a top-level "areas" list.
func LoadLayout(data []byte) ([]Area, error) {
	var l struct {
		Areas []AreaConfig `yaml:"areas"`
	}
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, errors.Annotatef(err, "invalid flash layout")
	}
	return ParseAreas(l.Areas)
}
