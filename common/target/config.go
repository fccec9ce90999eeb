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
package target

import (
	"io/ioutil"
	"path/filepath"
	"sort"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/otastore/common/flash"
	"github.com/mongoose-os/otastore/common/flashmap"
	"github.com/mongoose-os/otastore/common/multierror"
)

// DeviceConfig describes a memory backed by an image file on the host.
type DeviceConfig struct {
	File           string `yaml:"file"`
	flash.Geometry `yaml:",inline"`
}

// Config is the YAML configuration of a device:
//
//	target: cyw20829
//	profile:
//	  yield_delay: 0s
//	devices:
//	  external: {file: ext.bin, size: 0x400000, prog_size: 256, erase_size: 0x1000, erased_value: 0xff}
//	areas:
//	  - {name: image1-secondary, device: external, offset: 0, size: 0x80000}
//
// Profile keys override the defaults of the target family.
type Config struct {
	Target  string                  `yaml:"target"`
	Profile Profile                 `yaml:"profile"`
	Devices map[string]DeviceConfig `yaml:"devices"`
	Areas   []flashmap.AreaConfig   `yaml:"areas"`
}

func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Annotatef(err, "invalid config")
	}
	if c.Target == "" {
		return nil, errors.Errorf("target is not set")
	}
	base, err := Lookup(c.Target)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Decode again on top of the family defaults.
	c = Config{Profile: *base}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Annotatef(err, "invalid config")
	}
	c.Profile.Name = base.Name
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &c, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read config")
	}
	c, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	// Device files are relative to the config.
	for name, dc := range c.Devices {
		if dc.File != "" && !filepath.IsAbs(dc.File) {
			dc.File = filepath.Join(filepath.Dir(path), dc.File)
			c.Devices[name] = dc
		}
	}
	return c, nil
}

func (c *Config) Validate() error {
	errs := c.Profile.Validate()
	for _, name := range c.DeviceNames() {
		if _, err := flash.ParseMemType(name); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "devices"))
		}
		if err := c.Devices[name].Geometry.Validate(); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "device %s", name))
		}
	}
	if _, err := flashmap.ParseAreas(c.Areas); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func (c *Config) DeviceNames() []string {
	var res []string
	for name := range c.Devices {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}
