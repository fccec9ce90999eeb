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
package main

import (
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/cli/flags"
	"github.com/mongoose-os/otastore/common/flash"
	"github.com/mongoose-os/otastore/common/flashmap"
	"github.com/mongoose-os/otastore/common/multierror"
	"github.com/mongoose-os/otastore/common/ota"
	"github.com/mongoose-os/otastore/common/target"
)

// device is the simulated target described by --config: its memories are
// image files on the host.
type device struct {
	cfg   *target.Config
	fa    *flash.Adapter
	m     *flashmap.Map
	st    *ota.Storage
	files []*flash.FileDevice
	mems  map[flash.MemType]*flash.MemDevice
}

func openDevice() (*device, error) {
	cfg, err := target.LoadConfig(*flags.Config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if *flags.YieldDelay >= 0 {
		cfg.Profile.YieldDelay = *flags.YieldDelay
	}
	d := &device{cfg: cfg, fa: flash.NewAdapter(), mems: map[flash.MemType]*flash.MemDevice{}}
	if err := d.open(); err != nil {
		d.Close()
		return nil, errors.Trace(err)
	}
	return d, nil
}

func (d *device) open() error {
	for _, name := range d.cfg.DeviceNames() {
		mt, err := flash.ParseMemType(name)
		if err != nil {
			return errors.Trace(err)
		}
		dc := d.cfg.Devices[name]
		var md *flash.MemDevice
		if dc.File != "" {
			fd, err := flash.OpenFileDevice(dc.File, dc.Geometry)
			if err != nil {
				return errors.Trace(err)
			}
			d.files = append(d.files, fd)
			md = fd.MemDevice
		} else {
			glog.Warningf("%s: no file, contents will not be kept", name)
			if md, err = flash.NewMemDevice(dc.Geometry); err != nil {
				return errors.Annotatef(err, "%s", name)
			}
		}
		if err := d.fa.Register(mt, md); err != nil {
			return errors.Trace(err)
		}
		d.mems[mt] = md
	}
	if err := d.fa.Init(); err != nil {
		return errors.Trace(err)
	}
	areas, err := flashmap.ParseAreas(d.cfg.Areas)
	if err != nil {
		return errors.Trace(err)
	}
	if d.m, err = flashmap.New(d.fa, areas); err != nil {
		return errors.Trace(err)
	}
	d.st, err = ota.New(ota.Config{Profile: &d.cfg.Profile, Map: d.m})
	return errors.Trace(err)
}

func (d *device) eraseCount() int {
	n := 0
	for _, md := range d.mems {
		n += md.EraseCount()
	}
	return n
}

// Close writes the memories back to their files.
func (d *device) Close() error {
	var errs error
	for _, fd := range d.files {
		errs = multierror.Append(errs, fd.Close())
	}
	d.files = nil
	return errs
}
