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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/otastore/cli/flags"
	"github.com/mongoose-os/otastore/cli/ourutil"
	"github.com/mongoose-os/otastore/common/flashmap"
	"github.com/mongoose-os/otastore/common/ourio"
	"github.com/mongoose-os/otastore/common/target"
)

// layout prints the flash areas of the device.
func layout() error {
	return withDevice(func(d *device) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tDEVICE\tOFFSET\tSIZE\tSECTOR\tERASED\n")
		for _, a := range d.m.Areas() {
			a := a
			fmt.Fprintf(w, "%d\t%s\t%s\t0x%x\t%s\t0x%x\t0x%02x\n",
				a.ID, flashmap.AreaIDName(a.ID), d.m.MemType(&a), a.Offset,
				ourutil.Size(a.Size), d.m.SectorSize(&a), d.m.ErasedVal(&a))
		}
		return errors.Trace(w.Flush())
	})
}

// profile prints the effective target profile, the one from --config or
// the built-in defaults of --target, or saves it to --output.
func profile() error {
	var p *target.Profile
	switch {
	case *flags.Config != "":
		cfg, err := target.LoadConfig(*flags.Config)
		if err != nil {
			return errors.Trace(err)
		}
		p = &cfg.Profile
	case *flags.Target != "":
		var err error
		if p, err = target.Lookup(*flags.Target); err != nil {
			return errors.Trace(err)
		}
	default:
		for _, name := range target.Families() {
			fmt.Println(name)
		}
		return nil
	}
	if *flags.Output != "" {
		written, err := ourio.WriteYAMLFileIfDifferent(*flags.Output, p, 0644)
		if err != nil {
			return errors.Trace(err)
		}
		if written {
			ourutil.Reportf("Wrote %s", *flags.Output)
		}
		return nil
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Print(string(data))
	return nil
}
