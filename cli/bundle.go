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
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/cli/flags"
	"github.com/mongoose-os/otastore/cli/ourutil"
	"github.com/mongoose-os/otastore/common/otabundle"
	"github.com/mongoose-os/otastore/common/untar"
	"github.com/mongoose-os/otastore/version"
)

func bundle() error {
	if *flags.AppVersion != "" {
		if err := version.CheckAppVersion(*flags.AppVersion); err != nil {
			return errors.Trace(err)
		}
	}
	if len(*flags.Parts) == 0 {
		return errors.Errorf("no parts given, use --part")
	}
	b := otabundle.NewBundle(*flags.AppVersion)
	for _, ps := range *flags.Parts {
		p, err := otabundle.PartFromString(ps)
		if err != nil {
			return errors.Trace(err)
		}
		if p.Src == "" {
			p.Src = p.Name
		}
		if err := b.AddPart(p); err != nil {
			return errors.Trace(err)
		}
	}
	data, err := b.Bytes()
	if err != nil {
		return errors.Trace(err)
	}
	if err := b.WriteFile(*flags.Output); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Wrote %s, %s, %d part(s)", *flags.Output, ourutil.Size(uint32(len(data))), len(b.Parts))
	return nil
}

// info prints the manifest of an archive.
func info() error {
	fname := argOrFlag(1, *flags.Output)
	if fname == "" {
		return errors.Errorf("usage: otatool info <archive>")
	}
	b, err := otabundle.ReadBundleFile(fname)
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("%s: version %q", fname, b.Version)
	for _, p := range b.Parts {
		data, _ := p.GetData()
		cs, _ := p.SHA256()
		image := p.ImageID
		if img, err := untar.ImageForType(p.Type); image == 0 && err == nil {
			image = img + 1
		}
		ourutil.Reportf("  %-20s %-12s image %d  %-8s %s  sha256 %s",
			p.Name, p.Type, image, p.Version, ourutil.Size(uint32(len(data))), ourutil.FirstN(cs, 16))
	}
	return nil
}
