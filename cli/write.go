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
	"io/ioutil"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/cli/flags"
	"github.com/mongoose-os/otastore/cli/ourutil"
	"github.com/mongoose-os/otastore/common/bootutil"
	"github.com/mongoose-os/otastore/common/multierror"
	"github.com/mongoose-os/otastore/common/ota"
)

// withDevice runs f on the device and saves the memories afterwards.
func withDevice(f func(d *device) error) error {
	d, err := openDevice()
	if err != nil {
		return errors.Trace(err)
	}
	err = f(d)
	if cerr := d.Close(); cerr != nil {
		if err != nil {
			glog.Errorf("failed to save device memories: %s", cerr)
			return errors.Trace(err)
		}
		return errors.Trace(cerr)
	}
	return errors.Trace(err)
}

// write feeds a download to the storage the way the OTA agent would.
func write() error {
	fname := argOrFlag(1, "")
	if fname == "" {
		return errors.Errorf("usage: otatool write <file>")
	}
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return errors.Trace(err)
	}
	if *flags.ChunkSize <= 0 {
		return errors.NotValidf("chunk size %d", *flags.ChunkSize)
	}
	return withDevice(func(d *device) error {
		return writeDownload(d, data, *flags.ChunkSize)
	})
}

func writeDownload(d *device, data []byte, chunkSize int) error {
	start := time.Now()
	s, err := d.st.Open()
	if err != nil {
		return errors.Trace(err)
	}
	var total uint32
	if *flags.TotalSize {
		total = uint32(len(data))
	}
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := s.Write(&ota.ChunkInfo{Offset: uint32(off), TotalSize: total, Buffer: data[off:end]}); err != nil {
			s.Close()
			return errors.Annotatef(err, "chunk at %d", off)
		}
	}
	if err := s.Close(); err != nil {
		return errors.Trace(err)
	}
	mode := "raw image"
	if s.IsTar() {
		mode = "tar archive"
		for _, f := range s.Files() {
			switch {
			case f.Skip:
				ourutil.Warnf("  %s: skipped, image is up to date", f.Name)
			case !f.FoundInTar:
				ourutil.Warnf("  %s: listed in the manifest but not found", f.Name)
			default:
				ourutil.Reportf("  %s: %s -> image %d", f.Name, ourutil.Size(f.Size), f.ImageID)
			}
		}
	}
	ourutil.Reportf("Wrote %s (%s) in %s, %d sector(s) erased",
		ourutil.Size(uint32(len(data))), mode, time.Since(start).Round(time.Millisecond), d.eraseCount())
	if *flags.NoVerify {
		return nil
	}
	if err := s.Verify(); err != nil {
		return errors.Trace(err)
	}
	color.New(color.FgGreen).Printf("Download verified\n")
	return nil
}

func pending() error {
	return withDevice(func(d *device) error {
		var err error
		if flagChanged("permanent") {
			err = d.st.Slots().SetPending(*flags.Image, *flags.Permanent)
		} else {
			err = d.st.SetBootPending(*flags.Image)
		}
		if err != nil {
			return errors.Trace(err)
		}
		return printStatus(d, *flags.Image)
	})
}

func confirm() error {
	return withDevice(func(d *device) error {
		if err := d.st.ImageValidate(*flags.Image); err != nil {
			return errors.Trace(err)
		}
		return printStatus(d, *flags.Image)
	})
}

func revert() error {
	return withDevice(func(d *device) error {
		if err := d.st.Slots().UnsetPending(*flags.Image); err != nil {
			return errors.Trace(err)
		}
		return printStatus(d, *flags.Image)
	})
}

func switchImage() error {
	return withDevice(func(d *device) error {
		return errors.Trace(d.st.SwitchToNewImage())
	})
}

func status() error {
	return withDevice(func(d *device) error {
		var errs error
		for i := 0; i < d.cfg.Profile.ImageCount; i++ {
			errs = multierror.Append(errs, printStatus(d, i))
		}
		return errs
	})
}

func printStatus(d *device, image int) error {
	ourutil.Reportf("Image %d:", image)
	swap, err := d.st.GetBootPendingStatus(image)
	switch {
	case err == nil:
		c := color.FgWhite
		if swap != bootutil.SwapNone {
			c = color.FgYellow
		}
		color.New(c).Printf("  pending swap: %s\n", swap)
	case ota.CodeOf(err) != ota.Unsupported:
		return errors.Trace(err)
	}
	fs, err := d.st.ImageValidateStatus(image)
	switch {
	case err == nil:
		ourutil.Reportf("  confirmed: %s", fs)
	case ota.CodeOf(err) != ota.Unsupported:
		return errors.Trace(err)
	}
	for _, slot := range []bootutil.Slot{bootutil.Primary, bootutil.Secondary} {
		ss, err := d.st.SlotState(image, slot)
		if err != nil {
			if ota.CodeOf(err) == ota.Unsupported {
				continue
			}
			return errors.Trace(err)
		}
		line := "  " + slot.String() + ": " + ss.String()
		if h, err := d.st.GetAppInfo(image, slot); err == nil {
			line += ", version " + h.Version.String() + ", " + ourutil.Size(h.ImgSize)
		}
		ourutil.Reportf("%s", line)
	}
	return nil
}
