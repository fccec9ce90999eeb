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
package flash

import (
	"io/ioutil"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/otastore/common/ourio"
)

// FileDevice is a MemDevice persisted to an image file. The file is locked
// for as long as the device is open so two tools can't update the same
// image concurrently.
type FileDevice struct {
	*MemDevice
	path string
	fl   *flock.Flock
}

func OpenFileDevice(path string, g Geometry) (*FileDevice, error) {
	md, err := NewMemDevice(g)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	fl := flock.NewFlock(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to lock %s", path)
	}
	if !locked {
		return nil, errors.Errorf("%s is in use by another process", path)
	}
	data, err := ioutil.ReadFile(path)
	switch {
	case err == nil:
		if len(data) > len(md.data) {
			fl.Unlock()
			return nil, errors.Errorf("%s: file is larger than the device (%d > %d)", path, len(data), len(md.data))
		}
		copy(md.data, data)
	case os.IsNotExist(err):
		glog.Infof("%s does not exist, starting with an erased device", path)
	default:
		fl.Unlock()
		return nil, errors.Annotatef(err, "failed to read %s", path)
	}
	return &FileDevice{MemDevice: md, path: path, fl: fl}, nil
}

func (d *FileDevice) Path() string { return d.path }

// Flush saves the contents. An unchanged image file is left alone.
func (d *FileDevice) Flush() error {
	written, err := ourio.WriteFileIfDifferent(d.path, d.data, 0644)
	if err != nil {
		return errors.Annotatef(err, "failed to write %s", d.path)
	}
	if written {
		glog.V(1).Infof("%s: saved %d bytes", d.path, len(d.data))
	}
	return nil
}

// Close flushes the contents and releases the lock.
func (d *FileDevice) Close() error {
	err := d.Flush()
	if uerr := d.fl.Unlock(); uerr != nil && err == nil {
		err = errors.Annotatef(uerr, "failed to unlock %s", d.path)
	}
	os.Remove(d.path + ".lock")
	return err
}
