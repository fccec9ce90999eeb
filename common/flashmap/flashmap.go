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
	"fmt"
	"sort"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/flash"
	"github.com/mongoose-os/otastore/common/multierror"
)

// Flash area IDs, as understood by the bootloader.
const (
	Bootloader      = 0
	Image1Primary   = 1
	Image1Secondary = 2
	Scratch         = 3
	Image2Primary   = 4
	Image2Secondary = 5
	SwapStatus      = 7
	Image3Primary   = 8
	Image3Secondary = 9
	Image4Primary   = 10
	Image4Secondary = 11

	InvalidID = 255
)

// Device IDs. External devices carry the flag in the top bit and the
// device index in the rest.
const (
	DeviceInternal = 0x7f
	DeviceRRAM     = 0x7e
	ExternalFlag   = 0x80
)

const MaxImages = 4

var (
	ErrNoSuchArea  = errors.New("no such flash area")
	ErrOutOfBounds = errors.New("access out of flash area bounds")
)

var areaNames = map[int]string{
	Bootloader:      "bootloader",
	Image1Primary:   "image1-primary",
	Image1Secondary: "image1-secondary",
	Scratch:         "scratch",
	Image2Primary:   "image2-primary",
	Image2Secondary: "image2-secondary",
	SwapStatus:      "swap-status",
	Image3Primary:   "image3-primary",
	Image3Secondary: "image3-secondary",
	Image4Primary:   "image4-primary",
	Image4Secondary: "image4-secondary",
}

func AreaIDName(id int) string {
	if s, ok := areaNames[id]; ok {
		return s
	}
	return fmt.Sprintf("area%d", id)
}

// AreaIDByName is the inverse of AreaIDName.
func AreaIDByName(name string) (int, error) {
	for id, s := range areaNames {
		if s == name {
			return id, nil
		}
	}
	return InvalidID, errors.NotFoundf("flash area %q", name)
}

// PrimaryID returns the primary slot area of a 0-based image index.
func PrimaryID(image int) int {
	switch image {
	case 0:
		return Image1Primary
	case 1:
		return Image2Primary
	case 2:
		return Image3Primary
	case 3:
		return Image4Primary
	}
	return InvalidID
}

// SecondaryID returns the upgrade slot area of a 0-based image index.
func SecondaryID(image int) int {
	switch image {
	case 0:
		return Image1Secondary
	case 1:
		return Image2Secondary
	case 2:
		return Image3Secondary
	case 3:
		return Image4Secondary
	}
	return InvalidID
}

func ExternalDevice(index int) uint8 {
	return uint8(ExternalFlag | (index & 0x7f))
}

// DeviceMemType maps a device ID to the adapter memory that serves it.
func DeviceMemType(dev uint8) flash.MemType {
	switch {
	case dev == DeviceInternal:
		return flash.Internal
	case dev == DeviceRRAM:
		return flash.RRAM
	case dev&ExternalFlag != 0:
		return flash.External
	}
	return flash.None
}

// Area is one entry of the flash area table.
type Area struct {
	ID       int
	DeviceID uint8
	Offset   uint32
	Size     uint32
}

func (a Area) String() string {
	return fmt.Sprintf("%s (dev 0x%02x, 0x%x+0x%x)", AreaIDName(a.ID), a.DeviceID, a.Offset, a.Size)
}

func (a *Area) IsExternal() bool {
	return a.DeviceID&ExternalFlag != 0
}

// Map is the flash area directory. The table is fixed at construction.
type Map struct {
	fa    *flash.Adapter
	areas []Area
	open  map[int]int
}

func New(fa *flash.Adapter, areas []Area) (*Map, error) {
	m := &Map{fa: fa, areas: append([]Area(nil), areas...), open: map[int]int{}}
	if err := m.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

func (m *Map) validate() error {
	var errs error
	ids := map[int]bool{}
	byDev := map[uint8][]Area{}
	for _, a := range m.areas {
		if ids[a.ID] {
			errs = multierror.Append(errs, errors.Errorf("duplicate area id %d", a.ID))
		}
		ids[a.ID] = true
		if a.Size == 0 {
			errs = multierror.Append(errs, errors.Errorf("%s: zero size", a))
		}
		mt := DeviceMemType(a.DeviceID)
		if mt == flash.None {
			errs = multierror.Append(errs, errors.Errorf("%s: unknown device", a))
			continue
		}
		if devSize := m.fa.Size(mt); devSize == 0 {
			errs = multierror.Append(errs, errors.Errorf("%s: %s memory is not available", a, mt))
		} else if uint64(a.Offset)+uint64(a.Size) > uint64(devSize) {
			errs = multierror.Append(errs, errors.Errorf("%s: exceeds %s device size 0x%x", a, mt, devSize))
		}
		byDev[a.DeviceID] = append(byDev[a.DeviceID], a)
	}
	for _, as := range byDev {
		sort.Slice(as, func(i, j int) bool { return as[i].Offset < as[j].Offset })
		for i := 1; i < len(as); i++ {
			if as[i-1].Offset+as[i-1].Size > as[i].Offset {
				errs = multierror.Append(errs, errors.Errorf("%s overlaps %s", as[i-1], as[i]))
			}
		}
	}
	return errs
}

// Areas returns a copy of the table.
func (m *Map) Areas() []Area {
	return append([]Area(nil), m.areas...)
}

func (m *Map) Adapter() *flash.Adapter {
	return m.fa
}

// Open looks up an area by ID. Every successful Open must be paired with Close.
func (m *Map) Open(id int) (*Area, error) {
	for i := range m.areas {
		if m.areas[i].ID == id {
			m.open[id]++
			a := m.areas[i]
			return &a, nil
		}
	}
	return nil, errors.Annotatef(ErrNoSuchArea, "id %d", id)
}

func (m *Map) Close(a *Area) {
	if a == nil {
		return
	}
	if m.open[a.ID] > 0 {
		m.open[a.ID]--
	} else {
		glog.Warningf("%s closed more times than opened", a)
	}
}

// OpenCount reports how many handles to the area are outstanding.
func (m *Map) OpenCount(id int) int {
	return m.open[id]
}

func checkBounds(a *Area, off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(a.Size) {
		return errors.Annotatef(ErrOutOfBounds, "%s: 0x%x+%d", a, off, n)
	}
	return nil
}

func (m *Map) Read(a *Area, off uint32, buf []byte) error {
	if err := checkBounds(a, off, len(buf)); err != nil {
		return err
	}
	return errors.Annotatef(m.fa.Read(DeviceMemType(a.DeviceID), a.Offset+off, buf), "%s", AreaIDName(a.ID))
}

func (m *Map) Write(a *Area, off uint32, data []byte) error {
	if err := checkBounds(a, off, len(data)); err != nil {
		return err
	}
	return errors.Annotatef(m.fa.Write(DeviceMemType(a.DeviceID), a.Offset+off, data), "%s", AreaIDName(a.ID))
}

func (m *Map) Erase(a *Area, off, size uint32) error {
	if err := checkBounds(a, off, int(size)); err != nil {
		return err
	}
	return errors.Annotatef(m.fa.Erase(DeviceMemType(a.DeviceID), a.Offset+off, size), "%s", AreaIDName(a.ID))
}

// Align returns the program granularity of the area's device.
func (m *Map) Align(a *Area) uint32 {
	return m.fa.ProgSize(DeviceMemType(a.DeviceID), a.Offset)
}

// SectorSize returns the erase granularity of the area's device.
func (m *Map) SectorSize(a *Area) uint32 {
	return m.fa.EraseSize(DeviceMemType(a.DeviceID), a.Offset)
}

// ErasedVal returns the value erased bytes read back as: 0xff for NOR
// flash, 0x00 for internal flash and RRAM.
func (m *Map) ErasedVal(a *Area) byte {
	v, err := m.fa.ErasedValue(DeviceMemType(a.DeviceID))
	if err != nil {
		if a.IsExternal() {
			return 0xff
		}
		return 0x00
	}
	return v
}

func (m *Map) MemType(a *Area) flash.MemType {
	return DeviceMemType(a.DeviceID)
}

// IsErased reports whether the given range reads back as erased.
func (m *Map) IsErased(a *Area, off uint32, n int) (bool, error) {
	buf := make([]byte, n)
	if err := m.Read(a, off, buf); err != nil {
		return false, errors.Trace(err)
	}
	ev := m.ErasedVal(a)
	for _, b := range buf {
		if b != ev {
			return false, nil
		}
	}
	return true, nil
}
