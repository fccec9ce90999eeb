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
	"github.com/juju/errors"
)

// Geometry describes a memory device as seen through its driver.
type Geometry struct {
	Size        uint32 `yaml:"size"`
	ProgSize    uint32 `yaml:"prog_size"`
	EraseSize   uint32 `yaml:"erase_size"`
	ErasedValue byte   `yaml:"erased_value"`
}

func (g Geometry) Validate() error {
	switch {
	case g.Size == 0:
		return errors.NotValidf("zero device size")
	case g.ProgSize == 0 || g.EraseSize == 0:
		return errors.NotValidf("zero program or erase size")
	case g.EraseSize%g.ProgSize != 0:
		return errors.NotValidf("erase size 0x%x not a multiple of program size %d", g.EraseSize, g.ProgSize)
	case g.Size%g.EraseSize != 0:
		return errors.NotValidf("device size 0x%x not a multiple of erase size 0x%x", g.Size, g.EraseSize)
	case g.ErasedValue != 0x00 && g.ErasedValue != 0xff:
		return errors.NotValidf("erased value 0x%02x", g.ErasedValue)
	}
	return nil
}

// MemDevice is a RAM-backed memory. When the erased value is 0xff it behaves
// like NOR flash: programming can only clear bits, setting one requires an
// erase. Devices erased to 0x00 (internal flash, RRAM) are overwritable.
type MemDevice struct {
	geom     Geometry
	data     []byte
	erases   int
	programs int
	eraseLog []uint32
}

func NewMemDevice(g Geometry) (*MemDevice, error) {
	if err := g.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	d := &MemDevice{geom: g, data: make([]byte, g.Size)}
	fill(d.data, g.ErasedValue)
	return d, nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func (d *MemDevice) inRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(len(d.data)) {
		return errors.Errorf("0x%x+%d out of range", addr, n)
	}
	return nil
}

func (d *MemDevice) Read(addr uint32, buf []byte) error {
	if err := d.inRange(addr, len(buf)); err != nil {
		return errors.Trace(err)
	}
	copy(buf, d.data[addr:])
	return nil
}

func (d *MemDevice) Write(addr uint32, data []byte) error {
	if err := d.inRange(addr, len(data)); err != nil {
		return errors.Trace(err)
	}
	ps := d.geom.ProgSize
	if addr%ps != 0 || uint32(len(data))%ps != 0 {
		return errors.Errorf("unaligned program 0x%x+%d (program size %d)", addr, len(data), ps)
	}
	dst := d.data[addr : int(addr)+len(data)]
	if d.geom.ErasedValue == 0xff {
		for i, b := range data {
			if b&^dst[i] != 0 {
				return errors.Errorf("program of 0x%02x over 0x%02x at 0x%x without erase", b, dst[i], int(addr)+i)
			}
		}
	}
	copy(dst, data)
	d.programs++
	return nil
}

func (d *MemDevice) Erase(addr, size uint32) error {
	if err := d.inRange(addr, int(size)); err != nil {
		return errors.Trace(err)
	}
	es := d.geom.EraseSize
	if addr%es != 0 || size%es != 0 {
		return errors.Errorf("unaligned erase 0x%x+0x%x (erase size 0x%x)", addr, size, es)
	}
	for off := addr; off < addr+size; off += es {
		fill(d.data[off:off+es], d.geom.ErasedValue)
		d.erases++
		d.eraseLog = append(d.eraseLog, off)
	}
	return nil
}

func (d *MemDevice) ProgSize(addr uint32) uint32  { return d.geom.ProgSize }
func (d *MemDevice) EraseSize(addr uint32) uint32 { return d.geom.EraseSize }
func (d *MemDevice) ErasedValue() byte            { return d.geom.ErasedValue }
func (d *MemDevice) Size() uint32                 { return d.geom.Size }
func (d *MemDevice) Geometry() Geometry           { return d.geom }

// Bytes exposes the device contents. Callers must not retain it across writes.
func (d *MemDevice) Bytes() []byte { return d.data }

// EraseCount returns the number of erase-size sectors erased so far.
func (d *MemDevice) EraseCount() int { return d.erases }

// ProgramCount returns the number of program operations so far.
func (d *MemDevice) ProgramCount() int { return d.programs }

// ErasedSectors returns the addresses of erased sectors in erase order.
func (d *MemDevice) ErasedSectors() []uint32 { return d.eraseLog }

func (d *MemDevice) ResetCounters() {
	d.erases, d.programs, d.eraseLog = 0, 0, nil
}
