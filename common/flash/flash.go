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
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// MemType identifies one of the memories an OTA image may live on.
type MemType int

const (
	None MemType = iota
	Internal
	External
	RRAM
)

var memTypeNames = map[MemType]string{
	None:     "none",
	Internal: "internal",
	External: "external",
	RRAM:     "rram",
}

func (mt MemType) String() string {
	if s, ok := memTypeNames[mt]; ok {
		return s
	}
	return fmt.Sprintf("memtype(%d)", int(mt))
}

// ParseMemType accepts the names used in config files ("internal", "external", "rram", "none").
func ParseMemType(s string) (MemType, error) {
	for mt, name := range memTypeNames {
		if strings.EqualFold(s, name) {
			return mt, nil
		}
	}
	return None, errors.NotValidf("memory type %q", s)
}

// Memory is the narrow driver interface consumed by the adapter.
// Writes handed to a Memory are always aligned to its program size.
type Memory interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, data []byte) error
	Erase(addr, size uint32) error
	ProgSize(addr uint32) uint32
	EraseSize(addr uint32) uint32
	ErasedValue() byte
	Size() uint32
}

// Adapter dispatches flash operations by memory type and hides program
// granularity from its callers: writes of any size and alignment are widened
// to whole program rows by read-modify-write.
type Adapter struct {
	mems   map[MemType]Memory
	row    []byte
	inited bool
}

func NewAdapter() *Adapter {
	return &Adapter{mems: map[MemType]Memory{}}
}

func (a *Adapter) Register(mt MemType, m Memory) error {
	if mt == None {
		return errors.NotValidf("registering memory type %s", mt)
	}
	if _, ok := a.mems[mt]; ok {
		return errors.AlreadyExistsf("memory %s", mt)
	}
	a.mems[mt] = m
	return nil
}

// Init must be called once all memories have been registered.
func (a *Adapter) Init() error {
	if len(a.mems) == 0 {
		return errors.Errorf("no memories registered")
	}
	maxProg := uint32(0)
	for mt, m := range a.mems {
		if ps := m.ProgSize(0); ps > maxProg {
			maxProg = ps
		}
		glog.V(1).Infof("%s: size 0x%x, prog %d, erase 0x%x, erased 0x%02x",
			mt, m.Size(), m.ProgSize(0), m.EraseSize(0), m.ErasedValue())
	}
	a.row = make([]byte, maxProg)
	a.inited = true
	return nil
}

func (a *Adapter) memory(mt MemType) (Memory, error) {
	if !a.inited {
		return nil, errors.Errorf("flash adapter is not initialized")
	}
	m, ok := a.mems[mt]
	if !ok {
		return nil, errors.NotSupportedf("memory type %s", mt)
	}
	return m, nil
}

func checkRange(m Memory, mt MemType, addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(m.Size()) {
		return errors.Errorf("%s: 0x%x+%d is outside of the device (size 0x%x)", mt, addr, n, m.Size())
	}
	return nil
}

func (a *Adapter) Read(mt MemType, addr uint32, buf []byte) error {
	m, err := a.memory(mt)
	if err != nil {
		return errors.Trace(err)
	}
	if err := checkRange(m, mt, addr, len(buf)); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(m.Read(addr, buf), "%s: read 0x%x+%d", mt, addr, len(buf))
}

func (a *Adapter) Write(mt MemType, addr uint32, data []byte) error {
	m, err := a.memory(mt)
	if err != nil {
		return errors.Trace(err)
	}
	if err := checkRange(m, mt, addr, len(data)); err != nil {
		return errors.Trace(err)
	}
	if len(data) == 0 {
		return nil
	}
	glog.V(3).Infof("%s: write 0x%x+%d", mt, addr, len(data))
	prog := m.ProgSize(addr)
	if prog <= 1 {
		return errors.Annotatef(m.Write(addr, data), "%s: write 0x%x+%d", mt, addr, len(data))
	}
	return errors.Annotatef(a.writeRows(m, addr, data, prog), "%s: write 0x%x+%d", mt, addr, len(data))
}

// writeRows splits data into an unaligned head, an aligned middle written
// directly and an unaligned tail. Head and tail rows are merged with the
// current row contents.
func (a *Adapter) writeRows(m Memory, addr uint32, data []byte, prog uint32) error {
	if uint32(len(a.row)) < prog {
		a.row = make([]byte, prog)
	}
	row := a.row[:prog]
	for len(data) > 0 {
		inRow := addr % prog
		if inRow == 0 && uint32(len(data)) >= prog {
			n := uint32(len(data)) - uint32(len(data))%prog
			if err := m.Write(addr, data[:n]); err != nil {
				return errors.Trace(err)
			}
			addr += n
			data = data[n:]
			continue
		}
		rowAddr := addr - inRow
		n := prog - inRow
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}
		if err := m.Read(rowAddr, row); err != nil {
			return errors.Annotatef(err, "row 0x%x", rowAddr)
		}
		copy(row[inRow:], data[:n])
		if err := m.Write(rowAddr, row); err != nil {
			return errors.Annotatef(err, "row 0x%x", rowAddr)
		}
		addr += n
		data = data[n:]
	}
	return nil
}

func (a *Adapter) Erase(mt MemType, addr, size uint32) error {
	m, err := a.memory(mt)
	if err != nil {
		return errors.Trace(err)
	}
	if err := checkRange(m, mt, addr, int(size)); err != nil {
		return errors.Trace(err)
	}
	es := m.EraseSize(addr)
	if es == 0 || addr%es != 0 || size%es != 0 {
		return errors.Errorf("%s: erase 0x%x+0x%x is not aligned to 0x%x", mt, addr, size, es)
	}
	glog.V(2).Infof("%s: erase 0x%x+0x%x", mt, addr, size)
	return errors.Annotatef(m.Erase(addr, size), "%s: erase 0x%x+0x%x", mt, addr, size)
}

// ProgSize returns 0 for memories that are not registered.
func (a *Adapter) ProgSize(mt MemType, addr uint32) uint32 {
	m, err := a.memory(mt)
	if err != nil {
		return 0
	}
	return m.ProgSize(addr)
}

// EraseSize returns 0 for memories that are not registered.
func (a *Adapter) EraseSize(mt MemType, addr uint32) uint32 {
	m, err := a.memory(mt)
	if err != nil {
		return 0
	}
	return m.EraseSize(addr)
}

func (a *Adapter) ErasedValue(mt MemType) (byte, error) {
	m, err := a.memory(mt)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return m.ErasedValue(), nil
}

func (a *Adapter) Size(mt MemType) uint32 {
	m, err := a.memory(mt)
	if err != nil {
		return 0
	}
	return m.Size()
}
