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
package bootutil

import (
	"bytes"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/flashmap"
)

const (
	MagicSize = 16

	// DefaultTrailerAlign is the spacing between trailer fields when the
	// device programs in smaller units.
	DefaultTrailerAlign = 8
	// DefaultMaxAlign bounds how far a single trailer field may be padded.
	DefaultMaxAlign = 8
	// MaxMaxAlign is the largest max align of any supported family.
	MaxMaxAlign = 512

	imageOKValue = 0x01
)

// Magic marks a trailer as valid.
var Magic = [MagicSize]byte{
	0x77, 0xc2, 0x95, 0xf3,
	0x60, 0xd2, 0xef, 0x7f,
	0x35, 0x52, 0x50, 0x0f,
	0x2c, 0xb6, 0x79, 0x80,
}

type SwapType uint8

const (
	SwapNone   SwapType = 1
	SwapTest   SwapType = 2
	SwapPerm   SwapType = 3
	SwapRevert SwapType = 4
	SwapFail   SwapType = 5
	SwapPanic  SwapType = 0xff
)

var swapTypeNames = map[SwapType]string{
	SwapNone:   "none",
	SwapTest:   "test",
	SwapPerm:   "perm",
	SwapRevert: "revert",
	SwapFail:   "fail",
	SwapPanic:  "panic",
}

func (st SwapType) String() string {
	if s, ok := swapTypeNames[st]; ok {
		return s
	}
	return "unknown"
}

type MagicState int

const (
	MagicGood MagicState = iota + 1
	MagicBad
	MagicUnset
)

func (ms MagicState) String() string {
	switch ms {
	case MagicGood:
		return "good"
	case MagicBad:
		return "bad"
	case MagicUnset:
		return "unset"
	}
	return "unknown"
}

type FlagState int

const (
	FlagSet FlagState = iota + 1
	FlagBad
	FlagUnset
)

func (fs FlagState) String() string {
	switch fs {
	case FlagSet:
		return "set"
	case FlagBad:
		return "bad"
	case FlagUnset:
		return "unset"
	}
	return "unknown"
}

var (
	ErrAlign = errors.New("trailer write exceeds max alignment")
	ErrRange = errors.New("swap info field out of range")
)

// Trailer reads and writes the bootloader trailer at the end of a slot:
//
//	[swap_info][pad][copy_done][pad][image_ok][pad][magic]
//
// Each field occupies one cell of max(trailer align, device align) bytes
// counted back from the magic, which fills the last 16 bytes of the slot.
type Trailer struct {
	m            *flashmap.Map
	maxAlign     uint32
	trailerAlign uint32
	buf          [MaxMaxAlign]byte
}

func NewTrailer(m *flashmap.Map, maxAlign, trailerAlign uint32) (*Trailer, error) {
	if maxAlign == 0 {
		maxAlign = DefaultMaxAlign
	}
	if trailerAlign == 0 {
		trailerAlign = DefaultTrailerAlign
	}
	if maxAlign > MaxMaxAlign {
		return nil, errors.NotValidf("max align %d (> %d)", maxAlign, MaxMaxAlign)
	}
	return &Trailer{m: m, maxAlign: maxAlign, trailerAlign: trailerAlign}, nil
}

func (t *Trailer) Map() *flashmap.Map {
	return t.m
}

func (t *Trailer) cell(a *flashmap.Area) uint32 {
	c := t.trailerAlign
	if al := t.m.Align(a); al > c {
		c = al
	}
	return c
}

func (t *Trailer) MagicOff(a *flashmap.Area) uint32 {
	return a.Size - MagicSize
}

func (t *Trailer) ImageOKOff(a *flashmap.Area) uint32 {
	return t.MagicOff(a) - t.cell(a)
}

func (t *Trailer) CopyDoneOff(a *flashmap.Area) uint32 {
	return t.ImageOKOff(a) - t.cell(a)
}

func (t *Trailer) SwapInfoOff(a *flashmap.Area) uint32 {
	return t.CopyDoneOff(a) - t.cell(a)
}

// WriteTrailer writes data padded to the device alignment with the erased
// value. Padding beyond the max align is an error.
func (t *Trailer) WriteTrailer(a *flashmap.Area, off uint32, data []byte) error {
	align := t.m.Align(a)
	if align == 0 {
		align = 1
	}
	n := (uint32(len(data)) + align - 1) / align * align
	if n > t.maxAlign {
		return errors.Annotatef(ErrAlign, "%s: %d bytes at 0x%x pad to %d (max %d)", a, len(data), off, n, t.maxAlign)
	}
	if off+n > a.Size {
		n = a.Size - off
	}
	buf := t.buf[:n]
	ev := t.m.ErasedVal(a)
	for i := range buf {
		buf[i] = ev
	}
	copy(buf, data)
	glog.V(2).Infof("%s: trailer write 0x%x+%d", a, off, n)
	return errors.Trace(t.m.Write(a, off, buf))
}

func (t *Trailer) WriteMagic(a *flashmap.Area) error {
	return errors.Annotatef(t.m.Write(a, t.MagicOff(a), Magic[:]), "failed to write magic")
}

func (t *Trailer) WriteImageOK(a *flashmap.Area) error {
	return errors.Annotatef(t.WriteTrailer(a, t.ImageOKOff(a), []byte{imageOKValue}), "failed to write image_ok")
}

func (t *Trailer) WriteCopyDone(a *flashmap.Area) error {
	return errors.Annotatef(t.WriteTrailer(a, t.CopyDoneOff(a), []byte{imageOKValue}), "failed to write copy_done")
}

// WriteSwapInfo stores (image << 4) | swapType. Both must fit in a nibble.
func (t *Trailer) WriteSwapInfo(a *flashmap.Area, st SwapType, image int) error {
	if st >= 0xf || image < 0 || image >= 0xf {
		return errors.Annotatef(ErrRange, "swap type %d, image %d", st, image)
	}
	v := byte(image<<4) | byte(st)
	return errors.Annotatef(t.WriteTrailer(a, t.SwapInfoOff(a), []byte{v}), "failed to write swap_info")
}

// ClearMagic overwrites the magic with zeros.
func (t *Trailer) ClearMagic(a *flashmap.Area) error {
	var zero [MagicSize]byte
	return errors.Annotatef(t.m.Write(a, t.MagicOff(a), zero[:]), "failed to clear magic")
}

func (t *Trailer) ReadMagic(a *flashmap.Area) (MagicState, error) {
	var buf [MagicSize]byte
	if err := t.m.Read(a, t.MagicOff(a), buf[:]); err != nil {
		return MagicBad, errors.Trace(err)
	}
	if bytes.Equal(buf[:], Magic[:]) {
		return MagicGood, nil
	}
	ev := t.m.ErasedVal(a)
	for _, b := range buf {
		if b != ev {
			return MagicBad, nil
		}
	}
	return MagicUnset, nil
}

func (t *Trailer) readFlag(a *flashmap.Area, off uint32) (FlagState, error) {
	var b [1]byte
	if err := t.m.Read(a, off, b[:]); err != nil {
		return FlagBad, errors.Trace(err)
	}
	switch b[0] {
	case t.m.ErasedVal(a):
		return FlagUnset, nil
	case imageOKValue:
		return FlagSet, nil
	}
	return FlagBad, nil
}

func (t *Trailer) ReadImageOK(a *flashmap.Area) (FlagState, error) {
	return t.readFlag(a, t.ImageOKOff(a))
}

func (t *Trailer) ReadCopyDone(a *flashmap.Area) (FlagState, error) {
	return t.readFlag(a, t.CopyDoneOff(a))
}

// ReadSwapInfo returns SwapNone if the field has not been written.
func (t *Trailer) ReadSwapInfo(a *flashmap.Area) (SwapType, int, error) {
	var b [1]byte
	if err := t.m.Read(a, t.SwapInfoOff(a), b[:]); err != nil {
		return SwapNone, 0, errors.Trace(err)
	}
	if b[0] == t.m.ErasedVal(a) {
		return SwapNone, 0, nil
	}
	return SwapType(b[0] & 0x0f), int(b[0] >> 4), nil
}
