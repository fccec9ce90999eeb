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
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/flashmap"
)

const (
	ImageMagic      = 0x96f3b83d
	ImageHeaderSize = 32
)

var ErrNoImage = errors.New("no image in slot")

type ImageVersion struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

func (v ImageVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// ImageHeader is the fixed header at the start of every signed image.
type ImageHeader struct {
	Magic          uint32
	LoadAddr       uint32
	HdrSize        uint16
	ProtectTLVSize uint16
	ImgSize        uint32
	Flags          uint32
	Version        ImageVersion
	Pad            uint32
}

func (h *ImageHeader) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func ParseImageHeader(data []byte) (*ImageHeader, error) {
	if len(data) < ImageHeaderSize {
		return nil, errors.Errorf("image header too short (%d)", len(data))
	}
	var h ImageHeader
	if err := binary.Read(bytes.NewReader(data[:ImageHeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, errors.Trace(err)
	}
	if h.Magic != ImageMagic {
		return nil, errors.Annotatef(ErrNoImage, "magic 0x%08x", h.Magic)
	}
	return &h, nil
}

func (mgr *Manager) ReadImageHeader(a *flashmap.Area) (*ImageHeader, error) {
	var buf [ImageHeaderSize]byte
	if err := mgr.t.m.Read(a, 0, buf[:]); err != nil {
		return nil, errors.Trace(err)
	}
	h, err := ParseImageHeader(buf[:])
	if err != nil {
		return nil, errors.Annotatef(err, "%s", a)
	}
	return h, nil
}

type Slot int

const (
	Primary Slot = iota
	Secondary
)

func (s Slot) String() string {
	if s == Secondary {
		return "secondary"
	}
	return "primary"
}

type SlotState int

const (
	StateNoImage SlotState = iota
	StateInactive
	StatePending
	StateVerifying
	StateActive
)

var slotStateNames = map[SlotState]string{
	StateNoImage:   "no image",
	StateInactive:  "inactive",
	StatePending:   "pending",
	StateVerifying: "verifying",
	StateActive:    "active",
}

func (s SlotState) String() string {
	return slotStateNames[s]
}

// AppInfo reads the image header of a slot.
func (mgr *Manager) AppInfo(image int, slot Slot) (*ImageHeader, error) {
	a, err := mgr.openSlot(image, slot == Secondary)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer mgr.t.m.Close(a)
	return mgr.ReadImageHeader(a)
}

// State derives the slot state from its image header and trailer.
func (mgr *Manager) State(image int, slot Slot) (SlotState, error) {
	a, err := mgr.openSlot(image, slot == Secondary)
	if err != nil {
		return StateNoImage, errors.Trace(err)
	}
	defer mgr.t.m.Close(a)
	if _, err := mgr.ReadImageHeader(a); err != nil {
		if errors.Cause(err) == ErrNoImage {
			return StateNoImage, nil
		}
		return StateNoImage, errors.Trace(err)
	}
	ms, err := mgr.t.ReadMagic(a)
	if err != nil {
		return StateNoImage, errors.Trace(err)
	}
	if slot == Secondary {
		if ms == MagicGood {
			return StatePending, nil
		}
		return StateInactive, nil
	}
	if ms == MagicGood {
		ok, err := mgr.t.ReadImageOK(a)
		if err != nil {
			return StateNoImage, errors.Trace(err)
		}
		if ok != FlagSet {
			return StateVerifying, nil
		}
	}
	return StateActive, nil
}
