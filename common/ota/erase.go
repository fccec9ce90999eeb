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
package ota

import (
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/flashmap"
)

// SlotEraseInfo tracks how much of an update slot has been erased.
type SlotEraseInfo struct {
	ImageNum       int
	TotalSectors   uint32
	ErasedSectors  uint32
	EraseOffset    uint32
	ErasedComplete bool

	sectorSize uint32
}

func newSlotEraseInfo(m *flashmap.Map, a *flashmap.Area, image int, minSector uint32) SlotEraseInfo {
	ss := m.SectorSize(a)
	if ss < minSector {
		ss = minSector
	}
	if ss == 0 {
		ss = a.Size
	}
	return SlotEraseInfo{
		ImageNum:     image,
		TotalSectors: (a.Size + ss - 1) / ss,
		sectorSize:   ss,
	}
}

func (ei SlotEraseInfo) SectorSize() uint32 {
	return ei.sectorSize
}

// eraseUpTo erases sectors until everything below end is erased. Sectors
// are only erased once per session.
func (ei *SlotEraseInfo) eraseUpTo(m *flashmap.Map, a *flashmap.Area, end uint32, yield func()) error {
	if end > a.Size {
		end = a.Size
	}
	for !ei.ErasedComplete && ei.EraseOffset < end {
		n := ei.sectorSize
		if ei.EraseOffset+n > a.Size {
			n = a.Size - ei.EraseOffset
		}
		if err := m.Erase(a, ei.EraseOffset, n); err != nil {
			return errors.Annotatef(err, "image %d: erase", ei.ImageNum)
		}
		glog.V(2).Infof("%s: erased 0x%x+0x%x", a, ei.EraseOffset, n)
		ei.EraseOffset += n
		ei.ErasedSectors++
		if ei.EraseOffset >= a.Size {
			ei.ErasedComplete = true
		}
		if yield != nil {
			yield()
		}
	}
	return nil
}

func (ei *SlotEraseInfo) eraseAll(m *flashmap.Map, a *flashmap.Area, yield func()) error {
	glog.Infof("%s: erasing %d sector(s)", a, ei.TotalSectors-ei.ErasedSectors)
	return ei.eraseUpTo(m, a, a.Size, yield)
}
