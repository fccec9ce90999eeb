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
package otabundle

import (
	"bytes"
	"sort"

	"github.com/juju/errors"
	"github.com/marcinbor85/gohex"
)

// MaxHexGap is the largest hole between HEX data segments that is filled
// rather than rejected. Slot images are contiguous.
const MaxHexGap = 0x10000

// HexImage is the contiguous image described by an Intel HEX file.
type HexImage struct {
	// Addr is the load address of Data[0].
	Addr uint32
	Data []byte
}

// ParseHexImage joins the data segments of an Intel HEX file into one
// image, filling holes up to MaxHexGap with fill.
func ParseHexImage(hexText []byte, fill byte) (*HexImage, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(hexText)); err != nil {
		return nil, errors.Annotatef(err, "invalid hex data")
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, errors.Errorf("no data")
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })
	img := &HexImage{Addr: segs[0].Address}
	next := img.Addr
	for _, seg := range segs {
		if seg.Address < next {
			return nil, errors.Errorf("segment at 0x%x overlaps 0x%x", seg.Address, next)
		}
		if seg.Address-next > MaxHexGap {
			return nil, errors.Errorf("gap of 0x%x at 0x%x", seg.Address-next, next)
		}
		for ; next < seg.Address; next++ {
			img.Data = append(img.Data, fill)
		}
		img.Data = append(img.Data, seg.Data...)
		next = seg.Address + uint32(len(seg.Data))
	}
	return img, nil
}
