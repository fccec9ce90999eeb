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
package untar

import (
	"bytes"
	"math"
	"strings"

	"github.com/juju/errors"
)

// ustar header layout.
const (
	BlockSize = 512

	// MaxFileSize keeps a file's block-rounded size within 32 bits.
	MaxFileSize = math.MaxUint32 - (BlockSize - 1)

	nameOff     = 0
	nameLen     = 100
	sizeOff     = 124
	sizeLen     = 12
	chksumOff   = 148
	chksumLen   = 8
	typeflagOff = 156
	magicOff    = 257
	magicLen    = 6
	prefixOff   = 345
	prefixLen   = 155
)

var ustarMagic = []byte("ustar")

type HeaderStatus int

const (
	HeaderValid HeaderStatus = iota
	HeaderInvalid
	HeaderNotEnoughData
)

func (hs HeaderStatus) String() string {
	switch hs {
	case HeaderValid:
		return "valid"
	case HeaderInvalid:
		return "invalid"
	}
	return "not enough data"
}

// IsTarHeader checks the first block of buf for the ustar magic and a
// matching checksum. Less than one block is not a verdict.
func IsTarHeader(buf []byte) HeaderStatus {
	if len(buf) < BlockSize {
		return HeaderNotEnoughData
	}
	block := buf[:BlockSize]
	if !bytes.Equal(block[magicOff:magicOff+len(ustarMagic)], ustarMagic) {
		return HeaderInvalid
	}
	sum, ok := parseOctal(block[chksumOff : chksumOff+chksumLen])
	if !ok || uint32(sum) != checksum(block) {
		return HeaderInvalid
	}
	return HeaderValid
}

// parseOctal decodes a NUL or space terminated octal field. Leading spaces
// are skipped; ok is false if there are no digits at all.
func parseOctal(field []byte) (uint64, bool) {
	i := 0
	for i < len(field) && field[i] == ' ' {
		i++
	}
	var v uint64
	digits := 0
	for ; i < len(field); i++ {
		c := field[i]
		if c < '0' || c > '7' {
			break
		}
		v = v<<3 | uint64(c-'0')
		digits++
	}
	return v, digits > 0
}

// checksum sums all header bytes with the checksum field taken as spaces.
func checksum(block []byte) uint32 {
	var sum uint32
	for i, b := range block[:BlockSize] {
		if i >= chksumOff && i < chksumOff+chksumLen {
			b = ' '
		}
		sum += uint32(b)
	}
	return sum
}

func isZeroBlock(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

type header struct {
	name     string
	size     uint32
	typeflag byte
}

func (h *header) isRegular() bool {
	// '7' is a contiguous file, treated like a regular one.
	return h.typeflag == '0' || h.typeflag == 0 || h.typeflag == '7'
}

func parseHeader(block []byte) (*header, error) {
	h := &header{typeflag: block[typeflagOff]}
	name := cString(block[nameOff : nameOff+nameLen])
	if prefix := cString(block[prefixOff : prefixOff+prefixLen]); prefix != "" {
		name = prefix + "/" + name
	}
	h.name = strings.TrimPrefix(name, "./")
	sizeField := block[sizeOff : sizeOff+sizeLen]
	if sizeField[0]&0x80 != 0 {
		return nil, errors.Errorf("%q: binary size encoding is not supported", h.name)
	}
	size, _ := parseOctal(sizeField)
	if size > MaxFileSize {
		return nil, errors.Errorf("%q: size %d is too large", h.name, size)
	}
	h.size = uint32(size)
	return h, nil
}

func roundUp(n uint32) uint32 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}
