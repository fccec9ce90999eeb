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
	"github.com/mongoose-os/otastore/common/untar"
)

// ChunkInfo is one piece of a download as delivered by the transport. The
// buffer is only borrowed for the duration of Write.
type ChunkInfo struct {
	// Offset of Buffer[0] in the download.
	Offset uint32
	// TotalSize of the download, 0 if unknown.
	TotalSize uint32
	Buffer    []byte
}

// Session is one download. Chunks must be written in order without gaps;
// the session ends with Close.
type Session struct {
	st   *Storage
	open bool

	// The first block of the download, collected until it can be
	// classified.
	header        [untar.BlockSize]byte
	headerBytes   int
	headerChecked bool
	totalSize     uint32
	mode          mode
	untar         untar.Context

	areas   [flashmap.MaxImages]*flashmap.Area
	erase   [flashmap.MaxImages]SlotEraseInfo
	touched [flashmap.MaxImages]bool

	// nvram backend: the header file is collected here.
	nvHeader      []byte
	nvInitialized bool
}

// IsTar reports whether the download was recognized as a tar archive.
func (s *Session) IsTar() bool {
	return s.mode == modeTar
}

// Files returns the manifest file table of a tar download.
func (s *Session) Files() []untar.FileInfo {
	return s.untar.Files()
}

// EraseInfo returns the erase progress of an image's update slot.
func (s *Session) EraseInfo(image int) SlotEraseInfo {
	return s.erase[image]
}

func (s *Session) Write(chunk *ChunkInfo) error {
	if s == nil || s.st == nil || !s.open {
		return errorf(WriteStorage, "session is not open")
	}
	if chunk == nil || chunk.Buffer == nil {
		return errorf(WriteStorage, "no data")
	}
	data, offset := chunk.Buffer, chunk.Offset
	glog.V(1).Infof("write %d @ %d (total %d)", len(data), offset, chunk.TotalSize)

	if offset == 0 {
		if err := s.restart(chunk.TotalSize); err != nil {
			return newError(WriteStorage, err)
		}
		if err := s.st.be.checkSize(s, s.totalSize, modeUnknown); err != nil {
			return newError(WriteStorage, err)
		}
	}

	if !s.headerChecked {
		if offset == 0 && len(data) >= untar.BlockSize {
			if err := s.classify(data[:untar.BlockSize]); err != nil {
				return err
			}
		} else {
			if offset != uint32(s.headerBytes) {
				return errorf(WriteStorage, "chunk at %d while collecting the first block (have %d bytes)", offset, s.headerBytes)
			}
			copyOffset := copy(s.header[s.headerBytes:], data)
			s.headerBytes += copyOffset
			if s.headerBytes < untar.BlockSize {
				if uint32(s.headerBytes) == s.totalSize {
					return s.writeShort()
				}
				return nil
			}
			// The rest of the chunk follows the buffered block.
			data = data[copyOffset:]
			offset += uint32(copyOffset)
			if err := s.classify(s.header[:]); err != nil {
				return err
			}
		}
	}

	if s.mode == modeTar {
		return s.writeTar(offset, data)
	}
	return s.writeRaw(offset, data)
}

func (s *Session) restart(total uint32) error {
	if s.headerChecked || s.headerBytes > 0 {
		glog.Infof("download restarted")
	}
	if err := s.st.be.restart(s); err != nil {
		return errors.Annotatef(err, "restart")
	}
	s.headerChecked = false
	s.headerBytes = 0
	s.totalSize = total
	s.mode = modeUnknown
	s.untar.Deinit()
	s.nvHeader = s.nvHeader[:0]
	s.nvInitialized = false
	return nil
}

func (s *Session) classify(block []byte) error {
	switch untar.IsTarHeader(block) {
	case untar.HeaderValid:
		glog.Infof("download is a tar archive")
		if err := s.untar.Init(s); err != nil {
			return newError(WriteStorage, err)
		}
		s.mode = modeTar
	default:
		glog.Infof("download is a raw image")
		s.mode = modeRaw
	}
	s.headerChecked = true
	if err := s.st.be.checkSize(s, s.totalSize, s.mode); err != nil {
		return newError(WriteStorage, err)
	}
	return nil
}

// writeShort writes a complete download shorter than one block. A tar
// archive is never that short.
func (s *Session) writeShort() error {
	glog.Infof("download of %d bytes is a raw image", s.headerBytes)
	s.mode = modeRaw
	s.headerChecked = true
	if err := s.st.be.checkSize(s, s.totalSize, s.mode); err != nil {
		return newError(WriteStorage, err)
	}
	return s.writeRaw(uint32(s.headerBytes), nil)
}

func (s *Session) writeTar(offset uint32, data []byte) error {
	if s.headerBytes > 0 {
		if err := s.feed(0, s.header[:s.headerBytes]); err != nil {
			return err
		}
		s.headerBytes = 0
	}
	return s.feed(offset, data)
}

func (s *Session) feed(offset uint32, data []byte) error {
	for consumed := 0; consumed < len(data); {
		n, err := s.untar.Parse(offset+uint32(consumed), data[consumed:])
		consumed += n
		if err != nil && errors.Cause(err) != untar.ErrNotEnoughData {
			return newError(WriteStorage, err)
		}
		if n == 0 {
			return errorf(WriteStorage, "parser stalled at %d", offset+uint32(consumed))
		}
		s.st.yield()
	}
	return nil
}

func (s *Session) writeRaw(offset uint32, data []byte) error {
	if s.headerBytes > 0 {
		if err := s.st.be.writeRaw(s, 0, s.header[:s.headerBytes]); err != nil {
			return newError(WriteStorage, err)
		}
		s.headerBytes = 0
	}
	if len(data) == 0 {
		return nil
	}
	return newError(WriteStorage, s.st.be.writeRaw(s, offset, data))
}

// WriteFile receives file data from the tar parser.
func (s *Session) WriteFile(c *untar.Context, index int, offset uint32, data []byte) error {
	f := c.File(index)
	if f.Skip {
		glog.V(1).Infof("%s: image need not be updated, not writing %d bytes", f.Name, len(data))
		return nil
	}
	return s.st.be.writeFile(s, f, offset, data)
}

// ManifestParsed vets the manifest before any file is written.
func (s *Session) ManifestParsed(c *untar.Context) error {
	p := s.st.profile
	if v := c.AppVersion(); p.CheckAppVersion && v != "" {
		if err := checkNewer(v, p.AppVersion); err != nil {
			return errors.Trace(err)
		}
	}
	for i := 0; i < c.NumFiles(); i++ {
		f := c.File(i)
		if f.ImageID >= p.ImageCount {
			return errors.Errorf("%s: image %d, target has %d", f.Name, f.ImageID+1, p.ImageCount)
		}
		cur, ok := p.ImageVersions[f.ImageID]
		if !ok || f.Version == "" {
			continue
		}
		if checkNewer(f.Version, cur) != nil {
			glog.Warningf("%s: version %s, running %s, skipping", f.Name, f.Version, cur)
			f.Skip = true
		}
	}
	return nil
}

// Read reads back from the image 0 update slot.
func (s *Session) Read(offset uint32, buf []byte) error {
	if s == nil || s.st == nil || !s.open {
		return errorf(ReadStorage, "session is not open")
	}
	return newError(ReadStorage, s.st.be.read(s, offset, buf))
}

// Close ends the session. Nothing is erased or validated; the parser state
// is kept for Verify.
func (s *Session) Close() error {
	if s == nil || s.st == nil || !s.open {
		return errorf(CloseStorage, "session is not open")
	}
	err := s.st.be.close(s)
	s.open = false
	s.st.active = nil
	glog.Infof("OTA session closed")
	return newError(CloseStorage, err)
}

// Verify checks that the download is complete and hands the written images
// to the bootloader: either to its validator or by marking them pending.
// It may be called after Close.
func (s *Session) Verify() error {
	if s == nil || s.st == nil {
		return errorf(Verify, "session was never opened")
	}
	if !s.headerChecked {
		return errorf(Verify, "nothing was written")
	}
	if s.mode == modeTar {
		for _, f := range s.untar.Files() {
			if !f.Skip && !f.Complete() {
				return errorf(Verify, "%s: %d of %d bytes received", f.Name, f.Processed, f.Size)
			}
		}
	}
	return newError(Verify, s.st.be.verify(s))
}

func (s *Session) touchedImages() []int {
	var res []int
	for i, t := range s.touched {
		if t {
			res = append(res, i)
		}
	}
	return res
}
