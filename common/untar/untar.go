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
// Package untar extracts OTA payloads from a ustar stream that arrives in
// chunks of arbitrary size. File data is handed to a Writer as it streams
// past; nothing but the current header and the manifest is ever buffered.
package untar

import (
	"math"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	MaxFiles           = 8
	CoalesceBufferSize = 2 * BlockSize
	FileTypeLen        = 16
	VersionStringMax   = 16
	MaxManifestSize    = 4096

	contextMagic = 0x981345a0
)

var (
	ErrInvalid        = errors.New("invalid tar stream")
	ErrNotEnoughData  = errors.New("not enough data")
	ErrComponentsJSON = errors.New("failed to parse " + ComponentsJSON)
	ErrNotInitialized = errors.New("untar context is not initialized")
)

type State int

const (
	StateUninitialized State = iota
	StateFindHeader
	StateData
)

func (s State) String() string {
	switch s {
	case StateFindHeader:
		return "find-header"
	case StateData:
		return "data"
	}
	return "uninitialized"
}

// FileInfo describes one file listed in the manifest.
type FileInfo struct {
	Name string
	Type string
	// FoundInTar is set once the file's header has been seen.
	FoundInTar   bool
	HeaderOffset uint32
	// Size is the size from the tar header once found, which governs
	// extraction. ManifestSize is what components.json declared.
	Size         uint32
	ManifestSize uint32
	SizeMismatch bool
	Processed    uint32
	// ImageID is the 0-based image the file updates.
	ImageID int
	Version string
	// Skip is set by the writer for files that need not be written.
	Skip bool
}

func (f *FileInfo) Complete() bool {
	return f.FoundInTar && f.Processed == f.Size
}

// Writer receives file data. data is only valid during the call.
type Writer interface {
	WriteFile(c *Context, index int, offset uint32, data []byte) error
}

type WriterFunc func(c *Context, index int, offset uint32, data []byte) error

func (f WriterFunc) WriteFile(c *Context, index int, offset uint32, data []byte) error {
	return f(c, index, offset, data)
}

// ManifestReceiver may be implemented by a Writer to inspect (and reject)
// the manifest before any file data is written.
type ManifestReceiver interface {
	ManifestParsed(c *Context) error
}

// Context is the parser state of one archive.
type Context struct {
	magic uint32
	state State
	w     Writer

	files    [MaxFiles]FileInfo
	numFiles int
	manifest *Manifest

	bytesProcessed uint32
	finished       bool

	nextHeader uint32
	current    int
	inManifest bool
	dataSize   uint32
	dataDone   uint32

	coalesce      [CoalesceBufferSize]byte
	coalesceBytes int

	manifestBuf   [MaxManifestSize]byte
	manifestBytes int
}

// Init prepares the context for a new archive. Calling it again starts over.
func (c *Context) Init(w Writer) error {
	if w == nil {
		return errors.NotValidf("nil writer")
	}
	if c.magic == contextMagic {
		glog.Warningf("untar context re-initialized at offset %d", c.bytesProcessed)
	}
	*c = Context{}
	c.magic = contextMagic
	c.state = StateFindHeader
	c.w = w
	c.current = -1
	return nil
}

// Deinit drops all state. It is safe on a zero context.
func (c *Context) Deinit() error {
	*c = Context{}
	return nil
}

func (c *Context) State() State             { return c.state }
func (c *Context) BytesProcessed() uint32   { return c.bytesProcessed }
func (c *Context) Finished() bool           { return c.finished }
func (c *Context) NumFiles() int            { return c.numFiles }
func (c *Context) ManifestParsed() bool     { return c.manifest != nil }
func (c *Context) Manifest() *Manifest      { return c.manifest }
func (c *Context) File(index int) *FileInfo { return &c.files[index] }

// Files returns a copy of the file table.
func (c *Context) Files() []FileInfo {
	return append([]FileInfo(nil), c.files[:c.numFiles]...)
}

// AppVersion is the archive version from the manifest, if any.
func (c *Context) AppVersion() string {
	if c.manifest == nil {
		return ""
	}
	return c.manifest.Version
}

// Parse consumes buf, which must start at streamOffset, the number of bytes
// processed so far. It returns how much was consumed. ErrNotEnoughData means
// all of buf was taken but a header is still incomplete; it is not a failure.
func (c *Context) Parse(streamOffset uint32, buf []byte) (int, error) {
	if c.magic != contextMagic {
		return 0, errors.Trace(ErrNotInitialized)
	}
	if streamOffset != c.bytesProcessed {
		return 0, errors.Errorf("stream offset %d, expected %d", streamOffset, c.bytesProcessed)
	}
	consumed := 0
	for consumed < len(buf) {
		n, err := c.step(buf[consumed:])
		consumed += n
		c.bytesProcessed += uint32(n)
		if err != nil {
			if errors.Cause(err) != ErrNotEnoughData {
				glog.Errorf("untar: offset %d: %s", c.bytesProcessed, err)
			}
			return consumed, err
		}
	}
	return consumed, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Context) step(buf []byte) (int, error) {
	if c.finished {
		// Trailing zero blocks and record padding.
		return len(buf), nil
	}
	if c.state == StateData {
		return c.stepData(buf)
	}
	pos := c.bytesProcessed
	if pos < c.nextHeader {
		return minInt(int(c.nextHeader-pos), len(buf)), nil
	}
	var block []byte
	n := BlockSize
	if c.coalesceBytes == 0 && len(buf) >= BlockSize {
		block = buf[:BlockSize]
	} else {
		n = minInt(BlockSize-c.coalesceBytes, len(buf))
		copy(c.coalesce[c.coalesceBytes:], buf[:n])
		c.coalesceBytes += n
		if c.coalesceBytes < BlockSize {
			return n, ErrNotEnoughData
		}
		block = c.coalesce[:BlockSize]
		c.coalesceBytes = 0
	}
	return n, c.handleHeader(c.nextHeader, block)
}

func (c *Context) handleHeader(off uint32, block []byte) error {
	if isZeroBlock(block) {
		glog.Infof("untar: end of archive at %d", off)
		c.finished = true
		return nil
	}
	if IsTarHeader(block) != HeaderValid {
		return errors.Annotatef(ErrInvalid, "bad header at %d", off)
	}
	h, err := parseHeader(block)
	if err != nil {
		return errors.Annotatef(ErrInvalid, "header at %d: %s", off, err)
	}
	next := uint64(off) + BlockSize + uint64(roundUp(h.size))
	if next > math.MaxUint32 {
		return errors.Annotatef(ErrInvalid, "%q at %d: %d bytes run past the end of the stream", h.name, off, h.size)
	}
	c.nextHeader = uint32(next)
	c.dataSize = h.size
	c.dataDone = 0
	if !h.isRegular() {
		glog.V(1).Infof("untar: skipping %q, type %q", h.name, h.typeflag)
		return nil
	}
	if h.name == ComponentsJSON {
		if c.manifest != nil {
			glog.Warningf("untar: ignoring second %s at %d", ComponentsJSON, off)
			return nil
		}
		if h.size > MaxManifestSize {
			return errors.Annotatef(ErrComponentsJSON, "%d bytes (max %d)", h.size, MaxManifestSize)
		}
		c.inManifest = true
		c.manifestBytes = 0
		return c.enterData()
	}
	idx := -1
	for i := 0; i < c.numFiles; i++ {
		if c.files[i].Name == h.name {
			idx = i
			break
		}
	}
	if idx < 0 {
		glog.Infof("untar: skipping %q (%d bytes), not in manifest", h.name, h.size)
		return nil
	}
	f := &c.files[idx]
	if f.FoundInTar {
		glog.Warningf("untar: skipping duplicate %q at %d", h.name, off)
		return nil
	}
	f.FoundInTar = true
	f.HeaderOffset = off
	if f.ManifestSize != h.size {
		f.SizeMismatch = true
		glog.Warningf("untar: %q is %d bytes, manifest says %d", h.name, h.size, f.ManifestSize)
	}
	f.Size = h.size
	c.current = idx
	glog.Infof("untar: %q (%s, %d bytes) at %d", f.Name, f.Type, f.Size, off)
	return c.enterData()
}

func (c *Context) enterData() error {
	c.state = StateData
	if c.dataSize == 0 {
		return c.endFile()
	}
	return nil
}

func (c *Context) endFile() error {
	var err error
	if c.inManifest {
		err = c.parseManifest()
	} else {
		err = c.flush()
	}
	c.state = StateFindHeader
	c.inManifest = false
	c.current = -1
	return err
}

func (c *Context) stepData(buf []byte) (int, error) {
	n := minInt(int(c.dataSize-c.dataDone), len(buf))
	var err error
	if c.inManifest {
		copy(c.manifestBuf[c.manifestBytes:], buf[:n])
		c.manifestBytes += n
	} else {
		err = c.deliver(buf[:n])
	}
	c.dataDone += uint32(n)
	if err == nil && c.dataDone == c.dataSize {
		err = c.endFile()
	}
	return n, err
}

// deliver passes data to the writer. Runs shorter than a block are gathered
// in the coalesce buffer first so tiny transport chunks still produce
// block-sized writes.
func (c *Context) deliver(data []byte) error {
	for len(data) > 0 {
		if c.coalesceBytes == 0 && len(data) >= BlockSize {
			return c.emit(data)
		}
		k := copy(c.coalesce[c.coalesceBytes:BlockSize], data)
		c.coalesceBytes += k
		data = data[k:]
		if c.coalesceBytes == BlockSize {
			if err := c.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Context) flush() error {
	if c.coalesceBytes == 0 {
		return nil
	}
	err := c.emit(c.coalesce[:c.coalesceBytes])
	c.coalesceBytes = 0
	return err
}

func (c *Context) emit(data []byte) error {
	f := &c.files[c.current]
	if f.Processed+uint32(len(data)) > f.Size {
		data = data[:f.Size-f.Processed]
	}
	glog.V(3).Infof("untar: %q +%d %d bytes", f.Name, f.Processed, len(data))
	if err := c.w.WriteFile(c, c.current, f.Processed, data); err != nil {
		return errors.Annotatef(err, "%q at %d", f.Name, f.Processed)
	}
	f.Processed += uint32(len(data))
	return nil
}
