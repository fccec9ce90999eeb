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

	"github.com/mongoose-os/otastore/common/bootutil"
	"github.com/mongoose-os/otastore/common/flashmap"
	"github.com/mongoose-os/otastore/common/target"
	"github.com/mongoose-os/otastore/common/untar"
)

// NVRAM is the alternate image store of targets without an MCUboot
// bootloader. The image consists of a fixed size header and a data section.
type NVRAM interface {
	// Initialize erases the alternate image and stores its header.
	Initialize(header []byte) error
	// WriteAltImage writes to the data section.
	WriteAltImage(offset uint32, data []byte) error
	// SwitchToAltImage makes the alternate image boot next.
	SwitchToAltImage() error
	DSSize() uint32
}

// AreaNVRAM keeps the alternate image in a flash area: the header at the
// start, the data section at DSOffset and the trailer magic at the end,
// which marks the image as the one to boot.
type AreaNVRAM struct {
	tr  *bootutil.Trailer
	m   *flashmap.Map
	cfg target.NVRAMConfig
}

func NewAreaNVRAM(tr *bootutil.Trailer, cfg target.NVRAMConfig) (*AreaNVRAM, error) {
	m := tr.Map()
	a, err := m.Open(cfg.AreaID)
	if err != nil {
		return nil, errors.Annotatef(err, "nvram area")
	}
	defer m.Close(a)
	if cfg.DSOffset == 0 {
		cfg.DSOffset = m.SectorSize(a)
	}
	if cfg.DSOffset < cfg.HeaderSize {
		return nil, errors.NotValidf("data section offset 0x%x (header is %d bytes)", cfg.DSOffset, cfg.HeaderSize)
	}
	if uint64(cfg.DSOffset)+bootutil.MagicSize > uint64(a.Size) {
		return nil, errors.NotValidf("data section offset 0x%x in %s", cfg.DSOffset, a)
	}
	avail := a.Size - cfg.DSOffset - bootutil.MagicSize
	if cfg.DSSize == 0 {
		cfg.DSSize = avail
	}
	if cfg.DSSize > avail {
		return nil, errors.NotValidf("data section size 0x%x (0x%x available in %s)", cfg.DSSize, avail, a)
	}
	glog.V(1).Infof("nvram: %s, data section 0x%x+0x%x", a, cfg.DSOffset, cfg.DSSize)
	return &AreaNVRAM{tr: tr, m: m, cfg: cfg}, nil
}

func (nv *AreaNVRAM) DSSize() uint32 {
	return nv.cfg.DSSize
}

func (nv *AreaNVRAM) Config() target.NVRAMConfig {
	return nv.cfg
}

func (nv *AreaNVRAM) Initialize(header []byte) error {
	if uint32(len(header)) > nv.cfg.DSOffset {
		return errors.NotValidf("header of %d bytes", len(header))
	}
	a, err := nv.m.Open(nv.cfg.AreaID)
	if err != nil {
		return errors.Trace(err)
	}
	defer nv.m.Close(a)
	if err := nv.m.Erase(a, 0, a.Size); err != nil {
		return errors.Annotatef(err, "nvram erase")
	}
	return errors.Annotatef(nv.m.Write(a, 0, header), "nvram header")
}

func (nv *AreaNVRAM) WriteAltImage(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(nv.cfg.DSSize) {
		return errors.Annotatef(flashmap.ErrOutOfBounds, "data section 0x%x+%d (size 0x%x)", offset, len(data), nv.cfg.DSSize)
	}
	a, err := nv.m.Open(nv.cfg.AreaID)
	if err != nil {
		return errors.Trace(err)
	}
	defer nv.m.Close(a)
	return errors.Trace(nv.m.Write(a, nv.cfg.DSOffset+offset, data))
}

func (nv *AreaNVRAM) SwitchToAltImage() error {
	a, err := nv.m.Open(nv.cfg.AreaID)
	if err != nil {
		return errors.Trace(err)
	}
	defer nv.m.Close(a)
	return errors.Trace(nv.tr.WriteMagic(a))
}

// AltImagePending reports whether the alternate image is set to boot.
func (nv *AreaNVRAM) AltImagePending() (bool, error) {
	a, err := nv.m.Open(nv.cfg.AreaID)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer nv.m.Close(a)
	ms, err := nv.tr.ReadMagic(a)
	return ms == bootutil.MagicGood, errors.Trace(err)
}

// nvramBackend splits downloads into the header and the data section of
// an NVRAM alternate image. Raw downloads start with the header.
type nvramBackend struct {
	st         *Storage
	nv         NVRAM
	headerSize uint32
}

func (b *nvramBackend) open(s *Session) error {
	s.nvHeader = make([]byte, 0, b.headerSize)
	return nil
}

// restart drops what an abandoned download wrote; the next header
// initializes the alternate image from scratch.
func (b *nvramBackend) restart(s *Session) error {
	s.touched[0] = false
	return nil
}

func (b *nvramBackend) checkSize(s *Session, total uint32, m mode) error {
	if m == modeUnknown && total > b.nv.DSSize() {
		return errors.Errorf("download of %d bytes exceeds data section size %d", total, b.nv.DSSize())
	}
	return nil
}

// addHeader collects header bytes and initializes the alternate image
// once all of them are there. It returns the number of bytes taken.
func (b *nvramBackend) addHeader(s *Session, offset uint32, data []byte, size uint32) (int, error) {
	if offset != uint32(len(s.nvHeader)) {
		return 0, errors.Errorf("header data at %d, have %d bytes", offset, len(s.nvHeader))
	}
	n := int(size - offset)
	if n > len(data) {
		n = len(data)
	}
	s.nvHeader = append(s.nvHeader, data[:n]...)
	if uint32(len(s.nvHeader)) == size {
		if err := b.nv.Initialize(s.nvHeader); err != nil {
			return n, errors.Annotatef(err, "nvram initialize")
		}
		s.nvInitialized = true
		glog.Infof("nvram: alternate image initialized, %d byte header", size)
	}
	return n, nil
}

func (b *nvramBackend) writeDS(s *Session, offset uint32, data []byte) error {
	if !s.nvInitialized {
		return errors.New("data section before the header")
	}
	if err := b.nv.WriteAltImage(offset, data); err != nil {
		return errors.Trace(err)
	}
	s.touched[0] = true
	return nil
}

func (b *nvramBackend) writeRaw(s *Session, offset uint32, data []byte) error {
	if offset < b.headerSize {
		n, err := b.addHeader(s, offset, data, b.headerSize)
		if err != nil {
			return errors.Trace(err)
		}
		data = data[n:]
		offset += uint32(n)
	}
	if len(data) == 0 {
		return nil
	}
	return b.writeDS(s, offset-b.headerSize, data)
}

func (b *nvramBackend) writeFile(s *Session, f *untar.FileInfo, offset uint32, data []byte) error {
	switch f.Type {
	case untar.TypeHeader:
		_, err := b.addHeader(s, offset, data, f.Size)
		return errors.Trace(err)
	case untar.TypeDS:
		return b.writeDS(s, offset, data)
	case untar.TypeCertificate:
		glog.V(1).Infof("%s: certificates are not stored", f.Name)
		return nil
	}
	return errors.NotSupportedf("%s: file type %s", f.Name, f.Type)
}

func (b *nvramBackend) read(s *Session, offset uint32, buf []byte) error {
	return errorf(Unsupported, "nvram images cannot be read back")
}

func (b *nvramBackend) close(s *Session) error {
	return nil
}

// The bootloader checks the image when switching to it.
func (b *nvramBackend) verify(s *Session) error {
	if !s.touched[0] {
		return errors.New("no image was written")
	}
	return nil
}

func (b *nvramBackend) setPending(image int, permanent bool) error {
	return errorf(Unsupported, "use SwitchToNewImage")
}

func (b *nvramBackend) pendingStatus(image int) (bootutil.SwapType, error) {
	if anv, ok := b.nv.(*AreaNVRAM); ok && image == 0 {
		pending, err := anv.AltImagePending()
		if err != nil {
			return bootutil.SwapNone, errors.Trace(err)
		}
		if pending {
			return bootutil.SwapPerm, nil
		}
		return bootutil.SwapNone, nil
	}
	return bootutil.SwapNone, errorf(Unsupported, "pending status of image %d", image)
}

func (b *nvramBackend) validate(image int) error {
	return nil
}

func (b *nvramBackend) validateStatus(image int) (bootutil.FlagState, error) {
	return bootutil.FlagBad, errorf(Unsupported, "validation status")
}

func (b *nvramBackend) switchToNew() error {
	if err := b.nv.SwitchToAltImage(); err != nil {
		return errors.Annotatef(err, "nvram switch")
	}
	glog.Infof("nvram: switched to the alternate image")
	return nil
}

func (b *nvramBackend) appInfo(image int, slot bootutil.Slot) (*bootutil.ImageHeader, error) {
	return nil, errorf(NoImageInfo, "nvram images carry no image header")
}

func (b *nvramBackend) slotState(image int, slot bootutil.Slot) (bootutil.SlotState, error) {
	return bootutil.StateNoImage, errorf(Unsupported, "slot state")
}
