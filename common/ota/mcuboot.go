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
	"github.com/mongoose-os/otastore/common/untar"
)

// mcubootBackend writes images into MCUboot update slots and drives the
// slot trailers.
type mcubootBackend struct {
	st *Storage
}

func (b *mcubootBackend) updateSlotID(image int) int {
	if b.st.profile.UpdateSlot() == bootutil.Primary {
		return flashmap.PrimaryID(image)
	}
	return flashmap.SecondaryID(image)
}

func (b *mcubootBackend) open(s *Session) error {
	p := b.st.profile
	for i := 0; i < p.ImageCount; i++ {
		id := b.updateSlotID(i)
		a, err := b.st.m.Open(id)
		if err != nil {
			return errors.Annotatef(err, "image %d: update slot %s", i, flashmap.AreaIDName(id))
		}
		s.areas[i] = a
		s.erase[i] = newSlotEraseInfo(b.st.m, a, i, p.EraseSize)
		if !p.LazyErase {
			if err := s.erase[i].eraseAll(b.st.m, a, b.st.yield); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// restart makes the slots programmed by an abandoned download writable
// again: lazily erased slots are erased anew as they are written, fully
// erased ones right away.
func (b *mcubootBackend) restart(s *Session) error {
	p := b.st.profile
	for _, i := range s.touchedImages() {
		a := s.areas[i]
		if a == nil {
			continue
		}
		s.erase[i] = newSlotEraseInfo(b.st.m, a, i, p.EraseSize)
		if !p.LazyErase {
			if err := s.erase[i].eraseAll(b.st.m, a, b.st.yield); err != nil {
				return errors.Trace(err)
			}
		}
		s.touched[i] = false
	}
	return nil
}

func (b *mcubootBackend) checkSize(s *Session, total uint32, m mode) error {
	if m != modeRaw || total == 0 {
		return nil
	}
	if a := s.areas[0]; a != nil && total > a.Size {
		return errors.Errorf("image of %d bytes does not fit %s", total, a)
	}
	return nil
}

func (b *mcubootBackend) write(s *Session, image int, offset uint32, data []byte) error {
	a := s.areas[image]
	if a == nil {
		return errors.Errorf("image %d: no update slot", image)
	}
	end := uint64(offset) + uint64(len(data))
	if end > uint64(a.Size) {
		return errors.Annotatef(flashmap.ErrOutOfBounds, "image %d: 0x%x+%d does not fit %s", image, offset, len(data), a)
	}
	if err := s.erase[image].eraseUpTo(b.st.m, a, uint32(end), b.st.yield); err != nil {
		return errors.Trace(err)
	}
	if err := b.st.m.Write(a, offset, data); err != nil {
		return errors.Annotatef(err, "image %d", image)
	}
	s.touched[image] = true
	return nil
}

func (b *mcubootBackend) writeFile(s *Session, f *untar.FileInfo, offset uint32, data []byte) error {
	switch f.Type {
	case untar.TypeCertificate:
		glog.V(1).Infof("%s: certificates are not stored", f.Name)
		return nil
	}
	return b.write(s, f.ImageID, offset, data)
}

func (b *mcubootBackend) writeRaw(s *Session, offset uint32, data []byte) error {
	return b.write(s, 0, offset, data)
}

func (b *mcubootBackend) read(s *Session, offset uint32, buf []byte) error {
	a := s.areas[0]
	if a == nil {
		return errors.New("no update slot")
	}
	return errors.Trace(b.st.m.Read(a, offset, buf))
}

func (b *mcubootBackend) close(s *Session) error {
	for i, a := range s.areas {
		if a != nil {
			b.st.m.Close(a)
			s.areas[i] = nil
		}
	}
	return nil
}

func (b *mcubootBackend) verify(s *Session) error {
	p := b.st.profile
	images := s.touchedImages()
	if len(images) == 0 {
		return errors.New("no image was written")
	}
	for _, i := range images {
		if p.ImageVerification {
			if b.st.validator == nil {
				return errors.Errorf("image %d: no validator", i)
			}
			a, err := b.st.m.Open(b.updateSlotID(i))
			if err != nil {
				return errors.Trace(err)
			}
			err = b.st.validator.ValidateSlot(i, a)
			b.st.m.Close(a)
			if err != nil {
				return errors.Annotatef(err, "image %d: validation failed", i)
			}
			glog.Infof("image %d: validated", i)
			continue
		}
		if err := b.setPending(i, !p.ValidateAfterReboot); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (b *mcubootBackend) setPending(image int, permanent bool) error {
	return errors.Trace(b.st.mgr.SetPending(image, permanent))
}

func (b *mcubootBackend) pendingStatus(image int) (bootutil.SwapType, error) {
	return b.st.mgr.PendingStatus(image)
}

func (b *mcubootBackend) validate(image int) error {
	return errors.Trace(b.st.mgr.Confirm(image))
}

func (b *mcubootBackend) validateStatus(image int) (bootutil.FlagState, error) {
	return b.st.mgr.ConfirmStatus(image)
}

func (b *mcubootBackend) switchToNew() error {
	return errorf(Unsupported, "the bootloader switches images")
}

func (b *mcubootBackend) appInfo(image int, slot bootutil.Slot) (*bootutil.ImageHeader, error) {
	return b.st.mgr.AppInfo(image, slot)
}

func (b *mcubootBackend) slotState(image int, slot bootutil.Slot) (bootutil.SlotState, error) {
	return b.st.mgr.State(image, slot)
}
