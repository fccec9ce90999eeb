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
// Package ota stores OTA downloads into flash. A Storage is created once
// per device; each download runs in a Session that takes the transport's
// chunks, recognizes tar archives versus raw images and writes the payload
// into the update slots.
package ota

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/bootutil"
	"github.com/mongoose-os/otastore/common/flashmap"
	"github.com/mongoose-os/otastore/common/target"
	"github.com/mongoose-os/otastore/common/untar"
)

// SlotValidator checks the signature of a freshly written slot. It is
// provided by the bootloader integration.
type SlotValidator interface {
	ValidateSlot(image int, slot *flashmap.Area) error
}

type Config struct {
	Profile *target.Profile
	Map     *flashmap.Map
	// Validator is used when the profile enables image verification.
	Validator SlotValidator
	// NVRAM serves the nvram backend. If nil, one is built on the flash
	// area named by the profile.
	NVRAM NVRAM
	// Sleep yields to other tasks between parse steps and sector erases.
	// Defaults to time.Sleep.
	Sleep func(time.Duration)
}

type mode int

const (
	modeUnknown mode = iota
	modeTar
	modeRaw
)

// backend is one way of getting images into flash.
type backend interface {
	open(s *Session) error
	restart(s *Session) error
	checkSize(s *Session, total uint32, m mode) error
	writeFile(s *Session, f *untar.FileInfo, offset uint32, data []byte) error
	writeRaw(s *Session, offset uint32, data []byte) error
	read(s *Session, offset uint32, buf []byte) error
	close(s *Session) error
	verify(s *Session) error

	setPending(image int, permanent bool) error
	pendingStatus(image int) (bootutil.SwapType, error)
	validate(image int) error
	validateStatus(image int) (bootutil.FlagState, error)
	switchToNew() error
	appInfo(image int, slot bootutil.Slot) (*bootutil.ImageHeader, error)
	slotState(image int, slot bootutil.Slot) (bootutil.SlotState, error)
}

// Storage is the OTA storage of one device. It allows one session at a time.
type Storage struct {
	profile   *target.Profile
	m         *flashmap.Map
	mgr       *bootutil.Manager
	validator SlotValidator
	be        backend
	sleep     func(time.Duration)
	active    *Session
}

func New(cfg Config) (*Storage, error) {
	if cfg.Profile == nil || cfg.Map == nil {
		return nil, errorf(BadArgs, "profile and flash map are required")
	}
	p := cfg.Profile
	if err := p.Validate(); err != nil {
		return nil, newError(BadArgs, errors.Annotatef(err, "target %s", p.Name))
	}
	policy, err := p.Policy()
	if err != nil {
		return nil, newError(BadArgs, err)
	}
	tr, err := bootutil.NewTrailer(cfg.Map, p.MaxAlign, p.TrailerAlign)
	if err != nil {
		return nil, newError(BadArgs, err)
	}
	st := &Storage{
		profile:   p,
		m:         cfg.Map,
		mgr:       bootutil.NewManager(tr, policy),
		validator: cfg.Validator,
		sleep:     cfg.Sleep,
	}
	if st.sleep == nil {
		st.sleep = time.Sleep
	}
	switch p.Backend {
	case target.BackendMCUboot:
		st.be = &mcubootBackend{st: st}
	case target.BackendNVRAM:
		nv := cfg.NVRAM
		if nv == nil {
			anv, err := NewAreaNVRAM(tr, p.NVRAM)
			if err != nil {
				return nil, newError(BadArgs, err)
			}
			nv = anv
		}
		st.be = &nvramBackend{st: st, nv: nv, headerSize: p.NVRAM.HeaderSize}
	}
	glog.Infof("OTA storage: target %s, backend %s, lazy erase %t, %d image(s)",
		p.Name, p.Backend, p.LazyErase, p.ImageCount)
	return st, nil
}

func (st *Storage) Profile() *target.Profile {
	return st.profile
}

// Slots gives direct access to the slot state manager.
func (st *Storage) Slots() *bootutil.Manager {
	return st.mgr
}

func (st *Storage) yield() {
	if st.profile.YieldDelay > 0 {
		st.sleep(st.profile.YieldDelay)
	}
}

// Open starts a download session. Only one session may be active.
func (st *Storage) Open() (*Session, error) {
	if st.active != nil {
		return nil, errorf(OpenStorage, "another session is active")
	}
	s := &Session{st: st}
	if err := st.be.open(s); err != nil {
		st.be.close(s)
		return nil, newError(OpenStorage, err)
	}
	s.open = true
	st.active = s
	glog.Infof("OTA session opened")
	return s, nil
}

// SetBootPending marks an image to be swapped in at the next boot. Unless
// the profile asks for validation after reboot the swap is permanent.
func (st *Storage) SetBootPending(image int) error {
	return newError(General, st.be.setPending(image, !st.profile.ValidateAfterReboot))
}

// GetBootPendingStatus returns the swap the bootloader will perform.
func (st *Storage) GetBootPendingStatus(image int) (bootutil.SwapType, error) {
	swap, err := st.be.pendingStatus(image)
	return swap, newError(General, err)
}

// ImageValidate confirms the running image so it is not reverted.
func (st *Storage) ImageValidate(image int) error {
	return newError(General, st.be.validate(image))
}

func (st *Storage) ImageValidateStatus(image int) (bootutil.FlagState, error) {
	fs, err := st.be.validateStatus(image)
	return fs, newError(General, err)
}

// SwitchToNewImage activates the new image on targets that switch without a
// bootloader swap.
func (st *Storage) SwitchToNewImage() error {
	return newError(General, st.be.switchToNew())
}

func (st *Storage) GetAppInfo(image int, slot bootutil.Slot) (*bootutil.ImageHeader, error) {
	h, err := st.be.appInfo(image, slot)
	if err != nil {
		if errors.Cause(err) == bootutil.ErrNoImage {
			return nil, newError(NoImageInfo, err)
		}
		return nil, newError(ReadStorage, err)
	}
	return h, nil
}

func (st *Storage) SlotState(image int, slot bootutil.Slot) (bootutil.SlotState, error) {
	ss, err := st.be.slotState(image, slot)
	return ss, newError(ReadStorage, err)
}
