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
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/flashmap"
)

// ConfirmStrategy selects how a running image is made permanent. Families
// use one or the other, never both.
type ConfirmStrategy int

const (
	// ConfirmPrimary writes magic and image_ok to the primary slot.
	ConfirmPrimary ConfirmStrategy = iota
	// ClearSecondary wipes the pending magic in the secondary slot.
	ClearSecondary
)

func (cs ConfirmStrategy) String() string {
	if cs == ClearSecondary {
		return "clear-secondary"
	}
	return "primary"
}

func ParseConfirmStrategy(s string) (ConfirmStrategy, error) {
	switch s {
	case "", "primary":
		return ConfirmPrimary, nil
	case "clear-secondary":
		return ClearSecondary, nil
	}
	return ConfirmPrimary, errors.NotValidf("confirm strategy %q", s)
}

type Policy struct {
	// TrailerReliableOnInternal allows image_ok and swap_info writes on
	// internal memories. Without it only the magic is written there.
	TrailerReliableOnInternal bool
	Confirm                   ConfirmStrategy
}

// Manager implements the slot state transitions on top of a Trailer.
type Manager struct {
	t      *Trailer
	policy Policy
}

func NewManager(t *Trailer, p Policy) *Manager {
	return &Manager{t: t, policy: p}
}

func (mgr *Manager) Trailer() *Trailer {
	return mgr.t
}

func (mgr *Manager) openSlot(image int, secondary bool) (*flashmap.Area, error) {
	id := flashmap.PrimaryID(image)
	if secondary {
		id = flashmap.SecondaryID(image)
	}
	if id == flashmap.InvalidID {
		return nil, errors.NotValidf("image %d", image)
	}
	a, err := mgr.t.m.Open(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

func (mgr *Manager) trailerWritable(a *flashmap.Area) bool {
	return a.IsExternal() || mgr.policy.TrailerReliableOnInternal
}

// SetPending marks the secondary slot of the image for a swap on the next
// boot. A permanent request also sets image_ok so no revert will happen.
func (mgr *Manager) SetPending(image int, permanent bool) error {
	a, err := mgr.openSlot(image, true)
	if err != nil {
		return errors.Trace(err)
	}
	defer mgr.t.m.Close(a)

	if err := mgr.t.WriteMagic(a); err != nil {
		return errors.Annotatef(err, "image %d", image)
	}
	if !mgr.trailerWritable(a) {
		glog.V(1).Infof("%s: trailer writes skipped on internal memory", a)
		return nil
	}
	st := SwapTest
	if permanent {
		if err := mgr.t.WriteImageOK(a); err != nil {
			return errors.Annotatef(err, "image %d", image)
		}
		st = SwapPerm
	}
	if err := mgr.t.WriteSwapInfo(a, st, image); err != nil {
		return errors.Annotatef(err, "image %d", image)
	}
	glog.Infof("image %d: pending, swap type %s", image, st)
	return nil
}

// UnsetPending clears the secondary slot magic.
func (mgr *Manager) UnsetPending(image int) error {
	a, err := mgr.openSlot(image, true)
	if err != nil {
		return errors.Trace(err)
	}
	defer mgr.t.m.Close(a)
	return errors.Annotatef(mgr.t.ClearMagic(a), "image %d", image)
}

// SetConfirmed marks the image in the primary slot as good.
func (mgr *Manager) SetConfirmed(image int) error {
	a, err := mgr.openSlot(image, false)
	if err != nil {
		return errors.Trace(err)
	}
	defer mgr.t.m.Close(a)
	ms, err := mgr.t.ReadMagic(a)
	if err != nil {
		return errors.Trace(err)
	}
	if ms != MagicGood {
		if err := mgr.t.WriteMagic(a); err != nil {
			return errors.Annotatef(err, "image %d", image)
		}
	}
	ok, err := mgr.t.ReadImageOK(a)
	if err != nil {
		return errors.Trace(err)
	}
	if ok == FlagSet {
		return nil
	}
	return errors.Annotatef(mgr.t.WriteImageOK(a), "image %d", image)
}

// Confirm applies the configured confirm strategy.
func (mgr *Manager) Confirm(image int) error {
	glog.Infof("image %d: confirming (%s)", image, mgr.policy.Confirm)
	if mgr.policy.Confirm == ClearSecondary {
		return mgr.UnsetPending(image)
	}
	return mgr.SetConfirmed(image)
}

// PendingStatus reports the swap the bootloader will perform for the image.
func (mgr *Manager) PendingStatus(image int) (SwapType, error) {
	a, err := mgr.openSlot(image, true)
	if err != nil {
		return SwapNone, errors.Trace(err)
	}
	defer mgr.t.m.Close(a)
	ms, err := mgr.t.ReadMagic(a)
	if err != nil {
		return SwapNone, errors.Trace(err)
	}
	if ms != MagicGood {
		return SwapNone, nil
	}
	st, _, err := mgr.t.ReadSwapInfo(a)
	if err != nil {
		return SwapNone, errors.Trace(err)
	}
	if st != SwapNone {
		return st, nil
	}
	ok, err := mgr.t.ReadImageOK(a)
	if err != nil {
		return SwapNone, errors.Trace(err)
	}
	if ok == FlagSet {
		return SwapPerm, nil
	}
	return SwapTest, nil
}

// ConfirmStatus reports the image_ok flag of the primary slot.
func (mgr *Manager) ConfirmStatus(image int) (FlagState, error) {
	a, err := mgr.openSlot(image, false)
	if err != nil {
		return FlagBad, errors.Trace(err)
	}
	defer mgr.t.m.Close(a)
	if mgr.policy.Confirm == ClearSecondary {
		// Confirmed means nothing is pending any more.
		s, err := mgr.openSlot(image, true)
		if err != nil {
			return FlagBad, errors.Trace(err)
		}
		defer mgr.t.m.Close(s)
		ms, err := mgr.t.ReadMagic(s)
		if err != nil {
			return FlagBad, errors.Trace(err)
		}
		if ms == MagicGood {
			return FlagUnset, nil
		}
		return FlagSet, nil
	}
	return mgr.t.ReadImageOK(a)
}
