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
package flashmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/otastore/common/flash"
)

const testLayout = `
areas:
  - name: bootloader
    device: internal
    offset: 0
    size: 0x10000
  - name: image1-primary
    device: internal
    offset: 0x10000
    size: 0x20000
  - name: image1-secondary
    device: external
    offset: 0
    size: 0x20000
  - id: 3
    device: "external:0"
    offset: 0x20000
    size: 0x10000
`

func testMap(t *testing.T) (*Map, *flash.MemDevice, *flash.MemDevice) {
	t.Helper()
	internal, err := flash.NewMemDevice(flash.Geometry{Size: 0x40000, ProgSize: 8, EraseSize: 0x200, ErasedValue: 0x00})
	require.NoError(t, err)
	external, err := flash.NewMemDevice(flash.Geometry{Size: 0x40000, ProgSize: 1, EraseSize: 0x1000, ErasedValue: 0xff})
	require.NoError(t, err)
	fa := flash.NewAdapter()
	require.NoError(t, fa.Register(flash.Internal, internal))
	require.NoError(t, fa.Register(flash.External, external))
	require.NoError(t, fa.Init())
	areas, err := LoadLayout([]byte(testLayout))
	require.NoError(t, err)
	m, err := New(fa, areas)
	require.NoError(t, err)
	return m, internal, external
}

func TestLoadLayout(t *testing.T) {
	areas, err := LoadLayout([]byte(testLayout))
	require.NoError(t, err)
	want := []Area{
		{ID: Bootloader, DeviceID: DeviceInternal, Offset: 0, Size: 0x10000},
		{ID: Image1Primary, DeviceID: DeviceInternal, Offset: 0x10000, Size: 0x20000},
		{ID: Image1Secondary, DeviceID: 0x80, Offset: 0, Size: 0x20000},
		{ID: Scratch, DeviceID: 0x80, Offset: 0x20000, Size: 0x10000},
	}
	if diff := cmp.Diff(want, areas); diff != "" {
		t.Errorf("areas (-want +got):\n%s", diff)
	}

	_, err = LoadLayout([]byte("areas:\n  - name: nope\n    device: internal\n"))
	assert.Error(t, err)
	_, err = LoadLayout([]byte("areas:\n  - id: 1\n    device: floppy\n"))
	assert.Error(t, err)
}

func TestSlotIDs(t *testing.T) {
	for i, c := range []struct{ primary, secondary int }{
		{Image1Primary, Image1Secondary},
		{Image2Primary, Image2Secondary},
		{Image3Primary, Image3Secondary},
		{Image4Primary, Image4Secondary},
	} {
		if got := PrimaryID(i); got != c.primary {
			t.Errorf("image %d: got: %d, want: %d", i, got, c.primary)
		}
		if got := SecondaryID(i); got != c.secondary {
			t.Errorf("image %d: got: %d, want: %d", i, got, c.secondary)
		}
	}
	assert.Equal(t, InvalidID, PrimaryID(MaxImages))
}

func TestOpenReadWrite(t *testing.T) {
	m, _, external := testMap(t)

	a, err := m.Open(Image1Secondary)
	require.NoError(t, err)
	defer m.Close(a)
	assert.Equal(t, 1, m.OpenCount(Image1Secondary))
	assert.True(t, a.IsExternal())

	require.NoError(t, m.Write(a, 0x10, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, external.Bytes()[0x10:0x13])

	s, err := m.Open(Scratch)
	require.NoError(t, err)
	require.NoError(t, m.Write(s, 0, []byte{9}))
	m.Close(s)
	// Scratch starts at 0x20000 on the same device.
	assert.Equal(t, byte(9), external.Bytes()[0x20000])

	buf := make([]byte, 3)
	require.NoError(t, m.Read(a, 0x10, buf))
	assert.Equal(t, []byte{1, 2, 3}, buf)

	_, err = m.Open(Image2Primary)
	assert.Equal(t, ErrNoSuchArea, errors.Cause(err))
}

func TestBoundsAreRejected(t *testing.T) {
	m, _, external := testMap(t)
	a, err := m.Open(Image1Secondary)
	require.NoError(t, err)
	defer m.Close(a)

	err = m.Write(a, a.Size-2, []byte{1, 2, 3})
	assert.Equal(t, ErrOutOfBounds, errors.Cause(err))
	// Nothing was written, not even the part that fit.
	assert.Equal(t, byte(0xff), external.Bytes()[a.Size-2])

	assert.Equal(t, ErrOutOfBounds, errors.Cause(m.Read(a, a.Size, make([]byte, 1))))
	assert.Equal(t, ErrOutOfBounds, errors.Cause(m.Erase(a, a.Size-0x1000, 0x2000)))
	assert.NoError(t, m.Write(a, a.Size-3, []byte{1, 2, 3}))
}

func TestAlignAndErasedValue(t *testing.T) {
	m, _, _ := testMap(t)
	p, err := m.Open(Image1Primary)
	require.NoError(t, err)
	s, err := m.Open(Image1Secondary)
	require.NoError(t, err)

	if got, want := m.Align(p), uint32(8); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if got, want := m.Align(s), uint32(1); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if got, want := m.ErasedVal(p), byte(0x00); got != want {
		t.Errorf("got: 0x%02x, want: 0x%02x", got, want)
	}
	if got, want := m.ErasedVal(s), byte(0xff); got != want {
		t.Errorf("got: 0x%02x, want: 0x%02x", got, want)
	}
	assert.Equal(t, uint32(0x1000), m.SectorSize(s))
	assert.Equal(t, flash.External, m.MemType(s))

	ok, err := m.IsErased(s, 0, 64)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateLayout(t *testing.T) {
	m, _, _ := testMap(t)
	for _, c := range []struct {
		name  string
		areas []Area
	}{
		{"overlap", []Area{
			{ID: 1, DeviceID: DeviceInternal, Offset: 0, Size: 0x2000},
			{ID: 2, DeviceID: DeviceInternal, Offset: 0x1000, Size: 0x2000},
		}},
		{"duplicate", []Area{
			{ID: 1, DeviceID: DeviceInternal, Offset: 0, Size: 0x1000},
			{ID: 1, DeviceID: DeviceInternal, Offset: 0x1000, Size: 0x1000},
		}},
		{"too big", []Area{
			{ID: 1, DeviceID: DeviceInternal, Offset: 0x30000, Size: 0x20000},
		}},
		{"no rram", []Area{
			{ID: 1, DeviceID: DeviceRRAM, Offset: 0, Size: 0x1000},
		}},
		{"zero size", []Area{
			{ID: 1, DeviceID: DeviceInternal},
		}},
	} {
		if _, err := New(m.Adapter(), c.areas); err == nil {
			t.Errorf("%s: expected an error", c.name)
		}
	}
}
