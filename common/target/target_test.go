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
package target

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/otastore/common/bootutil"
	"github.com/mongoose-os/otastore/common/flashmap"
)

const testConfig = `
target: CYW20829
profile:
  yield_delay: 0s
  check_app_version: true
  app_version: 1.0.0
  image_versions:
    0: 1.0.0
devices:
  external:
    file: ext.bin
    size: 0x100000
    prog_size: 256
    erase_size: 0x1000
    erased_value: 0xff
areas:
  - name: image1-primary
    device: external
    offset: 0
    size: 0x80000
  - name: image1-secondary
    device: external
    offset: 0x80000
    size: 0x80000
`

func TestFamilies(t *testing.T) {
	for _, name := range Families() {
		p, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
		assert.NoError(t, p.Validate(), name)
		_, err = p.Policy()
		assert.NoError(t, err, name)
	}
	_, err := Lookup("esp8266")
	assert.Error(t, err)

	// Lookup hands out copies.
	p, _ := Lookup("psoc6")
	p.MaxAlign = 4
	p2, _ := Lookup("psoc6")
	if got, want := p2.MaxAlign, uint32(512); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func TestFamilyPolicies(t *testing.T) {
	for _, c := range []struct {
		name    string
		lazy    bool
		confirm bootutil.ConfirmStrategy
	}{
		{"psoc6", false, bootutil.ConfirmPrimary},
		{"xmc7200", false, bootutil.ClearSecondary},
		{"cyw20829", true, bootutil.ConfirmPrimary},
		{"pse84", true, bootutil.ConfirmPrimary},
	} {
		p, err := Lookup(c.name)
		require.NoError(t, err)
		pol, err := p.Policy()
		require.NoError(t, err)
		if p.LazyErase != c.lazy {
			t.Errorf("%s: got: lazy %t, want: %t", c.name, p.LazyErase, c.lazy)
		}
		if pol.Confirm != c.confirm {
			t.Errorf("%s: got: %s, want: %s", c.name, pol.Confirm, c.confirm)
		}
	}
}

func TestValidate(t *testing.T) {
	base, err := Lookup("cyw20829")
	require.NoError(t, err)
	for _, c := range []struct {
		name string
		mod  func(p *Profile)
	}{
		{"backend", func(p *Profile) { p.Backend = "littlefs" }},
		{"confirm", func(p *Profile) { p.ConfirmStrategy = "maybe" }},
		{"align", func(p *Profile) { p.MaxAlign = 24 }},
		{"align too big", func(p *Profile) { p.MaxAlign = 1024 }},
		{"images", func(p *Profile) { p.ImageCount = 0 }},
		{"erase", func(p *Profile) { p.EraseSize = 0x3000 }},
		{"slot", func(p *Profile) { p.DirectXIP = true; p.ActiveSlot = "third" }},
		{"version", func(p *Profile) { p.CheckAppVersion = true }},
		{"nvram", func(p *Profile) { p.Backend = BackendNVRAM }},
	} {
		p := *base
		c.mod(&p)
		assert.Error(t, p.Validate(), c.name)
	}
}

func TestUpdateSlot(t *testing.T) {
	p := Profile{}
	assert.Equal(t, bootutil.Secondary, p.UpdateSlot())
	p.DirectXIP = true
	assert.Equal(t, bootutil.Secondary, p.UpdateSlot())
	p.ActiveSlot = "secondary"
	assert.Equal(t, bootutil.Primary, p.UpdateSlot())
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	assert.Equal(t, "cyw20829", c.Profile.Name)
	// Family defaults survive, overrides apply.
	assert.True(t, c.Profile.LazyErase)
	assert.Equal(t, uint32(256), c.Profile.MaxAlign)
	assert.Equal(t, time.Duration(0), c.Profile.YieldDelay)
	assert.True(t, c.Profile.CheckAppVersion)
	assert.Equal(t, map[int]string{0: "1.0.0"}, c.Profile.ImageVersions)

	dev := c.Devices["external"]
	assert.Equal(t, uint32(0x100000), dev.Size)
	assert.Equal(t, byte(0xff), dev.ErasedValue)
	areas, err := flashmap.ParseAreas(c.Areas)
	require.NoError(t, err)
	assert.Len(t, areas, 2)

	_, err = ParseConfig([]byte("profile: {}\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("target: psoc6\ndevices:\n  floppy: {size: 16, prog_size: 1, erase_size: 16}\n"))
	assert.Error(t, err)
	_, err = ParseConfig([]byte("target: psoc6\nprofile:\n  max_align: 3\n"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "target")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "device.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(testConfig), 0644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	if got, want := c.Devices["external"].File, filepath.Join(dir, "ext.bin"); got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	_, err = LoadConfig(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
