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
package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/otastore/cli/flags"
	"github.com/mongoose-os/otastore/common/bootutil"
	"github.com/mongoose-os/otastore/common/otabundle"
)

const testDeviceConfig = `
target: cyw20829
profile:
  yield_delay: 0s
devices:
  internal: {file: int.bin, size: 0x20000, prog_size: 8, erase_size: 0x200, erased_value: 0}
  external: {file: ext.bin, size: 0x40000, prog_size: 1, erase_size: 0x1000, erased_value: 0xff}
areas:
  - {name: image1-primary, device: internal, offset: 0, size: 0x20000}
  - {name: image1-secondary, device: external, offset: 0, size: 0x20000}
`

func setupDevice(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "otatool")
	require.NoError(t, err)
	cfg := filepath.Join(dir, "device.yml")
	require.NoError(t, ioutil.WriteFile(cfg, []byte(testDeviceConfig), 0644))
	*flags.Config = cfg
	return dir
}

func TestWriteDownload(t *testing.T) {
	dir := setupDevice(t)
	defer os.RemoveAll(dir)

	app := make([]byte, 10000)
	for i := range app {
		app[i] = byte(i * 3)
	}
	b := otabundle.NewBundle("1.0.0")
	p := &otabundle.Part{Name: "app.bin", Type: "NSPE"}
	p.SetData(app)
	require.NoError(t, b.AddPart(p))
	archive, err := b.Bytes()
	require.NoError(t, err)

	d, err := openDevice()
	require.NoError(t, err)
	require.NoError(t, writeDownload(d, archive, 1000))
	assert.Equal(t, 3, d.eraseCount())
	require.NoError(t, d.Close())

	// The image files keep the download.
	ext, err := ioutil.ReadFile(filepath.Join(dir, "ext.bin"))
	require.NoError(t, err)
	assert.Equal(t, app, ext[:len(app)])

	d, err = openDevice()
	require.NoError(t, err)
	defer d.Close()
	swap, err := d.st.GetBootPendingStatus(0)
	require.NoError(t, err)
	assert.Equal(t, bootutil.SwapPerm, swap)
	require.NoError(t, printStatus(d, 0))
}

func TestDeviceLocked(t *testing.T) {
	dir := setupDevice(t)
	defer os.RemoveAll(dir)
	d, err := openDevice()
	require.NoError(t, err)
	defer d.Close()
	_, err = openDevice()
	assert.Error(t, err)
}

func TestCheckFlags(t *testing.T) {
	assert.NoError(t, checkFlags(nil))
	assert.Error(t, checkFlags([]string{"output"}))
	assert.Error(t, checkFlags([]string{"no-such-flag"}))
}
