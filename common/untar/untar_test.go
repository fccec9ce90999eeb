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
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarFile struct {
	name string
	data []byte
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*31)
	}
	return b
}

func manifestFile(t *testing.T, version string, mfs ...ManifestFile) tarFile {
	t.Helper()
	m := Manifest{
		NumberOfComponents: StringUint(len(mfs) + 1),
		Version:            version,
		Files:              append([]ManifestFile{{FileName: ComponentsJSON, FileType: TypeComponentList}}, mfs...),
	}
	data, err := json.Marshal(&m)
	require.NoError(t, err)
	return tarFile{ComponentsJSON, data}
}

func buildTar(t *testing.T, files ...tarFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.name,
			Mode:     0644,
			Size:     int64(len(f.data)),
			ModTime:  time.Unix(1600000000, 0),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}))
		_, err := tw.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

type span struct {
	index  int
	offset uint32
	size   int
}

type recorder struct {
	spans []span
	data  map[int][]byte
	fail  error
}

func newRecorder() *recorder {
	return &recorder{data: map[int][]byte{}}
}

func (r *recorder) WriteFile(c *Context, index int, offset uint32, data []byte) error {
	if r.fail != nil {
		return r.fail
	}
	if got, want := offset, uint32(len(r.data[index])); got != want {
		return fmt.Errorf("file %d: offset %d, expected %d", index, got, want)
	}
	r.spans = append(r.spans, span{index, offset, len(data)})
	r.data[index] = append(r.data[index], data...)
	return nil
}

// feed parses the archive in chunks of the given size, the way a transport
// would deliver it.
func feed(t *testing.T, c *Context, archive []byte, chunk int) error {
	t.Helper()
	for off := 0; off < len(archive); {
		end := off + chunk
		if end > len(archive) {
			end = len(archive)
		}
		n, err := c.Parse(uint32(off), archive[off:end])
		if err != nil && errors.Cause(err) != ErrNotEnoughData {
			return err
		}
		if n != end-off {
			return fmt.Errorf("consumed %d of %d at %d", n, end-off, off)
		}
		off = end
	}
	return nil
}

func TestIsTarHeader(t *testing.T) {
	archive := buildTar(t, tarFile{"app.bin", payload(10, 1)})

	if got, want := IsTarHeader(archive[:511]), HeaderNotEnoughData; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
	if got, want := IsTarHeader(nil), HeaderNotEnoughData; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
	if got, want := IsTarHeader(archive), HeaderValid; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
	if got, want := IsTarHeader(make([]byte, BlockSize)), HeaderInvalid; got != want {
		t.Errorf("zero block: got: %s, want: %s", got, want)
	}

	corrupt := append([]byte(nil), archive[:BlockSize]...)
	corrupt[0] ^= 0x01
	if got, want := IsTarHeader(corrupt), HeaderInvalid; got != want {
		t.Errorf("bad checksum: got: %s, want: %s", got, want)
	}

	raw := payload(BlockSize, 7)
	copy(raw[magicOff:], "ustar")
	if got, want := IsTarHeader(raw), HeaderInvalid; got != want {
		t.Errorf("magic only: got: %s, want: %s", got, want)
	}
}

func TestParseOctal(t *testing.T) {
	for _, c := range []struct {
		field string
		want  uint64
		ok    bool
	}{
		{"00000001750\x00", 1000, true},
		{"     1750 \x00", 1000, true},
		{"1750\x00\x00\x00", 1000, true},
		{"17509", 1000, true},
		{"\x00\x00\x00", 0, false},
		{"", 0, false},
	} {
		got, ok := parseOctal([]byte(c.field))
		if got != c.want || ok != c.ok {
			t.Errorf("%q: got: %d %t, want: %d %t", c.field, got, ok, c.want, c.ok)
		}
	}
}

func TestParseSingleCall(t *testing.T) {
	app := payload(1500, 3)
	tfm := payload(100, 9)
	archive := buildTar(t,
		manifestFile(t, "1.2.3",
			ManifestFile{FileName: "app.bin", FileType: TypeNSPE, FileSize: 1500},
			ManifestFile{FileName: "tfm.bin", FileType: TypeSPE, FileSize: 100},
		),
		tarFile{"notes.txt", []byte("not listed")},
		tarFile{"app.bin", app},
		tarFile{"tfm.bin", tfm},
	)

	var c Context
	r := newRecorder()
	require.NoError(t, c.Init(r))
	n, err := c.Parse(0, archive)
	require.NoError(t, err)
	assert.Equal(t, len(archive), n)
	assert.True(t, c.Finished())
	assert.Equal(t, "1.2.3", c.AppVersion())

	wantSpans := []span{{0, 0, 1500}, {1, 0, 100}}
	if diff := cmp.Diff(wantSpans, r.spans, cmp.AllowUnexported(span{})); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, app, r.data[0])
	assert.Equal(t, tfm, r.data[1])

	wantFiles := []FileInfo{
		{Name: "app.bin", Type: TypeNSPE, FoundInTar: true, HeaderOffset: 4 * BlockSize, Size: 1500, ManifestSize: 1500, Processed: 1500, ImageID: 0},
		{Name: "tfm.bin", Type: TypeSPE, FoundInTar: true, HeaderOffset: 8 * BlockSize, Size: 100, ManifestSize: 100, Processed: 100, ImageID: 1},
	}
	if diff := cmp.Diff(wantFiles, c.Files()); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < c.NumFiles(); i++ {
		assert.True(t, c.File(i).Complete())
	}
}

func TestChunkingInvariance(t *testing.T) {
	app := payload(3000, 5)
	archive := buildTar(t,
		manifestFile(t, "2.0.1", ManifestFile{FileName: "app.bin", FileType: TypeNSPE, FileSize: 3000}),
		tarFile{"app.bin", app},
	)
	for _, chunk := range []int{1, 7, 100, 511, 512, 513, 4096, len(archive)} {
		var c Context
		r := newRecorder()
		require.NoError(t, c.Init(r))
		require.NoError(t, feed(t, &c, archive, chunk), "chunk %d", chunk)
		assert.Equal(t, app, r.data[0], "chunk %d", chunk)
		assert.Equal(t, uint32(len(archive)), c.BytesProcessed(), "chunk %d", chunk)
		assert.Equal(t, uint32(3000), c.File(0).Processed, "chunk %d", chunk)
		for _, s := range r.spans {
			if s.offset+uint32(s.size) > 3000 {
				t.Errorf("chunk %d: span %+v past the end of the file", chunk, s)
			}
		}
		if chunk < BlockSize {
			// Small chunks are coalesced into block-sized writes.
			if got, want := len(r.spans), 6; got != want {
				t.Errorf("chunk %d: got: %d spans, want: %d", chunk, got, want)
			}
		}
	}
}

func TestTarSizeGoverns(t *testing.T) {
	app := payload(1100, 1)
	archive := buildTar(t,
		manifestFile(t, "1.0.0", ManifestFile{FileName: "app.bin", FileType: TypeNSPE, FileSize: 1000}),
		tarFile{"app.bin", app},
	)
	var c Context
	r := newRecorder()
	require.NoError(t, c.Init(r))
	require.NoError(t, feed(t, &c, archive, 64))
	assert.Equal(t, app, r.data[0])
	f := c.File(0)
	assert.Equal(t, uint32(1100), f.Size)
	assert.Equal(t, uint32(1000), f.ManifestSize)
	assert.True(t, f.SizeMismatch)
}

func TestFilesBeforeManifestAreSkipped(t *testing.T) {
	archive := buildTar(t,
		tarFile{"app.bin", payload(600, 1)},
		manifestFile(t, "1.0.0", ManifestFile{FileName: "app.bin", FileType: TypeNSPE, FileSize: 600}),
	)
	var c Context
	r := newRecorder()
	require.NoError(t, c.Init(r))
	require.NoError(t, feed(t, &c, archive, 300))
	assert.Empty(t, r.spans)
	assert.False(t, c.File(0).FoundInTar)
}

func TestNoManifest(t *testing.T) {
	// A tar with a lone unlisted file is consumed without writes.
	archive := buildTar(t, tarFile{"app.bin", payload(299488, 1)})
	var c Context
	r := newRecorder()
	require.NoError(t, c.Init(r))
	require.NoError(t, feed(t, &c, archive, 4096))
	assert.Empty(t, r.spans)
	assert.True(t, c.Finished())
	assert.False(t, c.ManifestParsed())
}

func TestManifestErrors(t *testing.T) {
	tooMany := make([]ManifestFile, MaxFiles+1)
	for i := range tooMany {
		tooMany[i] = ManifestFile{FileName: fmt.Sprintf("f%d.bin", i), FileType: TypeNSPE, FileSize: 1}
	}
	big := make([]ManifestFile, 100)
	for i := range big {
		big[i] = ManifestFile{FileName: fmt.Sprintf("some-rather-long-file-name-%03d.bin", i), FileType: TypeNSPE}
	}
	for _, c := range []struct {
		name     string
		manifest tarFile
	}{
		{"garbage", tarFile{ComponentsJSON, []byte(`{"files": [`)}},
		{"too many files", manifestFile(t, "1.0.0", tooMany...)},
		{"unknown type", manifestFile(t, "1.0.0", ManifestFile{FileName: "a.bin", FileType: "BLOB"})},
		{"long type", manifestFile(t, "1.0.0", ManifestFile{FileName: "a.bin", FileType: "NSPE-AND-THEN-SOME"})},
		{"long version", manifestFile(t, "12345.67890.1234567", ManifestFile{FileName: "a.bin", FileType: TypeNSPE})},
		{"bad image", tarFile{ComponentsJSON, []byte(`{"files":[{"fileName":"a.bin","fileType":"NSPE","imageId":"7"}]}`)}},
		{"duplicate", manifestFile(t, "1.0.0",
			ManifestFile{FileName: "a.bin", FileType: TypeNSPE},
			ManifestFile{FileName: "a.bin", FileType: TypeSPE})},
		{"too big", manifestFile(t, "1.0.0", big...)},
	} {
		archive := buildTar(t, c.manifest)
		var ctx Context
		require.NoError(t, ctx.Init(newRecorder()))
		err := feed(t, &ctx, archive, 256)
		if got, want := errors.Cause(err), ErrComponentsJSON; got != want {
			t.Errorf("%s: got: %v, want: %v", c.name, err, want)
		}
	}
}

func TestManifestNumbers(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{
		"numberOfComponents": "3",
		"version": "5.6.0",
		"files": [
			{"fileName": "components.json", "fileType": "component_list"},
			{"fileName": "tfm_s.bin", "fileType": "SPE", "fileSize": "4096"},
			{"fileName": "app.bin", "fileType": "NSPE", "fileSize": 1234, "imageId": "0x2"}
		]}`), &m))
	assert.Equal(t, StringUint(3), m.NumberOfComponents)
	assert.Equal(t, StringUint(4096), m.Files[1].FileSize)
	assert.Equal(t, StringUint(1234), m.Files[2].FileSize)
	require.NotNil(t, m.Files[2].ImageID)
	assert.Equal(t, StringUint(2), *m.Files[2].ImageID)

	out, err := json.Marshal(ManifestFile{FileName: "a", FileType: TypeNSPE, FileSize: 10})
	require.NoError(t, err)
	assert.Equal(t, `{"fileName":"a","fileType":"NSPE","fileSize":"10"}`, string(out))
}

func TestImageOverride(t *testing.T) {
	img := StringUint(3)
	archive := buildTar(t,
		manifestFile(t, "1.0.0", ManifestFile{FileName: "ext.bin", FileType: TypeNSPE, FileSize: 10, ImageID: &img}),
		tarFile{"ext.bin", payload(10, 0)},
	)
	var c Context
	require.NoError(t, c.Init(newRecorder()))
	require.NoError(t, feed(t, &c, archive, 512))
	assert.Equal(t, 2, c.File(0).ImageID)
}

func TestBadHeaderMidStream(t *testing.T) {
	archive := buildTar(t,
		manifestFile(t, "1.0.0", ManifestFile{FileName: "a.bin", FileType: TypeNSPE, FileSize: 10}),
		tarFile{"a.bin", payload(10, 0)},
	)
	// Corrupt the second header's name; its checksum no longer matches.
	archive[2*BlockSize] ^= 0x20
	var c Context
	r := newRecorder()
	require.NoError(t, c.Init(r))
	err := feed(t, &c, archive, 100)
	assert.Equal(t, ErrInvalid, errors.Cause(err))
	assert.Empty(t, r.spans)
}

func TestHugeFileSize(t *testing.T) {
	for _, c := range []struct {
		size int64
		ok   bool
	}{
		{MaxFileSize, true},
		{MaxFileSize + 1, false},
		{0xffffffff, false},
	} {
		t.Run(fmt.Sprintf("%#x", c.size), func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name: "a.bin", Mode: 0644, Size: c.size, Typeflag: tar.TypeReg, Format: tar.FormatUSTAR,
			}))
			block := buf.Bytes()[:BlockSize]
			h, err := parseHeader(block)
			if !c.ok {
				assert.Error(t, err)
				var ctx Context
				require.NoError(t, ctx.Init(newRecorder()))
				_, err = ctx.Parse(0, block)
				assert.Equal(t, ErrInvalid, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint32(c.size), h.size)
			// The data would run past the 32-bit stream offset.
			var ctx Context
			require.NoError(t, ctx.Init(newRecorder()))
			_, err = ctx.Parse(0, block)
			assert.Equal(t, ErrInvalid, errors.Cause(err))
		})
	}
}

func TestNotEnoughData(t *testing.T) {
	archive := buildTar(t, tarFile{"a.bin", payload(10, 0)})
	var c Context
	require.NoError(t, c.Init(newRecorder()))
	n, err := c.Parse(0, archive[:100])
	assert.Equal(t, 100, n)
	assert.Equal(t, ErrNotEnoughData, errors.Cause(err))
	assert.Equal(t, StateFindHeader, c.State())

	n, err = c.Parse(100, archive[100:BlockSize])
	require.NoError(t, err)
	assert.Equal(t, BlockSize-100, n)
}

func TestParseOffsets(t *testing.T) {
	archive := buildTar(t, tarFile{"a.bin", payload(10, 0)})
	var c Context
	_, err := c.Parse(0, archive)
	assert.Equal(t, ErrNotInitialized, errors.Cause(err))

	require.NoError(t, c.Init(newRecorder()))
	_, err = c.Parse(0, archive[:600])
	require.NoError(t, err)
	// A gap or an overlap in the stream is rejected.
	_, err = c.Parse(700, archive[700:])
	assert.Error(t, err)
	_, err = c.Parse(500, archive[500:])
	assert.Error(t, err)
	_, err = c.Parse(600, archive[600:])
	assert.NoError(t, err)
}

func TestWriterErrorPropagates(t *testing.T) {
	archive := buildTar(t,
		manifestFile(t, "1.0.0", ManifestFile{FileName: "a.bin", FileType: TypeNSPE, FileSize: 1024}),
		tarFile{"a.bin", payload(1024, 0)},
	)
	var c Context
	r := newRecorder()
	r.fail = errors.New("flash on fire")
	require.NoError(t, c.Init(r))
	_, err := c.Parse(0, archive)
	assert.Equal(t, r.fail, errors.Cause(err))
}

type rejecter struct {
	*recorder
	seen string
}

func (r *rejecter) ManifestParsed(c *Context) error {
	r.seen = c.AppVersion()
	return errors.New("too old")
}

func TestManifestReceiver(t *testing.T) {
	archive := buildTar(t,
		manifestFile(t, "0.9.0", ManifestFile{FileName: "a.bin", FileType: TypeNSPE, FileSize: 10}),
		tarFile{"a.bin", payload(10, 0)},
	)
	var c Context
	r := &rejecter{recorder: newRecorder()}
	require.NoError(t, c.Init(r))
	_, err := c.Parse(0, archive)
	assert.Error(t, err)
	assert.Equal(t, "0.9.0", r.seen)
	assert.Empty(t, r.spans)
}

func TestInitDeinit(t *testing.T) {
	var c Context
	require.NoError(t, c.Deinit())
	assert.Equal(t, StateUninitialized, c.State())
	assert.Error(t, c.Init(nil))

	require.NoError(t, c.Init(WriterFunc(func(*Context, int, uint32, []byte) error { return nil })))
	assert.Equal(t, StateFindHeader, c.State())
	_, err := c.Parse(0, make([]byte, 10))
	assert.Equal(t, ErrNotEnoughData, errors.Cause(err))

	// Init again starts from scratch.
	require.NoError(t, c.Init(newRecorder()))
	assert.Equal(t, uint32(0), c.BytesProcessed())
	require.NoError(t, c.Deinit())
	_, err = c.Parse(0, nil)
	assert.Equal(t, ErrNotInitialized, errors.Cause(err))
}

func TestTrailingDataAfterEnd(t *testing.T) {
	archive := buildTar(t, tarFile{"a.bin", payload(10, 0)})
	archive = append(archive, payload(777, 1)...)
	var c Context
	require.NoError(t, c.Init(newRecorder()))
	require.NoError(t, feed(t, &c, archive, 1000))
	assert.True(t, c.Finished())
}
