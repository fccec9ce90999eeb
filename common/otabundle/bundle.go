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
package otabundle

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/untar"
)

// Bundle is an update archive: a ustar file with components.json first,
// followed by the parts in the order they were added.
type Bundle struct {
	Version string
	Parts   []*Part
}

func NewBundle(version string) *Bundle {
	return &Bundle{Version: version}
}

func (b *Bundle) AddPart(p *Part) error {
	for _, ep := range b.Parts {
		if ep.Name == p.Name {
			return errors.AlreadyExistsf("part %s", p.Name)
		}
	}
	if len(b.Parts) == untar.MaxFiles {
		return errors.Errorf("too many parts, max %d", untar.MaxFiles)
	}
	b.Parts = append(b.Parts, p)
	return nil
}

// Manifest builds components.json for the bundle.
func (b *Bundle) Manifest() (*untar.Manifest, error) {
	m := &untar.Manifest{
		NumberOfComponents: untar.StringUint(len(b.Parts) + 1),
		Version:            b.Version,
		Files: []untar.ManifestFile{
			{FileName: untar.ComponentsJSON, FileType: untar.TypeComponentList},
		},
	}
	for _, p := range b.Parts {
		data, err := p.GetData()
		if err != nil {
			return nil, errors.Trace(err)
		}
		mf := untar.ManifestFile{
			FileName: p.Name,
			FileType: p.Type,
			FileSize: untar.StringUint(len(data)),
			Version:  p.Version,
		}
		if mf.FileType == "" {
			mf.FileType = untar.TypeNSPE
		}
		if p.ImageID > 0 {
			id := untar.StringUint(p.ImageID)
			mf.ImageID = &id
		}
		m.Files = append(m.Files, mf)
	}
	return m, nil
}

func (b *Bundle) ManifestJSON() ([]byte, error) {
	m, err := b.Manifest()
	if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.Annotatef(err, "error marshaling manifest")
	}
	if len(data) > untar.MaxManifestSize {
		return nil, errors.Errorf("manifest is %d bytes, max %d", len(data), untar.MaxManifestSize)
	}
	return data, nil
}

func addFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Annotatef(err, "%s: header", name)
	}
	if _, err := tw.Write(data); err != nil {
		return errors.Annotatef(err, "%s: data", name)
	}
	return nil
}

// WriteTo writes the archive to w.
func (b *Bundle) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	mdata, err := b.ManifestJSON()
	if err != nil {
		return 0, errors.Trace(err)
	}
	glog.V(1).Infof("Manifest:\n%s", string(mdata))
	tw := tar.NewWriter(cw)
	if err := addFile(tw, untar.ComponentsJSON, mdata); err != nil {
		return cw.n, errors.Trace(err)
	}
	for _, p := range b.Parts {
		data, err := p.GetData()
		if err != nil {
			return cw.n, errors.Trace(err)
		}
		if err := addFile(tw, p.Name, data); err != nil {
			return cw.n, errors.Trace(err)
		}
	}
	if err := tw.Close(); err != nil {
		return cw.n, errors.Annotatef(err, "error closing the archive")
	}
	return cw.n, nil
}

func (b *Bundle) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := b.WriteTo(buf); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func (b *Bundle) WriteFile(fname string) error {
	data, err := b.Bytes()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(ioutil.WriteFile(fname, data, 0644), "failed to write %s", fname)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// ReadBundle loads an archive written by WriteTo. Parts keep their data;
// their types and versions come from the manifest.
func ReadBundle(r io.Reader) (*Bundle, error) {
	tr := tar.NewReader(r)
	var m *untar.Manifest
	b := &Bundle{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "invalid archive")
		}
		data, err := ioutil.ReadAll(tr)
		if err != nil {
			return nil, errors.Annotatef(err, "%s", hdr.Name)
		}
		if hdr.Name == untar.ComponentsJSON {
			m = &untar.Manifest{}
			if err := json.Unmarshal(data, m); err != nil {
				return nil, errors.Annotatef(err, "invalid %s", untar.ComponentsJSON)
			}
			b.Version = m.Version
			continue
		}
		p := &Part{Name: hdr.Name}
		p.SetData(data)
		b.Parts = append(b.Parts, p)
	}
	if m == nil {
		return nil, errors.NotFoundf(untar.ComponentsJSON)
	}
	for _, p := range b.Parts {
		for _, mf := range m.Files {
			if mf.FileName != p.Name {
				continue
			}
			p.Type = mf.FileType
			p.Version = mf.Version
			if mf.ImageID != nil {
				p.ImageID = int(*mf.ImageID)
			}
		}
	}
	return b, nil
}

func ReadBundleFile(fname string) (*Bundle, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	return ReadBundle(f)
}
