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
	"encoding/json"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	ComponentsJSON = "components.json"

	// File types known to the manifest.
	TypeComponentList = "component_list"
	TypeSPE           = "SPE"
	TypeNSPE          = "NSPE"
	TypeHeader        = "HEADER"
	TypeDS            = "DS"
	TypeCertificate   = "CERTIFICATE"

	MaxImages = 4
)

// StringUint is a number that may be written either as a JSON number or as a
// string holding one. Manifests produced by the release tooling use strings.
type StringUint uint32

func (su StringUint) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(su), 10))
}

func (su *StringUint) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*su = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return errors.NotValidf("number %s", data)
	}
	*su = StringUint(v)
	return nil
}

// Manifest is the contents of components.json.
type Manifest struct {
	NumberOfComponents StringUint     `json:"numberOfComponents"`
	Version            string         `json:"version"`
	Files              []ManifestFile `json:"files"`
}

type ManifestFile struct {
	FileName string      `json:"fileName"`
	FileType string      `json:"fileType"`
	FileSize StringUint  `json:"fileSize,omitempty"`
	ImageID  *StringUint `json:"imageId,omitempty"`
	Version  string      `json:"version,omitempty"`
}

// ImageForType maps a file type to the 0-based image it updates.
func ImageForType(fileType string) (int, error) {
	switch fileType {
	case TypeNSPE, TypeHeader, TypeDS, TypeCertificate:
		return 0, nil
	case TypeSPE:
		return 1, nil
	}
	return -1, errors.NotValidf("file type %q", fileType)
}

func (c *Context) parseManifest() error {
	var m Manifest
	if err := json.Unmarshal(c.manifestBuf[:c.manifestBytes], &m); err != nil {
		return errors.Annotatef(ErrComponentsJSON, "%s", err)
	}
	if len(m.Version) > VersionStringMax {
		return errors.Annotatef(ErrComponentsJSON, "version %q is too long", m.Version)
	}
	var files []FileInfo
	for _, mf := range m.Files {
		if mf.FileType == TypeComponentList || mf.FileName == ComponentsJSON {
			continue
		}
		if len(files) == MaxFiles {
			return errors.Annotatef(ErrComponentsJSON, "more than %d files", MaxFiles)
		}
		if mf.FileName == "" || len(mf.FileName) >= nameLen {
			return errors.Annotatef(ErrComponentsJSON, "bad file name %q", mf.FileName)
		}
		if len(mf.FileType) >= FileTypeLen {
			return errors.Annotatef(ErrComponentsJSON, "%s: file type %q is too long", mf.FileName, mf.FileType)
		}
		img, err := ImageForType(mf.FileType)
		if err != nil {
			return errors.Annotatef(ErrComponentsJSON, "%s: %s", mf.FileName, err)
		}
		if mf.ImageID != nil {
			if *mf.ImageID < 1 || *mf.ImageID > MaxImages {
				return errors.Annotatef(ErrComponentsJSON, "%s: image id %d", mf.FileName, *mf.ImageID)
			}
			img = int(*mf.ImageID) - 1
		}
		for _, f := range files {
			if f.Name == mf.FileName {
				return errors.Annotatef(ErrComponentsJSON, "duplicate file %q", mf.FileName)
			}
		}
		files = append(files, FileInfo{
			Name:         mf.FileName,
			Type:         mf.FileType,
			Size:         uint32(mf.FileSize),
			ManifestSize: uint32(mf.FileSize),
			ImageID:      img,
			Version:      mf.Version,
		})
	}
	if m.NumberOfComponents != 0 && int(m.NumberOfComponents) != len(m.Files) {
		glog.Warningf("%s: numberOfComponents %d, %d files listed", ComponentsJSON, m.NumberOfComponents, len(m.Files))
	}
	c.numFiles = copy(c.files[:], files)
	c.manifest = &m
	glog.Infof("%s: version %q, %d files", ComponentsJSON, m.Version, c.numFiles)
	for i := 0; i < c.numFiles; i++ {
		f := &c.files[i]
		glog.V(1).Infof("  %d: %s type %s size %d image %d", i, f.Name, f.Type, f.Size, f.ImageID)
	}
	if mr, ok := c.w.(ManifestReceiver); ok {
		if err := mr.ManifestParsed(c); err != nil {
			return errors.Annotatef(err, "manifest rejected")
		}
	}
	return nil
}
