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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/otastore/common/untar"
)

// Part is one file of an update archive.
type Part struct {
	// Name is the file name inside the archive.
	Name    string `json:"-"`
	Type    string `json:"type,omitempty"`
	Src     string `json:"src,omitempty"`
	ImageID int    `json:"image,omitempty"`
	Version string `json:"version,omitempty"`

	data []byte
}

// PartFromString parses "name:prop=value,..." as given on the command line,
// e.g. "app.bin:type=NSPE,src=build/app.bin,version=1.2.3".
func PartFromString(ps string) (*Part, error) {
	np := strings.SplitN(ps, ":", 2)
	if len(np) < 2 || np[0] == "" {
		return nil, errors.Errorf("invalid part spec '%s', must be 'name:prop=value,...'", ps)
	}
	// Create properties JSON and re-parse it.
	m := make(map[string]interface{})
	for _, prop := range strings.Split(np[1], ",") {
		if len(prop) == 0 {
			continue
		}
		kv := strings.SplitN(prop, "=", 2)
		if len(kv) < 2 {
			return nil, errors.Errorf("invalid property spec '%s', must be 'prop=value'", prop)
		}
		k, v := kv[0], kv[1]
		switch {
		case v == "":
			m[k] = ""
		case v[0] == '\'' || v[0] == '"':
			m[k] = strings.Trim(v, `'"`)
		default:
			if n, nerr := strconv.ParseInt(v, 0, 32); nerr == nil && k == "image" {
				m[k] = n
			} else {
				m[k] = v
			}
		}
	}
	mb, _ := json.Marshal(&m)
	var p Part
	if err := json.Unmarshal(mb, &p); err != nil {
		return nil, errors.Annotatef(err, "part %s", np[0])
	}
	p.Name = np[0]
	if p.Type != "" {
		if _, err := untar.ImageForType(p.Type); err != nil {
			return nil, errors.Annotatef(err, "part %s", p.Name)
		}
	}
	if p.ImageID < 0 || p.ImageID > untar.MaxImages {
		return nil, errors.NotValidf("part %s: image %d", p.Name, p.ImageID)
	}
	return &p, nil
}

func (p *Part) SetData(data []byte) {
	p.data = data
}

// GetData returns the data set with SetData or read from Src.
func (p *Part) GetData() ([]byte, error) {
	if p.data != nil {
		return p.data, nil
	}
	if p.Src == "" {
		return nil, errors.Errorf("%s: no suitable data source", p.Name)
	}
	data, err := ioutil.ReadFile(p.Src)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: error retrieving data", p.Name)
	}
	if strings.HasSuffix(strings.ToLower(p.Src), ".hex") {
		img, err := ParseHexImage(data, 0xff)
		if err != nil {
			return nil, errors.Annotatef(err, "%s: invalid hex file %s", p.Name, p.Src)
		}
		data = img.Data
	}
	p.data = data
	return data, nil
}

// SHA256 of the part data, in hex.
func (p *Part) SHA256() (string, error) {
	data, err := p.GetData()
	if err != nil {
		return "", errors.Trace(err)
	}
	cs := sha256.Sum256(data)
	return hex.EncodeToString(cs[:]), nil
}
