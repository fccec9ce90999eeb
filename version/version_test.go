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
package version

import (
	"testing"
)

func TestLooksLikeVersionNumber(t *testing.T) {
	for s, want := range map[string]bool{
		"1.2":     true,
		"2.17.0":  true,
		"latest":  false,
		"1.2-rc1": false,
		"":        false,
	} {
		if got := LooksLikeVersionNumber(s); got != want {
			t.Errorf("%q: got: %t, want: %t", s, got, want)
		}
	}
}

func TestCheckAppVersion(t *testing.T) {
	for s, ok := range map[string]bool{
		"1.0.0":     true,
		"12.34.567": true,
		"1.0":       false,
		"1.0.0.1":   false,
		"v1.0.0":    false,
		"1.a.0":     false,
	} {
		err := CheckAppVersion(s)
		if got := err == nil; got != ok {
			t.Errorf("%q: got: %v, want ok: %t", s, err, ok)
		}
	}
}
