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
package ota

import (
	"github.com/juju/errors"
	goversion "github.com/mcuadros/go-version"

	"github.com/mongoose-os/otastore/version"
)

// checkNewer fails unless candidate is a well formed version newer than
// current. An empty current accepts any well formed candidate.
func checkNewer(candidate, current string) error {
	if err := version.CheckAppVersion(candidate); err != nil {
		return errors.Trace(err)
	}
	if current == "" {
		return nil
	}
	if !goversion.Compare(candidate, current, ">") {
		return errors.Errorf("version %s is not newer than %s", candidate, current)
	}
	return nil
}
