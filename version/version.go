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
	"fmt"
	"regexp"
	"runtime"

	"github.com/juju/errors"
)

// Set at link time: -ldflags "-X github.com/mongoose-os/otastore/version.Version=1.2"
var (
	Version = "latest"
	BuildId = ""
)

const LatestVersionName = "latest"

var (
	regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)
	regexpAppVersion    = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)
)

// GetVersion returns this binary's version, or "latest" if it's not a release build.
func GetVersion() string {
	if LooksLikeVersionNumber(Version) {
		return Version
	}
	return LatestVersionName
}

func GetUserAgent() string {
	return fmt.Sprintf("otatool/%s %s (%s; %s)", GetVersion(), BuildId, runtime.GOOS, runtime.GOARCH)
}

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// CheckAppVersion verifies that s has the "<major>.<minor>.<build>" form
// used for application versions.
func CheckAppVersion(s string) error {
	if !regexpAppVersion.MatchString(s) {
		return errors.NotValidf("application version %q (want <major>.<minor>.<build>)", s)
	}
	return nil
}
