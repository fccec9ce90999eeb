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
package flags

import (
	flag "github.com/spf13/pflag"
)

var (
	Config     = flag.String("config", "", "Device config file (YAML) describing the target, memories and flash areas")
	Target     = flag.String("target", "", "Target family")
	ChunkSize  = flag.Int("chunk-size", 4096, "Transport chunk size used when writing a download")
	TotalSize  = flag.Bool("total-size", true, "Announce the download size with the first chunk")
	Image      = flag.Int("image", 0, "Image index, 0-based")
	Permanent  = flag.Bool("permanent", false, "Make the swap permanent instead of a test swap")
	Output     = flag.StringP("output", "o", "", "Output file")
	Parts      = flag.StringArray("part", nil, "Archive part: name:type=NSPE,src=file[,image=N][,version=x.y.z]")
	AppVersion = flag.String("app-version", "", "Archive version, <major>.<minor>.<build>")
	YieldDelay = flag.Duration("yield", -1, "Override the target's yield delay")
	NoVerify   = flag.Bool("no-verify", false, "Do not verify the download and mark it pending")
	Verbose    = flag.Bool("verbose", false, "Verbose output")
)
