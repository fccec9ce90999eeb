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
	goflag "flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/otastore/cli/flags"
	"github.com/mongoose-os/otastore/common/pflagenv"
	"github.com/mongoose-os/otastore/version"
)

const (
	envPrefix = "OTA_"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

var (
	// put all commands here
	commands = []command{
		{"bundle", bundle, `Build an update archive`, "", []string{"output", "part"}, []string{"app-version"}},
		{"info", info, `Show the manifest of an update archive`, "<archive>", nil, nil},
		{"write", write, `Write a download to the device as the OTA agent would`, "<file>", []string{"config"}, []string{"chunk-size", "total-size", "no-verify", "yield"}},
		{"pending", pending, `Mark an image to be swapped in at the next boot`, "", []string{"config"}, []string{"image", "permanent"}},
		{"confirm", confirm, `Confirm the running image`, "", []string{"config"}, []string{"image"}},
		{"revert", revert, `Cancel a pending swap`, "", []string{"config"}, []string{"image"}},
		{"switch", switchImage, `Activate the new image on targets without a swapping bootloader`, "", []string{"config"}, nil},
		{"status", status, `Show the slot and swap state of all images`, "", []string{"config"}, nil},
		{"layout", layout, `Show the flash areas of the device`, "", []string{"config"}, nil},
		{"profile", profile, `Show a target profile, or list the target families`, "", nil, []string{"config", "target", "output"}},
		{"version", showVersion, `Show version`, "", nil, nil},
	}
)

type command struct {
	name     string
	handler  handler
	short    string
	args     string
	required []string
	optional []string
}

type handler func() error

func showVersion() error {
	fmt.Printf("%s\n", version.GetUserAgent())
	return nil
}

func run() error {
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			// check required flags
			if err := checkFlags(c.required); err != nil {
				return errors.Trace(err)
			}
			// run the handler
			if err := c.handler(); err != nil {
				return errors.Trace(err)
			}
			return nil
		}
	}
	// not found
	usage()
	return nil
}

func main() {
	initFlags()
	flag.Parse()
	if _, err := pflagenv.Parse(envPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	if *flags.Verbose {
		goflag.Set("logtostderr", "true")
		goflag.Set("v", "1")
	}

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		showVersion()
		return
	}

	if err := run(); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
