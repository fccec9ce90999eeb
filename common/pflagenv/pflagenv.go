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
// Package pflagenv lets environment variables stand in for command line
// flags: --chunk-size can be given as OTA_CHUNK_SIZE.
package pflagenv

import (
	"os"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"github.com/mongoose-os/otastore/common/multierror"
)

// EnvName returns the variable consulted for a flag.
func EnvName(flagName, envPrefix string) string {
	return envPrefix + strings.Replace(strings.ToUpper(flagName), "-", "_", -1)
}

// ParseFlagSet sets every flag that was not given on the command line from
// its environment variable, if one is set. It must be called after
// fs.Parse. The names of the flags taken from the environment are returned;
// values that don't parse are reported together.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) ([]string, error) {
	var names []string
	var errs error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		env := EnvName(f.Name, envPrefix)
		v, ok := os.LookupEnv(env)
		if !ok || v == "" {
			return
		}
		if err := f.Value.Set(v); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "%s", env))
			return
		}
		f.Changed = true
		glog.V(1).Infof("--%s=%q from %s", f.Name, v, env)
		names = append(names, f.Name)
	})
	sort.Strings(names)
	return names, errs
}

// Parse is ParseFlagSet on pflag.CommandLine.
func Parse(envPrefix string) ([]string, error) {
	return ParseFlagSet(pflag.CommandLine, envPrefix)
}
