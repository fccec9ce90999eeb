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
	"fmt"

	"github.com/juju/errors"
)

// Code classifies storage failures for the OTA agent.
type Code int

const (
	OK Code = iota
	OpenStorage
	ReadStorage
	WriteStorage
	CloseStorage
	Verify
	General
	Unsupported
	OutOfMemory
	BadArgs
	NoImageInfo
)

var codeNames = map[Code]string{
	OK:           "OK",
	OpenStorage:  "OPEN_STORAGE",
	ReadStorage:  "READ_STORAGE",
	WriteStorage: "WRITE_STORAGE",
	CloseStorage: "CLOSE_STORAGE",
	Verify:       "VERIFY",
	General:      "GENERAL",
	Unsupported:  "UNSUPPORTED",
	OutOfMemory:  "OUT_OF_MEMORY",
	BadArgs:      "BAD_ARGS",
	NoImageInfo:  "NO_IMAGE_INFO",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error carries a Code along with the underlying failure.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(code Code, err error) error {
	if err == nil {
		return nil
	}
	// Keep the more specific code of an inner failure.
	if _, ok := errors.Cause(err).(*Error); ok {
		return err
	}
	return &Error{Code: code, err: err}
}

func errorf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, err: errors.Errorf(format, args...)}
}

// CodeOf returns the code of err, OK for nil and General for errors that
// don't carry one.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Code
	}
	return General
}
