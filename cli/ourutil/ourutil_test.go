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
package ourutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstN(t *testing.T) {
	assert.Equal(t, "abc", FirstN("abcdef", 3))
	assert.Equal(t, "ab", FirstN("ab", 3))
	assert.Equal(t, "", FirstN("", 3))
}

func TestSize(t *testing.T) {
	assert.Equal(t, "256 KiB (0x40000)", Size(0x40000))
	assert.Equal(t, "512 B (0x200)", Size(512))
}
