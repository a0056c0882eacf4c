// Copyright 2026 The gVisor Authors.
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

//go:build linux

package rand

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRead(t *testing.T) {
	b := make([]byte, 64)
	if _, err := Read(b); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if bytes.Equal(b, make([]byte, len(b))) {
		t.Errorf("Read returned 64 zero bytes")
	}
}

func TestUint64n(t *testing.T) {
	var buf bytes.Buffer
	for _, v := range []uint64{7, ^uint64(0), 12} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	for _, tc := range []struct {
		n    uint64
		want uint64
	}{
		{n: 4, want: 3},
		// ^0 is rejected for n=10 and the next value (12) is used.
		{n: 10, want: 2},
	} {
		got, err := Uint64n(&buf, tc.n)
		if err != nil {
			t.Fatalf("Uint64n(%d): %v", tc.n, err)
		}
		if got != tc.want {
			t.Errorf("Uint64n(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}
