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
	"encoding/binary"
	"io"
)

// Read reads from the default reader.
func Read(b []byte) (int, error) {
	return io.ReadFull(Reader, b)
}

// Uint64 returns a random uint64 read from r.
func Uint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Uint64n returns a uniformly distributed random value in [0, n) read from
// r. n must be non-zero.
func Uint64n(r io.Reader, n uint64) (uint64, error) {
	if n&(n-1) == 0 {
		v, err := Uint64(r)
		return v & (n - 1), err
	}
	// Reject values from the incomplete final interval to avoid modulo bias.
	limit := ^uint64(0) - (^uint64(0)%n+1)%n
	for {
		v, err := Uint64(r)
		if err != nil {
			return 0, err
		}
		if v <= limit {
			return v % n, nil
		}
	}
}
