// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(64)
	for _, i := range []uint32{0, 3, 63, 64, 200} {
		b.Add(i)
	}
	b.Add(3)
	if got, want := b.GetNumOnes(), uint32(5); got != want {
		t.Errorf("GetNumOnes() = %d, want %d", got, want)
	}
	if diff := cmp.Diff([]uint32{0, 3, 63, 64, 200}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}

	b.Remove(63)
	b.Remove(63)
	b.Remove(1000)
	if b.Contains(63) {
		t.Errorf("Contains(63) = true after Remove")
	}
	if !b.Contains(200) {
		t.Errorf("Contains(200) = false, want true")
	}
	if got, want := b.GetNumOnes(), uint32(4); got != want {
		t.Errorf("GetNumOnes() = %d, want %d", got, want)
	}
}

func TestFirstZero(t *testing.T) {
	b := New(128)
	for i := uint32(0); i < 70; i++ {
		b.Add(i)
	}
	for _, test := range []struct {
		start uint32
		want  uint32
	}{
		{start: 0, want: 70},
		{start: 71, want: 71},
		{start: 127, want: 127},
	} {
		got, err := b.FirstZero(test.start)
		if err != nil {
			t.Fatalf("FirstZero(%d) failed: %v", test.start, err)
		}
		if got != test.want {
			t.Errorf("FirstZero(%d) = %d, want %d", test.start, got, test.want)
		}
	}
	if _, err := b.FirstZero(128); err == nil {
		t.Errorf("FirstZero(128) succeeded, want error")
	}

	full := New(64)
	for i := uint32(0); i < 64; i++ {
		full.Add(i)
	}
	if _, err := full.FirstZero(0); err == nil {
		t.Errorf("FirstZero on full bitmap succeeded, want error")
	}
}

func TestClone(t *testing.T) {
	b := New(64)
	b.Add(5)
	c := b.Clone()
	c.Add(6)
	if b.Contains(6) {
		t.Errorf("original bitmap observed modification of clone")
	}
	if !c.Contains(5) || c.GetNumOnes() != 2 {
		t.Errorf("clone = %v, want [5 6]", c.ToSlice())
	}
}
