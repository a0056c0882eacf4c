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

package hostarch

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
)

var rangeCmp = cmp.AllowUnexported(VirtualRange{})

func vr(base, end uint64) VirtualRange {
	return NewVirtualRange(Addr(base), end-base)
}

func TestCarve(t *testing.T) {
	whole := vr(0x10000, 0x20000)
	for _, tc := range []struct {
		name  string
		taken VirtualRange
		want  []VirtualRange
	}{
		{
			name:  "whole range",
			taken: whole,
			want:  nil,
		},
		{
			name:  "touches start",
			taken: vr(0x10000, 0x12000),
			want:  []VirtualRange{vr(0x12000, 0x20000)},
		},
		{
			name:  "touches end",
			taken: vr(0x1f000, 0x20000),
			want:  []VirtualRange{vr(0x10000, 0x1f000)},
		},
		{
			name:  "hole punch",
			taken: vr(0x14000, 0x15000),
			want:  []VirtualRange{vr(0x10000, 0x14000), vr(0x15000, 0x20000)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := whole.Carve(tc.taken)
			if diff := cmp.Diff(tc.want, got, rangeCmp); diff != "" {
				t.Errorf("Carve(%v) mismatch (-want +got):\n%s", tc.taken, diff)
			}
		})
	}
}

func TestCarveMisalignedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Carve with a misaligned size did not panic")
		}
	}()
	vr(0x10000, 0x20000).Carve(NewVirtualRange(0x10000, 0x800))
}

// TestCarveProperties checks that the leftovers of a carve, together with the
// taken range, tile the original range exactly.
func TestCarveProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		pages := uint64(rng.Intn(64) + 1)
		a := NewVirtualRange(Addr(rng.Intn(1<<20))<<PageShift, pages<<PageShift)
		first := uint64(rng.Int63n(int64(pages)))
		count := uint64(rng.Int63n(int64(pages-first))) + 1
		b := NewVirtualRange(a.Base()+Addr(first<<PageShift), count<<PageShift)

		parts := a.Carve(b)
		var total uint64 = b.Size()
		for _, p := range parts {
			if !a.Contains(p) {
				t.Fatalf("%v.Carve(%v): part %v outside original", a, b, p)
			}
			if p.Overlaps(b) {
				t.Fatalf("%v.Carve(%v): part %v overlaps taken", a, b, p)
			}
			total += p.Size()
		}
		if len(parts) == 2 && parts[0].Overlaps(parts[1]) {
			t.Fatalf("%v.Carve(%v): parts overlap each other: %v", a, b, parts)
		}
		if total != a.Size() {
			t.Fatalf("%v.Carve(%v): parts cover %#x bytes, want %#x", a, b, total, a.Size())
		}

		touchesStart, touchesEnd := b.Base() == a.Base(), b.End() == a.End()
		want := 2
		switch {
		case touchesStart && touchesEnd:
			want = 0
		case touchesStart || touchesEnd:
			want = 1
		}
		if len(parts) != want {
			t.Fatalf("%v.Carve(%v) returned %d parts, want %d", a, b, len(parts), want)
		}
	}
}

func TestIntersect(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b VirtualRange
		want VirtualRange
	}{
		{"identical", vr(0x1000, 0x3000), vr(0x1000, 0x3000), vr(0x1000, 0x3000)},
		{"partial", vr(0x1000, 0x3000), vr(0x2000, 0x5000), vr(0x2000, 0x3000)},
		{"contained", vr(0x1000, 0x9000), vr(0x2000, 0x3000), vr(0x2000, 0x3000)},
		{"containing", vr(0x2000, 0x3000), vr(0x1000, 0x9000), vr(0x2000, 0x3000)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.a.Intersect(tc.b)
			if got != tc.want {
				t.Errorf("%v.Intersect(%v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
			if !tc.a.Contains(got) || !tc.b.Contains(got) {
				t.Errorf("%v.Intersect(%v) = %v is not contained in both", tc.a, tc.b, got)
			}
		})
	}
}

func TestIntersectDisjointPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Intersect of disjoint ranges did not panic")
		}
	}()
	vr(0x1000, 0x2000).Intersect(vr(0x2000, 0x3000))
}

func TestExpandToPageBoundaries(t *testing.T) {
	for _, tc := range []struct {
		name    string
		addr    Addr
		size    uint64
		want    VirtualRange
		wantErr bool
	}{
		{name: "aligned", addr: 0x1000, size: 0x1000, want: vr(0x1000, 0x2000)},
		{name: "unaligned start", addr: 0x1234, size: 0x10, want: vr(0x1000, 0x2000)},
		{name: "spans pages", addr: 0x1fff, size: 0x2, want: vr(0x1000, 0x3000)},
		{name: "empty", addr: 0x5000, size: 0, want: vr(0x5000, 0x5000)},
		{name: "size rounding wraps", addr: 0, size: ^uint64(0), wantErr: true},
		{name: "end wraps", addr: ^Addr(0) - 0x10, size: 0x1000, wantErr: true},
		{name: "end rounding wraps", addr: ^Addr(0) - 0x1000, size: 0x10, wantErr: true},
		{name: "last full page", addr: ^Addr(0) - 0x1fff, size: 0x1000, want: NewVirtualRange(^Addr(0)-0x1fff, 0x1000)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExpandToPageBoundaries(tc.addr, tc.size)
			if tc.wantErr {
				if !linuxerr.Equals(linuxerr.EINVAL, err) {
					t.Fatalf("ExpandToPageBoundaries(%v, %#x) = %v, %v, want EINVAL", tc.addr, tc.size, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExpandToPageBoundaries(%v, %#x): %v", tc.addr, tc.size, err)
			}
			if got != tc.want {
				t.Errorf("ExpandToPageBoundaries(%v, %#x) = %v, want %v", tc.addr, tc.size, got, tc.want)
			}
		})
	}
}

func TestExpandToPageBoundariesProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		addr := Addr(rng.Uint64() >> 1)
		size := uint64(rng.Intn(1 << 24))
		r, err := ExpandToPageBoundaries(addr, size)
		if err != nil {
			t.Fatalf("ExpandToPageBoundaries(%v, %#x): %v", addr, size, err)
		}
		if !r.IsPageAligned() {
			t.Fatalf("%v is not page-aligned", r)
		}
		if r.Base() > addr || r.End() < addr+Addr(size) {
			t.Fatalf("%v does not contain [%v, %v)", r, addr, addr+Addr(size))
		}
		if addr-r.Base() >= PageSize || r.End()-(addr+Addr(size)) >= PageSize {
			t.Fatalf("%v is not minimal for [%v, %v)", r, addr, addr+Addr(size))
		}
	}
}

func TestRoundUp(t *testing.T) {
	if got, ok := Addr(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp(0x1001) = %v, %t", got, ok)
	}
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp(max) did not report wrap")
	}
	if got, ok := AlignUp[uint64](0x3000, 0x4000); !ok || got != 0x4000 {
		t.Errorf("AlignUp(0x3000, 0x4000) = %#x, %t", got, ok)
	}
	if !IsPowerOfTwo[uint64](0x4000) || IsPowerOfTwo[uint64](0x3000) || IsPowerOfTwo[uint64](0) {
		t.Errorf("IsPowerOfTwo mismatch")
	}
}
