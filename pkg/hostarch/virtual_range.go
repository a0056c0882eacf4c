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
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
)

// VirtualRange is a contiguous, page-aligned interval [Base, Base+Size) of
// virtual addresses.
//
// VirtualRanges are immutable values: every derived range is a new value.
// Two ranges are equal iff their bases and sizes are equal, so == may be used.
type VirtualRange struct {
	base Addr
	size uint64
}

// NewVirtualRange returns the range [base, base+size).
//
// Preconditions: base and size are page-aligned (enforced by callers that
// validate untrusted input with ExpandToPageBoundaries); base+size does not
// overflow.
func NewVirtualRange(base Addr, size uint64) VirtualRange {
	return VirtualRange{base: base, size: size}
}

// ExpandToPageBoundaries returns the smallest page-aligned range containing
// [address, address+size).
//
// This is the only constructor that validates its input; it returns EINVAL
// if address+size wraps, or if rounding either size or the end address up to
// a page boundary would wrap.
func ExpandToPageBoundaries(address Addr, size uint64) (VirtualRange, error) {
	if PageRoundUpWouldWrap(size) {
		return VirtualRange{}, linuxerr.EINVAL
	}
	end, ok := address.AddLength(size)
	if !ok {
		return VirtualRange{}, linuxerr.EINVAL
	}
	if PageRoundUpWouldWrap(uint64(end)) {
		return VirtualRange{}, linuxerr.EINVAL
	}
	base := address.PageBase()
	return VirtualRange{base: base, size: uint64(end.MustRoundUp() - base)}, nil
}

// Base returns the first address in r.
func (r VirtualRange) Base() Addr {
	return r.base
}

// Size returns the length of r in bytes.
func (r VirtualRange) Size() uint64 {
	return r.size
}

// End returns the first address after r.
func (r VirtualRange) End() Addr {
	return r.base + Addr(r.size)
}

// Last returns the last address in r.
//
// Preconditions: r is not empty.
func (r VirtualRange) Last() Addr {
	return r.End() - 1
}

// IsEmpty returns true if r has a size of zero.
func (r VirtualRange) IsEmpty() bool {
	return r.size == 0
}

// IsPageAligned returns true if both the base and size of r are page-aligned.
func (r VirtualRange) IsPageAligned() bool {
	return r.base.IsPageAligned() && r.size&PageMask == 0
}

// PageCount returns the number of pages spanned by r.
func (r VirtualRange) PageCount() uint64 {
	return r.size >> PageShift
}

// Offset returns a new range of the same size starting off bytes later.
func (r VirtualRange) Offset(off uint64) VirtualRange {
	return VirtualRange{base: r.base + Addr(off), size: r.size}
}

// ContainsAddr returns true if addr lies within r.
func (r VirtualRange) ContainsAddr(addr Addr) bool {
	return addr >= r.base && addr-r.base < Addr(r.size)
}

// Contains returns true if other lies entirely within r. An empty range is
// contained only if its base lies within [Base, End].
func (r VirtualRange) Contains(other VirtualRange) bool {
	return other.base >= r.base && other.End() <= r.End() && other.base <= other.End()
}

// ContainsRange is equivalent to Contains(NewVirtualRange(base, size)), but
// also rejects sizes that would overflow.
func (r VirtualRange) ContainsRange(base Addr, size uint64) bool {
	end, ok := base.AddLength(size)
	if !ok {
		return false
	}
	return base >= r.base && end <= r.End()
}

// Overlaps returns true if r and other share at least one address.
func (r VirtualRange) Overlaps(other VirtualRange) bool {
	return r.base < other.End() && other.base < r.End()
}

// Carve returns the parts of r not covered by taken: none if taken == r, one
// if taken touches exactly one edge of r, and two (a hole punch) otherwise.
//
// Preconditions: taken lies within r and taken.Size() is page-aligned.
// Violations are kernel bugs and panic.
func (r VirtualRange) Carve(taken VirtualRange) []VirtualRange {
	if taken.size&PageMask != 0 {
		panic(fmt.Sprintf("carving %v out of %v: size %#x is not page-aligned", taken, r, taken.size))
	}
	if !r.Contains(taken) {
		panic(fmt.Sprintf("carving %v out of %v: not a sub-range", taken, r))
	}
	if taken == r {
		return nil
	}
	parts := make([]VirtualRange, 0, 2)
	if taken.base > r.base {
		parts = append(parts, VirtualRange{base: r.base, size: uint64(taken.base - r.base)})
	}
	if taken.End() < r.End() {
		parts = append(parts, VirtualRange{base: taken.End(), size: uint64(r.End() - taken.End())})
	}
	return parts
}

// Intersect returns the addresses in both r and other.
//
// Preconditions: r and other overlap. Calling Intersect on disjoint ranges is
// a kernel bug and panics.
func (r VirtualRange) Intersect(other VirtualRange) VirtualRange {
	if r == other {
		return r
	}
	base := max(r.base, other.base)
	end := min(r.End(), other.End())
	if base >= end {
		panic(fmt.Sprintf("intersecting disjoint ranges %v and %v", r, other))
	}
	return VirtualRange{base: base, size: uint64(end - base)}
}

// String implements fmt.Stringer.String.
func (r VirtualRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(r.base), uintptr(r.End()))
}
