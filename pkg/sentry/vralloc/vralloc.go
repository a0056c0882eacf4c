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

// Package vralloc tracks the free virtual address ranges of an address space.
//
// An Allocator owns no memory. It only records which page-aligned ranges of
// its total extent are not handed out, and hands out new ones by exact,
// first-fit or randomized placement.
package vralloc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/rand"
	"gvisor.dev/vmcore/pkg/sync"
)

// MaxRandomizationAttempts is the number of random candidate bases
// AllocateRandomized tries before falling back to AllocateAnywhere.
const MaxRandomizationAttempts = 1000

// btreeDegree is the degree of the free range tree.
const btreeDegree = 8

var (
	allocations = metric.MustCreateNewUint64Metric("/vralloc/allocations", "Number of virtual ranges allocated, by placement strategy.",
		metric.NewField("strategy", []string{"anywhere", "specific", "randomized"}))
	randomizedFallbacks = metric.MustCreateNewUint64Metric("/vralloc/randomized_fallbacks", "Number of randomized allocations that fell back to first-fit placement.")

	fallbackLog = log.BasicRateLimitedLogger(time.Minute)

	errCandidateNotFree = errors.New("randomized candidate is not free")
)

func lessByBase(a, b hostarch.VirtualRange) bool {
	return a.Base() < b.Base()
}

// Allocator tracks the free ranges of a total extent.
//
// The zero value is not usable; call InitializeWithRange or
// InitializeFromParent first.
type Allocator struct {
	// totalRange is the extent ranges are allocated from. It is immutable
	// after initialization.
	totalRange hostarch.VirtualRange

	mu sync.Mutex

	// free holds the free ranges ordered by base. Invariants: ranges are
	// non-empty, page-aligned, inside totalRange, pairwise disjoint and
	// never adjacent. Protected by mu.
	free *btree.BTreeG[hostarch.VirtualRange]

	// rand is the source of randomized placement. Protected by mu.
	rand io.Reader
}

// InitializeWithRange makes [base, base+size) the total extent, entirely
// free.
//
// Preconditions: base and size are page-aligned and base+size does not wrap.
func (a *Allocator) InitializeWithRange(base hostarch.Addr, size uint64) {
	if _, ok := base.AddLength(size); !ok {
		panic(fmt.Sprintf("allocator extent base %#x size %#x wraps", base, size))
	}
	total := hostarch.NewVirtualRange(base, size)
	if !total.IsPageAligned() {
		panic(fmt.Sprintf("allocator extent %v is not page-aligned", total))
	}
	a.totalRange = total
	a.free = btree.NewG(btreeDegree, lessByBase)
	if size != 0 {
		a.free.ReplaceOrInsert(total)
	}
	a.rand = rand.Reader
}

// InitializeFromParent makes a track the same extent as parent, starting
// from parent's current set of free ranges. The two allocators evolve
// independently afterwards.
func (a *Allocator) InitializeFromParent(parent *Allocator) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	a.totalRange = parent.totalRange
	a.free = parent.free.Clone()
	a.rand = parent.rand
}

// SetRandomSource replaces the source used by AllocateRandomized.
func (a *Allocator) SetRandomSource(r io.Reader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rand = r
}

// TotalRange returns the extent a allocates from.
func (a *Allocator) TotalRange() hostarch.VirtualRange {
	return a.totalRange
}

// Contains returns true if r lies within the total extent.
func (a *Allocator) Contains(r hostarch.VirtualRange) bool {
	return a.totalRange.Contains(r)
}

// AllocateAnywhere returns the lowest free range of size bytes (rounded up to
// a page) whose base is a multiple of alignment. An alignment of zero means
// page alignment. It returns false if no free range fits.
//
// Preconditions: alignment is zero or a power of two no smaller than the
// page size.
func (a *Allocator) AllocateAnywhere(size, alignment uint64) (hostarch.VirtualRange, bool) {
	alignment = checkAlignment(alignment)
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return hostarch.VirtualRange{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		container hostarch.VirtualRange
		found     hostarch.VirtualRange
	)
	a.free.Ascend(func(r hostarch.VirtualRange) bool {
		base, ok := hostarch.AlignUp(uint64(r.Base()), alignment)
		if !ok {
			// Every later range would wrap too.
			return false
		}
		if !r.ContainsRange(hostarch.Addr(base), size) {
			return true
		}
		container = r
		found = hostarch.NewVirtualRange(hostarch.Addr(base), size)
		return false
	})
	if found.IsEmpty() {
		log.Debugf("No free range of size %#x alignment %#x in %v", size, alignment, a.totalRange)
		return hostarch.VirtualRange{}, false
	}
	a.carveLocked(container, found)
	allocations.Increment("anywhere")
	return found, true
}

// AllocateSpecific allocates exactly [base, base+size). It returns false,
// leaving a unchanged, if the range is misaligned, empty, outside the total
// extent or not entirely free.
func (a *Allocator) AllocateSpecific(base hostarch.Addr, size uint64) (hostarch.VirtualRange, bool) {
	if size == 0 || !base.IsPageAligned() || size&hostarch.PageMask != 0 {
		return hostarch.VirtualRange{}, false
	}
	if !a.totalRange.ContainsRange(base, size) {
		return hostarch.VirtualRange{}, false
	}
	want := hostarch.NewVirtualRange(base, size)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allocateSpecificLocked(want) {
		return hostarch.VirtualRange{}, false
	}
	allocations.Increment("specific")
	return want, true
}

// Preconditions: a.mu must be locked. want is page-aligned and inside the
// total extent.
func (a *Allocator) allocateSpecificLocked(want hostarch.VirtualRange) bool {
	container, ok := a.freeRangeAtOrBeforeLocked(want.Base())
	if !ok || !container.Contains(want) {
		return false
	}
	a.carveLocked(container, want)
	return true
}

// AllocateRandomized allocates size bytes (rounded up to a page) at a
// uniformly random base that is a multiple of alignment. After
// MaxRandomizationAttempts candidates that are not free it falls back to
// AllocateAnywhere.
//
// Preconditions: as for AllocateAnywhere.
func (a *Allocator) AllocateRandomized(size, alignment uint64) (hostarch.VirtualRange, bool) {
	alignment = checkAlignment(alignment)
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return hostarch.VirtualRange{}, false
	}

	// Candidate bases are the aligned addresses in [first, last].
	first, ok := hostarch.AlignUp(uint64(a.totalRange.Base()), alignment)
	if ok && size <= a.totalRange.Size() {
		last := hostarch.AlignDown(uint64(a.totalRange.End())-size, alignment)
		if first <= last {
			if r, ok := a.allocateRandomized(first, last, size, alignment); ok {
				return r, true
			}
		}
	}

	randomizedFallbacks.Increment()
	fallbackLog.Warningf("Randomized allocation of size %#x alignment %#x in %v fell back to first fit", size, alignment, a.totalRange)
	return a.AllocateAnywhere(size, alignment)
}

func (a *Allocator) allocateRandomized(first, last, size, alignment uint64) (hostarch.VirtualRange, bool) {
	candidates := (last-first)/alignment + 1

	a.mu.Lock()
	defer a.mu.Unlock()
	var result hostarch.VirtualRange
	op := func() error {
		n, err := rand.Uint64n(a.rand, candidates)
		if err != nil {
			return backoff.Permanent(err)
		}
		want := hostarch.NewVirtualRange(hostarch.Addr(first+n*alignment), size)
		if !a.allocateSpecificLocked(want) {
			return errCandidateNotFree
		}
		result = want
		return nil
	}
	b := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, MaxRandomizationAttempts-1)
	if err := backoff.Retry(op, b); err != nil {
		if err != errCandidateNotFree {
			log.Warningf("Random source failed during randomized allocation: %v", err)
		}
		return hostarch.VirtualRange{}, false
	}
	allocations.Increment("randomized")
	return result, true
}

// Deallocate returns r to the free set, merging it with adjacent free ranges.
//
// Preconditions: r was returned by an allocation on a (or its parent before
// InitializeFromParent) and has not been deallocated since. Violations are
// detected where possible and panic.
func (a *Allocator) Deallocate(r hostarch.VirtualRange) {
	if r.IsEmpty() || !r.IsPageAligned() {
		panic(fmt.Sprintf("deallocating invalid range %v", r))
	}
	if !a.totalRange.Contains(r) {
		panic(fmt.Sprintf("deallocating %v outside of %v", r, a.totalRange))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	merged := r
	if prev, ok := a.freeRangeAtOrBeforeLocked(r.Base()); ok {
		if prev.Overlaps(r) {
			panic(fmt.Sprintf("deallocating %v overlapping free range %v", r, prev))
		}
		if prev.End() == r.Base() {
			a.free.Delete(prev)
			merged = hostarch.NewVirtualRange(prev.Base(), prev.Size()+merged.Size())
		}
	}
	if next, ok := a.freeRangeAfterLocked(r.Base()); ok {
		if next.Overlaps(r) {
			panic(fmt.Sprintf("deallocating %v overlapping free range %v", r, next))
		}
		if next.Base() == r.End() {
			a.free.Delete(next)
			merged = hostarch.NewVirtualRange(merged.Base(), merged.Size()+next.Size())
		}
	}
	a.free.ReplaceOrInsert(merged)
}

// freeRangeAtOrBeforeLocked returns the free range with the greatest base not
// above addr.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) freeRangeAtOrBeforeLocked(addr hostarch.Addr) (hostarch.VirtualRange, bool) {
	var (
		found hostarch.VirtualRange
		ok    bool
	)
	a.free.DescendLessOrEqual(hostarch.NewVirtualRange(addr, 0), func(r hostarch.VirtualRange) bool {
		found, ok = r, true
		return false
	})
	return found, ok
}

// freeRangeAfterLocked returns the free range with the lowest base above
// addr.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) freeRangeAfterLocked(addr hostarch.Addr) (hostarch.VirtualRange, bool) {
	var (
		found hostarch.VirtualRange
		ok    bool
	)
	a.free.AscendGreaterOrEqual(hostarch.NewVirtualRange(addr, 0), func(r hostarch.VirtualRange) bool {
		if r.Base() == addr {
			return true
		}
		found, ok = r, true
		return false
	})
	return found, ok
}

// carveLocked removes taken from the free range container.
//
// Preconditions: a.mu must be locked. container is in a.free and contains
// taken.
func (a *Allocator) carveLocked(container, taken hostarch.VirtualRange) {
	a.free.Delete(container)
	for _, r := range container.Carve(taken) {
		a.free.ReplaceOrInsert(r)
	}
}

// FreeRanges returns a snapshot of the free ranges in ascending order.
func (a *Allocator) FreeRanges() []hostarch.VirtualRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs := make([]hostarch.VirtualRange, 0, a.free.Len())
	a.free.Ascend(func(r hostarch.VirtualRange) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// FreeBytes returns the total size of the free ranges.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	a.free.Ascend(func(r hostarch.VirtualRange) bool {
		n += r.Size()
		return true
	})
	return n
}

// CheckInvariants returns an error describing the first violated invariant of
// the free range set, or nil.
func (a *Allocator) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		err  error
		prev hostarch.VirtualRange
		i    int
	)
	a.free.Ascend(func(r hostarch.VirtualRange) bool {
		switch {
		case r.IsEmpty():
			err = fmt.Errorf("free range %d is empty", i)
		case !r.IsPageAligned():
			err = fmt.Errorf("free range %v is not page-aligned", r)
		case !a.totalRange.Contains(r):
			err = fmt.Errorf("free range %v is outside of %v", r, a.totalRange)
		case i > 0 && prev.End() > r.Base():
			err = fmt.Errorf("free ranges %v and %v overlap", prev, r)
		case i > 0 && prev.End() == r.Base():
			err = fmt.Errorf("free ranges %v and %v are adjacent", prev, r)
		}
		prev = r
		i++
		return err == nil
	})
	return err
}

// Dump logs the free ranges at debug level.
func (a *Allocator) Dump() {
	if !log.IsLogging(log.Debug) {
		return
	}
	var b strings.Builder
	for _, r := range a.FreeRanges() {
		fmt.Fprintf(&b, " %v", r)
	}
	log.Debugf("Allocator %v free:%s", a.totalRange, b.String())
}

func checkAlignment(alignment uint64) uint64 {
	if alignment == 0 {
		return hostarch.PageSize
	}
	if !hostarch.IsPowerOfTwo(alignment) || alignment < hostarch.PageSize {
		panic(fmt.Sprintf("invalid allocation alignment %#x", alignment))
	}
	return alignment
}
