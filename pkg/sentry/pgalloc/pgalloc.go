// Copyright 2018 The gVisor Authors.
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

// Package pgalloc contains the physical page allocator consumed by the
// virtual memory core.
//
// Physical memory is simulated by a single anonymous host mapping. Each page
// of the mapping is a frame; a frame's physical address is its offset in the
// mapping plus a configurable base.
package pgalloc

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/sentry/usage"
	"gvisor.dev/vmcore/pkg/sync"
)

const (
	// DefaultBasePaddr is the physical address of the first frame when
	// MemoryFileOpts.BasePaddr is unset.
	DefaultBasePaddr = 0x100000

	// MaxPaddr is the exclusive upper bound on physical addresses that fit
	// in a page table entry's address field.
	MaxPaddr = 1 << 52
)

var (
	pagesAllocated = metric.MustCreateNewUint64Metric("/pgalloc/pages_allocated", "Number of physical pages allocated, by kind.", kindField())
	pagesFreed     = metric.MustCreateNewUint64Metric("/pgalloc/pages_freed", "Number of physical pages returned to the allocator, by kind.", kindField())
	allocFailures  = metric.MustCreateNewUint64Metric("/pgalloc/allocation_failures", "Number of physical page allocations that failed for lack of memory.")
)

func kindField() metric.Field {
	return metric.NewField("kind", []string{usage.PageTables.String(), usage.Anonymous.String(), usage.PageCache.String()})
}

// AllocOpts are options used in PhysicalAllocator.AllocatePhysicalPage.
type AllocOpts struct {
	// Kind is the memory kind to be used for accounting.
	Kind usage.MemoryKind

	// Zero causes the page to be zero-filled before it is returned. Without
	// it the page holds whatever its previous owner left there.
	Zero bool
}

// PhysicalAllocator hands out physical page ownership tokens.
type PhysicalAllocator interface {
	// AllocatePhysicalPage returns a new page holding one reference, or
	// linuxerr.ENOMEM if no frame is free.
	AllocatePhysicalPage(ctx context.Context, opts AllocOpts) (*PhysicalPage, error)
}

// PhysicalPage is a reference counted ownership token for one physical
// frame. The frame returns to its MemoryFile when the last reference is
// dropped.
type PhysicalPage struct {
	refs.Refs

	mf    *MemoryFile
	frame uint32
	kind  usage.MemoryKind
}

// Paddr returns the physical address of the page.
func (p *PhysicalPage) Paddr() uint64 {
	return p.mf.basePaddr + uint64(p.frame)<<hostarch.PageShift
}

// Kind returns the kind the page is accounted as.
func (p *PhysicalPage) Kind() usage.MemoryKind {
	return p.kind
}

// Bytes returns the contents of the page. The slice is only valid while a
// reference is held.
func (p *PhysicalPage) Bytes() []byte {
	off := uint64(p.frame) << hostarch.PageShift
	return p.mf.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// DecRef implements refs.RefCounter.DecRef.
func (p *PhysicalPage) DecRef() {
	p.Refs.DecRef(func() {
		p.mf.free(p)
	})
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Size is the amount of physical memory in bytes. It is rounded up to a
	// multiple of the page size.
	Size uint64

	// BasePaddr is the physical address of the first frame. It must be page
	// aligned. If zero, DefaultBasePaddr is used.
	BasePaddr uint64

	// Accounting receives usage updates. If nil, usage.MemoryAccounting is
	// used.
	Accounting *usage.Memory
}

// MemoryFile is a PhysicalAllocator over a fixed pool of frames.
type MemoryFile struct {
	basePaddr  uint64
	numFrames  uint32
	accounting *usage.Memory

	// mapping is the host memory backing all frames. It is immutable until
	// Destroy.
	mapping []byte

	mu sync.Mutex

	// frames has a bit set for each allocated frame. Protected by mu.
	frames bitmap.Bitmap

	// hint is where the next search for a free frame starts. Protected by
	// mu.
	hint uint32

	// destroyed is set by Destroy. Protected by mu.
	destroyed bool
}

// NewMemoryFile creates a MemoryFile with its own host mapping.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	size, ok := hostarch.PageRoundUp(opts.Size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("invalid physical memory size %#x", opts.Size)
	}
	frames := size >> hostarch.PageShift
	if frames > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("physical memory size %#x exceeds %d frames", size, bitmap.MaxBitEntryLimit)
	}
	base := opts.BasePaddr
	if base == 0 {
		base = DefaultBasePaddr
	}
	if !hostarch.Addr(base).IsPageAligned() {
		return nil, fmt.Errorf("physical base address %#x is not page aligned", base)
	}
	if base > MaxPaddr || size > MaxPaddr-base {
		return nil, fmt.Errorf("physical memory [%#x, %#x+%#x) exceeds the maximum physical address %#x", base, base, size, uint64(MaxPaddr))
	}
	accounting := opts.Accounting
	if accounting == nil {
		accounting = usage.MemoryAccounting
	}

	mapping, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			err = linuxerr.ErrorFromUnix(errno)
		}
		return nil, fmt.Errorf("failed to mmap physical memory of size %#x: %w", size, err)
	}
	log.Debugf("Physical memory: %d frames at [%#x, %#x)", frames, base, base+size)
	return &MemoryFile{
		basePaddr:  base,
		numFrames:  uint32(frames),
		accounting: accounting,
		mapping:    mapping,
		frames:     bitmap.New(uint32(frames)),
	}, nil
}

// AllocatePhysicalPage implements PhysicalAllocator.AllocatePhysicalPage.
func (f *MemoryFile) AllocatePhysicalPage(ctx context.Context, opts AllocOpts) (*PhysicalPage, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		panic("AllocatePhysicalPage called on destroyed MemoryFile")
	}
	frame, ok := f.findFreeFrameLocked()
	if !ok {
		f.mu.Unlock()
		allocFailures.Increment()
		return nil, linuxerr.ENOMEM
	}
	f.frames.Add(frame)
	f.hint = frame + 1
	f.mu.Unlock()

	p := &PhysicalPage{
		mf:    f,
		frame: frame,
		kind:  opts.Kind,
	}
	p.InitRefs("pgalloc.PhysicalPage")
	if opts.Zero {
		clear(p.Bytes())
	}
	f.accounting.Inc(hostarch.PageSize, opts.Kind)
	pagesAllocated.Increment(opts.Kind.String())
	return p, nil
}

// findFreeFrameLocked searches from hint to the end of memory, then from the
// start.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) findFreeFrameLocked() (uint32, bool) {
	if f.hint < f.numFrames {
		if frame, err := f.frames.FirstZero(f.hint); err == nil && frame < f.numFrames {
			return frame, true
		}
	}
	if frame, err := f.frames.FirstZero(0); err == nil && frame < f.numFrames {
		return frame, true
	}
	return 0, false
}

func (f *MemoryFile) free(p *PhysicalPage) {
	f.mu.Lock()
	if !f.frames.Contains(p.frame) {
		f.mu.Unlock()
		panic(fmt.Sprintf("freeing unallocated frame %#x", p.Paddr()))
	}
	f.frames.Remove(p.frame)
	f.mu.Unlock()

	f.accounting.Dec(hostarch.PageSize, p.kind)
	pagesFreed.Increment(p.kind.String())
}

// TotalPages returns the number of frames managed by f.
func (f *MemoryFile) TotalPages() uint64 {
	return uint64(f.numFrames)
}

// FreePages returns the number of frames not currently allocated.
func (f *MemoryFile) FreePages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.numFrames) - uint64(f.frames.GetNumOnes())
}

// Accounting returns the usage counters f reports to.
func (f *MemoryFile) Accounting() *usage.Memory {
	return f.accounting
}

// Destroy releases the host mapping. No PhysicalPage from f may be used
// afterwards.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	if n := f.frames.GetNumOnes(); n != 0 {
		log.Warningf("Destroying MemoryFile with %d frames still allocated", n)
	}
	f.destroyed = true
	if err := unix.Munmap(f.mapping); err != nil {
		return fmt.Errorf("failed to unmap physical memory: %w", err)
	}
	f.mapping = nil
	return nil
}
