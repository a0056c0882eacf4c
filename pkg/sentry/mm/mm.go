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

// Package mm implements address spaces: a page directory, the allocator of
// its virtual ranges, and the regions mapping VM objects into it.
//
// Lock order:
//
//	MemoryManager.mu
//	  vmobject locks
//	  pagetables.PageDirectory.lock
//	    vralloc.Allocator.mu
package mm

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/vmobject"
	"gvisor.dev/vmcore/pkg/sentry/vralloc"
	"gvisor.dev/vmcore/pkg/sync"
)

var (
	mmaps  = metric.MustCreateNewUint64Metric("/mm/mmaps", "Number of regions mapped, by placement.", metric.NewField("placement", []string{"fixed", "anywhere", "randomized"}))
	munmap = metric.MustCreateNewUint64Metric("/mm/munmaps", "Number of regions unmapped.")
	forks  = metric.MustCreateNewUint64Metric("/mm/forks", "Number of address spaces forked.")
)

// MMapOpts specifies a new region.
type MMapOpts struct {
	// Length is the length of the region. It is rounded up to whole pages.
	Length uint64

	// Addr is the address of the region if Fixed is set.
	Addr hostarch.Addr

	// Fixed requires the region to start at Addr.
	Fixed bool

	// Randomize places the region at a random address. It is ignored if
	// Fixed is set.
	Randomize bool

	// Alignment is the alignment of the region's address, or 0 for page
	// alignment. It is ignored if Fixed is set.
	Alignment uint64

	// Object backs the region. If nil, a new AnonymousVMObject is created.
	// Otherwise a reference is taken on it.
	Object vmobject.VMObject

	// Offset is the offset into Object of the start of the region. It must
	// be page-aligned.
	Offset uint64

	// Private maps a private copy of a shared Object.
	Private bool

	// Perms are the permissions of the region.
	Perms hostarch.AccessType

	// Precommit populates the region and installs its translations
	// immediately.
	Precommit bool

	// Name describes the region in Regions.
	Name string
}

// vma is a mapped region.
type vma struct {
	rng    hostarch.VirtualRange
	object vmobject.VMObject

	// offset is the index of the object page mapped at rng.Base().
	offset int
	perms  hostarch.AccessType
	name   string
}

func vmaLess(a, b *vma) bool {
	return a.rng.Base() < b.rng.Base()
}

// Region describes a mapped region.
type Region struct {
	Range  hostarch.VirtualRange
	Kind   vmobject.Kind
	Offset uint64
	Perms  hostarch.AccessType
	Name   string

	// Resident is the number of resident pages of the mapped part of the
	// object.
	Resident int
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("%v %s %08x %-13s %d %s", r.Range, r.Perms, r.Offset, r.Kind, r.Resident, r.Name)
}

// MemoryManager is an address space.
type MemoryManager struct {
	registry *pagetables.Registry

	// pd is the page directory of the address space. It is immutable until
	// Release, which sets it to nil.
	pd *pagetables.PageDirectory

	mu sync.Mutex

	// vmas holds the regions ordered by address. Protected by mu.
	vmas *btree.BTreeG[*vma]
}

// New returns an empty address space with a new user page directory.
func New(ctx context.Context, registry *pagetables.Registry) (*MemoryManager, error) {
	return newMemoryManager(ctx, registry, nil)
}

func newMemoryManager(ctx context.Context, registry *pagetables.Registry, parent *vralloc.Allocator) (*MemoryManager, error) {
	pd, err := registry.TryCreateForUserspace(ctx, parent)
	if err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		registry: registry,
		pd:       pd,
		vmas:     btree.NewG(8, vmaLess),
	}
	pd.SetAddressSpace(mm)
	return mm, nil
}

// FromCR3 returns the address space whose page directory has the given CR3
// value, or nil.
func FromCR3(registry *pagetables.Registry, cr3 uint64) *MemoryManager {
	pd := registry.FindByCR3(cr3)
	if pd == nil {
		return nil
	}
	defer pd.DecRef()
	mm, _ := pd.AddressSpace().(*MemoryManager)
	return mm
}

// CR3 returns the CR3 value of the address space, or 0 once it is released.
func (mm *MemoryManager) CR3() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pd == nil {
		return 0
	}
	return mm.pd.CR3()
}

// PageDirectory returns the page directory of the address space, or nil once
// it is released.
func (mm *MemoryManager) PageDirectory() *pagetables.PageDirectory {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pd
}

// MMap maps a new region and returns its range.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.VirtualRange, error) {
	if opts.Length == 0 {
		return hostarch.VirtualRange{}, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return hostarch.VirtualRange{}, linuxerr.ENOMEM
	}
	if opts.Fixed && !opts.Addr.IsPageAligned() {
		return hostarch.VirtualRange{}, linuxerr.EINVAL
	}
	if opts.Offset&hostarch.PageMask != 0 {
		return hostarch.VirtualRange{}, linuxerr.EINVAL
	}
	if !opts.Fixed && opts.Alignment != 0 && (!hostarch.IsPowerOfTwo(opts.Alignment) || opts.Alignment < hostarch.PageSize) {
		return hostarch.VirtualRange{}, linuxerr.EINVAL
	}
	if opts.Object != nil {
		if end := opts.Offset + length; end < opts.Offset || end > opts.Object.Size() {
			return hostarch.VirtualRange{}, linuxerr.EINVAL
		}
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pd == nil {
		panic("MMap on a released address space")
	}

	alloc := mm.pd.RangeAllocator()
	var (
		rng       hostarch.VirtualRange
		placement string
	)
	switch {
	case opts.Fixed:
		rng, ok = alloc.AllocateSpecific(opts.Addr, length)
		placement = "fixed"
	case opts.Randomize:
		rng, ok = alloc.AllocateRandomized(length, opts.Alignment)
		placement = "randomized"
	default:
		rng, ok = alloc.AllocateAnywhere(length, opts.Alignment)
		placement = "anywhere"
	}
	if !ok {
		return hostarch.VirtualRange{}, linuxerr.ENOMEM
	}
	cu := cleanup.Make(func() { alloc.Deallocate(rng) })
	defer cu.Clean()

	v := &vma{
		rng:    rng,
		offset: int(opts.Offset >> hostarch.PageShift),
		perms:  opts.Perms,
		name:   opts.Name,
	}
	switch {
	case opts.Object == nil:
		o, err := vmobject.TryCreateWithSize(ctx, length, opts.Precommit)
		if err != nil {
			return hostarch.VirtualRange{}, err
		}
		v.object = o
	case opts.Private && opts.Object.Kind() == vmobject.KindSharedInode:
		o, err := opts.Object.TryClone(ctx)
		if err != nil {
			return hostarch.VirtualRange{}, err
		}
		v.object = o
	default:
		opts.Object.IncRef()
		v.object = opts.Object
	}
	cu.Add(func() { v.object.DecRef() })

	if opts.Precommit {
		cu.Add(func() { mm.pd.Unmap(ctx, rng.Base(), rng.Size()) })
		if err := mm.populateLocked(ctx, v, rng, false); err != nil {
			return hostarch.VirtualRange{}, err
		}
	}

	cu.Release()
	mm.vmas.ReplaceOrInsert(v)
	mmaps.Increment(placement)
	log.Debugf("Mapped %v (%s, %s) in address space %#x", rng, v.object.Kind(), placement, mm.pd.CR3())
	return rng, nil
}

// findLocked returns the region containing addr.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findLocked(addr hostarch.Addr) (*vma, bool) {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{rng: hostarch.NewVirtualRange(addr, 0)}, func(v *vma) bool {
		found = v
		return false
	})
	if found == nil || !found.rng.ContainsAddr(addr) {
		return nil, false
	}
	return found, true
}

// MUnmap removes the region with exactly the range rng.
func (mm *MemoryManager) MUnmap(ctx context.Context, rng hostarch.VirtualRange) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	v, ok := mm.findLocked(rng.Base())
	if !ok || v.rng != rng {
		return linuxerr.EINVAL
	}
	mm.vmas.Delete(v)
	mm.removeLocked(ctx, v)
	munmap.Increment()
	log.Debugf("Unmapped %v from address space %#x", rng, mm.pd.CR3())
	return nil
}

// removeLocked tears down v's translations, then releases its object and
// range.
//
// Preconditions: mm.mu is locked. v has been removed from mm.vmas.
func (mm *MemoryManager) removeLocked(ctx context.Context, v *vma) {
	mm.pd.Unmap(ctx, v.rng.Base(), v.rng.Size())
	v.object.DecRef()
	mm.pd.RangeAllocator().Deallocate(v.rng)
}

// Populate makes the pages of [rng.Base(), rng.End()) resident and installs
// their translations. If write is set, private pages are copied first. The
// range must lie within one region.
func (mm *MemoryManager) Populate(ctx context.Context, rng hostarch.VirtualRange, write bool) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	pages, err := hostarch.ExpandToPageBoundaries(rng.Base(), rng.Size())
	if err != nil {
		return err
	}
	v, ok := mm.findLocked(pages.Base())
	if !ok || !v.rng.Contains(pages) {
		return linuxerr.EFAULT
	}
	if write && !v.perms.Write {
		return linuxerr.EPERM
	}
	return mm.populateLocked(ctx, v, pages, write)
}

// populateLocked populates the pages of rng, a part of v.
//
// Anonymous pages are allocated on demand. Private pages are copied if write
// is set. Otherwise pages that are not resident are left unmapped for the
// inode to fill.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) populateLocked(ctx context.Context, v *vma, rng hostarch.VirtualRange, write bool) error {
	first := v.offset + int((rng.Base()-v.rng.Base())>>hostarch.PageShift)
	for i := 0; i < int(rng.PageCount()); i++ {
		index := first + i
		var (
			page *pgalloc.PhysicalPage
			err  error
		)
		switch o := v.object.(type) {
		case *vmobject.AnonymousVMObject:
			page, err = o.PopulatePage(ctx, index)
		case *vmobject.PrivateInodeVMObject:
			if write {
				page, err = o.BreakCOW(ctx, index)
			} else {
				page = o.PhysicalPage(index)
			}
		default:
			page = o.PhysicalPage(index)
		}
		if err != nil {
			return err
		}
		if page == nil {
			continue
		}
		addr := rng.Base() + hostarch.Addr(i<<hostarch.PageShift)
		if _, err := mm.pd.Map(ctx, addr, hostarch.PageSize, v.mapOpts(index), page.Paddr()); err != nil {
			return err
		}
	}
	return nil
}

// mapResidentLocked installs translations for the resident pages of v.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) mapResidentLocked(ctx context.Context, v *vma) error {
	for i := 0; i < int(v.rng.PageCount()); i++ {
		index := v.offset + i
		page := v.object.PhysicalPage(index)
		if page == nil {
			continue
		}
		addr := v.rng.Base() + hostarch.Addr(i<<hostarch.PageShift)
		if _, err := mm.pd.Map(ctx, addr, hostarch.PageSize, v.mapOpts(index), page.Paddr()); err != nil {
			return err
		}
	}
	return nil
}

// mapOpts returns the translation options of v's object page index. Pages
// a private object may still share are mapped read-only.
func (v *vma) mapOpts(index int) pagetables.MapOpts {
	perms := v.perms
	if o, ok := v.object.(*vmobject.PrivateInodeVMObject); ok && !o.IsPrivatized(index) {
		perms.Write = false
	}
	return pagetables.MapOpts{AccessType: perms, User: true}
}

// Translate returns the physical address addr translates to. Nothing
// translates in a released address space.
func (mm *MemoryManager) Translate(ctx context.Context, addr hostarch.Addr) (uint64, pagetables.MapOpts, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pd == nil {
		return 0, pagetables.MapOpts{}, false
	}
	return mm.pd.Lookup(ctx, addr)
}

// Fork returns a copy of the address space. Regions of shared inode objects
// are shared. All other regions get a private copy of their object, and
// pages that stay shared between the two address spaces are mapped
// read-only in the copy.
func (mm *MemoryManager) Fork(ctx context.Context) (*MemoryManager, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pd == nil {
		panic("Fork of a released address space")
	}

	child, err := newMemoryManager(ctx, mm.registry, mm.pd.RangeAllocator())
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { child.Release(ctx) })
	defer cu.Clean()

	var forkErr error
	mm.vmas.Ascend(func(v *vma) bool {
		c := &vma{
			rng:    v.rng,
			offset: v.offset,
			perms:  v.perms,
			name:   v.name,
		}
		if v.object.Kind() == vmobject.KindSharedInode {
			v.object.IncRef()
			c.object = v.object
		} else {
			o, err := v.object.TryClone(ctx)
			if err != nil {
				forkErr = err
				return false
			}
			c.object = o
		}
		// The child's range allocator was copied with this range
		// allocated; the child's Release returns it. child has not
		// been returned yet, so its lock is not needed.
		child.vmas.ReplaceOrInsert(c)
		if err := child.mapResidentLocked(ctx, c); err != nil {
			forkErr = err
			return false
		}
		return true
	})
	if forkErr != nil {
		return nil, forkErr
	}

	cu.Release()
	forks.Increment()
	log.Debugf("Forked address space %#x into %#x", mm.pd.CR3(), child.pd.CR3())
	return child, nil
}

// Release unmaps every region and drops the page directory. MMap and Fork
// panic afterwards. The accessors report an empty address space.
func (mm *MemoryManager) Release(ctx context.Context) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pd == nil {
		return
	}
	for mm.vmas.Len() > 0 {
		v, _ := mm.vmas.DeleteMin()
		mm.removeLocked(ctx, v)
	}
	mm.pd.SetAddressSpace(nil)
	mm.pd.DecRef()
	mm.pd = nil
}

// Regions returns the regions in address order.
func (mm *MemoryManager) Regions() []Region {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	regions := make([]Region, 0, mm.vmas.Len())
	mm.vmas.Ascend(func(v *vma) bool {
		resident := 0
		for i := 0; i < int(v.rng.PageCount()); i++ {
			if v.object.PhysicalPage(v.offset+i) != nil {
				resident++
			}
		}
		regions = append(regions, Region{
			Range:    v.rng,
			Kind:     v.object.Kind(),
			Offset:   uint64(v.offset) << hostarch.PageShift,
			Perms:    v.perms,
			Name:     v.name,
			Resident: resident,
		})
		return true
	})
	return regions
}

// RangeAllocator returns the allocator of the address space's virtual
// ranges, or nil once the address space is released.
func (mm *MemoryManager) RangeAllocator() *vralloc.Allocator {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.pd == nil {
		return nil
	}
	return mm.pd.RangeAllocator()
}
