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

// Package pagetables manages the hardware translation tables of address
// spaces.
//
// A Registry owns the single kernel PageDirectory and every user
// PageDirectory, and can recover a directory from its CR3 value. Each
// PageDirectory owns the physical pages holding its tables. The tables
// translating the kernel half belong to the kernel directory and are shared
// by all user directories.
package pagetables

import (
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/usage"
	"gvisor.dev/vmcore/pkg/sentry/vralloc"
	"gvisor.dev/vmcore/pkg/sync"
)

// tableKey identifies a lazily allocated table by its level and the first
// virtual address it translates.
type tableKey struct {
	level int
	base  uint64
}

// PageDirectory is the set of translation tables of one address space.
type PageDirectory struct {
	refs.Refs

	registry *Registry
	layout   *layout
	kernel   bool

	// lock serializes edits of the tables. It may be reacquired by its
	// holder, which is identified by the context's sync.Owner.
	lock sync.RecursiveSpinLock

	// root is the top level table. Its physical address is the CR3 value.
	root *pgalloc.PhysicalPage

	// directoryTable is the table between root and the user page
	// directories, if the layout has one.
	directoryTable *pgalloc.PhysicalPage

	// directoryPages are the eagerly allocated page directories of the
	// user half.
	directoryPages []*pgalloc.PhysicalPage

	// kernelTable is the table installed at the kernel root entry. The
	// kernel directory allocates it in AllocateKernelDirectory; user
	// directories hold a reference to the kernel's.
	kernelTable *pgalloc.PhysicalPage

	// pageTables holds the tables allocated on demand. Protected by lock.
	pageTables map[tableKey]*pgalloc.PhysicalPage

	rangeAllocator vralloc.Allocator

	spaceMu sync.Mutex

	// space is the address space owning a user directory. Protected by
	// spaceMu.
	space any
}

// CR3 returns the physical address of the root table, to be loaded into
// the translation root register.
func (d *PageDirectory) CR3() uint64 {
	return d.root.Paddr()
}

// IsKernel returns true for the kernel directory.
func (d *PageDirectory) IsKernel() bool {
	return d.kernel
}

// Arch returns the table layout of d.
func (d *PageDirectory) Arch() Arch {
	return d.layout.arch
}

// RangeAllocator returns the allocator of virtual ranges of d's address
// space.
func (d *PageDirectory) RangeAllocator() *vralloc.Allocator {
	return &d.rangeAllocator
}

// AddressSpace returns the owner set by SetAddressSpace, or nil.
func (d *PageDirectory) AddressSpace() any {
	d.spaceMu.Lock()
	defer d.spaceMu.Unlock()
	return d.space
}

// SetAddressSpace records the address space owning d.
func (d *PageDirectory) SetAddressSpace(space any) {
	d.spaceMu.Lock()
	defer d.spaceMu.Unlock()
	d.space = space
}

// Lock acquires d's lock on behalf of the owner carried by ctx. It may be
// called again by the same owner, for example by a fault handler
// interrupting an edit of the same directory.
func (d *PageDirectory) Lock(ctx context.Context) context.Context {
	ctx, o := ownerContext(ctx)
	d.lock.Lock(o)
	return ctx
}

// Unlock releases one level of d's lock held by the owner carried by ctx,
// which must be the context returned by Lock or one derived from it.
func (d *PageDirectory) Unlock(ctx context.Context) {
	d.lock.Unlock(sync.OwnerFromContext(ctx))
}

// ownerContext returns ctx with a sync.Owner, adding a new one if ctx has
// none.
func ownerContext(ctx context.Context) (context.Context, sync.Owner) {
	if o, ok := sync.OwnerInContext(ctx); ok {
		return ctx, o
	}
	o := sync.NewOwner()
	return sync.WithOwner(ctx, o), o
}

// allocateTable returns a zeroed page for a table, registered for lookup by
// physical address.
func (d *PageDirectory) allocateTable(ctx context.Context) (*pgalloc.PhysicalPage, error) {
	page, err := d.registry.alloc.AllocatePhysicalPage(ctx, pgalloc.AllocOpts{
		Kind: usage.PageTables,
		Zero: true,
	})
	if err != nil {
		return nil, err
	}
	d.registry.addTable(page)
	tablePagesAllocated.Increment()
	return page, nil
}

// freeTable drops d's reference on a table it allocated.
func (d *PageDirectory) freeTable(page *pgalloc.PhysicalPage) {
	d.registry.removeTable(page)
	page.DecRef()
}

// AllocateKernelDirectory allocates the table holding the kernel half. It
// is idempotent.
//
// Preconditions: d is the kernel directory.
func (d *PageDirectory) AllocateKernelDirectory(ctx context.Context) error {
	if !d.kernel {
		panic("AllocateKernelDirectory called on a user page directory")
	}
	ctx = d.Lock(ctx)
	defer d.Unlock(ctx)
	return d.allocateKernelTableLocked(ctx)
}

// allocateKernelTableLocked installs the kernel-half table at the kernel
// root entry if there is none yet.
//
// Preconditions: d is the kernel directory. d.lock is held.
func (d *PageDirectory) allocateKernelTableLocked(ctx context.Context) error {
	if d.kernelTable != nil {
		return nil
	}
	page, err := d.allocateTable(ctx)
	if err != nil {
		return err
	}
	d.kernelTable = page
	ptesOf(d.root)[d.layout.kernelRootIndex].setPageTable(page.Paddr(), d.layout.tableFlags(0, false))
	log.Debugf("Kernel directory table at %#x", page.Paddr())
	return nil
}

// mappable returns true if d may edit the entries translating [addr,
// addr+length).
func (d *PageDirectory) mappable(addr, length uint64) bool {
	if d.kernel {
		return d.layout.kernelRegion(addr, length)
	}
	return d.layout.userRegion(addr, length)
}

func (d *PageDirectory) checkRange(addr hostarch.Addr, length uint64) uint64 {
	if !addr.IsPageAligned() || length&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("unaligned range %#x+%#x", addr, length))
	}
	end, ok := addr.AddLength(length)
	if !ok {
		panic(fmt.Sprintf("range %#x+%#x overflows", addr, length))
	}
	if !d.mappable(uint64(addr), length) {
		panic(fmt.Sprintf("range %#x+%#x is outside of the tables owned by %s directory %#x", addr, length, d.kindString(), d.CR3()))
	}
	return uint64(end)
}

func (d *PageDirectory) kindString() string {
	if d.kernel {
		return "kernel"
	}
	return "user"
}

// Map installs a mapping of [addr, addr+length) to the physical range
// starting at physical. Missing tables are allocated.
//
// True is returned iff there was a previous mapping in the range. If a table
// cannot be allocated, ENOMEM is returned and the entries installed so far
// are left in place for the caller to Unmap.
//
// Preconditions: addr, length and physical are page-aligned and the range
// lies in the half of the address space whose tables d owns.
func (d *PageDirectory) Map(ctx context.Context, addr hostarch.Addr, length uint64, opts MapOpts, physical uint64) (bool, error) {
	if !opts.AccessType.Any() {
		return d.Unmap(ctx, addr, length), nil
	}
	end := d.checkRange(addr, length)
	ctx = d.Lock(ctx)
	defer d.Unlock(ctx)
	prev := false
	err := d.iterateRange(ctx, uint64(addr), end, true, func(s uint64, pte *PTE) {
		p := physical + (s - uint64(addr))
		prev = prev || changes(pte, p, opts)
		pte.Set(p, opts)
	})
	return prev, err
}

// changes returns true if setting pte to physical with opts alters a valid
// mapping.
func changes(pte *PTE, physical uint64, opts MapOpts) bool {
	if !pte.Valid() {
		return false
	}
	cur := pte.Opts()
	return physical != pte.Address() || opts.AccessType.Write != cur.AccessType.Write || opts.AccessType.Execute != cur.AccessType.Execute
}

// MapPages maps consecutive pages starting at addr to the given physical
// pages. It does not take references on the pages.
//
// Results and preconditions are as for Map.
func (d *PageDirectory) MapPages(ctx context.Context, addr hostarch.Addr, pages []*pgalloc.PhysicalPage, opts MapOpts) (bool, error) {
	length := uint64(len(pages)) << hostarch.PageShift
	if !opts.AccessType.Any() {
		return d.Unmap(ctx, addr, length), nil
	}
	end := d.checkRange(addr, length)
	ctx = d.Lock(ctx)
	defer d.Unlock(ctx)
	prev := false
	err := d.iterateRange(ctx, uint64(addr), end, true, func(s uint64, pte *PTE) {
		page := pages[(s-uint64(addr))>>hostarch.PageShift]
		if page == nil {
			prev = prev || pte.Valid()
			pte.Clear()
			return
		}
		p := page.Paddr()
		prev = prev || changes(pte, p, opts)
		pte.Set(p, opts)
	})
	return prev, err
}

// Unmap unmaps the given range. Tables stay allocated until d is destroyed.
//
// True is returned iff there was a previous mapping in the range.
func (d *PageDirectory) Unmap(ctx context.Context, addr hostarch.Addr, length uint64) bool {
	end := d.checkRange(addr, length)
	ctx = d.Lock(ctx)
	defer d.Unlock(ctx)
	count := 0
	d.iterateRange(ctx, uint64(addr), end, false, func(_ uint64, pte *PTE) {
		if pte.Valid() {
			pte.Clear()
			count++
		}
	})
	return count > 0
}

// Lookup returns the physical address and options of the mapping of addr,
// which may lie in either half.
func (d *PageDirectory) Lookup(ctx context.Context, addr hostarch.Addr) (physical uint64, opts MapOpts, ok bool) {
	off := addr.PageOffset()
	base := uint64(addr.RoundDown())
	if base+hostarch.PageSize < base {
		return 0, MapOpts{}, false
	}
	ctx = d.Lock(ctx)
	defer d.Unlock(ctx)
	d.iterateRange(ctx, base, base+hostarch.PageSize, false, func(_ uint64, pte *PTE) {
		if !pte.Valid() {
			return
		}
		physical = pte.Address() + off
		opts = pte.Opts()
		ok = true
	})
	return physical, opts, ok
}

// TablePages returns the number of tables allocated on demand.
func (d *PageDirectory) TablePages(ctx context.Context) int {
	ctx = d.Lock(ctx)
	defer d.Unlock(ctx)
	return len(d.pageTables)
}

// DecRef implements refs.RefCounter.DecRef.
//
// The last reference destroys a user directory. The caller must ensure no
// processor still uses its CR3.
func (d *PageDirectory) DecRef() {
	d.Refs.DecRef(d.destroy)
}

func (d *PageDirectory) destroy() {
	if d.kernel {
		panic("kernel page directory destroyed")
	}
	d.registry.remove(d)
	log.Debugf("Destroying page directory %#x with %d lower tables", d.CR3(), len(d.pageTables))
	d.release()
	directoriesDestroyed.Increment()
}

// release frees every table d allocated and drops its reference on the
// shared kernel table. It tolerates a partially constructed d.
func (d *PageDirectory) release() {
	for _, page := range d.pageTables {
		d.freeTable(page)
	}
	d.pageTables = nil
	for _, page := range d.directoryPages {
		if page != nil {
			d.freeTable(page)
		}
	}
	d.directoryPages = nil
	if d.directoryTable != nil {
		d.freeTable(d.directoryTable)
		d.directoryTable = nil
	}
	if d.kernelTable != nil {
		if d.kernel {
			d.freeTable(d.kernelTable)
		} else {
			d.kernelTable.DecRef()
		}
		d.kernelTable = nil
	}
	if d.root != nil {
		d.freeTable(d.root)
		d.root = nil
	}
}
