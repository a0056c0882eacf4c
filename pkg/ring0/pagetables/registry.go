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

package pagetables

import (
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/vralloc"
	"gvisor.dev/vmcore/pkg/sync"
)

var (
	directoriesCreated   = metric.MustCreateNewUint64Metric("/pagetables/directories_created", "Number of page directories created, by kind.", metric.NewField("kind", []string{"kernel", "user"}))
	directoriesDestroyed = metric.MustCreateNewUint64Metric("/pagetables/directories_destroyed", "Number of user page directories destroyed.")
	tablePagesAllocated  = metric.MustCreateNewUint64Metric("/pagetables/table_pages_allocated", "Number of physical pages allocated for translation tables.")
	creationFailures     = metric.MustCreateNewUint64Metric("/pagetables/creation_failures", "Number of user page directories that could not be created.")
)

// Registry creates page directories and maps CR3 values back to them.
type Registry struct {
	alloc  pgalloc.PhysicalAllocator
	layout *layout

	mu sync.Mutex

	// directories maps CR3 values to live directories. Protected by mu.
	directories map[uint64]*PageDirectory

	// kernel is the kernel directory. It is set once. Protected by mu.
	kernel *PageDirectory

	tablesMu sync.RWMutex

	// tables maps the physical address of every table page owned by a
	// directory of this registry to that page. Protected by tablesMu.
	tables map[uint64]*pgalloc.PhysicalPage
}

// NewRegistry returns a Registry allocating tables of the given layout from
// alloc.
func NewRegistry(alloc pgalloc.PhysicalAllocator, arch Arch) *Registry {
	return &Registry{
		alloc:       alloc,
		layout:      layoutFor(arch),
		directories: make(map[uint64]*PageDirectory),
		tables:      make(map[uint64]*pgalloc.PhysicalPage),
	}
}

// Arch returns the layout of the registry's directories.
func (r *Registry) Arch() Arch {
	return r.layout.arch
}

func (r *Registry) addTable(page *pgalloc.PhysicalPage) {
	r.tablesMu.Lock()
	defer r.tablesMu.Unlock()
	r.tables[page.Paddr()] = page
}

func (r *Registry) removeTable(page *pgalloc.PhysicalPage) {
	r.tablesMu.Lock()
	defer r.tablesMu.Unlock()
	delete(r.tables, page.Paddr())
}

// lookupTable returns the table at physical address paddr.
func (r *Registry) lookupTable(paddr uint64) *PTEs {
	r.tablesMu.RLock()
	page, ok := r.tables[paddr]
	r.tablesMu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("entry points to unknown table %#x", paddr))
	}
	return ptesOf(page)
}

func (r *Registry) newDirectory(kernel bool) *PageDirectory {
	d := &PageDirectory{
		registry:   r,
		layout:     r.layout,
		kernel:     kernel,
		pageTables: make(map[tableKey]*pgalloc.PhysicalPage),
	}
	d.InitRefs("pagetables.PageDirectory")
	return d
}

// install publishes d under its CR3 value.
func (r *Registry) install(d *PageDirectory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr3 := d.CR3()
	if _, ok := r.directories[cr3]; ok {
		panic(fmt.Sprintf("CR3 %#x already registered", cr3))
	}
	r.directories[cr3] = d
}

// remove unpublishes d.
func (r *Registry) remove(d *PageDirectory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr3 := d.CR3()
	if r.directories[cr3] != d {
		panic(fmt.Sprintf("CR3 %#x not registered to the directory being destroyed", cr3))
	}
	delete(r.directories, cr3)
}

// MustCreateKernelPageDirectory creates the kernel directory. It panics if
// the directory cannot be allocated or already exists.
func (r *Registry) MustCreateKernelPageDirectory(ctx context.Context) *PageDirectory {
	r.mu.Lock()
	if r.kernel != nil {
		r.mu.Unlock()
		panic("kernel page directory already created")
	}
	r.mu.Unlock()

	d := r.newDirectory(true)
	root, err := d.allocateTable(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to allocate kernel page directory: %v", err))
	}
	d.root = root
	l := r.layout
	d.rangeAllocator.InitializeWithRange(hostarch.Addr(l.kernelBase), l.kernelSize)

	r.mu.Lock()
	if r.kernel != nil {
		r.mu.Unlock()
		panic("kernel page directory already created")
	}
	r.kernel = d
	r.mu.Unlock()
	r.install(d)

	directoriesCreated.Increment("kernel")
	log.Debugf("Created %v kernel page directory %#x", l.arch, d.CR3())
	return d
}

// KernelPageDirectory returns the kernel directory, or nil if it has not
// been created.
func (r *Registry) KernelPageDirectory() *PageDirectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kernel
}

// TryCreateForUserspace creates a user directory. Its range allocator is
// initialized from parent if given, and from the default user extent
// otherwise. On failure everything allocated is released and the allocator's
// error (ENOMEM) is returned.
//
// Preconditions: the kernel directory has been created.
func (r *Registry) TryCreateForUserspace(ctx context.Context, parent *vralloc.Allocator) (*PageDirectory, error) {
	kernel := r.KernelPageDirectory()
	if kernel == nil {
		panic("user page directory created before the kernel page directory")
	}
	if err := kernel.AllocateKernelDirectory(ctx); err != nil {
		creationFailures.Increment()
		return nil, err
	}

	d := r.newDirectory(false)
	cu := cleanup.Make(func() {
		d.release()
		// Drop the initial reference without running the destructor.
		d.Refs.DecRef(nil)
	})
	defer cu.Clean()

	l := r.layout
	root, err := d.allocateTable(ctx)
	if err != nil {
		creationFailures.Increment()
		return nil, err
	}
	d.root = root
	rootPTEs := ptesOf(root)

	parentPTEs, parentLevel := rootPTEs, 0
	if l.directoryTable {
		table, err := d.allocateTable(ctx)
		if err != nil {
			creationFailures.Increment()
			return nil, err
		}
		d.directoryTable = table
		rootPTEs[0].setPageTable(table.Paddr(), l.tableFlags(0, true))
		parentPTEs, parentLevel = ptesOf(table), 1
	}

	d.directoryPages = make([]*pgalloc.PhysicalPage, l.userDirectoryPages)
	for i := range d.directoryPages {
		page, err := d.allocateTable(ctx)
		if err != nil {
			creationFailures.Increment()
			return nil, err
		}
		d.directoryPages[i] = page
		parentPTEs[i].setPageTable(page.Paddr(), l.tableFlags(parentLevel, true))
	}

	// Share the kernel half.
	kernel.kernelTable.IncRef()
	d.kernelTable = kernel.kernelTable
	rootPTEs[l.kernelRootIndex].store(ptesOf(kernel.root)[l.kernelRootIndex].Raw())

	if parent != nil {
		d.rangeAllocator.InitializeFromParent(parent)
	} else {
		d.rangeAllocator.InitializeWithRange(hostarch.Addr(l.userBase), l.userSize)
	}

	cu.Release()
	r.install(d)
	directoriesCreated.Increment("user")
	log.Debugf("Created user page directory %#x", d.CR3())
	return d, nil
}

// FindByCR3 returns the live directory whose CR3 value is cr3, with an
// extra reference the caller must drop, or nil if there is none.
func (r *Registry) FindByCR3(cr3 uint64) *PageDirectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.directories[cr3]
	if !ok || !d.TryIncRef() {
		return nil
	}
	return d
}

// Len returns the number of live directories, including the kernel's.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.directories)
}
