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

package workload

import (
	"context"
	"fmt"
	"io"
	"sort"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/usage"
	"gvisor.dev/vmcore/pkg/sentry/vmobject"
)

// inode is a file of a workload.
type inode struct {
	name string
	size uint64
}

// Size implements vmobject.Inode.Size.
func (i *inode) Size() uint64 {
	return i.size
}

// space is a named address space and its named regions.
type space struct {
	mm      *mm.MemoryManager
	regions map[string]hostarch.VirtualRange
}

// RunnerOpts configures a Runner.
type RunnerOpts struct {
	// Randomize places regions of mmap steps without a placement at random
	// addresses.
	Randomize bool
}

// Runner runs workloads on the address spaces of one registry. Memory is
// allocated from the PhysicalAllocator of the context given to Run.
type Runner struct {
	registry *pagetables.Registry
	opts     RunnerOpts

	// files are the shared objects of the workload's files. The runner
	// holds a reference on each.
	files map[string]*vmobject.SharedInodeVMObject

	spaces map[string]*space
}

// NewRunner returns a Runner creating address spaces in registry.
func NewRunner(registry *pagetables.Registry, opts RunnerOpts) *Runner {
	return &Runner{
		registry: registry,
		opts:     opts,
		files:    make(map[string]*vmobject.SharedInodeVMObject),
		spaces:   make(map[string]*space),
	}
}

// Run loads w's files and runs its steps. It stops at the first step that
// does not have the expected outcome.
func (r *Runner) Run(ctx context.Context, w *Workload) error {
	for _, f := range w.Files {
		if err := r.loadFile(ctx, f); err != nil {
			return fmt.Errorf("file %q: %w", f.Name, err)
		}
	}
	for i, s := range w.Steps {
		err := r.step(ctx, s)
		if s.Expect == "" {
			if err != nil {
				return fmt.Errorf("step %d (%v): %w", i, s, err)
			}
			continue
		}
		if want := errorsByName[s.Expect]; !linuxerr.Equals(want, err) {
			return fmt.Errorf("step %d (%v): got error %v, want %s", i, s, err, s.Expect)
		}
		log.Debugf("Step %d (%v) failed as expected: %v", i, s, err)
	}
	return nil
}

func (r *Runner) loadFile(ctx context.Context, f File) error {
	if _, ok := r.files[f.Name]; ok {
		return fmt.Errorf("already loaded")
	}
	o, err := vmobject.TryCreateWithInode(ctx, &inode{name: f.Name, size: f.Size})
	if err != nil {
		return err
	}
	r.files[f.Name] = o
	alloc := pgalloc.PhysicalAllocatorFromContext(ctx)
	for _, i := range f.Resident {
		p, err := alloc.AllocatePhysicalPage(ctx, pgalloc.AllocOpts{Kind: usage.PageCache})
		if err != nil {
			return err
		}
		data := p.Bytes()
		for j := range data {
			data[j] = byte(i + 1)
		}
		o.SetPhysicalPage(i, p)
	}
	return nil
}

func (r *Runner) space(name string) (*space, error) {
	s, ok := r.spaces[name]
	if !ok {
		return nil, fmt.Errorf("no space %q", name)
	}
	return s, nil
}

func (r *Runner) region(s Step) (*space, hostarch.VirtualRange, error) {
	sp, err := r.space(s.Space)
	if err != nil {
		return nil, hostarch.VirtualRange{}, err
	}
	rng, ok := sp.regions[s.Region]
	if !ok {
		return nil, hostarch.VirtualRange{}, fmt.Errorf("no region %q in space %q", s.Region, s.Space)
	}
	return sp, rng, nil
}

func (r *Runner) step(ctx context.Context, s Step) error {
	switch s.Op {
	case OpSpawn:
		if _, ok := r.spaces[s.Space]; ok {
			return fmt.Errorf("space %q exists", s.Space)
		}
		m, err := mm.New(ctx, r.registry)
		if err != nil {
			return err
		}
		r.spaces[s.Space] = &space{mm: m, regions: make(map[string]hostarch.VirtualRange)}
		return nil

	case OpMMap:
		sp, err := r.space(s.Space)
		if err != nil {
			return err
		}
		if _, ok := sp.regions[s.Region]; ok {
			return fmt.Errorf("region %q exists in space %q", s.Region, s.Space)
		}
		perms, err := ParsePerms(s.Perms)
		if err != nil {
			return err
		}
		opts := mm.MMapOpts{
			Length:    s.Length,
			Addr:      hostarch.Addr(s.Addr),
			Alignment: s.Align,
			Offset:    s.Offset,
			Private:   s.Private,
			Perms:     perms,
			Precommit: s.Precommit,
			Name:      s.Region,
		}
		switch s.Placement {
		case PlacementFixed:
			opts.Fixed = true
		case PlacementRandomized:
			opts.Randomize = true
		case "":
			opts.Randomize = r.opts.Randomize
		}
		if s.File != "" {
			o, ok := r.files[s.File]
			if !ok {
				return fmt.Errorf("no file %q", s.File)
			}
			opts.Object = o
		}
		rng, err := sp.mm.MMap(ctx, opts)
		if err != nil {
			return err
		}
		sp.regions[s.Region] = rng
		return nil

	case OpMUnmap:
		sp, rng, err := r.region(s)
		if err != nil {
			return err
		}
		if err := sp.mm.MUnmap(ctx, rng); err != nil {
			return err
		}
		delete(sp.regions, s.Region)
		return nil

	case OpPopulate:
		sp, rng, err := r.region(s)
		if err != nil {
			return err
		}
		return sp.mm.Populate(ctx, rng, s.Write)

	case OpFork:
		sp, err := r.space(s.Space)
		if err != nil {
			return err
		}
		if _, ok := r.spaces[s.Into]; ok {
			return fmt.Errorf("space %q exists", s.Into)
		}
		child, err := sp.mm.Fork(ctx)
		if err != nil {
			return err
		}
		regions := make(map[string]hostarch.VirtualRange, len(sp.regions))
		for name, rng := range sp.regions {
			regions[name] = rng
		}
		r.spaces[s.Into] = &space{mm: child, regions: regions}
		return nil

	case OpRelease:
		sp, err := r.space(s.Space)
		if err != nil {
			return err
		}
		sp.mm.Release(ctx)
		delete(r.spaces, s.Space)
		return nil

	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
}

// SpaceNames returns the names of the live address spaces, sorted.
func (r *Runner) SpaceNames() []string {
	names := make([]string, 0, len(r.spaces))
	for name := range r.spaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Regions returns the regions of the named address space.
func (r *Runner) Regions(name string) ([]mm.Region, error) {
	sp, err := r.space(name)
	if err != nil {
		return nil, err
	}
	return sp.mm.Regions(), nil
}

// MemoryManager returns the named address space.
func (r *Runner) MemoryManager(name string) (*mm.MemoryManager, error) {
	sp, err := r.space(name)
	if err != nil {
		return nil, err
	}
	return sp.mm, nil
}

// PrintLayout writes the regions of every live address space to w.
func (r *Runner) PrintLayout(w io.Writer) {
	for _, name := range r.SpaceNames() {
		sp := r.spaces[name]
		fmt.Fprintf(w, "space %s cr3=%#x tables=%d\n", name, sp.mm.CR3(), sp.mm.PageDirectory().TablePages(context.Background()))
		for _, region := range sp.mm.Regions() {
			fmt.Fprintf(w, "  %v\n", region)
		}
	}
}

// Release releases every address space and file.
func (r *Runner) Release(ctx context.Context) {
	for _, name := range r.SpaceNames() {
		r.spaces[name].mm.Release(ctx)
		delete(r.spaces, name)
	}
	for name, o := range r.files {
		o.DecRef()
		delete(r.files, name)
	}
}
