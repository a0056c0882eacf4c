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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"

	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/vmobject"
	"gvisor.dev/vmcore/vmctl/config"
)

// machine is the simulated physical memory and page directories that a
// command operates on.
type machine struct {
	// ctx carries the machine's physical allocator and inode cache.
	ctx context.Context

	mf       *pgalloc.MemoryFile
	registry *pagetables.Registry
}

// newMachine creates the physical memory described by conf along with the
// kernel page directory. Usage is charged to the global memory accounting.
func newMachine(ctx context.Context, conf *config.Config) (*machine, error) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{
		Size:      conf.MemorySize,
		BasePaddr: conf.BasePaddr,
	})
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	ctx = pgalloc.WithPhysicalAllocator(ctx, mf)
	ctx = vmobject.WithInodeCache(ctx, vmobject.NewInodeCache())
	registry := pagetables.NewRegistry(mf, pagetables.Arch(conf.Arch))
	kernel := registry.MustCreateKernelPageDirectory(ctx)
	log.Infof("Machine: %s, %d pages, kernel cr3=%#x", conf.Arch, mf.TotalPages(), kernel.CR3())
	return &machine{ctx: ctx, mf: mf, registry: registry}, nil
}

// printUsage writes the machine's memory usage to w.
func (m *machine) printUsage(w io.Writer) {
	stats, total := m.mf.Accounting().Copy()
	fmt.Fprintf(w, "memory: %d/%d pages free\n", m.mf.FreePages(), m.mf.TotalPages())
	fmt.Fprintf(w, "  page-tables %d\n", stats.PageTables)
	fmt.Fprintf(w, "  anonymous   %d\n", stats.Anonymous)
	fmt.Fprintf(w, "  page-cache  %d\n", stats.PageCache)
	fmt.Fprintf(w, "  total       %d\n", total)
}

// destroy releases the physical memory.
func (m *machine) destroy() {
	if err := m.mf.Destroy(); err != nil {
		log.Warningf("Destroying physical memory: %v", err)
	}
}
