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
)

// visitor is called for each leaf entry translating [addr, addr+PageSize).
type visitor func(addr uint64, pte *PTE)

// iterateRange visits the leaf entries translating [start, end).
//
// If alloc is set, missing lower tables are allocated so that every page of
// the range is visited; the walk stops at the first allocation failure.
// Otherwise ranges without tables are skipped.
//
// Preconditions: d.lock is held. start and end are page-aligned and start <=
// end.
func (d *PageDirectory) iterateRange(ctx context.Context, start, end uint64, alloc bool, fn visitor) error {
	if start&(d.layout.coverage(d.layout.levels()-1)-1) != 0 {
		panic(fmt.Sprintf("unaligned start: %#x", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%#x > %#x)", start, end))
	}
	return d.walk(ctx, ptesOf(d.root), 0, start, end, alloc, fn)
}

func (d *PageDirectory) walk(ctx context.Context, entries *PTEs, level int, start, end uint64, alloc bool, fn visitor) error {
	last := level == d.layout.levels()-1
	size := d.layout.coverage(level)
	for start < end {
		next := start&^(size-1) + size
		if next <= start || next > end {
			// Wrapped at the top of the address space, or the range
			// ends within this entry.
			next = end
		}
		pte := &entries[d.layout.index(level, start)]
		if last {
			fn(start, pte)
		} else {
			child, err := d.childTable(ctx, pte, level, start, alloc)
			if err != nil {
				return err
			}
			if child != nil {
				if err := d.walk(ctx, child, level+1, start, next, alloc, fn); err != nil {
					return err
				}
			}
		}
		start = next
	}
	return nil
}

// childTable returns the table pointed to by pte, an entry of a level-level
// table translating addr. If there is none and alloc is set, a zeroed table
// is allocated, recorded and installed.
func (d *PageDirectory) childTable(ctx context.Context, pte *PTE, level int, addr uint64, alloc bool) (*PTEs, error) {
	if pte.Valid() {
		return d.registry.lookupTable(pte.Address()), nil
	}
	if !alloc {
		return nil, nil
	}
	if d.kernel && level == 0 && d.layout.index(0, addr) == d.layout.kernelRootIndex {
		// The kernel-half table is shared with user directories.
		if err := d.allocateKernelTableLocked(ctx); err != nil {
			return nil, err
		}
		return ptesOf(d.kernelTable), nil
	}
	key := tableKey{
		level: level + 1,
		base:  addr &^ (d.layout.coverage(level) - 1),
	}
	page, err := d.allocateTable(ctx)
	if err != nil {
		return nil, err
	}
	d.pageTables[key] = page
	pte.setPageTable(page.Paddr(), d.layout.tableFlags(level, !d.kernel))
	return ptesOf(page), nil
}
