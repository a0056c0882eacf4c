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
	"fmt"
	"strings"
)

// Arch selects the shape of the translation table hierarchy.
type Arch int

const (
	// AMD64 is four-level long mode paging: PML4, PDPT, PD and PT, with
	// 512 entries at every level.
	AMD64 Arch = iota

	// I386PAE is three-level physical address extension paging: a
	// four-entry PDPT, then PD and PT with 512 entries each.
	I386PAE
)

// String implements fmt.Stringer.String.
func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case I386PAE:
		return "i386-pae"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// ParseArch parses the result of Arch.String.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "amd64", "x86_64":
		return AMD64, nil
	case "i386-pae", "i386", "pae":
		return I386PAE, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q", s)
	}
}

const entriesPerPage = 512

// layout describes an architecture's table hierarchy and address space
// split.
type layout struct {
	arch Arch

	// shifts holds, for each level starting at the root, the shift of the
	// virtual address bits indexing that level.
	shifts []uint

	// rootEntries is the number of usable entries in the root table.
	rootEntries uint64

	// directoryTable is set if the user half has a table between the root
	// and the page directories. It hangs off root entry 0.
	directoryTable bool

	// userDirectoryPages is the number of page directories allocated
	// eagerly for the user half.
	userDirectoryPages int

	// kernelRootIndex is the root entry holding the kernel half. The table
	// it points to is owned by the kernel directory and shared by all
	// others.
	kernelRootIndex uint64

	// userTop is the exclusive end of the user half.
	userTop uint64

	// kernelBottom and kernelSpan delimit the kernel half.
	kernelBottom uint64
	kernelSpan   uint64

	// userBase/userSize and kernelBase/kernelSize are the default extents
	// of the range allocators.
	userBase   uint64
	userSize   uint64
	kernelBase uint64
	kernelSize uint64
}

var (
	amd64Layout = layout{
		arch:               AMD64,
		shifts:             []uint{39, 30, 21, 12},
		rootEntries:        entriesPerPage,
		directoryTable:     true,
		userDirectoryPages: entriesPerPage,
		kernelRootIndex:    entriesPerPage - 1,
		userTop:            1 << 39,
		kernelBottom:       0xffffff8000000000,
		kernelSpan:         1 << 39,
		userBase:           0x800000,
		userSize:           1<<39 - 0x800000,
		kernelBase:         0xffffff8000000000,
		kernelSize:         0x7fffe00000,
	}

	i386PAELayout = layout{
		arch:               I386PAE,
		shifts:             []uint{30, 21, 12},
		rootEntries:        4,
		directoryTable:     false,
		userDirectoryPages: 3,
		kernelRootIndex:    3,
		userTop:            0xc0000000,
		kernelBottom:       0xc0000000,
		kernelSpan:         1 << 30,
		userBase:           0x800000,
		userSize:           0xc0000000 - 0x800000,
		kernelBase:         0xc0000000,
		kernelSize:         0x3fe00000,
	}
)

func layoutFor(a Arch) *layout {
	switch a {
	case AMD64:
		return &amd64Layout
	case I386PAE:
		return &i386PAELayout
	default:
		panic(fmt.Sprintf("unknown architecture %v", a))
	}
}

// levels returns the number of table levels.
func (l *layout) levels() int {
	return len(l.shifts)
}

// entries returns the number of entries of a table at level.
func (l *layout) entries(level int) uint64 {
	if level == 0 {
		return l.rootEntries
	}
	return entriesPerPage
}

// index returns the entry of a level-level table translating addr.
func (l *layout) index(level int, addr uint64) uint64 {
	return (addr >> l.shifts[level]) & (l.entries(level) - 1)
}

// coverage returns the number of bytes translated by one entry at level.
func (l *layout) coverage(level int) uint64 {
	return 1 << l.shifts[level]
}

// directoryLevel returns the level of the page directories.
func (l *layout) directoryLevel() int {
	return l.levels() - 2
}

// tableFlags returns the flags of an entry at level that points to a table.
func (l *layout) tableFlags(level int, user bool) uint64 {
	if l.arch == I386PAE && level == 0 {
		// PDPT entries only have present and caching bits; the rest are
		// reserved.
		return present
	}
	if user {
		return present | writable | userAccessible
	}
	return present | writable
}

// inRegion returns true if [addr, addr+length) lies in [base, base+span).
func inRegion(base, span, addr, length uint64) bool {
	if addr < base {
		return false
	}
	off := addr - base
	return off <= span && length <= span-off
}

// userRegion returns true if [addr, addr+length) lies in the user half.
func (l *layout) userRegion(addr, length uint64) bool {
	return inRegion(0, l.userTop, addr, length)
}

// kernelRegion returns true if [addr, addr+length) lies in the kernel half.
func (l *layout) kernelRegion(addr, length uint64) bool {
	return inRegion(l.kernelBottom, l.kernelSpan, addr, length)
}
