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
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Bits in page table entries.
const (
	present        = 1 << 0
	writable       = 1 << 1
	userAccessible = 1 << 2
	writeThrough   = 1 << 3
	cacheDisable   = 1 << 4
	accessed       = 1 << 5
	dirty          = 1 << 6
	super          = 1 << 7
	global         = 1 << 8
	executeDisable = 1 << 63

	// addressMask selects bits 12 through 51.
	addressMask = 0x000ffffffffff000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// PTE is a page table entry. Both layouts use 64-bit entries.
type PTE uint64

// PTEs is a table of entries.
type PTEs [entriesPerPage]PTE

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// Raw returns the raw entry.
func (p *PTE) Raw() uint64 {
	return p.load()
}

// Address extracts the address. This should only be called if Valid returns
// true.
func (p *PTE) Address() uint64 {
	return p.load() & addressMask
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	opts := MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global: v&global != 0,
		User:   v&userAccessible != 0,
	}
	switch {
	case v&cacheDisable != 0:
		opts.MemoryType = hostarch.MemoryTypeUncached
	case v&writeThrough != 0:
		opts.MemoryType = hostarch.MemoryTypeWriteThrough
	}
	return opts
}

// Set sets this PTE value.
//
// This does not change the super page property.
func (p *PTE) Set(addr uint64, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	if addr&^addressMask != 0 {
		panic(fmt.Sprintf("physical address %#x does not fit in an entry", addr))
	}
	v := (addr & addressMask) | present | accessed
	if opts.User {
		v |= userAccessible
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	switch opts.MemoryType {
	case hostarch.MemoryTypeWriteBack:
	case hostarch.MemoryTypeWriteThrough:
		v |= writeThrough
	case hostarch.MemoryTypeUncached:
		v |= cacheDisable | writeThrough
	default:
		panic(fmt.Sprintf("invalid memory type %v", opts.MemoryType))
	}
	p.store(v | p.load()&super)
}

// setPageTable sets this PTE to point to a table at addr.
func (p *PTE) setPageTable(addr uint64, flags uint64) {
	if addr&^addressMask != 0 {
		panic(fmt.Sprintf("table address %#x is not aligned or does not fit in an entry", addr))
	}
	p.store(addr | flags)
}
