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

// Package usage tracks physical memory usage by the virtual memory core.
package usage

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/metric"
)

// MemoryKind represents a type of physical memory charged to the core.
type MemoryKind int

const (
	// PageTables is memory holding hardware translation tables owned by
	// page directories.
	PageTables MemoryKind = iota

	// Anonymous is memory backing anonymous VM objects.
	Anonymous

	// PageCache is memory backing inode VM objects, including pages
	// privatized by copy-on-write.
	PageCache

	// NumMemoryKinds is the number of memory kinds.
	NumMemoryKinds
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case PageTables:
		return "page-tables"
	case Anonymous:
		return "anonymous"
	case PageCache:
		return "page-cache"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. Each field corresponds to the
// memory kind of the same name.
type MemoryStats struct {
	PageTables uint64
	Anonymous  uint64
	PageCache  uint64
}

// Memory is a set of MemoryStats counters with atomic access methods. The
// zero value is ready to use.
type Memory struct {
	counters [NumMemoryKinds]atomic.Uint64
}

func (m *Memory) counter(kind MemoryKind) *atomic.Uint64 {
	if kind < 0 || kind >= NumMemoryKinds {
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
	return &m.counters[kind]
}

// Inc adds an additional usage of val bytes to memory category kind.
func (m *Memory) Inc(val uint64, kind MemoryKind) {
	m.counter(kind).Add(val)
}

// Dec removes a usage of val bytes from memory category kind.
func (m *Memory) Dec(val uint64, kind MemoryKind) {
	m.counter(kind).Add(^(val - 1))
}

// Move moves a usage of val bytes from one kind to another.
func (m *Memory) Move(val uint64, to MemoryKind, from MemoryKind) {
	m.Dec(val, from)
	m.Inc(val, to)
}

// Copy returns a snapshot of the counters and their total. Counters are read
// independently, so the snapshot is only consistent when no allocations are
// in flight.
func (m *Memory) Copy() (MemoryStats, uint64) {
	ms := MemoryStats{
		PageTables: m.counters[PageTables].Load(),
		Anonymous:  m.counters[Anonymous].Load(),
		PageCache:  m.counters[PageCache].Load(),
	}
	return ms, ms.PageTables + ms.Anonymous + ms.PageCache
}

// MemoryAccounting is the global memory stats.
var MemoryAccounting = &Memory{}

func init() {
	metric.MustRegisterCustomUint64Metric("/usage/memory", false /* cumulative */, "Bytes of physical memory in use, by kind.",
		func(fieldValues ...string) uint64 {
			for k := MemoryKind(0); k < NumMemoryKinds; k++ {
				if k.String() == fieldValues[0] {
					return MemoryAccounting.counter(k).Load()
				}
			}
			return 0
		},
		metric.NewField("kind", []string{PageTables.String(), Anonymous.String(), PageCache.String()}))
}
