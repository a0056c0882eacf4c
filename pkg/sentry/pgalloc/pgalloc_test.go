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

package pgalloc

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/usage"
)

const page = hostarch.PageSize

func newTestMemoryFile(t *testing.T, pages uint64) *MemoryFile {
	t.Helper()
	mf, err := NewMemoryFile(MemoryFileOpts{
		Size:       pages * page,
		Accounting: &usage.Memory{},
	})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() {
		if err := mf.Destroy(); err != nil {
			t.Errorf("Destroy failed: %v", err)
		}
	})
	return mf
}

func TestNewMemoryFileErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		opts MemoryFileOpts
	}{
		{
			name: "zero size",
			opts: MemoryFileOpts{},
		},
		{
			name: "misaligned base",
			opts: MemoryFileOpts{Size: page, BasePaddr: 0x1234},
		},
		{
			name: "beyond maximum physical address",
			opts: MemoryFileOpts{Size: 2 * page, BasePaddr: MaxPaddr - page},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if mf, err := NewMemoryFile(test.opts); err == nil {
				mf.Destroy()
				t.Errorf("NewMemoryFile(%+v) succeeded, want error", test.opts)
			}
		})
	}
}

func TestAllocateUntilExhausted(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 4)

	seen := make(map[uint64]bool)
	var pages []*PhysicalPage
	for i := 0; i < 4; i++ {
		p, err := mf.AllocatePhysicalPage(ctx, AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			t.Fatalf("AllocatePhysicalPage #%d failed: %v", i, err)
		}
		paddr := p.Paddr()
		if !hostarch.Addr(paddr).IsPageAligned() {
			t.Errorf("Paddr() = %#x, not page aligned", paddr)
		}
		if paddr < DefaultBasePaddr || paddr >= DefaultBasePaddr+4*page {
			t.Errorf("Paddr() = %#x, outside physical memory", paddr)
		}
		if seen[paddr] {
			t.Errorf("Paddr() = %#x handed out twice", paddr)
		}
		seen[paddr] = true
		pages = append(pages, p)
	}
	if got := mf.FreePages(); got != 0 {
		t.Errorf("FreePages() = %d, want 0", got)
	}

	if _, err := mf.AllocatePhysicalPage(ctx, AllocOpts{}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("AllocatePhysicalPage on exhausted memory = %v, want ENOMEM", err)
	}

	// Releasing one page makes exactly that frame available again.
	freed := pages[1].Paddr()
	pages[1].DecRef()
	p, err := mf.AllocatePhysicalPage(ctx, AllocOpts{})
	if err != nil {
		t.Fatalf("AllocatePhysicalPage after free failed: %v", err)
	}
	if p.Paddr() != freed {
		t.Errorf("Paddr() = %#x, want recycled %#x", p.Paddr(), freed)
	}
	pages[1] = p

	for _, p := range pages {
		p.DecRef()
	}
	if got := mf.FreePages(); got != 4 {
		t.Errorf("FreePages() = %d, want 4", got)
	}
}

func TestPageSurvivesUntilLastRef(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 1)

	p, err := mf.AllocatePhysicalPage(ctx, AllocOpts{})
	if err != nil {
		t.Fatalf("AllocatePhysicalPage failed: %v", err)
	}
	p.IncRef()
	p.DecRef()
	if got := mf.FreePages(); got != 0 {
		t.Errorf("FreePages() = %d after dropping one of two refs, want 0", got)
	}
	p.DecRef()
	if got := mf.FreePages(); got != 1 {
		t.Errorf("FreePages() = %d after dropping last ref, want 1", got)
	}
	if p.TryIncRef() {
		t.Errorf("TryIncRef succeeded on freed page")
	}
}

func TestZeroFill(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 1)

	p, err := mf.AllocatePhysicalPage(ctx, AllocOpts{})
	if err != nil {
		t.Fatalf("AllocatePhysicalPage failed: %v", err)
	}
	for i := range p.Bytes() {
		p.Bytes()[i] = 0xaa
	}
	p.DecRef()

	p, err = mf.AllocatePhysicalPage(ctx, AllocOpts{Zero: true})
	if err != nil {
		t.Fatalf("AllocatePhysicalPage failed: %v", err)
	}
	defer p.DecRef()
	if diff := cmp.Diff(make([]byte, page), p.Bytes()); diff != "" {
		t.Errorf("zero-filled page mismatch (-want +got):\n%s", diff)
	}
}

func TestAccounting(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 8)

	var pages []*PhysicalPage
	for _, kind := range []usage.MemoryKind{usage.PageTables, usage.PageTables, usage.Anonymous, usage.PageCache} {
		p, err := mf.AllocatePhysicalPage(ctx, AllocOpts{Kind: kind})
		if err != nil {
			t.Fatalf("AllocatePhysicalPage(%v) failed: %v", kind, err)
		}
		pages = append(pages, p)
	}
	got, total := mf.Accounting().Copy()
	want := usage.MemoryStats{PageTables: 2 * page, Anonymous: page, PageCache: page}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("accounting mismatch (-want +got):\n%s", diff)
	}
	if total != 4*page {
		t.Errorf("total = %d, want %d", total, 4*page)
	}

	for _, p := range pages {
		p.DecRef()
	}
	if _, total := mf.Accounting().Copy(); total != 0 {
		t.Errorf("total after release = %d, want 0", total)
	}
}

func TestPhysicalAllocatorFromContext(t *testing.T) {
	ctx := context.Background()
	if a := PhysicalAllocatorFromContext(ctx); a != nil {
		t.Errorf("PhysicalAllocatorFromContext(Background) = %v, want nil", a)
	}
	mf := newTestMemoryFile(t, 1)
	ctx = WithPhysicalAllocator(ctx, mf)
	if a := PhysicalAllocatorFromContext(ctx); a != PhysicalAllocator(mf) {
		t.Errorf("PhysicalAllocatorFromContext = %v, want %v", a, mf)
	}
}
