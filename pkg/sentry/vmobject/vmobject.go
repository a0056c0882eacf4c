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

// Package vmobject provides the reference counted owners of the physical
// pages backing mappings.
//
// An AnonymousVMObject owns zero-filled memory. A SharedInodeVMObject holds
// the pages of an inode observed by every shared mapping of it; there is at
// most one live SharedInodeVMObject per inode in an InodeCache. A
// PrivateInodeVMObject starts out aliasing the pages of its origin and
// replaces them one by one with private copies through BreakCOW.
//
// Lock order:
//
//	InodeCache.mu
//	  pageSet.mu
package vmobject

import (
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/usage"
	"gvisor.dev/vmcore/pkg/sync"
)

// MaxPages is the largest number of pages an object may span.
const MaxPages = 1 << 28

var (
	objectsCreated   = metric.MustCreateNewUint64Metric("/vmobject/objects_created", "Number of VM objects created, by kind.", metric.NewField("kind", []string{KindAnonymous.String(), KindSharedInode.String(), KindPrivateInode.String()}))
	objectsDestroyed = metric.MustCreateNewUint64Metric("/vmobject/objects_destroyed", "Number of VM objects destroyed.")
	cowBreaks        = metric.MustCreateNewUint64Metric("/vmobject/cow_breaks", "Number of pages privatized by copy-on-write.")
	pagesCopied      = metric.MustCreateNewUint64Metric("/vmobject/pages_copied", "Number of page contents copied.")
)

// Kind identifies the variant of a VMObject.
type Kind int

const (
	// KindAnonymous is an AnonymousVMObject.
	KindAnonymous Kind = iota

	// KindSharedInode is a SharedInodeVMObject.
	KindSharedInode

	// KindPrivateInode is a PrivateInodeVMObject.
	KindPrivateInode
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindSharedInode:
		return "shared-inode"
	case KindPrivateInode:
		return "private-inode"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Inode is the file an inode-backed object maps. Reading its contents into
// pages is up to the fault path.
//
// Inodes are used as map keys and must be comparable, typically pointers.
type Inode interface {
	// Size returns the current size of the file in bytes.
	Size() uint64
}

// VMObject owns a sequence of physical pages, one slot per page of its
// extent. Slots are empty until populated.
type VMObject interface {
	refs.RefCounter

	// Kind returns the variant of the object.
	Kind() Kind

	// Size returns the extent of the object in bytes. It is a multiple of
	// the page size.
	Size() uint64

	// PageCount returns the number of page slots.
	PageCount() int

	// PhysicalPage returns the page in slot i, or nil. The page is borrowed:
	// it stays valid while the object holds it.
	PhysicalPage(i int) *pgalloc.PhysicalPage

	// SetPhysicalPage stores p in slot i, taking over the caller's
	// reference, and releases the page it replaces. p may be nil.
	SetPhysicalPage(i int, p *pgalloc.PhysicalPage)

	// ResidentPages returns the number of populated slots.
	ResidentPages() int

	// TryClone returns a new object for a private copy of this one's
	// contents. It fails with ENOMEM.
	TryClone(ctx context.Context) (VMObject, error)
}

// pageCount returns the number of pages spanning size bytes.
func pageCount(size uint64) (int, error) {
	rounded, ok := hostarch.PageRoundUp(size)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	n := rounded >> hostarch.PageShift
	if n > MaxPages {
		return 0, linuxerr.ENOMEM
	}
	return int(n), nil
}

// allocatorFrom returns the physical allocator of ctx.
func allocatorFrom(ctx context.Context) pgalloc.PhysicalAllocator {
	a := pgalloc.PhysicalAllocatorFromContext(ctx)
	if a == nil {
		panic("context has no physical allocator")
	}
	return a
}

// pageSet is the page slot sequence common to all objects.
type pageSet struct {
	mu sync.Mutex

	// pages holds one reference on each non-nil page. Its length is fixed.
	// Protected by mu.
	pages []*pgalloc.PhysicalPage
}

func makePageSet(n int) pageSet {
	return pageSet{pages: make([]*pgalloc.PhysicalPage, n)}
}

// Size implements VMObject.Size.
func (s *pageSet) Size() uint64 {
	return uint64(s.PageCount()) << hostarch.PageShift
}

// PageCount implements VMObject.PageCount.
func (s *pageSet) PageCount() int {
	// The length never changes.
	return len(s.pages)
}

func (s *pageSet) checkIndex(i int) {
	if i < 0 || i >= len(s.pages) {
		panic(fmt.Sprintf("page index %d out of range [0, %d)", i, len(s.pages)))
	}
}

// PhysicalPage implements VMObject.PhysicalPage.
func (s *pageSet) PhysicalPage(i int) *pgalloc.PhysicalPage {
	s.checkIndex(i)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[i]
}

// SetPhysicalPage implements VMObject.SetPhysicalPage.
func (s *pageSet) SetPhysicalPage(i int, p *pgalloc.PhysicalPage) {
	s.checkIndex(i)
	s.mu.Lock()
	old := s.pages[i]
	s.pages[i] = p
	s.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// ResidentPages implements VMObject.ResidentPages.
func (s *pageSet) ResidentPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pages {
		if p != nil {
			n++
		}
	}
	return n
}

// populateLocked fills slot i with a zeroed page unless it holds one
// already, and returns the page.
//
// Preconditions: s.mu is locked.
func (s *pageSet) populateLocked(ctx context.Context, i int) (*pgalloc.PhysicalPage, error) {
	if p := s.pages[i]; p != nil {
		return p, nil
	}
	p, err := allocatorFrom(ctx).AllocatePhysicalPage(ctx, pgalloc.AllocOpts{
		Kind: usage.Anonymous,
		Zero: true,
	})
	if err != nil {
		return nil, err
	}
	s.pages[i] = p
	return p, nil
}

// release drops the references held on all pages.
func (s *pageSet) release() {
	s.mu.Lock()
	pages := make([]*pgalloc.PhysicalPage, len(s.pages))
	copy(pages, s.pages)
	clear(s.pages)
	s.mu.Unlock()
	releasePages(pages)
	objectsDestroyed.Increment()
}

// copyPage returns a new page holding the contents of src, or a zeroed page
// if src is nil.
func copyPage(ctx context.Context, src *pgalloc.PhysicalPage) (*pgalloc.PhysicalPage, error) {
	p, err := allocatorFrom(ctx).AllocatePhysicalPage(ctx, pgalloc.AllocOpts{
		Kind: usage.Anonymous,
		Zero: src == nil,
	})
	if err != nil {
		return nil, err
	}
	if src != nil {
		copy(p.Bytes(), src.Bytes())
		pagesCopied.Increment()
	}
	return p, nil
}

// copyPages returns private copies of every populated page of src.
func copyPages(ctx context.Context, src []*pgalloc.PhysicalPage) ([]*pgalloc.PhysicalPage, error) {
	dst := make([]*pgalloc.PhysicalPage, len(src))
	for i, p := range src {
		if p == nil {
			continue
		}
		c, err := copyPage(ctx, p)
		if err != nil {
			releasePages(dst)
			return nil, err
		}
		dst[i] = c
	}
	return dst, nil
}

func releasePages(pages []*pgalloc.PhysicalPage) {
	for _, p := range pages {
		if p != nil {
			p.DecRef()
		}
	}
}
