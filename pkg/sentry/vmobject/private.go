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

package vmobject

import (
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// PrivateInodeVMObject is a copy-on-write view of an inode. Slots that have
// not been privatized may alias pages of the origin or of sibling clones,
// and must not be written through. BreakCOW replaces a slot with a private
// copy; a privatized slot is never shared again.
type PrivateInodeVMObject struct {
	refs.Refs
	pageSet

	inode Inode

	// origin is the shared object this one was cloned from, or nil. A
	// reference is held on it.
	origin *SharedInodeVMObject

	// privatized holds the indices of slots holding private copies.
	// Protected by mu.
	privatized bitmap.Bitmap
}

// TryCreatePrivateWithInode returns a private object sized to inode with no
// resident pages and no origin.
func TryCreatePrivateWithInode(ctx context.Context, inode Inode) (*PrivateInodeVMObject, error) {
	if inode == nil {
		return nil, linuxerr.EINVAL
	}
	n, err := pageCount(inode.Size())
	if err != nil {
		return nil, err
	}
	return newPrivateInodeVMObject(inode, nil, make([]*pgalloc.PhysicalPage, n)), nil
}

// newPrivateInodeVMObject takes over the references of pages and origin.
func newPrivateInodeVMObject(inode Inode, origin *SharedInodeVMObject, pages []*pgalloc.PhysicalPage) *PrivateInodeVMObject {
	o := &PrivateInodeVMObject{
		pageSet:    pageSet{pages: pages},
		inode:      inode,
		origin:     origin,
		privatized: bitmap.New(uint32(len(pages))),
	}
	o.InitRefs("vmobject.PrivateInodeVMObject")
	objectsCreated.Increment(KindPrivateInode.String())
	return o
}

// Kind implements VMObject.Kind.
func (*PrivateInodeVMObject) Kind() Kind {
	return KindPrivateInode
}

// Inode returns the inode o maps.
func (o *PrivateInodeVMObject) Inode() Inode {
	return o.inode
}

// Origin returns the shared object o was cloned from, or nil.
func (o *PrivateInodeVMObject) Origin() *SharedInodeVMObject {
	return o.origin
}

// DecRef implements refs.RefCounter.DecRef.
func (o *PrivateInodeVMObject) DecRef() {
	o.Refs.DecRef(func() {
		o.release()
		if o.origin != nil {
			o.origin.DecRef()
		}
	})
}

// IsPrivatized returns true if slot i holds a private copy.
func (o *PrivateInodeVMObject) IsPrivatized(i int) bool {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.privatized.Contains(uint32(i))
}

// PrivatizedPages returns the number of privatized slots.
func (o *PrivateInodeVMObject) PrivatizedPages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int(o.privatized.GetNumOnes())
}

// SetPhysicalPage implements VMObject.SetPhysicalPage. Slot i must not be
// privatized: its page is owned by o alone and may only be replaced by
// releasing o.
func (o *PrivateInodeVMObject) SetPhysicalPage(i int, p *pgalloc.PhysicalPage) {
	o.checkIndex(i)
	o.mu.Lock()
	if o.privatized.Contains(uint32(i)) {
		o.mu.Unlock()
		panic(fmt.Sprintf("SetPhysicalPage on privatized slot %d", i))
	}
	old := o.pages[i]
	o.pages[i] = p
	o.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// BreakCOW privatizes slot i: the page it aliases, if any, is copied into a
// newly allocated page which replaces it. An empty slot gets a zeroed page.
// The private page is returned. Calling BreakCOW on a privatized slot
// returns its page without copying.
func (o *PrivateInodeVMObject) BreakCOW(ctx context.Context, i int) (*pgalloc.PhysicalPage, error) {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.privatized.Contains(uint32(i)) {
		return o.pages[i], nil
	}
	old := o.pages[i]
	p, err := copyPage(ctx, old)
	if err != nil {
		return nil, err
	}
	o.pages[i] = p
	o.privatized.Add(uint32(i))
	if old != nil {
		old.DecRef()
	}
	cowBreaks.Increment()
	return p, nil
}

// TryClone implements VMObject.TryClone. Slots still shared are aliased by
// the clone; privatized slots are copied, so that the clone starts with its
// own private copy of each.
func (o *PrivateInodeVMObject) TryClone(ctx context.Context) (VMObject, error) {
	return o.TryClonePrivate(ctx)
}

// TryClonePrivate is TryClone with a concrete result type.
func (o *PrivateInodeVMObject) TryClonePrivate(ctx context.Context) (*PrivateInodeVMObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pages := make([]*pgalloc.PhysicalPage, len(o.pages))
	for i, p := range o.pages {
		if p == nil {
			continue
		}
		if !o.privatized.Contains(uint32(i)) {
			p.IncRef()
			pages[i] = p
			continue
		}
		c, err := copyPage(ctx, p)
		if err != nil {
			releasePages(pages)
			return nil, err
		}
		pages[i] = c
	}
	if o.origin != nil {
		o.origin.IncRef()
	}
	c := newPrivateInodeVMObject(o.inode, o.origin, pages)
	c.privatized = o.privatized.Clone()
	if log.IsLogging(log.Debug) {
		log.Debugf("Cloned private inode object: %d of %d pages copied", o.privatized.GetNumOnes(), len(pages))
	}
	return c, nil
}

// aliasPages returns a copy of pages, taking a reference on each page.
func aliasPages(pages []*pgalloc.PhysicalPage) []*pgalloc.PhysicalPage {
	c := make([]*pgalloc.PhysicalPage, len(pages))
	for i, p := range pages {
		if p != nil {
			p.IncRef()
		}
		c[i] = p
	}
	return c
}
