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

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/sync"
)

// InodeCache holds the live SharedInodeVMObject of each inode.
type InodeCache struct {
	mu sync.Mutex

	// objects maps inodes to their shared object. An entry is removed when
	// its object is destroyed. Protected by mu.
	objects map[Inode]*SharedInodeVMObject
}

// NewInodeCache returns an empty InodeCache.
func NewInodeCache() *InodeCache {
	return &InodeCache{objects: make(map[Inode]*SharedInodeVMObject)}
}

// Len returns the number of cached objects.
func (c *InodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// TryCreateWithInode returns the shared object of inode with a new
// reference. If there is no live one, an object sized to the inode, with no
// resident pages, is created and cached.
func (c *InodeCache) TryCreateWithInode(ctx context.Context, inode Inode) (*SharedInodeVMObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.objects[inode]; ok && o.TryIncRef() {
		return o, nil
	}
	o, err := newSharedInodeVMObject(c, inode)
	if err != nil {
		return nil, err
	}
	c.objects[inode] = o
	return o, nil
}

// forget removes o from the cache unless it has been replaced already.
func (c *InodeCache) forget(o *SharedInodeVMObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.objects[o.inode] == o {
		delete(c.objects, o.inode)
	}
}

// globalInodeCache is used by contexts without an InodeCache.
var globalInodeCache = NewInodeCache()

// TryCreateWithInode is InodeCache.TryCreateWithInode on the cache of ctx.
func TryCreateWithInode(ctx context.Context, inode Inode) (*SharedInodeVMObject, error) {
	return InodeCacheFromContext(ctx).TryCreateWithInode(ctx, inode)
}

// SharedInodeVMObject holds the pages of an inode shared by all of its
// shared mappings.
type SharedInodeVMObject struct {
	refs.Refs
	pageSet

	cache *InodeCache
	inode Inode
}

func newSharedInodeVMObject(cache *InodeCache, inode Inode) (*SharedInodeVMObject, error) {
	if inode == nil {
		return nil, linuxerr.EINVAL
	}
	n, err := pageCount(inode.Size())
	if err != nil {
		return nil, err
	}
	o := &SharedInodeVMObject{
		pageSet: makePageSet(n),
		cache:   cache,
		inode:   inode,
	}
	o.InitRefs("vmobject.SharedInodeVMObject")
	objectsCreated.Increment(KindSharedInode.String())
	log.Debugf("Created shared inode object of %d pages", n)
	return o, nil
}

// Kind implements VMObject.Kind.
func (*SharedInodeVMObject) Kind() Kind {
	return KindSharedInode
}

// Inode returns the inode o maps.
func (o *SharedInodeVMObject) Inode() Inode {
	return o.inode
}

// DecRef implements refs.RefCounter.DecRef.
func (o *SharedInodeVMObject) DecRef() {
	o.Refs.DecRef(func() {
		o.cache.forget(o)
		o.release()
	})
}

// TryClone implements VMObject.TryClone. The clone is a
// PrivateInodeVMObject aliasing o's current pages and holding a reference
// on o.
func (o *SharedInodeVMObject) TryClone(ctx context.Context) (VMObject, error) {
	return o.TryClonePrivate(ctx)
}

// TryClonePrivate is TryClone with a concrete result type.
func (o *SharedInodeVMObject) TryClonePrivate(ctx context.Context) (*PrivateInodeVMObject, error) {
	o.mu.Lock()
	pages := aliasPages(o.pages)
	o.mu.Unlock()
	o.IncRef()
	return newPrivateInodeVMObject(o.inode, o, pages), nil
}
