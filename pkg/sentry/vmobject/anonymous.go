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
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// AnonymousVMObject owns zero-filled memory.
type AnonymousVMObject struct {
	refs.Refs
	pageSet
}

// TryCreateWithSize returns an anonymous object spanning size bytes,
// rounded up to whole pages. If commit is set, every page is allocated now;
// otherwise pages are allocated by PopulatePage.
func TryCreateWithSize(ctx context.Context, size uint64, commit bool) (*AnonymousVMObject, error) {
	if size == 0 {
		return nil, linuxerr.EINVAL
	}
	n, err := pageCount(size)
	if err != nil {
		return nil, err
	}
	o := &AnonymousVMObject{pageSet: makePageSet(n)}
	if commit {
		for i := range o.pages {
			if _, err := o.populateLocked(ctx, i); err != nil {
				releasePages(o.pages)
				return nil, err
			}
		}
	}
	o.InitRefs("vmobject.AnonymousVMObject")
	objectsCreated.Increment(KindAnonymous.String())
	if log.IsLogging(log.Debug) {
		log.Debugf("Created anonymous object of %d pages (committed: %t)", n, commit)
	}
	return o, nil
}

// Kind implements VMObject.Kind.
func (*AnonymousVMObject) Kind() Kind {
	return KindAnonymous
}

// DecRef implements refs.RefCounter.DecRef.
func (o *AnonymousVMObject) DecRef() {
	o.Refs.DecRef(o.release)
}

// PopulatePage returns the page in slot i, allocating a zeroed one if the
// slot is empty.
func (o *AnonymousVMObject) PopulatePage(ctx context.Context, i int) (*pgalloc.PhysicalPage, error) {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.populateLocked(ctx, i)
}

// TryClone implements VMObject.TryClone. Anonymous memory is copied
// eagerly.
func (o *AnonymousVMObject) TryClone(ctx context.Context) (VMObject, error) {
	o.mu.Lock()
	pages, err := copyPages(ctx, o.pages)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := &AnonymousVMObject{pageSet: pageSet{pages: pages}}
	c.InitRefs("vmobject.AnonymousVMObject")
	objectsCreated.Increment(KindAnonymous.String())
	return c, nil
}
