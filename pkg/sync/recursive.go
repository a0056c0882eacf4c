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

package sync

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// RecursiveSpinLock is a spin-based mutual exclusion lock that may be
// acquired again by the Owner that already holds it. Each Lock must be paired
// with an Unlock by the same Owner; the lock is released when the outermost
// Unlock runs.
//
// RecursiveSpinLock never sleeps in the scheduler sense, so it may be used
// from fault context. The zero value is an unlocked lock.
type RecursiveSpinLock struct {
	// owner is the current holder, or zero if unlocked.
	owner atomic.Uint64

	// depth is the number of outstanding Lock calls by owner. It is only
	// accessed by the holder.
	depth uint32
}

// spinsBeforeYield is the number of busy iterations before a waiter yields
// its processor.
const spinsBeforeYield = 64

// Lock acquires l on behalf of o.
func (l *RecursiveSpinLock) Lock(o Owner) {
	if o == 0 {
		panic("RecursiveSpinLock.Lock with zero owner")
	}
	if Owner(l.owner.Load()) == o {
		l.depth++
		return
	}
	for spins := 0; !l.owner.CompareAndSwap(0, uint64(o)); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
	l.depth = 1
}

// TryLock attempts to acquire l on behalf of o without spinning.
func (l *RecursiveSpinLock) TryLock(o Owner) bool {
	if Owner(l.owner.Load()) == o {
		l.depth++
		return true
	}
	if !l.owner.CompareAndSwap(0, uint64(o)) {
		return false
	}
	l.depth = 1
	return true
}

// Unlock releases one level of l held by o.
//
// Preconditions: o holds l.
func (l *RecursiveSpinLock) Unlock(o Owner) {
	if cur := Owner(l.owner.Load()); cur != o {
		panic(fmt.Sprintf("RecursiveSpinLock.Unlock by owner %d, held by %d", o, cur))
	}
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
	}
}

// IsLockedBy returns true if o currently holds l.
func (l *RecursiveSpinLock) IsLockedBy(o Owner) bool {
	return Owner(l.owner.Load()) == o
}

// Depth returns the nesting depth of the holder. It is only meaningful when
// called by the holder.
func (l *RecursiveSpinLock) Depth() uint32 {
	return l.depth
}
