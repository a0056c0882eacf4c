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
	"context"
	"sync/atomic"
)

// Owner identifies a logical execution context for the purpose of recursive
// locking: a kernel thread on a CPU, together with any fault or interrupt
// handler nested on top of it. The zero Owner is never valid.
type Owner uint64

// lastOwner is the last Owner handed out by NewOwner.
var lastOwner atomic.Uint64

// NewOwner returns a new, unique Owner.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}

// ownerKey is the Context.Value key for an Owner.
type ownerKey struct{}

// WithOwner returns a copy of ctx that carries o. Nested handlers that run
// on behalf of the same execution context must be passed a context derived
// from it so that re-entrant acquisitions are recognized.
//
// An Owner stands for a single execution context. It must not be used by
// concurrent goroutines: a RecursiveSpinLock treats every holder of the same
// Owner as one, and its recursion depth is not synchronized between them.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFromContext returns the Owner carried by ctx. If ctx carries none, a
// fresh Owner is returned; such a caller can never re-enter a lock.
func OwnerFromContext(ctx context.Context) Owner {
	if ctx != nil {
		if o, ok := ctx.Value(ownerKey{}).(Owner); ok && o != 0 {
			return o
		}
	}
	return NewOwner()
}

// OwnerInContext returns the Owner carried by ctx, if any.
func OwnerInContext(ctx context.Context) (Owner, bool) {
	if ctx == nil {
		return 0, false
	}
	o, ok := ctx.Value(ownerKey{}).(Owner)
	return o, ok && o != 0
}
