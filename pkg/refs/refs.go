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

// Package refs defines an interface for reference counted objects and an
// atomic implementation with optional leak checking.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the reference counter on the object, destroying it
	// when the count reaches zero.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the object,
	// but may fail if all references have already been dropped. This is
	// used by lookup tables that must not resurrect a dying object.
	TryIncRef() bool
}

// Refs keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero.
//
// The zero value has no references; InitRefs must be called before the
// object is published.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop.
	refCount atomic.Int64

	// name is used in leak and misuse messages.
	name string
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *Refs) InitRefs(name string) {
	r.name = name
	r.refCount.Store(1)
	register(r)
}

// RefType returns the name the object was initialized with.
func (r *Refs) RefType() string {
	return r.name
}

// LeakMessage returns a warning printed upon leak detection.
func (r *Refs) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.name, r, r.ReadRefs())
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef implements RefCounter.IncRef.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.name))
	}
}

// TryIncRef implements RefCounter.TryIncRef.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to
// distinguish other TryIncRef calls from genuine references held.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef drops a reference, calling destroy (if non-nil) when the count
// reaches zero.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. Speculative references are seen only in this case:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
//
// The destructor then runs when A drops the reference it obtained.
func (r *Refs) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.name))

	case v == 0:
		unregister(r)
		if destroy != nil {
			destroy()
		}
	}
}
