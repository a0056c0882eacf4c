// Copyright 2019 The gVisor Authors.
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
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxPhysicalAllocator is a Context.Value key for a PhysicalAllocator.
	CtxPhysicalAllocator contextID = iota
)

// PhysicalAllocatorFromContext returns the PhysicalAllocator used by ctx, or
// nil if no such PhysicalAllocator exists.
func PhysicalAllocatorFromContext(ctx context.Context) PhysicalAllocator {
	if v := ctx.Value(CtxPhysicalAllocator); v != nil {
		return v.(PhysicalAllocator)
	}
	return nil
}

// WithPhysicalAllocator returns a copy of ctx carrying a.
func WithPhysicalAllocator(ctx context.Context, a PhysicalAllocator) context.Context {
	return context.WithValue(ctx, CtxPhysicalAllocator, a)
}
