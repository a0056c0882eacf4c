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
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxInodeCache is a Context.Value key for an *InodeCache.
	CtxInodeCache contextID = iota
)

// InodeCacheFromContext returns the InodeCache used by ctx, or the
// process-wide one if ctx has none.
func InodeCacheFromContext(ctx context.Context) *InodeCache {
	if v := ctx.Value(CtxInodeCache); v != nil {
		return v.(*InodeCache)
	}
	return globalInodeCache
}

// WithInodeCache returns a copy of ctx using c.
func WithInodeCache(ctx context.Context, c *InodeCache) context.Context {
	return context.WithValue(ctx, CtxInodeCache, c)
}
