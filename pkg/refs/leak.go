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

package refs

import (
	"sort"
	"sync"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/log"
)

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are
	// found.
	LeaksPanic
)

var (
	leakMode atomic.Uint32

	// liveObjects holds every registered Refs while leak checking is
	// enabled. Protected by liveObjectsMu.
	liveObjectsMu sync.Mutex
	liveObjects   = make(map[*Refs]struct{})
)

// SetLeakMode configures the reference leak checker. It must be set before
// any reference-counted object is created.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

func register(r *Refs) {
	if GetLeakMode() == NoLeakChecking {
		return
	}
	liveObjectsMu.Lock()
	liveObjects[r] = struct{}{}
	liveObjectsMu.Unlock()
}

func unregister(r *Refs) {
	if GetLeakMode() == NoLeakChecking {
		return
	}
	liveObjectsMu.Lock()
	delete(liveObjects, r)
	liveObjectsMu.Unlock()
}

// LiveObjects returns the leak messages of every registered object still
// holding references, sorted.
func LiveObjects() []string {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	msgs := make([]string, 0, len(liveObjects))
	for r := range liveObjects {
		msgs = append(msgs, r.LeakMessage())
	}
	sort.Strings(msgs)
	return msgs
}

// DoLeakCheck reports every live object as a leak according to the leak
// mode and returns the number found. It should be called when no
// reference-counted objects are reachable anymore.
func DoLeakCheck() int {
	leaks := LiveObjects()
	if len(leaks) == 0 {
		return 0
	}
	for _, msg := range leaks {
		log.Warningf("Leak checking detected leak: %s", msg)
	}
	if GetLeakMode() == LeaksPanic {
		panic("Leaks detected; see warnings above")
	}
	return len(leaks)
}
