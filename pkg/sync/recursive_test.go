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
	"testing"
	"time"
)

func TestRecursiveSpinLockReentry(t *testing.T) {
	var l RecursiveSpinLock
	o := NewOwner()
	l.Lock(o)
	l.Lock(o)
	if got := l.Depth(); got != 2 {
		t.Fatalf("Depth() = %d, want 2", got)
	}
	l.Unlock(o)
	if !l.IsLockedBy(o) {
		t.Fatalf("lock released after inner Unlock")
	}
	l.Unlock(o)
	if l.IsLockedBy(o) {
		t.Fatalf("lock still held after outer Unlock")
	}
}

func TestRecursiveSpinLockExcludesOthers(t *testing.T) {
	var l RecursiveSpinLock
	a, b := NewOwner(), NewOwner()
	l.Lock(a)
	if l.TryLock(b) {
		t.Fatalf("TryLock by another owner succeeded while held")
	}

	acquired := make(chan struct{})
	go func() {
		l.Lock(b)
		close(acquired)
		l.Unlock(b)
	}()

	select {
	case <-acquired:
		t.Fatalf("second owner acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock(a)
	select {
	case <-acquired:
	case <-time.After(10 * time.Second):
		t.Fatalf("second owner never acquired the lock")
	}
}

func TestRecursiveSpinLockCounter(t *testing.T) {
	var (
		l       RecursiveSpinLock
		wg      WaitGroup
		counter int
	)
	const workers, iters = 8, 1000
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := NewOwner()
			for j := 0; j < iters; j++ {
				l.Lock(o)
				// A nested handler on the same owner.
				l.Lock(o)
				counter++
				l.Unlock(o)
				l.Unlock(o)
			}
		}()
	}
	wg.Wait()
	if counter != workers*iters {
		t.Errorf("counter = %d, want %d", counter, workers*iters)
	}
}

func TestUnlockByWrongOwnerPanics(t *testing.T) {
	var l RecursiveSpinLock
	l.Lock(NewOwner())
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock by non-holder did not panic")
		}
	}()
	l.Unlock(NewOwner())
}

func TestOwnerFromContext(t *testing.T) {
	o := NewOwner()
	ctx := WithOwner(context.Background(), o)
	if got := OwnerFromContext(ctx); got != o {
		t.Errorf("OwnerFromContext = %d, want %d", got, o)
	}
	a := OwnerFromContext(context.Background())
	b := OwnerFromContext(context.Background())
	if a == 0 || a == b {
		t.Errorf("contexts without owners got owners %d and %d, want distinct non-zero", a, b)
	}
}
