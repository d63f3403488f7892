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
	"testing"
)

func TestSpinMutexExclusion(t *testing.T) {
	var (
		m     SpinMutex
		wg    WaitGroup
		count int
	)
	const goroutines, iterations = 8, 1000
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.Lock()
				count++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	if count != goroutines*iterations {
		t.Errorf("count = %d, want %d", count, goroutines*iterations)
	}
}

func TestSpinMutexTryLock(t *testing.T) {
	var m SpinMutex
	if !m.TryLock() {
		t.Fatalf("TryLock on unlocked mutex failed")
	}
	if m.TryLock() {
		t.Fatalf("TryLock on locked mutex succeeded")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatalf("TryLock after Unlock failed")
	}
	m.Unlock()
}

func TestSpinMutexUnlockUnlocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Unlock of unlocked SpinMutex did not panic")
		}
	}()
	var m SpinMutex
	m.Unlock()
}
