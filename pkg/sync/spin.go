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
	"runtime"
	"sync/atomic"
)

// SpinMutex is a mutual exclusion lock that never parks the calling
// goroutine on a wait queue. It is used for short critical sections that
// may be entered from fault handling, where sleeping on another subsystem
// is not allowed.
//
// The zero value is an unlocked SpinMutex. A SpinMutex must not be copied
// after first use.
type SpinMutex struct {
	state atomic.Int32
}

// spinIterations is the number of busy iterations before yielding the
// processor.
const spinIterations = 64

// Lock locks m.
func (m *SpinMutex) Lock() {
	for i := 0; ; i++ {
		if m.state.CompareAndSwap(0, 1) {
			return
		}
		if i >= spinIterations {
			runtime.Gosched()
			i = 0
		}
	}
}

// TryLock tries to lock m and reports whether it succeeded.
func (m *SpinMutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if m.state.Swap(0) != 1 {
		panic("sync: unlock of unlocked SpinMutex")
	}
}
