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

package mm

import (
	"context"
	"errors"
	"testing"
)

// mustPanic runs fn and fails the test if it does not panic.
func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}

func TestPagingScopeNested(t *testing.T) {
	e := newTestEnv(t, 4)
	a, b := e.newMM(), e.newMM()
	kernel := e.machine.KernelPageTables()

	sa := a.EnterPagingScope(e.cpu)
	if got := e.cpu.Active(); got != a.PageTables() {
		t.Fatalf("after entering a: active %p, want %p", got, a.PageTables())
	}
	sb := b.EnterPagingScope(e.cpu)
	if got := e.cpu.Active(); got != b.PageTables() {
		t.Fatalf("after entering b: active %p, want %p", got, b.PageTables())
	}
	if sb.Previous() != a.PageTables() || sa.Previous() != kernel {
		t.Errorf("scopes saved %p and %p, want %p and %p", sa.Previous(), sb.Previous(), kernel, a.PageTables())
	}
	sb.Leave()
	if got := e.cpu.Active(); got != a.PageTables() {
		t.Errorf("after leaving b: active %p, want %p", got, a.PageTables())
	}
	sa.Leave()
	if got := e.cpu.Active(); got != kernel {
		t.Errorf("after leaving a: active %p, want kernel tables %p", got, kernel)
	}
	if got := e.cpu.ScopeDepth(); got != 0 {
		t.Errorf("ScopeDepth() = %d, want 0", got)
	}
}

func TestWithPagingScopeRestoresOnPanic(t *testing.T) {
	e := newTestEnv(t, 4)
	a, b := e.newMM(), e.newMM()
	kernel := e.machine.KernelPageTables()

	mustPanic(t, "inner body", func() {
		WithPagingScope(e.cpu, a, func() error {
			return WithPagingScope(e.cpu, b, func() error {
				panic("inner")
			})
		})
	})
	if got := e.cpu.Active(); got != kernel {
		t.Errorf("active %p after panic, want kernel tables %p", got, kernel)
	}
	if got := e.cpu.ScopeDepth(); got != 0 {
		t.Errorf("ScopeDepth() = %d after panic, want 0", got)
	}
	// Neither address space is still targeted, so both can be destroyed.
	for _, mm := range []*MemoryManager{a, b} {
		if n := mm.active.Load(); n != 0 {
			t.Errorf("address space targeted by %d scopes after panic", n)
		}
	}
}

func TestWithPagingScopeReturnsError(t *testing.T) {
	e := newTestEnv(t, 4)
	a := e.newMM()
	want := errors.New("body failed")
	if err := WithPagingScope(e.cpu, a, func() error { return want }); err != want {
		t.Errorf("WithPagingScope = %v, want %v", err, want)
	}
	if got := e.cpu.Active(); got != e.machine.KernelPageTables() {
		t.Errorf("active %p after error, want kernel tables", got)
	}
}

func TestLeaveOutOfOrderPanics(t *testing.T) {
	e := newTestEnv(t, 4)
	a, b := e.newMM(), e.newMM()

	sa := a.EnterPagingScope(e.cpu)
	sb := b.EnterPagingScope(e.cpu)
	mustPanic(t, "leaving the outer scope first", sa.Leave)
	if got := e.cpu.Active(); got != b.PageTables() {
		t.Errorf("out-of-order Leave changed active tables to %p", got)
	}
	sb.Leave()
	sa.Leave()
	mustPanic(t, "leaving a scope twice", sa.Leave)
}

func TestScopesOnDifferentCPUs(t *testing.T) {
	e := newTestEnv(t, 4)
	a, b := e.newMM(), e.newMM()
	cpus := e.machine.CPUs()

	sa := a.EnterPagingScope(cpus[0])
	sb := b.EnterPagingScope(cpus[1])
	// Each CPU keeps its own stack, so the order across CPUs is free.
	sa.Leave()
	sb.Leave()
	for _, c := range cpus {
		if c.Active() != e.machine.KernelPageTables() {
			t.Errorf("%v left with user tables loaded", c)
		}
	}
}

func TestDestroyWhileActivePanics(t *testing.T) {
	e := newTestEnv(t, 4)
	a := e.newMM()

	s := a.EnterPagingScope(e.cpu)
	mustPanic(t, "Destroy inside a paging scope", func() { a.Destroy(context.Background()) })
	s.Leave()
}
