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
	"gvisor.dev/vmcore/pkg/ring0"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// PagingScope is a temporary switch of a CPU to an address space. It
// records the tables that were loaded before and restores them on Leave.
//
// Scopes on one CPU nest: they must be left in the reverse order of entry.
// A PagingScope does not own the address space; the address space cannot
// be destroyed while a scope targets it.
type PagingScope struct {
	cpu    *ring0.CPU
	target *MemoryManager
	prev   *pagetables.PageTables
	depth  int
	left   bool
}

// EnterPagingScope switches cpu to mm's page tables.
//
// Callers should prefer WithPagingScope, which restores the previous tables
// on every exit path. A caller of EnterPagingScope must defer Leave.
func (mm *MemoryManager) EnterPagingScope(cpu *ring0.CPU) *PagingScope {
	mm.active.Add(1)
	prev, depth := cpu.EnterScope(mm.pageTables)
	return &PagingScope{
		cpu:    cpu,
		target: mm,
		prev:   prev,
		depth:  depth,
	}
}

// Leave restores the page tables that were loaded when s was entered.
//
// Leaving a scope other than the innermost one on its CPU, or leaving a
// scope twice, panics.
func (s *PagingScope) Leave() {
	if s.left {
		panic("paging scope left twice")
	}
	s.cpu.LeaveScope(s.prev, s.depth)
	s.left = true
	s.target.active.Add(-1)
}

// Previous returns the page tables that s will restore.
func (s *PagingScope) Previous() *pagetables.PageTables {
	return s.prev
}

// WithPagingScope runs fn with cpu switched to target's page tables. The
// previous tables are restored when fn returns or panics.
func WithPagingScope(cpu *ring0.CPU, target *MemoryManager, fn func() error) error {
	s := target.EnterPagingScope(cpu)
	defer s.Leave()
	return fn()
}
