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

package ring0

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sync"
)

// tlbFlushThreshold is the number of pages above which an invalidation
// flushes the whole TLB instead of individual entries.
const tlbFlushThreshold = 64

// tlbEntry is a cached translation.
type tlbEntry struct {
	// physical is the physical address of the page.
	physical uintptr

	// opts are the permissions at the time the entry was loaded.
	opts pagetables.MapOpts

	// dirty is true if the entry was loaded or upgraded by a write, i.e.
	// the PTE dirty bit is known to be set.
	dirty bool
}

// CPUStats are per-CPU counters.
type CPUStats struct {
	// Switches is the number of page table switches.
	Switches uint64

	// Hits and Misses count TLB lookups.
	Hits   uint64
	Misses uint64

	// Flushes counts full TLB flushes, Invalidations single-page ones.
	Flushes       uint64
	Invalidations uint64
}

// CPU is a simulated processor.
type CPU struct {
	// id is the CPU number.
	id int

	// machine is the owning machine.
	machine *Machine

	// switchMu serializes page table switches and scope bookkeeping. It is
	// held for the duration of a switch only.
	switchMu sync.Mutex

	// depth is the number of paging scopes currently entered on this CPU.
	//
	// depth is protected by switchMu.
	depth int

	// mu protects active and tlb. It is taken by shootdowns from other
	// goroutines.
	mu sync.Mutex

	// active is the page table root currently loaded (CR3).
	active *pagetables.PageTables

	// tlb caches translations of active, keyed by page address.
	tlb map[hostarch.Addr]tlbEntry

	switches      atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	flushes       atomic.Uint64
	invalidations atomic.Uint64
}

func newCPU(m *Machine, id int, root *pagetables.PageTables) *CPU {
	return &CPU{
		id:      id,
		machine: m,
		active:  root,
		tlb:     make(map[hostarch.Addr]tlbEntry),
	}
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// String implements fmt.Stringer.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// Active returns the page tables currently loaded on c.
func (c *CPU) Active() *pagetables.PageTables {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Stats returns a snapshot of c's counters.
func (c *CPU) Stats() CPUStats {
	return CPUStats{
		Switches:      c.switches.Load(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Flushes:       c.flushes.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// switchLocked loads pt and flushes the TLB. It returns the previously
// loaded tables.
//
// Preconditions: c.switchMu must be locked.
func (c *CPU) switchLocked(pt *pagetables.PageTables) *pagetables.PageTables {
	if pt == nil {
		panic(fmt.Sprintf("%v: switch to nil page tables", c))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.active
	c.active = pt
	c.flushLocked()
	c.switches.Add(1)
	return prev
}

// SwitchPageTables loads pt on c and returns the previously loaded tables.
// The TLB is flushed.
func (c *CPU) SwitchPageTables(pt *pagetables.PageTables) *pagetables.PageTables {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	return c.switchLocked(pt)
}

// EnterScope loads pt on c and pushes a scope. It returns the previously
// loaded tables and the depth of the new scope, both of which must be
// passed to LeaveScope.
func (c *CPU) EnterScope(pt *pagetables.PageTables) (prev *pagetables.PageTables, depth int) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	prev = c.switchLocked(pt)
	c.depth++
	return prev, c.depth
}

// LeaveScope pops the scope at depth and restores prev.
//
// Leaving any scope other than the innermost is an invariant violation and
// panics without changing the active tables.
func (c *CPU) LeaveScope(prev *pagetables.PageTables, depth int) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	if depth != c.depth {
		panic(fmt.Sprintf("%v: leaving paging scope %d, innermost scope is %d", c, depth, c.depth))
	}
	c.switchLocked(prev)
	c.depth--
}

// ScopeDepth returns the number of scopes entered on c.
func (c *CPU) ScopeDepth() int {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	return c.depth
}

// Translate translates addr for a user-mode access of type at through the
// TLB and, on a miss, the active page tables. On success it returns the
// physical address; otherwise it returns the fault that hardware would
// raise.
//
// Preconditions: the active page tables must not be mutated concurrently.
func (c *CPU) Translate(addr hostarch.Addr, at hostarch.AccessType) (uintptr, *Fault) {
	page := addr.RoundDown()
	offset := uintptr(addr.PageOffset())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		panic(fmt.Sprintf("%v: translation with no page tables loaded", c))
	}
	if e, ok := c.tlb[page]; ok && e.opts.AccessType.SupersetOf(at) && (!at.Write || e.dirty) {
		c.hits.Add(1)
		return e.physical + offset, nil
	}

	// Walk. A cached entry that did not permit the access is stale or
	// needs its dirty bit set, so it is always refreshed from the tables.
	c.misses.Add(1)
	delete(c.tlb, page)
	pte := c.active.Entry(page)
	if pte == nil {
		return 0, &Fault{Addr: addr, Access: at, Present: false}
	}
	opts := pte.Opts()
	if !opts.User || !opts.AccessType.SupersetOf(at) {
		return 0, &Fault{Addr: addr, Access: at, Present: true}
	}
	pte.MarkAccessed(at.Write)
	physical := pte.Address()
	c.tlb[page] = tlbEntry{
		physical: physical,
		opts:     opts,
		dirty:    at.Write,
	}
	return physical + offset, nil
}

// Cached reports whether c's TLB holds a translation for addr.
func (c *CPU) Cached(addr hostarch.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tlb[addr.RoundDown()]
	return ok
}

// Flush drops every cached translation.
func (c *CPU) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Preconditions: c.mu must be locked.
func (c *CPU) flushLocked() {
	if len(c.tlb) == 0 {
		return
	}
	clear(c.tlb)
	c.flushes.Add(1)
}

// invalidate drops cached translations of ar if pt is loaded. It reports
// whether pt was loaded.
func (c *CPU) invalidate(pt *pagetables.PageTables, ar hostarch.AddrRange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != pt {
		return false
	}
	if ar.Pages() > tlbFlushThreshold {
		c.flushLocked()
		return true
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if _, ok := c.tlb[addr]; ok {
			delete(c.tlb, addr)
			c.invalidations.Add(1)
		}
	}
	return true
}
