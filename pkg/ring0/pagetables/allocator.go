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

package pagetables

import (
	"fmt"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)

	// Recycle makes freed PTEs available for use again.
	Recycle()

	// Used returns the number of PTE pages currently allocated.
	Used() int
}

// tableSpaceBase is the base of the synthetic physical addresses handed out
// by RuntimeAllocator. It lies above any frame of the physical memory map,
// so a table address can never be mistaken for a data frame.
const tableSpaceBase uintptr = 1 << 46

// RuntimeAllocator is a trivial allocator that keeps page tables on the Go
// heap. Tables are identified by synthetic physical addresses in a space
// separate from the frame allocator, so page table pages never consume
// physical frames.
type RuntimeAllocator struct {
	// tables is indexed by slot. A nil entry is an unused slot.
	tables []*PTEs

	// slots maps tables to their slot.
	slots map[*PTEs]int

	// freeSlots are slots available for reuse.
	freeSlots []int

	// pool are freed tables awaiting Recycle.
	pool []*PTEs

	// recycled are cleared tables ready for reuse.
	recycled []*PTEs
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		slots: make(map[*PTEs]int),
	}
}

// Recycle returns freed pages to the pool.
func (r *RuntimeAllocator) Recycle() {
	for _, ptes := range r.pool {
		*ptes = PTEs{}
		r.recycled = append(r.recycled, ptes)
	}
	r.pool = r.pool[:0]
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	var ptes *PTEs
	if n := len(r.recycled); n > 0 {
		ptes = r.recycled[n-1]
		r.recycled = r.recycled[:n-1]
	} else {
		ptes = new(PTEs)
	}
	var slot int
	if n := len(r.freeSlots); n > 0 {
		slot = r.freeSlots[n-1]
		r.freeSlots = r.freeSlots[:n-1]
		r.tables[slot] = ptes
	} else {
		slot = len(r.tables)
		r.tables = append(r.tables, ptes)
	}
	r.slots[ptes] = slot
	return ptes
}

// PhysicalFor returns the physical address for the given PTEs.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	slot, ok := r.slots[ptes]
	if !ok {
		panic(fmt.Sprintf("pagetables: PhysicalFor on unknown table %p", ptes))
	}
	return tableSpaceBase + uintptr(slot)<<pteShift
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	slot := int((physical - tableSpaceBase) >> pteShift)
	if physical < tableSpaceBase || slot >= len(r.tables) || r.tables[slot] == nil {
		panic(fmt.Sprintf("pagetables: LookupPTEs on unknown table address %#x", physical))
	}
	return r.tables[slot]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	slot, ok := r.slots[ptes]
	if !ok {
		panic(fmt.Sprintf("pagetables: FreePTEs on unknown table %p", ptes))
	}
	delete(r.slots, ptes)
	r.tables[slot] = nil
	r.freeSlots = append(r.freeSlots, slot)
	r.pool = append(r.pool, ptes)
}

// Used implements Allocator.Used.
func (r *RuntimeAllocator) Used() int {
	return len(r.slots)
}
