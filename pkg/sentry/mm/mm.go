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

// Package mm implements per-process virtual address spaces: the region set,
// the VM objects backing regions, demand paging, copy-on-write fork and
// paging scopes.
//
// Lock order:
//
//	MemoryManager.mappingMu
//		MemoryManager.activeMu
//			Object.mu
//				pgalloc.MemoryFile.mu
//			ring0.CPU.mu
//
// A page-in holds only mappingMu (for reading) while it reads from the
// Mappable.
package mm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sync"
)

const (
	// MinUserAddress is the lowest address handed out by MMap.
	MinUserAddress hostarch.Addr = 0x10000

	// MaxUserAddress is the end of the user address range.
	MaxUserAddress = pagetables.MaxAddress

	// btreeDegree is the degree of the region tree.
	btreeDegree = 8
)

var (
	cowCopies    = metric.MustCreateNewUint64Metric("/memory/cow_copies", "Number of copy-on-write faults that copied a frame.")
	cowAdoptions = metric.MustCreateNewUint64Metric("/memory/cow_adoptions", "Number of copy-on-write faults that took over an unshared frame.")
	zeroFills    = metric.MustCreateNewUint64Metric("/memory/zero_fills", "Number of pages backed by a zero-filled frame on demand.")
	pageIns      = metric.MustCreateNewUint64Metric("/memory/page_ins", "Number of pages read from a mappable.")
	writebacks   = metric.MustCreateNewUint64Metric("/memory/writebacks", "Number of dirty file pages written back to a mappable.")
)

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	// mf is the frame allocator shared by all address spaces. mf is
	// immutable.
	mf *pgalloc.MemoryFile

	// mappingMu protects the region set.
	mappingMu sync.RWMutex

	// regions is the region arena.
	//
	// regions is protected by mappingMu.
	regions map[RegionID]*Region

	// byAddr orders regions by base address.
	//
	// byAddr is protected by mappingMu.
	byAddr *btree.BTreeG[*Region]

	// nextID is the next RegionID to hand out.
	//
	// nextID is protected by mappingMu.
	nextID RegionID

	// usageAS is the total size of all regions in bytes.
	//
	// usageAS is protected by mappingMu.
	usageAS uint64

	// destroyed is set by Destroy.
	//
	// destroyed is protected by mappingMu.
	destroyed bool

	// activeMu serializes page population and page table mutation. Faults
	// take it for writing; accesses through the MMU take it for reading.
	activeMu sync.RWMutex

	// pageTables are the address space's page tables.
	//
	// pageTables is protected by activeMu.
	pageTables *pagetables.PageTables

	// active is the number of paging scopes targeting this address space.
	active atomic.Int32
}

// regionLess orders regions by base address.
func regionLess(a, b *Region) bool {
	return a.ar.Start < b.ar.Start
}

// NewMemoryManager returns an empty address space drawing frames from mf.
// inv, if not nil, is told about every translation removed from the
// address space's page tables.
func NewMemoryManager(mf *pgalloc.MemoryFile, inv pagetables.Invalidator) *MemoryManager {
	pt := pagetables.New(pagetables.NewRuntimeAllocator())
	if inv != nil {
		pt.SetInvalidator(inv)
	}
	return &MemoryManager{
		mf:         mf,
		regions:    make(map[RegionID]*Region),
		byAddr:     btree.NewG(btreeDegree, regionLess),
		nextID:     1,
		pageTables: pt,
	}
}

// MemoryFile returns the allocator backing mm.
func (mm *MemoryManager) MemoryFile() *pgalloc.MemoryFile {
	return mm.mf
}

// PageTables returns mm's page tables, to be loaded on a CPU.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pageTables
}

// VirtualSize returns the total size of mm's regions in bytes.
func (mm *MemoryManager) VirtualSize() uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.usageAS
}

// Destroy tears down every region and frees the page tables. Dirty file
// pages are written back first.
//
// Destroying an address space that is the target of a paging scope is an
// invariant violation.
func (mm *MemoryManager) Destroy(ctx context.Context) {
	if n := mm.active.Load(); n != 0 {
		panic(fmt.Sprintf("destroying address space targeted by %d paging scopes", n))
	}
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.destroyed {
		panic("address space destroyed twice")
	}
	var all []*Region
	mm.byAddr.Ascend(func(r *Region) bool {
		all = append(all, r)
		return true
	})
	mm.activeMu.Lock()
	var wb []writeback
	for _, r := range all {
		wb = mm.removeRegionLocked(r, wb)
	}
	mm.pageTables.Release()
	mm.pageTables = nil
	mm.activeMu.Unlock()
	mm.writeBack(ctx, wb)
	mm.destroyed = true
}
