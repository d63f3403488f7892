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
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// ErrOverlap is returned when a region would overlap an existing one.
var ErrOverlap = errors.New(unix.EEXIST, "region overlaps an existing region")

// writeback is a dirty file page to be written once locks are dropped. A
// reference is held on frame.
type writeback struct {
	obj   *Object
	idx   uint64
	frame pgalloc.FrameID
}

// InsertRegion adds r, returned by NewRegion, to mm. It fails with
// ErrOverlap if r overlaps any region of mm, and with ENOMEM if r's
// allocation strategy cannot be satisfied, leaving mm unchanged.
func (mm *MemoryManager) InsertRegion(ctx context.Context, r *Region) (RegionID, error) {
	if r.object != nil {
		panic(fmt.Sprintf("region %v inserted twice", r))
	}
	if r.ar.Start < MinUserAddress || r.ar.End > MaxUserAddress {
		return 0, fmt.Errorf("inserting %v outside [%v, %v): %w", r.ar, MinUserAddress, MaxUserAddress, linuxerr.ENOMEM)
	}
	if err := mm.prepareRegion(ctx, r); err != nil {
		return 0, err
	}
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.overlapsLocked(r.ar) {
		r.object.decRef()
		r.object = nil
		return 0, fmt.Errorf("inserting %v: %w", r.ar, ErrOverlap)
	}
	mm.insertLocked(r)
	return r.id, nil
}

// prepareRegion creates r's object and applies its allocation strategy.
// r is not yet visible, so no lock is needed.
func (mm *MemoryManager) prepareRegion(ctx context.Context, r *Region) error {
	obj := newObject(mm.mf, r.kind, r.mappable, r.offset, r.strategy == Reserve)
	cu := cleanup.Make(obj.decRef)
	defer cu.Clean()
	switch r.strategy {
	case Reserve:
		if err := obj.commit(r.ar.Pages()); err != nil {
			return fmt.Errorf("reserving %d frames for %v: %w", r.ar.Pages(), r.ar, err)
		}
	case AllocateNow:
		if err := obj.populate(ctx, 0, r.ar.Pages()); err != nil {
			return fmt.Errorf("populating %v: %w", r.ar, err)
		}
	}
	cu.Release()
	r.object = obj
	r.objectPage = 0
	r.mappable = nil
	return nil
}

// insertLocked adds r to the region set and maps any pages it already has.
//
// Preconditions: mm.mappingMu must be locked for writing. r does not
// overlap any region.
func (mm *MemoryManager) insertLocked(r *Region) {
	if mm.destroyed {
		panic("insertion into a destroyed address space")
	}
	r.id = mm.nextID
	mm.nextID++
	mm.regions[r.id] = r
	mm.byAddr.ReplaceOrInsert(r)
	mm.usageAS += r.ar.Length()
	if r.strategy == AllocateNow {
		mm.activeMu.Lock()
		mm.mapRegionLocked(r)
		mm.activeMu.Unlock()
	}
	if checkInvariants {
		mm.checkRegionsLocked()
	}
}

// mapRegionLocked installs page table entries for every backed page of r.
//
// Preconditions: mm.activeMu must be locked for writing.
func (mm *MemoryManager) mapRegionLocked(r *Region) {
	r.object.mu.Lock()
	defer r.object.mu.Unlock()
	last := r.objectPage + r.ar.Pages()
	for idx, p := range r.object.pages {
		if idx >= r.objectPage && idx < last {
			mm.mapPageLocked(r.pageAddr(idx), p, r)
		}
	}
}

// overlapsLocked returns true if any region intersects ar.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) overlapsLocked(ar hostarch.AddrRange) bool {
	found := false
	mm.forEachIntersectingLocked(ar, func(*Region) bool {
		found = true
		return false
	})
	return found
}

// findRegionLocked returns the region containing addr, or nil.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findRegionLocked(addr hostarch.Addr) *Region {
	var found *Region
	mm.byAddr.DescendLessOrEqual(&Region{ar: hostarch.AddrRange{Start: addr}}, func(r *Region) bool {
		if r.ar.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// forEachIntersectingLocked calls fn on each region intersecting ar, in
// address order, until fn returns false. fn must not mutate the region
// set.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) forEachIntersectingLocked(ar hostarch.AddrRange, fn func(*Region) bool) {
	start := ar.Start
	if r := mm.findRegionLocked(ar.Start); r != nil {
		start = r.ar.Start
	}
	mm.byAddr.AscendGreaterOrEqual(&Region{ar: hostarch.AddrRange{Start: start}}, func(r *Region) bool {
		if r.ar.Start >= ar.End {
			return false
		}
		return fn(r)
	})
}

// intersectingLocked returns the regions intersecting ar, in address order.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) intersectingLocked(ar hostarch.AddrRange) []*Region {
	var rs []*Region
	mm.forEachIntersectingLocked(ar, func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// RemoveRegion removes the region with the given ID, unmapping its pages
// and releasing its frames.
func (mm *MemoryManager) RemoveRegion(ctx context.Context, id RegionID) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	r, ok := mm.regions[id]
	if !ok {
		return fmt.Errorf("region %d: %w", id, linuxerr.ENOENT)
	}
	mm.activeMu.Lock()
	wb := mm.removeRegionLocked(r, nil)
	mm.activeMu.Unlock()
	mm.writeBack(ctx, wb)
	return nil
}

// removeRegionLocked unmaps r, drops it from the region set and releases
// its pages. Dirty file pages are appended to wb.
//
// Preconditions: mm.mappingMu and mm.activeMu must be locked for writing.
func (mm *MemoryManager) removeRegionLocked(r *Region, wb []writeback) []writeback {
	wb = mm.unmapPTEsLocked(r, r.ar, wb)
	if r.kind.private() {
		r.object.removeRange(r.objectPage, r.ar.Pages())
	}
	r.object.decRef()
	delete(mm.regions, r.id)
	mm.byAddr.Delete(r)
	mm.usageAS -= r.ar.Length()
	if checkInvariants {
		mm.checkRegionsLocked()
	}
	return wb
}

// FindRegionContaining returns the region containing addr.
func (mm *MemoryManager) FindRegionContaining(addr hostarch.Addr) (RegionInfo, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	r := mm.findRegionLocked(addr)
	if r == nil {
		return RegionInfo{}, false
	}
	return r.info(), true
}

// FindRegionsIntersecting returns the regions intersecting ar, in address
// order.
func (mm *MemoryManager) FindRegionsIntersecting(ar hostarch.AddrRange) []RegionInfo {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var infos []RegionInfo
	mm.forEachIntersectingLocked(ar, func(r *Region) bool {
		infos = append(infos, r.info())
		return true
	})
	return infos
}

// Region returns the region with the given ID.
func (mm *MemoryManager) Region(id RegionID) (RegionInfo, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	r, ok := mm.regions[id]
	if !ok {
		return RegionInfo{}, false
	}
	return r.info(), true
}

// Regions returns all regions in address order.
func (mm *MemoryManager) Regions() []RegionInfo {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	infos := make([]RegionInfo, 0, mm.byAddr.Len())
	mm.byAddr.Ascend(func(r *Region) bool {
		infos = append(infos, r.info())
		return true
	})
	return infos
}

// checkRegionsLocked panics if the region set is not sorted and disjoint,
// or if the arena and the tree disagree.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) checkRegionsLocked() {
	if n := mm.byAddr.Len(); n != len(mm.regions) {
		panic(fmt.Sprintf("region tree has %d regions, arena has %d", n, len(mm.regions)))
	}
	var (
		prev  *Region
		total uint64
	)
	mm.byAddr.Ascend(func(r *Region) bool {
		if !r.ar.WellFormed() || r.ar.Length() == 0 || !r.ar.IsPageAligned() {
			panic(fmt.Sprintf("invalid region %v", r))
		}
		if prev != nil && prev.ar.End > r.ar.Start {
			panic(fmt.Sprintf("region %v overlaps %v", prev, r))
		}
		if mm.regions[r.id] != r {
			panic(fmt.Sprintf("region %v not in arena under ID %d", r, r.id))
		}
		total += r.ar.Length()
		prev = r
		return true
	})
	if total != mm.usageAS {
		panic(fmt.Sprintf("regions span %d bytes, usageAS is %d", total, mm.usageAS))
	}
}
