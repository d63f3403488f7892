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

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
)

// MMapOpts are options to MMap.
type MMapOpts struct {
	// Length is the length of the mapping. It is rounded up to a page
	// multiple.
	Length uint64

	// Addr is the address of the mapping if Fixed is set, and a hint
	// otherwise.
	Addr hostarch.Addr

	// If Fixed is true, the mapping is placed exactly at Addr.
	Fixed bool

	// If Unmap is true, existing regions in the fixed range are replaced.
	// Otherwise an overlap fails with EEXIST. Unmap requires Fixed.
	Unmap bool

	// Align is the required alignment of a non-fixed mapping, a power of
	// two no smaller than the page size. The zero value means page
	// alignment.
	Align uint64

	// Kind, Perms, MaxPerms, Strategy, Inherit, Mappable, Offset and Name
	// are as in RegionOpts.
	Kind     BackingKind
	Perms    hostarch.AccessType
	MaxPerms hostarch.AccessType
	Strategy AllocationStrategy
	Inherit  InheritMode
	Mappable memmap.Mappable
	Offset   uint64
	Name     string
}

// MMap establishes a memory mapping and returns its address.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.Addr(opts.Length).RoundUp()
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	if opts.Unmap && !opts.Fixed {
		return 0, linuxerr.EINVAL
	}
	align := opts.Align
	if align == 0 {
		align = hostarch.PageSize
	}
	if align < hostarch.PageSize || align&(align-1) != 0 {
		return 0, linuxerr.EINVAL
	}
	if opts.Addr.RoundDown() != opts.Addr {
		// Fixed mappings require a page-aligned address; hints don't.
		if opts.Fixed {
			return 0, linuxerr.EINVAL
		}
		opts.Addr = opts.Addr.RoundDown()
	}
	if opts.Fixed {
		if end, ok := opts.Addr.AddLength(uint64(length)); !ok || opts.Addr < MinUserAddress || end > MaxUserAddress {
			return 0, linuxerr.ENOMEM
		}
	}

	// Validate and populate at a placeholder address; the final address is
	// chosen under mappingMu. A replacing mapping is populated once the
	// range it replaces is gone.
	base := opts.Addr
	if !opts.Fixed {
		base = 0
	}
	r, err := NewRegion(RegionOpts{
		Addr:     base,
		Length:   uint64(length),
		Kind:     opts.Kind,
		Perms:    opts.Perms,
		MaxPerms: opts.MaxPerms,
		Strategy: opts.Strategy,
		Inherit:  opts.Inherit,
		Mappable: opts.Mappable,
		Offset:   opts.Offset,
		Name:     opts.Name,
	})
	if err != nil {
		return 0, err
	}
	if !(opts.Fixed && opts.Unmap) {
		if err := mm.prepareRegion(ctx, r); err != nil {
			return 0, err
		}
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	switch {
	case opts.Fixed && opts.Unmap:
		// The replaced range goes first so that its commitment and frames
		// are available to r. As with MAP_FIXED, a failure leaves the range
		// unmapped.
		mm.activeMu.Lock()
		replaced := mm.unmapLocked(r.ar, nil)
		mm.activeMu.Unlock()
		// The writeback runs under mappingMu, so the replaced range cannot
		// be mapped again and read before it completes.
		mm.writeBack(ctx, replaced)
		if err := mm.prepareRegion(ctx, r); err != nil {
			return 0, err
		}
	case opts.Fixed:
		if mm.overlapsLocked(r.ar) {
			r.object.decRef()
			return 0, fmt.Errorf("mapping %v: %w", r.ar, ErrOverlap)
		}
	default:
		addr, err := mm.findAvailableLocked(uint64(length), opts.Addr, align)
		if err != nil {
			r.object.decRef()
			return 0, err
		}
		r.ar = hostarch.AddrRange{Start: addr, End: addr + length}
		if mm.overlapsLocked(r.ar) {
			panic(fmt.Sprintf("free range %v overlaps an existing region", r.ar))
		}
	}
	mm.insertLocked(r)
	return r.ar.Start, nil
}

// findAvailableLocked returns the lowest suitably aligned address of a free
// range of the given length at or above hint, or failing that, at or above
// MinUserAddress.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findAvailableLocked(length uint64, hint hostarch.Addr, align uint64) (hostarch.Addr, error) {
	if hint >= MinUserAddress {
		if addr, ok := mm.findAvailableFromLocked(length, hint, align); ok {
			return addr, nil
		}
	}
	if addr, ok := mm.findAvailableFromLocked(length, MinUserAddress, align); ok {
		return addr, nil
	}
	return 0, fmt.Errorf("no free range of %#x bytes: %w", length, linuxerr.ENOMEM)
}

// findAvailableFromLocked searches for a free range first fit from start.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findAvailableFromLocked(length uint64, start hostarch.Addr, align uint64) (hostarch.Addr, bool) {
	alignUp := func(a hostarch.Addr) (hostarch.Addr, bool) {
		aligned := (a + hostarch.Addr(align-1)) &^ hostarch.Addr(align-1)
		return aligned, aligned >= a
	}
	candidate, ok := alignUp(start)
	if !ok {
		return 0, false
	}
	// Walk from the region containing start, if any; every region that can
	// intersect a candidate at or above start is visited in address order.
	from := start
	if r := mm.findRegionLocked(start); r != nil {
		from = r.ar.Start
	}
	found, overflow := false, false
	mm.byAddr.AscendGreaterOrEqual(&Region{ar: hostarch.AddrRange{Start: from}}, func(r *Region) bool {
		if r.ar.End <= candidate {
			return true
		}
		end, ok := candidate.AddLength(length)
		if !ok {
			return false
		}
		if end <= r.ar.Start {
			found = true
			return false
		}
		next, ok := alignUp(r.ar.End)
		if !ok {
			overflow = true
			return false
		}
		candidate = next
		return true
	})
	if overflow {
		return 0, false
	}
	if !found {
		end, ok := candidate.AddLength(length)
		found = ok && end <= MaxUserAddress
	}
	return candidate, found
}

// MUnmap removes all mappings in [addr, addr+length). Parts of regions
// outside the range survive as separate regions. Unmapping a range with no
// regions is not an error.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if length == 0 || !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok {
		return linuxerr.EINVAL
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.activeMu.Lock()
	wb := mm.unmapLocked(ar, nil)
	mm.activeMu.Unlock()
	mm.writeBack(ctx, wb)
	return nil
}

// unmapLocked removes ar from every region intersecting it.
//
// Preconditions: mm.mappingMu and mm.activeMu must be locked for writing.
func (mm *MemoryManager) unmapLocked(ar hostarch.AddrRange, wb []writeback) []writeback {
	for _, r := range mm.isolateLocked(ar) {
		wb = mm.removeRegionLocked(r, wb)
	}
	return wb
}

// isolateLocked splits regions so that no region straddles ar.Start or
// ar.End, and returns the regions within ar in address order.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) isolateLocked(ar hostarch.AddrRange) []*Region {
	if r := mm.findRegionLocked(ar.Start); r != nil && r.ar.Start < ar.Start {
		mm.splitLocked(r, ar.Start)
	}
	if r := mm.findRegionLocked(ar.End); r != nil && r.ar.Start < ar.End {
		mm.splitLocked(r, ar.End)
	}
	return mm.intersectingLocked(ar)
}

// splitLocked splits r at addr. r keeps [start, addr); a new region with a
// new ID takes [addr, end). Both share r's object.
//
// Preconditions: mm.mappingMu must be locked for writing. addr is
// page-aligned and strictly inside r.
func (mm *MemoryManager) splitLocked(r *Region, addr hostarch.Addr) *Region {
	if !addr.IsPageAligned() || addr <= r.ar.Start || addr >= r.ar.End {
		panic(fmt.Sprintf("splitting %v at %v", r, addr))
	}
	r2 := *r
	r2.id = mm.nextID
	mm.nextID++
	r2.ar.Start = addr
	r2.objectPage = r.pageIndex(addr)
	r.ar.End = addr
	r.object.incRef()
	mm.regions[r2.id] = &r2
	mm.byAddr.ReplaceOrInsert(&r2)
	if checkInvariants {
		mm.checkRegionsLocked()
	}
	return &r2
}

// MProtect changes the permissions of [addr, addr+length). The whole range
// must be mapped.
func (mm *MemoryManager) MProtect(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.ENOMEM
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok {
		return linuxerr.ENOMEM
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if !mm.coveredLocked(ar) {
		return linuxerr.ENOMEM
	}
	for _, r := range mm.intersectingLocked(ar) {
		if !r.maxPerms.SupersetOf(perms) {
			return linuxerr.EACCES
		}
	}
	rs := mm.isolateLocked(ar)
	var wb []writeback
	mm.activeMu.Lock()
	for _, r := range rs {
		if r.kind == FileBacked && !perms.Any() {
			// Removing access drops the translations and their dirty
			// bits.
			wb = mm.collectDirtyLocked(r, r.ar, wb)
		}
		r.perms = perms
		mm.protectPTEsLocked(r, r.ar)
	}
	mm.activeMu.Unlock()
	mm.writeBack(ctx, wb)
	return nil
}

// coveredLocked returns true if every page of ar lies in a region.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) coveredLocked(ar hostarch.AddrRange) bool {
	next := ar.Start
	mm.forEachIntersectingLocked(ar, func(r *Region) bool {
		if r.ar.Start > next {
			return false
		}
		next = r.ar.End
		return next < ar.End
	})
	return next >= ar.End
}

// MSync writes back dirty pages of FileBacked regions in
// [addr, addr+length). The whole range must be mapped.
func (mm *MemoryManager) MSync(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.Addr(length).RoundUp()
	if !ok {
		return linuxerr.ENOMEM
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok {
		return linuxerr.ENOMEM
	}

	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if !mm.coveredLocked(ar) {
		return linuxerr.ENOMEM
	}
	var wb []writeback
	mm.activeMu.Lock()
	for _, r := range mm.intersectingLocked(ar) {
		if r.kind == FileBacked {
			wb = mm.collectDirtyLocked(r, r.ar.Intersect(ar), wb)
		}
	}
	mm.activeMu.Unlock()
	if err := mm.writeBack(ctx, wb); err != nil {
		return fmt.Errorf("msync %v: %w", ar, linuxerr.EIO)
	}
	return nil
}
