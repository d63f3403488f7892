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

// Package pagetables provides a generic implementation of pagetables.
//
// The tables are four-level radix trees of 512-entry pages, walked the same
// way x86-64 hardware walks them. Only 4K leaf pages are used.
package pagetables

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512

	// levels is the number of table levels below the root, inclusive of
	// the leaf level.
	levels = 4

	// lowerTop is the exclusive end of the lower half of the address space.
	lowerTop = 1 << 47
)

// levelShift is the shift of each level, leaf first.
var levelShift = [levels]uintptr{pteShift, pmdShift, pudShift, pgdShift}

// MaxAddress is the exclusive upper bound of mappable addresses.
const MaxAddress hostarch.Addr = lowerTop

// Invalidator is notified when translations of a range are removed or
// downgraded, so that cached translations can be dropped.
type Invalidator interface {
	// Invalidate drops cached translations of ar in pt.
	Invalidate(pt *PageTables, ar hostarch.AddrRange)
}

// PageTables is a set of page tables.
//
// PageTables is not synchronized; the owner serializes mutation and allows
// concurrent Lookup only while no mutation is in progress.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr

	// invalidator is told about removed and downgraded translations.
	invalidator Invalidator
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := &PageTables{Allocator: a}
	p.root = a.NewPTEs()
	p.rootPhysical = a.PhysicalFor(p.root)
	return p
}

// SetInvalidator sets the Invalidator called by Unmap and Protect.
func (p *PageTables) SetInvalidator(inv Invalidator) {
	p.invalidator = inv
}

// Invalidator returns the Invalidator set by SetInvalidator, or nil.
func (p *PageTables) Invalidator() Invalidator {
	return p.invalidator
}

// RootPhysical returns the physical address of the root table, i.e. the
// value loaded into the page table base register.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

func checkRange(addr hostarch.Addr, length uintptr) {
	if !addr.IsPageAligned() || length&(pteSize-1) != 0 {
		panic(fmt.Sprintf("pagetables: unaligned range [%#x, +%#x)", addr, length))
	}
	if end := uintptr(addr) + length; end < uintptr(addr) || end > lowerTop {
		panic(fmt.Sprintf("pagetables: range [%#x, +%#x) outside the lower half", addr, length))
	}
}

// Map installs a mapping with the given physical address.
//
// Mapping a page that is already mapped is a contract violation: with
// checkInvariants it panics; otherwise Map returns EEXIST and leaves every
// existing mapping untouched.
//
// Precondition: addr and length must be page-aligned.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) error {
	checkRange(addr, length)
	if !opts.AccessType.Any() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	if !p.IsEmpty(addr, length) {
		if checkInvariants {
			panic(fmt.Sprintf("pagetables: double map of [%#x, +%#x)", addr, length))
		}
		return fmt.Errorf("mapping [%#x, +%#x): %w", addr, length, linuxerr.EEXIST)
	}
	w := walker{
		pageTables: p,
		visitor: &mapVisitor{
			target:   uintptr(addr),
			physical: physical,
			opts:     opts,
		},
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return nil
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr and length must be page-aligned.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) bool {
	checkRange(addr, length)
	v := &unmapVisitor{}
	w := walker{pageTables: p, visitor: v}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	if v.count > 0 {
		p.invalidate(addr, length)
	}
	return v.count > 0
}

// Protect changes the permissions of existing mappings in the range. Pages
// that are not mapped stay unmapped. Protecting to no access unmaps.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr and length must be page-aligned.
func (p *PageTables) Protect(addr hostarch.Addr, length uintptr, opts MapOpts) bool {
	checkRange(addr, length)
	v := &protectVisitor{opts: opts}
	w := walker{pageTables: p, visitor: v}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	if v.count > 0 {
		p.invalidate(addr, length)
	}
	return v.count > 0
}

func (p *PageTables) invalidate(addr hostarch.Addr, length uintptr) {
	if p.invalidator != nil {
		p.invalidator.Invalidate(p, hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)})
	}
}

// IsEmpty checks if the given range is empty.
//
// Precondition: addr and length must be page-aligned.
func (p *PageTables) IsEmpty(addr hostarch.Addr, length uintptr) bool {
	checkRange(addr, length)
	v := &emptyVisitor{}
	w := walker{pageTables: p, visitor: v}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.count == 0
}

// Lookup returns the physical address and options of the page containing
// addr. ok is false if addr is not mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	pte := p.Entry(addr)
	if pte == nil {
		return 0, MapOpts{}, false
	}
	return pte.Address() + uintptr(addr.PageOffset()), pte.Opts(), true
}

// Entry returns the valid leaf entry mapping addr, or nil. This is the walk
// performed by the MMU on a translation miss.
func (p *PageTables) Entry(addr hostarch.Addr) *PTE {
	if uintptr(addr) >= lowerTop {
		return nil
	}
	entries := p.root
	for level := levels - 1; ; level-- {
		idx := (uintptr(addr) >> levelShift[level]) & (entriesPerPage - 1)
		e := &entries[idx]
		if !e.Valid() {
			return nil
		}
		if level == 0 {
			return e
		}
		entries = p.Allocator.LookupPTEs(e.Address())
	}
}

// TestAndClearDirty clears the dirty bit of the page containing addr and
// reports whether it was set. Cached translations of a page that was dirty
// are invalidated so the next write sets the bit again.
func (p *PageTables) TestAndClearDirty(addr hostarch.Addr) bool {
	pte := p.Entry(addr)
	if pte == nil || !pte.testAndClear(dirty) {
		return false
	}
	p.invalidate(addr.RoundDown(), hostarch.PageSize)
	return true
}

// ForEach calls fn for every mapped page in [addr, addr+length), in address
// order.
func (p *PageTables) ForEach(addr hostarch.Addr, length uintptr, fn func(addr hostarch.Addr, physical uintptr, opts MapOpts)) {
	checkRange(addr, length)
	w := walker{pageTables: p, visitor: &forEachVisitor{fn: fn}}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
}

// Release frees every page table, including the root.
//
// Postconditions: p may not be used after Release.
func (p *PageTables) Release() {
	p.Unmap(0, lowerTop)
	p.Allocator.FreePTEs(p.root)
	p.root = nil
	p.Allocator.Recycle()
}

// walker walks page tables.
type walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the set of arguments.
	visitor visitor
}

// visitor is called on each valid leaf entry, or on each leaf entry of the
// range when requiresAlloc returns true.
type visitor interface {
	// visit is called on each leaf entry. It returns false to stop the walk.
	visit(start uintptr, pte *PTE) bool

	// requiresAlloc indicates that missing intermediate tables must be
	// allocated.
	requiresAlloc() bool
}

// addrEnd returns the end of the level-sized block containing addr, or end
// if that comes earlier.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range.
func (w *walker) iterateRange(start, end uintptr) bool {
	return w.walkLevel(w.pageTables.root, levels-1, start, end)
}

// walkLevel walks entries, a table at the given level, over [start, end).
// Intermediate tables left without valid entries are freed.
func (w *walker) walkLevel(entries *PTEs, level int, start, end uintptr) bool {
	shift := levelShift[level]
	for start < end {
		next := addrEnd(start, end, 1<<shift)
		e := &entries[(start>>shift)&(entriesPerPage-1)]
		if level == 0 {
			if e.Valid() || w.visitor.requiresAlloc() {
				if !w.visitor.visit(start, e) {
					return false
				}
			}
			start = next
			continue
		}

		var child *PTEs
		if !e.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = next
				continue
			}
			child = w.pageTables.Allocator.NewPTEs()
			e.setPageTable(w.pageTables, child)
		} else {
			child = w.pageTables.Allocator.LookupPTEs(e.Address())
		}

		ok := w.walkLevel(child, level-1, start, next)

		// Check if we no longer need this page.
		if child.empty() {
			e.Clear()
			w.pageTables.Allocator.FreePTEs(child)
		}
		if !ok {
			return false
		}
		start = next
	}
	return true
}

// mapVisitor is used for map.
type mapVisitor struct {
	target   uintptr // Input.
	physical uintptr // Input.
	opts     MapOpts // Input.
}

func (*mapVisitor) requiresAlloc() bool { return true }

func (v *mapVisitor) visit(start uintptr, pte *PTE) bool {
	pte.Set(v.physical+(start-v.target), v.opts)
	return true
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool { return false }

func (v *unmapVisitor) visit(start uintptr, pte *PTE) bool {
	pte.Clear()
	v.count++
	return true
}

// protectVisitor is used for protect.
type protectVisitor struct {
	opts  MapOpts // Input.
	count int
}

func (*protectVisitor) requiresAlloc() bool { return false }

func (v *protectVisitor) visit(start uintptr, pte *PTE) bool {
	pte.Set(pte.Address(), v.opts)
	v.count++
	return true
}

// emptyVisitor is used for emptiness checks.
type emptyVisitor struct {
	count int
}

func (*emptyVisitor) requiresAlloc() bool { return false }

func (v *emptyVisitor) visit(start uintptr, pte *PTE) bool {
	v.count++
	return false
}

// forEachVisitor is used for ForEach.
type forEachVisitor struct {
	fn func(addr hostarch.Addr, physical uintptr, opts MapOpts)
}

func (*forEachVisitor) requiresAlloc() bool { return false }

func (v *forEachVisitor) visit(start uintptr, pte *PTE) bool {
	v.fn(hostarch.Addr(start), pte.Address(), pte.Opts())
	return true
}
