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
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
	"gvisor.dev/vmcore/pkg/sentry/usage"
)

// BackingKind is the source of a region's pages.
type BackingKind int

const (
	// Anonymous regions are private, zero-filled on demand and
	// copy-on-write across fork.
	Anonymous BackingKind = iota

	// FileBacked regions are paged in from a memmap.Mappable. Their pages
	// are shared by every mapping of the region, across fork, and written
	// back when dirty.
	FileBacked

	// Shared regions are zero-filled on demand and shared, not copied,
	// across fork.
	Shared

	// Stack regions behave like Anonymous regions.
	Stack
)

// String implements fmt.Stringer.
func (k BackingKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case FileBacked:
		return "file"
	case Shared:
		return "shared"
	case Stack:
		return "stack"
	default:
		return fmt.Sprintf("BackingKind(%d)", int(k))
	}
}

// private returns true if pages of the kind are copied on fork.
func (k BackingKind) private() bool {
	switch k {
	case Anonymous, Stack:
		return true
	case FileBacked, Shared:
		return false
	default:
		panic(fmt.Sprintf("unknown backing kind %d", int(k)))
	}
}

// memoryKind returns the accounting kind of frames backing k.
func (k BackingKind) memoryKind() usage.MemoryKind {
	switch k {
	case Anonymous, Stack:
		return usage.Anonymous
	case FileBacked:
		return usage.PageCache
	case Shared:
		return usage.Shared
	default:
		panic(fmt.Sprintf("unknown backing kind %d", int(k)))
	}
}

// AllocationStrategy determines when frames are obtained for a region.
type AllocationStrategy int

const (
	// None allocates frames lazily, on first access. A fault may fail with
	// OutOfMemory.
	None AllocationStrategy = iota

	// Reserve commits frames for the region's whole extent when the region
	// is inserted, without allocating or mapping any. Insertion fails with
	// ENOMEM if the commitment cannot be made; faults in the region never
	// run out of memory.
	Reserve

	// AllocateNow allocates and maps every page when the region is
	// inserted.
	AllocateNow
)

// String implements fmt.Stringer.
func (s AllocationStrategy) String() string {
	switch s {
	case None:
		return "none"
	case Reserve:
		return "reserve"
	case AllocateNow:
		return "allocate-now"
	default:
		return fmt.Sprintf("AllocationStrategy(%d)", int(s))
	}
}

// InheritMode determines what a forked child receives for a region.
type InheritMode int

const (
	// InheritDefault copies private regions on write and shares the rest.
	InheritDefault InheritMode = iota

	// InheritZeroedOnFork gives the child fresh zero-filled memory. It is
	// only valid for private regions.
	InheritZeroedOnFork
)

// String implements fmt.Stringer.
func (m InheritMode) String() string {
	switch m {
	case InheritDefault:
		return "default"
	case InheritZeroedOnFork:
		return "zeroed-on-fork"
	default:
		return fmt.Sprintf("InheritMode(%d)", int(m))
	}
}

// PageFaultResponse is the outcome of resolving a page fault.
type PageFaultResponse int

const (
	// Continue means the fault was resolved and the access may be retried.
	Continue PageFaultResponse = iota

	// ShouldCrash means the access is not permitted.
	ShouldCrash

	// OutOfMemory means a frame was needed and none was available.
	OutOfMemory
)

// String implements fmt.Stringer.
func (r PageFaultResponse) String() string {
	switch r {
	case Continue:
		return "continue"
	case ShouldCrash:
		return "crash"
	case OutOfMemory:
		return "oom"
	default:
		return fmt.Sprintf("PageFaultResponse(%d)", int(r))
	}
}

// RegionID is the handle of a region within a MemoryManager. IDs are never
// reused by the same MemoryManager.
type RegionID uint64

// RegionOpts are options to NewRegion.
type RegionOpts struct {
	// Addr is the base of the region. It must be page-aligned.
	Addr hostarch.Addr

	// Length is the size of the region. It must be a non-zero multiple of
	// the page size.
	Length uint64

	// Kind is the backing kind.
	Kind BackingKind

	// Perms is the permission mask. Accesses outside it crash.
	Perms hostarch.AccessType

	// MaxPerms bounds later MProtect calls. The zero value allows any
	// access.
	MaxPerms hostarch.AccessType

	// Strategy is the allocation strategy.
	Strategy AllocationStrategy

	// Inherit is the fork behavior.
	Inherit InheritMode

	// Mappable backs FileBacked regions and must be nil otherwise.
	Mappable memmap.Mappable

	// Offset is the page-aligned offset into Mappable of the first page.
	Offset uint64

	// Name is shown in maps output.
	Name string
}

// Region is a page-aligned virtual address range with one backing policy.
//
// A Region returned by NewRegion is a detached descriptor. After
// InsertRegion it is owned by the MemoryManager and referred to by RegionID.
type Region struct {
	id       RegionID
	ar       hostarch.AddrRange
	kind     BackingKind
	perms    hostarch.AccessType
	maxPerms hostarch.AccessType
	strategy AllocationStrategy
	inherit  InheritMode
	name     string

	// mappable and offset are the FileBacked source before insertion.
	// Afterwards they are held by object.
	mappable memmap.Mappable
	offset   uint64

	// object holds the region's pages. It is nil until insertion.
	object *Object

	// objectPage is the index in object of the page at ar.Start.
	objectPage uint64
}

// NewRegion validates opts and returns a detached region.
func NewRegion(opts RegionOpts) (*Region, error) {
	if opts.Length == 0 || opts.Length%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("region length %#x is not a positive multiple of the page size: %w", opts.Length, linuxerr.EINVAL)
	}
	if !opts.Addr.IsPageAligned() {
		return nil, fmt.Errorf("region base %v is not page-aligned: %w", opts.Addr, linuxerr.EINVAL)
	}
	ar, ok := opts.Addr.ToRange(opts.Length)
	if !ok {
		return nil, fmt.Errorf("region [%v, +%#x) overflows: %w", opts.Addr, opts.Length, linuxerr.EINVAL)
	}
	switch opts.Kind {
	case Anonymous, Shared, Stack:
		if opts.Mappable != nil {
			return nil, fmt.Errorf("%v region with a mappable: %w", opts.Kind, linuxerr.EINVAL)
		}
	case FileBacked:
		if opts.Mappable == nil {
			return nil, fmt.Errorf("file-backed region without a mappable: %w", linuxerr.EINVAL)
		}
		if opts.Offset%hostarch.PageSize != 0 || opts.Offset+opts.Length < opts.Offset {
			return nil, fmt.Errorf("invalid file offset %#x: %w", opts.Offset, linuxerr.EINVAL)
		}
	default:
		return nil, fmt.Errorf("unknown backing kind %d: %w", int(opts.Kind), linuxerr.EINVAL)
	}
	switch opts.Strategy {
	case None, Reserve, AllocateNow:
	default:
		return nil, fmt.Errorf("unknown allocation strategy %d: %w", int(opts.Strategy), linuxerr.EINVAL)
	}
	switch opts.Inherit {
	case InheritDefault:
	case InheritZeroedOnFork:
		if !opts.Kind.private() {
			return nil, fmt.Errorf("zeroed-on-fork %v region: %w", opts.Kind, linuxerr.EINVAL)
		}
	default:
		return nil, fmt.Errorf("unknown inherit mode %d: %w", int(opts.Inherit), linuxerr.EINVAL)
	}
	maxPerms := opts.MaxPerms
	if !maxPerms.Any() {
		maxPerms = hostarch.AnyAccess
	}
	if !maxPerms.SupersetOf(opts.Perms) {
		return nil, fmt.Errorf("permissions %v exceed %v: %w", opts.Perms, maxPerms, linuxerr.EACCES)
	}
	return &Region{
		ar:       ar,
		kind:     opts.Kind,
		perms:    opts.Perms,
		maxPerms: maxPerms,
		strategy: opts.Strategy,
		inherit:  opts.Inherit,
		name:     opts.Name,
		mappable: opts.Mappable,
		offset:   opts.Offset,
	}, nil
}

// Range returns the region's address range.
func (r *Region) Range() hostarch.AddrRange {
	return r.ar
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("%v %v %v", r.ar, r.perms, r.kind)
}

// pageIndex returns the object page index of the page containing addr.
//
// Preconditions: r.ar.Contains(addr).
func (r *Region) pageIndex(addr hostarch.Addr) uint64 {
	return r.objectPage + uint64(addr-r.ar.Start)>>hostarch.PageShift
}

// pageAddr is the inverse of pageIndex.
func (r *Region) pageAddr(idx uint64) hostarch.Addr {
	return r.ar.Start + hostarch.Addr((idx-r.objectPage)<<hostarch.PageShift)
}

// mapOpts returns the page table options of a page in r.
func (r *Region) mapOpts(cow bool) pagetables.MapOpts {
	at := r.perms.Effective()
	if cow {
		at.Write = false
	}
	return pagetables.MapOpts{AccessType: at, User: true}
}

// info returns a snapshot of r.
func (r *Region) info() RegionInfo {
	return RegionInfo{
		ID:       r.id,
		Range:    r.ar,
		Kind:     r.kind,
		Perms:    r.perms,
		MaxPerms: r.maxPerms,
		Strategy: r.strategy,
		Inherit:  r.inherit,
		Name:     r.name,
	}
}

// RegionInfo is a snapshot of an inserted region.
type RegionInfo struct {
	ID       RegionID
	Range    hostarch.AddrRange
	Kind     BackingKind
	Perms    hostarch.AccessType
	MaxPerms hostarch.AccessType
	Strategy AllocationStrategy
	Inherit  InheritMode
	Name     string
}
