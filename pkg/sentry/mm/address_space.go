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

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// mapPageLocked installs the translation of addr to p with r's permissions,
// replacing any translation of addr to another frame. A region with no
// access leaves addr unmapped.
//
// Preconditions: mm.activeMu must be locked for writing. r contains addr.
func (mm *MemoryManager) mapPageLocked(addr hostarch.Addr, p page, r *Region) {
	opts := r.mapOpts(p.cow)
	physical := uintptr(p.frame.Address())
	cur, curOpts, ok := mm.pageTables.Lookup(addr)
	if ok {
		if cur == physical && curOpts == opts {
			return
		}
		if cur == physical && opts.AccessType.Any() {
			mm.pageTables.Protect(addr, hostarch.PageSize, opts)
			return
		}
		mm.pageTables.Unmap(addr, hostarch.PageSize)
	}
	if !opts.AccessType.Any() {
		return
	}
	if err := mm.pageTables.Map(addr, hostarch.PageSize, opts, physical); err != nil {
		panic(fmt.Sprintf("mapping %v after unmapping it: %v", addr, err))
	}
}

// protectPTEsLocked brings existing translations in ar, which lies within
// r, in line with r's permissions.
//
// Preconditions: mm.activeMu must be locked for writing.
func (mm *MemoryManager) protectPTEsLocked(r *Region, ar hostarch.AddrRange) {
	var mapped []hostarch.Addr
	mm.pageTables.ForEach(ar.Start, uintptr(ar.Length()), func(addr hostarch.Addr, _ uintptr, _ pagetables.MapOpts) {
		mapped = append(mapped, addr)
	})
	for _, addr := range mapped {
		p, ok := r.object.lookup(r.pageIndex(addr))
		if !ok {
			// Mapped pages are always backed.
			panic(fmt.Sprintf("translation of %v has no backing page", addr))
		}
		mm.mapPageLocked(addr, p, r)
	}
}

// unmapPTEsLocked removes translations in ar, which lies within r. Dirty
// pages of FileBacked regions are appended to wb with a frame reference
// held.
//
// Preconditions: mm.activeMu must be locked for writing.
func (mm *MemoryManager) unmapPTEsLocked(r *Region, ar hostarch.AddrRange, wb []writeback) []writeback {
	if r.kind == FileBacked {
		wb = mm.collectDirtyLocked(r, ar, wb)
	}
	mm.pageTables.Unmap(ar.Start, uintptr(ar.Length()))
	return wb
}

// collectDirtyLocked clears the dirty bits of translations in ar, which
// lies within the FileBacked region r, and appends the dirty pages to wb.
//
// Preconditions: mm.activeMu must be locked for writing.
func (mm *MemoryManager) collectDirtyLocked(r *Region, ar hostarch.AddrRange, wb []writeback) []writeback {
	var dirty []hostarch.Addr
	mm.pageTables.ForEach(ar.Start, uintptr(ar.Length()), func(addr hostarch.Addr, _ uintptr, _ pagetables.MapOpts) {
		dirty = append(dirty, addr)
	})
	for _, addr := range dirty {
		if !mm.pageTables.TestAndClearDirty(addr) {
			continue
		}
		idx := r.pageIndex(addr)
		p, ok := r.object.lookup(idx)
		if !ok {
			panic(fmt.Sprintf("dirty translation of %v has no backing page", addr))
		}
		mm.mf.IncRef(p.frame)
		wb = append(wb, writeback{obj: r.object, idx: idx, frame: p.frame})
	}
	return wb
}

// writeBack writes wb to the objects' mappables and drops the frame
// references. Errors are logged: like the page cache, a failed writeback
// does not fail the unmap that triggered it.
func (mm *MemoryManager) writeBack(ctx context.Context, wb []writeback) error {
	var firstErr error
	for _, w := range wb {
		off := w.obj.fileOffset(w.idx)
		if err := w.obj.mappable.WritePage(ctx, off, mm.mf.Slice(w.frame)); err != nil {
			log.Warningf("Writing back page at offset %#x of %v: %v", off, w.obj.mappable, err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			writebacks.Increment()
		}
		mm.mf.DecRef(w.frame)
	}
	return firstErr
}
