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
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
)

var reclaimedPages = metric.MustCreateNewUint64Metric("/memory/reclaimed_pages", "Number of clean file pages dropped to relieve memory pressure.")

// ReclaimClean drops up to limit clean resident pages of FileBacked regions
// and returns the number of frames freed. Dropped pages are read from
// their Mappable again on the next fault.
//
// Only objects without a commitment whose every region belongs to mm are
// considered: their pages have no translation in any other address space.
// Regions split from one mapping share an object and still qualify.
func (mm *MemoryManager) ReclaimClean(limit uint64) uint64 {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()

	var objs []*Object
	byObj := make(map[*Object][]*Region)
	mm.byAddr.Ascend(func(r *Region) bool {
		if r.kind == FileBacked {
			if _, ok := byObj[r.object]; !ok {
				objs = append(objs, r.object)
			}
			byObj[r.object] = append(byObj[r.object], r)
		}
		return true
	})

	var freed uint64
	for _, o := range objs {
		if freed >= limit {
			break
		}
		freed += mm.reclaimObjectLocked(o, byObj[o], limit-freed)
	}
	reclaimedPages.IncrementBy(freed)
	return freed
}

// reclaimObjectLocked drops up to limit clean pages of o, which is mapped by
// rs in mm.
//
// Preconditions: mm.mappingMu must be locked. mm.activeMu must be locked
// for writing.
func (mm *MemoryManager) reclaimObjectLocked(o *Object, rs []*Region, limit uint64) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refs != len(rs) || o.reserve {
		return 0
	}
	var freed uint64
	for idx, p := range o.pages {
		if freed == limit {
			break
		}
		if r := regionForPage(rs, idx); r != nil {
			addr := r.pageAddr(idx)
			if pte := mm.pageTables.Entry(addr); pte != nil {
				if pte.Dirty() {
					continue
				}
				mm.pageTables.Unmap(addr, hostarch.PageSize)
			}
		}
		delete(o.pages, idx)
		// A pending writeback may still hold the frame.
		if o.mf.DecRef(p.frame) {
			freed++
		}
	}
	return freed
}

// regionForPage returns the region of rs that maps object page idx, or nil.
func regionForPage(rs []*Region, idx uint64) *Region {
	for _, r := range rs {
		if idx >= r.objectPage && idx < r.objectPage+r.ar.Pages() {
			return r
		}
	}
	return nil
}
