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

	"gvisor.dev/vmcore/pkg/cleanup"
)

// Fork returns a copy of mm for a child process.
//
// Private regions (Anonymous and Stack) become copy-on-write in both address
// spaces: every backed page is shared read-only until one side writes it.
// Shared and FileBacked regions share their pages directly. Regions with
// InheritZeroedOnFork start empty in the child. The child's page tables
// start empty and are populated by faults.
//
// Fork fails with ENOMEM, leaving mm unchanged, if commitments for Reserve
// regions cannot be made.
func (mm *MemoryManager) Fork(ctx context.Context) (*MemoryManager, error) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.destroyed {
		panic("fork of a destroyed address space")
	}
	child := NewMemoryManager(mm.mf, mm.pageTables.Invalidator())
	cu := cleanup.Make(func() { child.Destroy(ctx) })
	defer cu.Clean()

	var regions []*Region
	live := make(map[*Object]uint64)
	mm.byAddr.Ascend(func(r *Region) bool {
		regions = append(regions, r)
		live[r.object] += r.ar.Pages()
		return true
	})

	// Page population must not race with the copy.
	mm.activeMu.Lock()
	defer mm.activeMu.Unlock()

	// Split halves of a region share one object; so must their copies.
	objects := make(map[*Object]*Object)
	for _, r := range regions {
		cr := *r
		switch {
		case r.inherit == InheritZeroedOnFork:
			obj := newObject(mm.mf, r.kind, nil, 0, r.strategy == Reserve)
			if r.strategy == Reserve {
				if err := obj.commit(r.ar.Pages()); err != nil {
					obj.decRef()
					return nil, fmt.Errorf("reserving %v for child: %w", r.ar, err)
				}
			}
			cr.object = obj
			cr.objectPage = 0
		case r.kind.private():
			obj, ok := objects[r.object]
			if ok {
				obj.incRef()
			} else {
				var err error
				if obj, err = r.object.fork(live[r.object]); err != nil {
					return nil, fmt.Errorf("copying %v for child: %w", r.ar, err)
				}
				objects[r.object] = obj
			}
			cr.object = obj
		default:
			r.object.incRef()
		}
		child.regions[cr.id] = &cr
		child.byAddr.ReplaceOrInsert(&cr)
		child.usageAS += cr.ar.Length()
	}
	child.nextID = mm.nextID

	// Write-protect the parent's private pages. Unmap and Protect shoot
	// down stale writable translations on every CPU.
	for _, r := range regions {
		if r.inherit == InheritZeroedOnFork || !r.kind.private() || !r.perms.Write {
			continue
		}
		opts := r.mapOpts(true)
		mm.pageTables.Protect(r.ar.Start, uintptr(r.ar.Length()), opts)
	}
	if checkInvariants {
		child.checkRegionsLocked()
	}
	cu.Release()
	return child, nil
}
