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
	"bytes"
	"context"
	"testing"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
)

func TestReclaimClean(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()

	file := memmap.NewBytesFile("data", bytes.Repeat([]byte{'r'}, 3*pageSize))
	addr := mustMMap(t, mm, MMapOpts{Length: 3 * pageSize, Kind: FileBacked, Mappable: file, Perms: hostarch.ReadWrite})
	anon := mustMMap(t, mm, MMapOpts{Length: pageSize, Perms: hostarch.ReadWrite})
	e.read(mm, addr, 1)
	e.read(mm, addr+pageSize, 1)
	e.write(mm, addr+2*pageSize, "dirty")
	e.write(mm, anon, "anon")
	free := e.mf.FreeFrames()

	if got := mm.ReclaimClean(1); got != 1 {
		t.Errorf("ReclaimClean(1) = %d, want 1", got)
	}
	// The dirty page and the anonymous page stay.
	if got := mm.ReclaimClean(10); got != 1 {
		t.Errorf("ReclaimClean(10) = %d, want 1", got)
	}
	if got := e.mf.FreeFrames(); got != free+2 {
		t.Errorf("FreeFrames() = %d, want %d", got, free+2)
	}
	if _, _, ok := mm.PageTables().Lookup(addr); ok {
		t.Errorf("reclaimed page %v still mapped", addr)
	}
	if got := e.read(mm, addr, 1); got != "r" {
		t.Errorf("reclaimed page reads %q after refault, want %q", got, "r")
	}
	if got := e.read(mm, addr+2*pageSize, 5); got != "dirty" {
		t.Errorf("dirty page reads %q, want %q", got, "dirty")
	}
	if got := e.read(mm, anon, 4); got != "anon" {
		t.Errorf("anonymous page reads %q, want %q", got, "anon")
	}
}

func TestReclaimSkipsSharedObjects(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()

	file := memmap.NewBytesFile("data", make([]byte, pageSize))
	addr := mustMMap(t, parent, MMapOpts{Length: pageSize, Kind: FileBacked, Mappable: file, Perms: hostarch.Read})
	e.read(parent, addr, 1)
	child := e.fork(parent)
	if got := parent.ReclaimClean(1); got != 0 {
		t.Errorf("ReclaimClean of a page mapped by two address spaces = %d, want 0", got)
	}
	if err := child.MUnmap(context.Background(), addr, pageSize); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if got := parent.ReclaimClean(1); got != 1 {
		t.Errorf("ReclaimClean after the child unmapped = %d, want 1", got)
	}
}

func TestReclaimSplitRegions(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()

	file := memmap.NewBytesFile("data", bytes.Repeat([]byte{'s'}, 3*pageSize))
	addr := mustMMap(t, mm, MMapOpts{Length: 3 * pageSize, Kind: FileBacked, Mappable: file, Perms: hostarch.ReadWrite})
	e.write(mm, addr, "dirty")
	e.read(mm, addr+pageSize, 1)
	e.read(mm, addr+2*pageSize, 1)
	if err := mm.MProtect(context.Background(), addr+pageSize, pageSize, hostarch.Read); err != nil {
		t.Fatalf("MProtect: %v", err)
	}
	if got := len(mm.Regions()); got != 3 {
		t.Fatalf("%d regions after MProtect of the middle page, want 3", got)
	}

	if got := mm.ReclaimClean(10); got != 2 {
		t.Errorf("ReclaimClean(10) over split regions = %d, want 2", got)
	}
	for _, a := range []hostarch.Addr{addr + pageSize, addr + 2*pageSize} {
		if _, _, ok := mm.PageTables().Lookup(a); ok {
			t.Errorf("reclaimed page %v still mapped", a)
		}
		if got := e.read(mm, a, 1); got != "s" {
			t.Errorf("page %v reads %q after refault, want %q", a, got, "s")
		}
	}
	if got := e.read(mm, addr, 5); got != "dirty" {
		t.Errorf("dirty page reads %q, want %q", got, "dirty")
	}
}
