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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

func (e *testEnv) fork(mm *MemoryManager) *MemoryManager {
	e.t.Helper()
	child, err := mm.Fork(context.Background())
	if err != nil {
		e.t.Fatalf("Fork: %v", err)
	}
	return e.adopt(child)
}

func TestForkCOWIsolation(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()

	addr := mustMMap(t, parent, MMapOpts{Length: 2 * pageSize, Perms: hostarch.ReadWrite})
	e.write(parent, addr, "parent")
	child := e.fork(parent)

	if diff := cmp.Diff(parent.Regions(), child.Regions()); diff != "" {
		t.Errorf("child regions differ from parent (-parent +child):\n%s", diff)
	}
	if got := e.read(child, addr, 6); got != "parent" {
		t.Errorf("child reads %q before any write, want %q", got, "parent")
	}
	e.write(child, addr, "child!")
	if got := e.read(parent, addr, 6); got != "parent" {
		t.Errorf("parent reads %q after child write, want %q", got, "parent")
	}
	e.write(parent, addr, "mine!!")
	if got := e.read(child, addr, 6); got != "child!" {
		t.Errorf("child reads %q after parent write, want %q", got, "child!")
	}

	// A page first touched after the fork is private to its toucher.
	e.write(child, addr+pageSize, "late")
	if got := e.read(parent, addr+pageSize, 4); got != "\x00\x00\x00\x00" {
		t.Errorf("parent reads %q from page written by child after fork, want zeros", got)
	}
}

func TestForkCopyAndAdopt(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()

	addr := mustMMap(t, parent, MMapOpts{Length: pageSize, Perms: hostarch.ReadWrite})
	e.write(parent, addr, "x")
	free := e.mf.FreeFrames()
	child := e.fork(parent)
	if got := e.mf.FreeFrames(); got != free {
		t.Fatalf("Fork allocated %d frames, want 0", free-got)
	}
	if _, opts, ok := parent.PageTables().Lookup(addr); !ok || opts.AccessType.Write {
		t.Errorf("parent translation after fork = %+v, %t, want read-only", opts, ok)
	}

	copies, adoptions := cowCopies.Value(), cowAdoptions.Value()
	e.write(child, addr, "c")
	if got := e.mf.FreeFrames(); got != free-1 {
		t.Errorf("first COW write: FreeFrames() = %d, want %d", got, free-1)
	}
	e.write(parent, addr, "p")
	if got := e.mf.FreeFrames(); got != free-1 {
		t.Errorf("second COW write: FreeFrames() = %d, want %d", got, free-1)
	}
	if got := cowCopies.Value() - copies; got != 1 {
		t.Errorf("%d COW copies, want 1", got)
	}
	if got := cowAdoptions.Value() - adoptions; got != 1 {
		t.Errorf("%d COW adoptions, want 1", got)
	}
}

func TestForkShared(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()

	addr := mustMMap(t, parent, MMapOpts{Length: pageSize, Kind: Shared, Perms: hostarch.ReadWrite})
	e.write(parent, addr, "before")
	child := e.fork(parent)
	e.write(child, addr, "after!")
	if got := e.read(parent, addr, 6); got != "after!" {
		t.Errorf("parent reads %q from shared page, want %q", got, "after!")
	}

	// The page outlives the parent's mapping.
	if err := parent.MUnmap(context.Background(), addr, pageSize); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if got := e.read(child, addr, 6); got != "after!" {
		t.Errorf("child reads %q after parent unmapped, want %q", got, "after!")
	}
}

func TestForkZeroedOnFork(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()

	addr := mustMMap(t, parent, MMapOpts{Length: pageSize, Perms: hostarch.ReadWrite, Inherit: InheritZeroedOnFork})
	e.write(parent, addr, "secret")
	child := e.fork(parent)
	if got := e.read(child, addr, 6); got != "\x00\x00\x00\x00\x00\x00" {
		t.Errorf("child reads %q, want zeros", got)
	}
	// The parent keeps its page writable.
	if _, opts, ok := parent.PageTables().Lookup(addr); !ok || !opts.AccessType.Write {
		t.Errorf("parent translation after fork = %+v, %t, want writable", opts, ok)
	}
	if got := e.read(parent, addr, 6); got != "secret" {
		t.Errorf("parent reads %q, want %q", got, "secret")
	}
}

func TestForkSplitRegion(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()
	ctx := context.Background()

	addr := mustMMap(t, parent, MMapOpts{Length: 3 * pageSize, Perms: hostarch.ReadWrite})
	e.write(parent, addr, "low")
	e.write(parent, addr+2*pageSize, "high")
	if err := parent.MProtect(ctx, addr+pageSize, pageSize, hostarch.Read); err != nil {
		t.Fatalf("MProtect: %v", err)
	}
	child := e.fork(parent)
	if got := len(child.Regions()); got != 3 {
		t.Fatalf("child has %d regions, want 3", got)
	}
	e.write(child, addr+2*pageSize, "HIGH")
	if got := e.read(parent, addr+2*pageSize, 4); got != "high" {
		t.Errorf("parent reads %q, want %q", got, "high")
	}
	if got := e.read(child, addr, 3); got != "low" {
		t.Errorf("child reads %q, want %q", got, "low")
	}
}

func TestForkReserveAccounting(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()
	ctx := context.Background()

	committed := func() uint64 { return e.mf.Stats().CommittedFrames }
	addr := mustMMap(t, parent, MMapOpts{Length: 2 * pageSize, Perms: hostarch.ReadWrite, Strategy: Reserve})
	e.write(parent, addr, "p")
	if got := committed(); got != 1 {
		t.Fatalf("committed %d frames after one fault, want 1", got)
	}
	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	// Both sides may now need a frame for every page.
	if got := committed(); got != 4 {
		t.Errorf("committed %d frames after fork, want 4", got)
	}
	e.write(child, addr, "c")
	e.write(parent, addr, "q")
	if got := committed(); got != 2 {
		t.Errorf("committed %d frames after breaking COW on both sides, want 2", got)
	}
	child.Destroy(ctx)
	if got := committed(); got != 1 {
		t.Errorf("committed %d frames after child exit, want 1", got)
	}
	if err := parent.MUnmap(ctx, addr, 2*pageSize); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if s := e.mf.Stats(); s.CommittedFrames != 0 || s.FreeFrames != s.TotalFrames {
		t.Errorf("Stats() = %+v, want nothing committed or allocated", s)
	}
}

func TestForkReserveFails(t *testing.T) {
	e := newTestEnv(t, 3)
	parent := e.newMM()
	ctx := context.Background()

	mustMMap(t, parent, MMapOpts{Length: 2 * pageSize, Perms: hostarch.ReadWrite, Strategy: Reserve})
	before := parent.Regions()
	if _, err := parent.Fork(ctx); !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("Fork = %v, want %v", err, linuxerr.ENOMEM)
	}
	if diff := cmp.Diff(before, parent.Regions()); diff != "" {
		t.Errorf("failed fork changed parent regions (-before +after):\n%s", diff)
	}
	if got := e.mf.Stats().CommittedFrames; got != 2 {
		t.Errorf("committed %d frames after failed fork, want 2", got)
	}
}

func TestForkKeepsIDs(t *testing.T) {
	e := newTestEnv(t, 8)
	parent := e.newMM()
	mustMMap(t, parent, MMapOpts{Length: pageSize, Perms: hostarch.Read})
	child := e.fork(parent)

	a := mustMMap(t, parent, MMapOpts{Length: pageSize, Perms: hostarch.Read})
	b := mustMMap(t, child, MMapOpts{Length: pageSize, Perms: hostarch.Read})
	ra, _ := parent.FindRegionContaining(a)
	rb, _ := child.FindRegionContaining(b)
	if ra.ID != rb.ID {
		t.Errorf("next IDs diverged after fork: parent %d, child %d", ra.ID, rb.ID)
	}
}
