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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

const pageSize = hostarch.PageSize

// testEnv is a machine and an allocator shared by the address spaces of a
// test.
type testEnv struct {
	t       *testing.T
	mf      *pgalloc.MemoryFile
	machine *ring0.Machine
	cpu     *ring0.CPU
}

func newTestEnv(t *testing.T, frames uint64) *testEnv {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile([]pgalloc.MemoryRange{{Start: 0x100000, Length: frames * pageSize, Kind: pgalloc.Usable}}, pgalloc.MemoryFileOpts{})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(mf.Destroy)
	m, err := ring0.NewMachine(2)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(m.Destroy)
	return &testEnv{t: t, mf: mf, machine: m, cpu: m.CPUs()[0]}
}

// newMM returns an empty address space destroyed at the end of the test.
func (e *testEnv) newMM() *MemoryManager {
	mm := NewMemoryManager(e.mf, e.machine)
	e.t.Cleanup(func() { mm.Destroy(context.Background()) })
	return mm
}

// adopt arranges for a forked address space to be destroyed at the end of
// the test.
func (e *testEnv) adopt(mm *MemoryManager) *MemoryManager {
	e.t.Cleanup(func() { mm.Destroy(context.Background()) })
	return mm
}

// mustMMap maps a region or fails the test.
func mustMMap(t *testing.T, mm *MemoryManager, opts MMapOpts) hostarch.Addr {
	t.Helper()
	addr, err := mm.MMap(context.Background(), opts)
	if err != nil {
		t.Fatalf("MMap(%+v): %v", opts, err)
	}
	return addr
}

func (e *testEnv) write(mm *MemoryManager, addr hostarch.Addr, data string) {
	e.t.Helper()
	if n, err := mm.CopyOut(context.Background(), e.cpu, addr, []byte(data), IOOpts{}); err != nil {
		e.t.Fatalf("CopyOut(%v) = %d, %v", addr, n, err)
	}
}

func (e *testEnv) read(mm *MemoryManager, addr hostarch.Addr, n int) string {
	e.t.Helper()
	buf := make([]byte, n)
	if n, err := mm.CopyIn(context.Background(), e.cpu, addr, buf, IOOpts{}); err != nil {
		e.t.Fatalf("CopyIn(%v) = %d, %v", addr, n, err)
	}
	return string(buf)
}

func (mm *MemoryManager) realUsageAS() uint64 {
	var total uint64
	for _, r := range mm.Regions() {
		total += r.Range.Length()
	}
	return total
}

func TestUsageASUpdates(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()
	ctx := context.Background()

	addr := mustMMap(t, mm, MMapOpts{Length: 2 * pageSize, Perms: hostarch.ReadWrite})
	if got, want := mm.VirtualSize(), mm.realUsageAS(); got != want {
		t.Fatalf("VirtualSize() = %d, regions span %d", got, want)
	}
	if err := mm.MUnmap(ctx, addr, pageSize); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if got, want := mm.VirtualSize(), mm.realUsageAS(); got != want || got != pageSize {
		t.Fatalf("VirtualSize() = %d, regions span %d, want %d", got, want, pageSize)
	}
}

func TestMMapPlacement(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()

	a := mustMMap(t, mm, MMapOpts{Length: 2 * pageSize, Perms: hostarch.Read})
	if a != MinUserAddress {
		t.Errorf("first mapping at %v, want %v", a, MinUserAddress)
	}
	b := mustMMap(t, mm, MMapOpts{Length: pageSize, Perms: hostarch.Read})
	if b != a+2*pageSize {
		t.Errorf("second mapping at %v, want %v", b, a+2*pageSize)
	}
	c := mustMMap(t, mm, MMapOpts{Length: pageSize, Addr: 0x400123, Perms: hostarch.Read})
	if c != 0x400000 {
		t.Errorf("hinted mapping at %v, want %#x", c, 0x400000)
	}
	// The hint is taken; the next fit above it follows.
	d := mustMMap(t, mm, MMapOpts{Length: pageSize, Addr: 0x400000, Perms: hostarch.Read})
	if d != 0x401000 {
		t.Errorf("mapping at taken hint placed at %v, want %#x", d, 0x401000)
	}
	f := mustMMap(t, mm, MMapOpts{Length: pageSize, Align: 0x200000, Perms: hostarch.Read})
	if f != 0x200000 {
		t.Errorf("aligned mapping at %v, want %#x", f, 0x200000)
	}
	// Lengths are rounded up to whole pages.
	g := mustMMap(t, mm, MMapOpts{Length: 1, Perms: hostarch.Read})
	if r, ok := mm.FindRegionContaining(g); !ok || r.Range.Length() != pageSize {
		t.Errorf("FindRegionContaining(%v) = %v, %t, want one page", g, r, ok)
	}
}

func TestMMapSkipsStraddlingRegions(t *testing.T) {
	for _, test := range []struct {
		name  string
		fixed []hostarch.AddrRange
		opts  MMapOpts
		want  hostarch.Addr
	}{
		{
			name:  "aligned candidate inside a later region",
			fixed: []hostarch.AddrRange{{Start: 0x100000, End: 0x101000}, {Start: 0x102000, End: 0x302000}},
			opts:  MMapOpts{Length: pageSize, Align: 0x100000},
			want:  0x400000,
		},
		{
			name:  "hint inside a region followed by a straddling one",
			fixed: []hostarch.AddrRange{{Start: 0x500000, End: 0x501000}, {Start: 0x5ff000, End: 0x601000}},
			opts:  MMapOpts{Length: pageSize, Addr: 0x500000, Align: 0x100000},
			want:  0x700000,
		},
		{
			name:  "gap too small after the containing region",
			fixed: []hostarch.AddrRange{{Start: 0x20000, End: 0x22000}, {Start: 0x23000, End: 0x24000}},
			opts:  MMapOpts{Length: 2 * pageSize, Addr: 0x21000},
			want:  0x24000,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newTestEnv(t, 4)
			mm := e.newMM()
			for _, ar := range test.fixed {
				mustMMap(t, mm, MMapOpts{Length: ar.Length(), Addr: ar.Start, Fixed: true, Perms: hostarch.Read})
			}
			test.opts.Perms = hostarch.Read
			got := mustMMap(t, mm, test.opts)
			if got != test.want {
				t.Errorf("MMap(%+v) = %v, want %v", test.opts, got, test.want)
			}
			regions := mm.Regions()
			for i := 1; i < len(regions); i++ {
				if prev, cur := regions[i-1].Range, regions[i].Range; prev.End > cur.Start {
					t.Errorf("regions %v and %v overlap", prev, cur)
				}
			}
		})
	}
}

func TestMMapErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		opts MMapOpts
		want error
	}{
		{
			name: "zero length",
			opts: MMapOpts{},
			want: linuxerr.EINVAL,
		},
		{
			name: "unmap without fixed",
			opts: MMapOpts{Length: pageSize, Unmap: true},
			want: linuxerr.EINVAL,
		},
		{
			name: "unaligned fixed",
			opts: MMapOpts{Length: pageSize, Addr: 0x20001, Fixed: true},
			want: linuxerr.EINVAL,
		},
		{
			name: "fixed below minimum",
			opts: MMapOpts{Length: pageSize, Addr: 0, Fixed: true},
			want: linuxerr.ENOMEM,
		},
		{
			name: "fixed above maximum",
			opts: MMapOpts{Length: 2 * pageSize, Addr: MaxUserAddress - pageSize, Fixed: true},
			want: linuxerr.ENOMEM,
		},
		{
			name: "bad alignment",
			opts: MMapOpts{Length: pageSize, Align: 3 * pageSize},
			want: linuxerr.EINVAL,
		},
		{
			name: "perms above max",
			opts: MMapOpts{Length: pageSize, Perms: hostarch.ReadWrite, MaxPerms: hostarch.Read},
			want: linuxerr.EACCES,
		},
		{
			name: "file-backed without mappable",
			opts: MMapOpts{Length: pageSize, Kind: FileBacked},
			want: linuxerr.EINVAL,
		},
		{
			name: "too large to commit",
			opts: MMapOpts{Length: 64 * pageSize, Strategy: Reserve},
			want: linuxerr.ENOMEM,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newTestEnv(t, 8)
			mm := e.newMM()
			if _, err := mm.MMap(context.Background(), test.opts); !errors.Is(err, test.want) {
				t.Errorf("MMap(%+v) = %v, want %v", test.opts, err, test.want)
			}
			if got := mm.VirtualSize(); got != 0 {
				t.Errorf("VirtualSize() = %d after failed MMap", got)
			}
			if got := e.mf.Stats().CommittedFrames; got != 0 {
				t.Errorf("CommittedFrames = %d after failed MMap", got)
			}
		})
	}
}

func TestMMapFixed(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()
	ctx := context.Background()

	addr := mustMMap(t, mm, MMapOpts{Length: 2 * pageSize, Addr: 0x20000, Fixed: true, Perms: hostarch.ReadWrite})
	e.write(mm, addr, "old")

	_, err := mm.MMap(ctx, MMapOpts{Length: pageSize, Addr: addr + pageSize, Fixed: true, Perms: hostarch.Read})
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlapping fixed MMap = %v, want %v", err, ErrOverlap)
	}
	// Replacing the first page discards its contents.
	mustMMap(t, mm, MMapOpts{Length: pageSize, Addr: addr, Fixed: true, Unmap: true, Perms: hostarch.ReadWrite})
	if got := e.read(mm, addr, 3); got != "\x00\x00\x00" {
		t.Errorf("replaced page reads %q, want zeros", got)
	}
	if got := len(mm.Regions()); got != 2 {
		t.Errorf("%d regions after replacing one page of two, want 2", got)
	}
}

func TestMMapFixedReplacesReserve(t *testing.T) {
	e := newTestEnv(t, 4)
	mm := e.newMM()
	ctx := context.Background()

	addr := mustMMap(t, mm, MMapOpts{Length: 4 * pageSize, Addr: 0x20000, Fixed: true, Perms: hostarch.ReadWrite, Strategy: Reserve})
	e.write(mm, addr, "old")
	// The replaced region's commitment and frames back the new one.
	mustMMap(t, mm, MMapOpts{Length: 4 * pageSize, Addr: addr, Fixed: true, Unmap: true, Perms: hostarch.ReadWrite, Strategy: Reserve})
	if got := e.mf.Stats().CommittedFrames; got != 4 {
		t.Errorf("CommittedFrames = %d after replacing, want 4", got)
	}
	if got := e.read(mm, addr, 3); got != "\x00\x00\x00" {
		t.Errorf("replaced page reads %q, want zeros", got)
	}

	// A replacement that cannot be committed leaves the range unmapped.
	_, err := mm.MMap(ctx, MMapOpts{Length: 5 * pageSize, Addr: addr, Fixed: true, Unmap: true, Perms: hostarch.ReadWrite, Strategy: Reserve})
	if !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("oversized replacing MMap = %v, want %v", err, linuxerr.ENOMEM)
	}
	if got := len(mm.Regions()); got != 0 {
		t.Errorf("%d regions after failed replacement, want 0", got)
	}
	if s := e.mf.Stats(); s.CommittedFrames != 0 || s.FreeFrames != 4 {
		t.Errorf("after failed replacement: %+v, want no commitment and all frames free", s)
	}
}

func TestUsage(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()
	ctx := context.Background()

	anon := mustMMap(t, mm, MMapOpts{Length: 4 * pageSize, Perms: hostarch.ReadWrite})
	e.write(mm, anon, "x")
	if resp := mm.HandleFault(ctx, anon+pageSize, hostarch.Read); resp != Continue {
		t.Fatalf("read fault = %v, want %v", resp, Continue)
	}
	mustMMap(t, mm, MMapOpts{Length: pageSize, Kind: Shared, Perms: hostarch.ReadWrite, Strategy: AllocateNow})

	want := MemoryUsage{
		Virtual:  5 * pageSize,
		Resident: 3 * pageSize,
		Shared:   pageSize,
		Dirty:    pageSize,
	}
	if got := mm.Usage(); got != want {
		t.Errorf("Usage() = %+v, want %+v", got, want)
	}
}

func mapsLine(start, end hostarch.Addr, perms string, off uint64, name string) string {
	line := fmt.Sprintf("%08x-%08x %s %08x 00:00 0 ", start, end, perms, off)
	if name != "" {
		line += strings.Repeat(" ", 73-len(line)) + name
	}
	return line + "\n"
}

func TestWriteMaps(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()

	file := memmap.NewBytesFile("/lib/data.so", make([]byte, 4*pageSize))
	mustMMap(t, mm, MMapOpts{Length: 2 * pageSize, Addr: 0x20000, Fixed: true, Perms: hostarch.ReadWrite})
	mustMMap(t, mm, MMapOpts{Length: pageSize, Addr: 0x30000, Fixed: true, Kind: FileBacked, Mappable: file, Offset: 2 * pageSize, Perms: hostarch.Read})
	mustMMap(t, mm, MMapOpts{Length: pageSize, Addr: 0x40000, Fixed: true, Kind: Shared, Perms: hostarch.ReadWrite, Name: "shm"})
	mustMMap(t, mm, MMapOpts{Length: 2 * pageSize, Addr: 0x7f000, Fixed: true, Kind: Stack, Perms: hostarch.ReadWrite})

	var b bytes.Buffer
	if err := mm.WriteMaps(&b); err != nil {
		t.Fatalf("WriteMaps: %v", err)
	}
	want := mapsLine(0x20000, 0x22000, "rw-p", 0, "") +
		mapsLine(0x30000, 0x31000, "r--s", 2*pageSize, "/lib/data.so") +
		mapsLine(0x40000, 0x41000, "rw-s", 0, "shm") +
		mapsLine(0x7f000, 0x81000, "rw-p", 0, "[stack]")
	if got := b.String(); got != want {
		t.Errorf("WriteMaps:\n%s\nwant:\n%s", got, want)
	}
}

func TestCopyAcrossPages(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()
	ctx := context.Background()

	addr := mustMMap(t, mm, MMapOpts{Length: 2 * pageSize, Perms: hostarch.ReadWrite})
	msg := "spans a page boundary"
	at := addr + pageSize - 5
	e.write(mm, at, msg)
	if got := e.read(mm, at, len(msg)); got != msg {
		t.Errorf("read back %q, want %q", got, msg)
	}
	if n, err := mm.ZeroOut(ctx, e.cpu, at, 5, IOOpts{}); err != nil || n != 5 {
		t.Fatalf("ZeroOut = %d, %v", n, err)
	}
	if got, want := e.read(mm, at, len(msg)), "\x00\x00\x00\x00\x00"+msg[5:]; got != want {
		t.Errorf("after ZeroOut read %q, want %q", got, want)
	}
	if got := e.cpu.Active(); got != e.machine.KernelPageTables() {
		t.Errorf("CPU left with %p loaded, want kernel page tables", got)
	}
}

func TestCopyFaults(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()
	ctx := context.Background()

	addr := mustMMap(t, mm, MMapOpts{Length: pageSize, Addr: 0x20000, Fixed: true, Perms: hostarch.ReadWrite})
	ro := mustMMap(t, mm, MMapOpts{Length: pageSize, Addr: 0x21000, Fixed: true, Perms: hostarch.Read})

	// The copy stops at the first unmapped page.
	buf := make([]byte, 2*pageSize)
	if n, err := mm.CopyIn(ctx, e.cpu, addr+pageSize/2, buf, IOOpts{}); !linuxerr.Equals(linuxerr.EFAULT, err) || n != pageSize+pageSize/2 {
		t.Errorf("CopyIn past mapped range = %d, %v, want %d, EFAULT", n, err, pageSize+pageSize/2)
	}
	if n, err := mm.CopyOut(ctx, e.cpu, addr+pageSize-1, []byte("ab"), IOOpts{}); !linuxerr.Equals(linuxerr.EFAULT, err) || n != 1 {
		t.Errorf("CopyOut into read-only region = %d, %v, want 1, EFAULT", n, err)
	}
	if n, err := mm.CopyIn(ctx, e.cpu, ro+2*pageSize, buf[:1], IOOpts{}); !linuxerr.Equals(linuxerr.EFAULT, err) || n != 0 {
		t.Errorf("CopyIn from unmapped address = %d, %v, want 0, EFAULT", n, err)
	}
}

func TestCopyUsesResolver(t *testing.T) {
	e := newTestEnv(t, 8)
	mm := e.newMM()
	ctx := context.Background()

	addr := mustMMap(t, mm, MMapOpts{Length: 2 * pageSize, Perms: hostarch.ReadWrite})
	var faults []hostarch.Addr
	opts := IOOpts{Resolve: func(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) PageFaultResponse {
		faults = append(faults, addr)
		return mm.HandleFault(ctx, addr, at)
	}}
	if _, err := mm.CopyOut(ctx, e.cpu, addr+pageSize-1, []byte("ab"), opts); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if diff := cmp.Diff([]hostarch.Addr{addr + pageSize - 1, addr + pageSize}, faults); diff != "" {
		t.Errorf("resolved faults (-want +got):\n%s", diff)
	}
	crash := IOOpts{Resolve: func(context.Context, hostarch.Addr, hostarch.AccessType) PageFaultResponse {
		return ShouldCrash
	}}
	if _, err := mm.CopyOut(ctx, e.cpu, addr+pageSize, []byte("c"), crash); err != nil {
		t.Errorf("CopyOut to a mapped page consulted the resolver: %v", err)
	}
	if err := mm.MUnmap(ctx, addr, 2*pageSize); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if n, err := mm.CopyIn(ctx, e.cpu, addr, make([]byte, 1), crash); !linuxerr.Equals(linuxerr.EFAULT, err) || n != 0 {
		t.Errorf("CopyIn with crashing resolver = %d, %v, want 0, EFAULT", n, err)
	}
}
