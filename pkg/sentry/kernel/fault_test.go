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

package kernel

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/abi/linux"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

func TestHandlePageFault(t *testing.T) {
	k := newTestKernel(t, 8)
	ctx := context.Background()
	p := mustNewProcess(t, k)
	file := memmap.NewBytesFile("ro", []byte("read only"))
	anon := mustMMap(t, p, mm.MMapOpts{Length: 2 * page, Perms: hostarch.ReadWrite})
	ro := mustMMap(t, p, mm.MMapOpts{Length: page, Kind: mm.FileBacked, Mappable: file, Perms: hostarch.Read})

	for _, test := range []struct {
		name  string
		fault PageFault
		want  FaultResult
		dead  bool
	}{
		{
			name:  "read of unpopulated page",
			fault: PageFault{Addr: anon + 16, Access: hostarch.Read},
			want:  FaultResult{State: ResolvedContinue},
		},
		{
			name:  "write of second page",
			fault: PageFault{Addr: anon + page, Access: hostarch.Write},
			want:  FaultResult{State: ResolvedContinue},
		},
		{
			name:  "read of file page",
			fault: PageFault{Addr: ro, Access: hostarch.Read},
			want:  FaultResult{State: ResolvedContinue},
		},
		{
			name:  "write of read-only file page",
			fault: PageFault{Addr: ro, Access: hostarch.Write, Present: true},
			want:  FaultResult{State: ResolvedCrash, Signal: linux.SIGSEGV},
			dead:  true,
		},
		{
			name:  "after exit",
			fault: PageFault{Addr: anon, Access: hostarch.Read},
			want:  FaultResult{State: ResolvedCrash},
			dead:  true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := k.HandlePageFault(ctx, p, test.fault)
			if got != test.want {
				t.Errorf("HandlePageFault(%+v) = %+v, want %+v", test.fault, got, test.want)
			}
			if got.Resumed() != (test.want.State == ResolvedContinue) {
				t.Errorf("Resumed() = %t for %+v", got.Resumed(), got)
			}
			if exited, _ := p.Exited(); exited != test.dead {
				t.Errorf("Exited() = %t, want %t", exited, test.dead)
			}
		})
	}
	if _, ok := k.Process(p.PID()); ok {
		t.Errorf("crashed %v still listed", p)
	}
}

func TestHandlePageFaultNoRegion(t *testing.T) {
	k := newTestKernel(t, 4)
	p := mustNewProcess(t, k)
	mustMMap(t, p, mm.MMapOpts{Length: page, Perms: hostarch.ReadWrite})

	crashes := pageFaults.Value("crash")
	f := PageFault{Addr: 0x7000_0000, Access: hostarch.Read}
	want := FaultResult{State: ResolvedCrash, Signal: linux.SIGSEGV}
	if got := k.HandlePageFault(context.Background(), p, f); got != want {
		t.Errorf("HandlePageFault(%+v) = %+v, want %+v", f, got, want)
	}
	if got := pageFaults.Value("crash") - crashes; got != 1 {
		t.Errorf("crash faults = %d, want 1", got)
	}
	if _, sig := p.Exited(); sig != linux.SIGSEGV {
		t.Errorf("exit signal = %v, want SIGSEGV", sig)
	}
}

// fill maps and touches an anonymous region of n pages in p.
func fill(t *testing.T, p *Process, n uint64) hostarch.Addr {
	t.Helper()
	addr := mustMMap(t, p, mm.MMapOpts{Length: n * page, Perms: hostarch.ReadWrite})
	for i := uint64(0); i < n; i++ {
		mustWrite(t, p, addr+hostarch.Addr(i*page), "x")
	}
	return addr
}

func TestOOMKill(t *testing.T) {
	k := newTestKernel(t, 4)
	ctx := context.Background()
	hog := mustNewProcess(t, k)
	fill(t, hog, 3)
	p := mustNewProcess(t, k)
	fill(t, p, 1)
	more := mustMMap(t, p, mm.MMapOpts{Length: page, Perms: hostarch.ReadWrite})
	if free := k.MemoryFile().FreeFrames(); free != 0 {
		t.Fatalf("FreeFrames() = %d, want 0", free)
	}

	kills := oomKills.Value()
	err := p.Access(ctx, more, hostarch.Write)
	var killed *KilledError
	if !errors.As(err, &killed) || killed.Signal != linux.SIGKILL {
		t.Fatalf("Access(%v, Write) = %v, want killed by SIGKILL", more, err)
	}
	if got := oomKills.Value() - kills; got != 1 {
		t.Errorf("OOM kills = %d, want 1", got)
	}
	if exited, sig := p.Exited(); !exited || sig != linux.SIGKILL {
		t.Errorf("Exited() = %t, %v, want true, SIGKILL", exited, sig)
	}
	// The victim's frame is back and the hog is untouched.
	if free := k.MemoryFile().FreeFrames(); free != 1 {
		t.Errorf("FreeFrames() = %d, want 1", free)
	}
	if exited, _ := hog.Exited(); exited {
		t.Errorf("%v killed, want only %v", hog, p)
	}
}

func TestOOMKernelCopyFails(t *testing.T) {
	k := newTestKernel(t, 2)
	ctx := context.Background()
	p := mustNewProcess(t, k)
	fill(t, p, 2)
	addr := mustMMap(t, p, mm.MMapOpts{Length: page, Perms: hostarch.ReadWrite})

	// Kernel copies report the failure instead of killing the process.
	if _, err := p.CopyOut(ctx, addr, []byte("x")); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("CopyOut with no free frames = %v, want ENOMEM", err)
	}
	if exited, _ := p.Exited(); exited {
		t.Errorf("%v killed by a failed kernel copy", p)
	}
}

func TestOOMRecoversCleanFilePages(t *testing.T) {
	k := newTestKernel(t, 4)
	ctx := context.Background()

	reader := mustNewProcess(t, k)
	file := memmap.NewBytesFile("data", bytes.Repeat([]byte{'d'}, 2*page))
	faddr := mustMMap(t, reader, mm.MMapOpts{Length: 2 * page, Kind: mm.FileBacked, Mappable: file, Perms: hostarch.Read})
	mustRead(t, reader, faddr, 1)
	mustRead(t, reader, faddr+page, 1)

	p := mustNewProcess(t, k)
	fill(t, p, 2)
	more := mustMMap(t, p, mm.MMapOpts{Length: page, Perms: hostarch.ReadWrite})
	if free := k.MemoryFile().FreeFrames(); free != 0 {
		t.Fatalf("FreeFrames() = %d, want 0", free)
	}

	recovered := pageFaults.Value("oom_recovered")
	f := PageFault{Addr: more, Access: hostarch.Write}
	want := FaultResult{State: ResolvedOOM}
	got := k.HandlePageFault(ctx, p, f)
	if got != want {
		t.Fatalf("HandlePageFault(%+v) = %+v, want %+v", f, got, want)
	}
	if !got.Resumed() {
		t.Errorf("recovered fault not resumed")
	}
	if n := pageFaults.Value("oom_recovered") - recovered; n != 1 {
		t.Errorf("recovered faults = %d, want 1", n)
	}
	// The reader refaults its dropped page from the file once memory is
	// available again.
	p.Exit(ctx)
	if got := mustRead(t, reader, faddr, 2); got != "dd" {
		t.Errorf("reader reads %q, want %q", got, "dd")
	}
	if got := mustRead(t, reader, faddr+page, 1); got != "d" {
		t.Errorf("reader reads %q, want %q", got, "d")
	}
}

func TestOOMCustomReclaimer(t *testing.T) {
	k := newTestKernel(t, 4)
	ctx := context.Background()
	hog := mustNewProcess(t, k)
	fill(t, hog, 3)
	p := mustNewProcess(t, k)
	fill(t, p, 1)
	more := mustMMap(t, p, mm.MMapOpts{Length: page, Perms: hostarch.ReadWrite})

	calls := 0
	k.AddReclaimer(ReclaimerFunc(func(ctx context.Context, frames uint64) uint64 {
		calls++
		before := k.MemoryFile().FreeFrames()
		hog.Exit(ctx)
		return k.MemoryFile().FreeFrames() - before
	}))

	if err := p.Access(ctx, more, hostarch.Write); err != nil {
		t.Fatalf("Access(%v, Write): %v", more, err)
	}
	if calls != 1 {
		t.Errorf("reclaimer called %d times, want 1", calls)
	}
	if exited, _ := hog.Exited(); !exited {
		t.Errorf("%v not reclaimed", hog)
	}
	if free := k.MemoryFile().FreeFrames(); free != 2 {
		t.Errorf("FreeFrames() = %d, want 2", free)
	}
}

func TestOOMCancelled(t *testing.T) {
	cfg := testConfig(1)
	cfg.OOM = OOMPolicy{MaxRetries: 100, InitialInterval: time.Hour, MaxInterval: time.Hour, ReclaimBatch: 1}
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { k.Destroy(context.Background()) })
	p := mustNewProcess(t, k)
	fill(t, p, 1)
	more := mustMMap(t, p, mm.MMapOpts{Length: page, Perms: hostarch.ReadWrite})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan FaultResult, 1)
	go func() {
		done <- k.HandlePageFault(ctx, p, PageFault{Addr: more, Access: hostarch.Write})
	}()
	select {
	case got := <-done:
		if got.Signal != linux.SIGKILL {
			t.Errorf("HandlePageFault = %+v, want SIGKILL", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("HandlePageFault ignored cancellation")
	}
}

func TestConcurrentFaults(t *testing.T) {
	const (
		procs = 4
		pages = 8
	)
	k := newTestKernel(t, procs*pages+pages)
	ctx := context.Background()
	parent := mustNewProcess(t, k)
	base := mustMMap(t, parent, mm.MMapOpts{Length: pages * page, Perms: hostarch.ReadWrite})
	mustWrite(t, parent, base, "shared")

	children := make([]*Process, procs)
	for i := range children {
		c, err := parent.Fork(ctx)
		if err != nil {
			t.Fatalf("Fork: %v", err)
		}
		children[i] = c
	}

	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error {
			for i := 0; i < pages; i++ {
				if err := c.Access(ctx, base+hostarch.Addr(i*page), hostarch.Write); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent access: %v", err)
	}
	for _, c := range children {
		if got := mustRead(t, c, base, 6); got != "shared" {
			t.Errorf("%v reads %q, want %q", c, got, "shared")
		}
	}
}
