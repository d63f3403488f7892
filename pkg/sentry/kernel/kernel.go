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

// Package kernel ties address spaces to processes and resolves their page
// faults.
//
// Lock order:
//
//	Process.mu
//	  mm.MemoryManager locks
//	  Kernel.mu
//
// Kernel.mu is never held while taking any other lock. Reclaim may visit
// every process while one is faulting, so it only try-locks Process.mu.
package kernel

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sync"
)

// Config configures a Kernel.
type Config struct {
	// MemoryMap is the boot memory map handed to the frame allocator.
	MemoryMap []pgalloc.MemoryRange

	// NumCPUs is the number of CPUs.
	NumCPUs int

	// DecommitOnFree releases host memory of freed frames.
	DecommitOnFree bool

	// OOM is the memory-pressure policy.
	OOM OOMPolicy
}

// Kernel owns the frame allocator, the CPUs and the processes.
type Kernel struct {
	// mf and machine are immutable.
	mf      *pgalloc.MemoryFile
	machine *ring0.Machine

	// oom is immutable.
	oom OOMPolicy

	// oomLog rate-limits logging on the out-of-memory path.
	oomLog log.Logger

	// mu protects the fields below.
	mu sync.Mutex

	procs      map[PID]*Process
	nextPID    PID
	reclaimers []Reclaimer
	destroyed  bool
}

// New boots a kernel with cfg.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.OOM.validate(); err != nil {
		return nil, err
	}
	mf, err := pgalloc.NewMemoryFile(cfg.MemoryMap, pgalloc.MemoryFileOpts{DecommitOnFree: cfg.DecommitOnFree})
	if err != nil {
		return nil, fmt.Errorf("creating frame allocator: %w", err)
	}
	cu := cleanup.Make(mf.Destroy)
	defer cu.Clean()
	machine, err := ring0.NewMachine(cfg.NumCPUs)
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	cu.Release()

	k := &Kernel{
		mf:      mf,
		machine: machine,
		oom:     cfg.OOM,
		oomLog:  log.BasicRateLimitedLogger(time.Second),
		procs:   make(map[PID]*Process),
		nextPID: 1,
	}
	k.AddReclaimer(ReclaimerFunc(k.reclaimFilePages))
	s := mf.Stats()
	log.Infof("Kernel booted: %d CPUs, %d frames", machine.NumCPUs(), s.TotalFrames)
	return k, nil
}

// MemoryFile returns the frame allocator.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// Machine returns the CPUs.
func (k *Kernel) Machine() *ring0.Machine {
	return k.machine
}

// NewProcess creates a process with an empty address space.
func (k *Kernel) NewProcess() (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil, fmt.Errorf("kernel destroyed")
	}
	return k.newProcessLocked(mm.NewMemoryManager(k.mf, k.machine), 0), nil
}

// Preconditions: k.mu must be locked.
func (k *Kernel) newProcessLocked(m *mm.MemoryManager, parent PID) *Process {
	p := &Process{
		k:      k,
		pid:    k.nextPID,
		parent: parent,
		mm:     m,
	}
	k.nextPID++
	k.procs[p.pid] = p
	log.Debugf("Created process %d (parent %d)", p.pid, parent)
	return p
}

// Process returns the live process with the given PID.
func (k *Kernel) Process(pid PID) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// Processes returns the live processes.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	ps := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		ps = append(ps, p)
	}
	return ps
}

func (k *Kernel) removeProcess(p *Process) {
	k.mu.Lock()
	delete(k.procs, p.pid)
	k.mu.Unlock()
}

// Destroy terminates every process and releases the kernel's memory.
func (k *Kernel) Destroy(ctx context.Context) {
	k.mu.Lock()
	if k.destroyed {
		k.mu.Unlock()
		return
	}
	k.destroyed = true
	k.mu.Unlock()
	for _, p := range k.Processes() {
		p.Exit(ctx)
	}
	k.machine.Destroy()
	k.mf.Destroy()
}
