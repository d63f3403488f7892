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
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/abi/linux"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/ring0"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sync"
)

// PID is a process ID.
type PID int32

// maxAccessFaults bounds the faults taken by a single access.
const maxAccessFaults = 4

// Process is a user process: an address space and an exit status.
type Process struct {
	k      *Kernel
	pid    PID
	parent PID

	// mu protects the fields below. Users of mm hold mu for reading, so
	// the address space is not destroyed under them.
	mu sync.RWMutex

	// mm is nil once the process has exited.
	mm *mm.MemoryManager

	// exitSignal is the signal that terminated the process, or 0.
	exitSignal linux.Signal
}

// PID returns p's process ID.
func (p *Process) PID() PID {
	return p.pid
}

// Parent returns the PID of p's parent, or 0.
func (p *Process) Parent() PID {
	return p.parent
}

// String implements fmt.Stringer.
func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}

// MemoryManager returns p's address space, or nil if p has exited.
func (p *Process) MemoryManager() *mm.MemoryManager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mm
}

// Exited returns true if p has exited, and if so the signal that killed it
// (0 for a normal exit).
func (p *Process) Exited() (bool, linux.Signal) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mm == nil, p.exitSignal
}

// withMM runs fn with p's address space held live. It fails with ESRCH if
// p has exited.
func (p *Process) withMM(fn func(m *mm.MemoryManager) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mm == nil {
		return fmt.Errorf("%v: %w", p, linuxerr.ESRCH)
	}
	return fn(p.mm)
}

// Fork creates a child of p with a copy-on-write copy of p's address space.
func (p *Process) Fork(ctx context.Context) (*Process, error) {
	var child *mm.MemoryManager
	if err := p.withMM(func(m *mm.MemoryManager) error {
		var err error
		child, err = m.Fork(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	k := p.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		child.Destroy(ctx)
		return nil, fmt.Errorf("kernel destroyed")
	}
	return k.newProcessLocked(child, p.pid), nil
}

// Exit terminates p normally. Exiting an exited process does nothing.
func (p *Process) Exit(ctx context.Context) {
	p.exit(ctx, 0)
}

// exit tears down p's address space and records sig as the cause.
func (p *Process) exit(ctx context.Context, sig linux.Signal) {
	p.mu.Lock()
	m := p.mm
	if m == nil {
		p.mu.Unlock()
		return
	}
	p.mm = nil
	p.exitSignal = sig
	m.Destroy(ctx)
	p.mu.Unlock()

	p.k.removeProcess(p)
	if sig != 0 {
		log.Infof("%v killed by %v", p, sig)
	} else {
		log.Debugf("%v exited", p)
	}
}

// ioOpts returns options for kernel accesses to m on behalf of p. Faults
// get the memory-pressure policy but no signals: the caller sees EFAULT or
// ENOMEM instead.
func (p *Process) ioOpts(m *mm.MemoryManager) mm.IOOpts {
	return mm.IOOpts{Resolve: func(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) mm.PageFaultResponse {
		resp := m.HandleFault(ctx, addr, at)
		if resp == mm.OutOfMemory {
			resp = p.k.retryAfterReclaim(ctx, p, m, addr, at)
		}
		return resp
	}}
}

// withCPU runs fn on a CPU of p's kernel.
func (p *Process) withCPU(fn func(cpu *ring0.CPU) error) error {
	cpu := p.k.machine.Get()
	defer p.k.machine.Put(cpu)
	return fn(cpu)
}

// CopyIn copies len(dst) bytes from addr in p's address space to dst.
func (p *Process) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	var n int
	err := p.withMM(func(m *mm.MemoryManager) error {
		return p.withCPU(func(cpu *ring0.CPU) error {
			var err error
			n, err = m.CopyIn(ctx, cpu, addr, dst, p.ioOpts(m))
			return err
		})
	})
	return n, err
}

// CopyOut copies src to addr in p's address space.
func (p *Process) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	var n int
	err := p.withMM(func(m *mm.MemoryManager) error {
		return p.withCPU(func(cpu *ring0.CPU) error {
			var err error
			n, err = m.CopyOut(ctx, cpu, addr, src, p.ioOpts(m))
			return err
		})
	})
	return n, err
}

// KilledError is returned by Access when the access killed the process.
type KilledError struct {
	Signal linux.Signal
}

// Error implements error.Error.
func (e *KilledError) Error() string {
	return fmt.Sprintf("killed by %v", e.Signal)
}

// Access performs a user-mode access of type at to addr, as an instruction
// of p would. Translation faults are dispatched to HandlePageFault and the
// access restarted. If the fault kills p, Access returns a *KilledError.
func (p *Process) Access(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) error {
	for i := 0; ; i++ {
		var fault PageFault
		faulted := false
		err := p.withMM(func(m *mm.MemoryManager) error {
			return p.withCPU(func(cpu *ring0.CPU) error {
				return mm.WithPagingScope(cpu, m, func() error {
					if _, f := m.Translate(cpu, addr, at); f != nil {
						fault, faulted = FaultFromTrap(f), true
					}
					return nil
				})
			})
		})
		if err != nil || !faulted {
			return err
		}
		if i == maxAccessFaults {
			log.Warningf("%v: access to %v faulted %d times", p, addr, i+1)
			return fmt.Errorf("%v: %w", p, linuxerr.EFAULT)
		}
		res := p.k.HandlePageFault(ctx, p, fault)
		switch {
		case res.Resumed():
		case res.Signal != 0:
			return &KilledError{Signal: res.Signal}
		default:
			return fmt.Errorf("%v: %w", p, linuxerr.ESRCH)
		}
	}
}
