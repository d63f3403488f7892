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

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// maxFaultRetries bounds the number of faults resolved for one page by a
// single access.
const maxFaultRetries = 3

// FaultResolver resolves a fault taken by an access through the MMU.
type FaultResolver func(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) PageFaultResponse

// IOOpts controls accesses through the MMU.
type IOOpts struct {
	// Resolve resolves faults. If nil, MemoryManager.HandleFault is used.
	Resolve FaultResolver
}

// WithPhysical translates addr through cpu's MMU, which must have mm's page
// tables loaded, and calls fn with the rest of the page containing addr.
// Faults are resolved by opts.Resolve as for a user access. An access that
// would crash fails with EFAULT; one that runs out of memory fails with
// ENOMEM.
func (mm *MemoryManager) WithPhysical(ctx context.Context, cpu *ring0.CPU, addr hostarch.Addr, at hostarch.AccessType, opts IOOpts, fn func(b []byte)) error {
	resolve := opts.Resolve
	if resolve == nil {
		resolve = mm.HandleFault
	}
	for i := 0; ; i++ {
		mm.activeMu.RLock()
		physical, fault := cpu.Translate(addr, at)
		if fault == nil {
			frame := pgalloc.FrameAt(uint64(physical))
			off := addr.PageOffset()
			// The frame stays mapped, and so referenced, while activeMu
			// is held.
			fn(mm.mf.Slice(frame)[off:])
			mm.activeMu.RUnlock()
			return nil
		}
		mm.activeMu.RUnlock()
		if i == maxFaultRetries {
			return linuxerr.EFAULT
		}
		switch resolve(ctx, addr, at) {
		case Continue:
		case OutOfMemory:
			return linuxerr.ENOMEM
		default:
			return linuxerr.EFAULT
		}
	}
}

// Translate translates addr for a user access of type at through cpu's
// MMU, which must have mm's page tables loaded.
func (mm *MemoryManager) Translate(cpu *ring0.CPU, addr hostarch.Addr, at hostarch.AccessType) (uintptr, *ring0.Fault) {
	mm.activeMu.RLock()
	defer mm.activeMu.RUnlock()
	return cpu.Translate(addr, at)
}

// copyLoop calls fn for each page-bounded chunk of [addr, addr+n) inside a
// paging scope on cpu. It returns the number of bytes handled.
func (mm *MemoryManager) copyLoop(ctx context.Context, cpu *ring0.CPU, addr hostarch.Addr, n int, at hostarch.AccessType, opts IOOpts, fn func(done int, b []byte) int) (int, error) {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	err := WithPagingScope(cpu, mm, func() error {
		for done < n {
			err := mm.WithPhysical(ctx, cpu, addr+hostarch.Addr(done), at, opts, func(b []byte) {
				if rem := n - done; len(b) > rem {
					b = b[:rem]
				}
				done += fn(done, b)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return done, err
}

// CopyOut copies src to addr in mm, as a user write would.
func (mm *MemoryManager) CopyOut(ctx context.Context, cpu *ring0.CPU, addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	return mm.copyLoop(ctx, cpu, addr, len(src), hostarch.Write, opts, func(done int, b []byte) int {
		return copy(b, src[done:])
	})
}

// CopyIn copies from addr in mm to dst, as a user read would.
func (mm *MemoryManager) CopyIn(ctx context.Context, cpu *ring0.CPU, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	return mm.copyLoop(ctx, cpu, addr, len(dst), hostarch.Read, opts, func(done int, b []byte) int {
		return copy(dst[done:], b)
	})
}

// ZeroOut writes n zero bytes at addr in mm.
func (mm *MemoryManager) ZeroOut(ctx context.Context, cpu *ring0.CPU, addr hostarch.Addr, n int, opts IOOpts) (int, error) {
	return mm.copyLoop(ctx, cpu, addr, n, hostarch.Write, opts, func(_ int, b []byte) int {
		clear(b)
		return len(b)
	})
}
