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
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/ring0"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

var pageFaults = metric.MustCreateNewUint64Metric("/kernel/page_faults", "Number of page faults by outcome.",
	metric.NewField("outcome", []string{"continue", "crash", "oom_recovered", "oom_killed"}))

// FaultState is a state of page fault handling.
type FaultState int

const (
	// Dispatched is the state of a fault delivered by the trap handler.
	Dispatched FaultState = iota

	// Resolving is the state of a fault whose address is being looked up.
	Resolving

	// ResolvedContinue is the terminal state of a resolved fault. The
	// faulting access is retried.
	ResolvedContinue

	// ResolvedCrash is the terminal state of a fault that cannot be
	// resolved. The process is terminated with SIGSEGV.
	ResolvedCrash

	// ResolvedOOM is the terminal state of a fault that ran out of memory.
	// The memory-pressure policy either recovered, and the access is
	// retried, or terminated the process with SIGKILL.
	ResolvedOOM
)

// String implements fmt.Stringer.
func (s FaultState) String() string {
	switch s {
	case Dispatched:
		return "Dispatched"
	case Resolving:
		return "Resolving"
	case ResolvedContinue:
		return "ResolvedContinue"
	case ResolvedCrash:
		return "ResolvedCrash"
	case ResolvedOOM:
		return "ResolvedOOM"
	default:
		return fmt.Sprintf("FaultState(%d)", int(s))
	}
}

// PageFault is a fault delivered by the trap handler.
type PageFault struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Access is the type of the faulting access.
	Access hostarch.AccessType

	// Present is true if a translation existed but did not permit the
	// access.
	Present bool
}

// FaultFromTrap converts a fault raised by a CPU.
func FaultFromTrap(f *ring0.Fault) PageFault {
	return PageFault{Addr: f.Addr, Access: f.Access, Present: f.Present}
}

// FaultResult is the outcome of HandlePageFault.
type FaultResult struct {
	// State is the terminal state.
	State FaultState

	// Signal is the signal that terminated the process, or 0.
	Signal linux.Signal
}

// Resumed returns true if the faulting access may be retried.
func (r FaultResult) Resumed() bool {
	return r.Signal == 0 && (r.State == ResolvedContinue || r.State == ResolvedOOM)
}

// HandlePageFault resolves f, raised by p. A fault that cannot be resolved
// kills p with SIGSEGV. A fault that runs out of memory runs the
// memory-pressure policy and kills p with SIGKILL if that fails. A fault
// on an exited process resolves to ResolvedCrash with no signal.
func (k *Kernel) HandlePageFault(ctx context.Context, p *Process, f PageFault) FaultResult {
	state := Dispatched
	var resp mm.PageFaultResponse
	err := p.withMM(func(m *mm.MemoryManager) error {
		state = Resolving
		if _, ok := m.FindRegionContaining(f.Addr); !ok {
			resp = mm.ShouldCrash
			return nil
		}
		resp = m.HandleFault(ctx, f.Addr, f.Access)
		if resp == mm.OutOfMemory {
			state = ResolvedOOM
			resp = k.retryAfterReclaim(ctx, p, m, f.Addr, f.Access)
		}
		return nil
	})
	if err != nil {
		log.Debugf("Fault on %v in %v after exit", f.Addr, p)
		return FaultResult{State: ResolvedCrash}
	}

	switch {
	case state == ResolvedOOM && resp == mm.Continue:
		pageFaults.Increment("oom_recovered")
		return FaultResult{State: ResolvedOOM}
	case state == ResolvedOOM && resp == mm.OutOfMemory:
		pageFaults.Increment("oom_killed")
		oomKills.Increment()
		k.oomLog.Warningf("Out of memory: killing %v on fault at %v (%v)", p, f.Addr, f.Access)
		p.exit(ctx, linux.SIGKILL)
		return FaultResult{State: ResolvedOOM, Signal: linux.SIGKILL}
	case resp == mm.Continue:
		pageFaults.Increment("continue")
		return FaultResult{State: ResolvedContinue}
	default:
		pageFaults.Increment("crash")
		log.Infof("%v: unresolvable %v fault at %v (present=%t)", p, f.Access, f.Addr, f.Present)
		p.exit(ctx, linux.SIGSEGV)
		return FaultResult{State: ResolvedCrash, Signal: linux.SIGSEGV}
	}
}
