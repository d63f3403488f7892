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

package ring0

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sync"
)

var tlbShootdowns = metric.MustCreateNewUint64Metric("/memory/tlb_shootdowns", "Number of CPUs whose TLB was invalidated by an unmap or protection change.")

// Machine is a set of CPUs sharing physical memory.
//
// Machine implements pagetables.Invalidator: installing it on a set of page
// tables makes every unmap and downgrade shoot down the stale translations
// on each CPU where those tables are loaded.
type Machine struct {
	// kernelPageTables are loaded on every CPU at boot and whenever no
	// address space is active. They hold no user mappings.
	kernelPageTables *pagetables.PageTables

	// cpus is immutable after construction.
	cpus []*CPU

	// mu protects idle.
	mu sync.Mutex

	// available is signaled when a CPU is returned.
	available sync.Cond

	// idle are CPUs not held by any caller of Get.
	idle []*CPU
}

// NewMachine returns a machine with the given number of CPUs.
func NewMachine(numCPUs int) (*Machine, error) {
	if numCPUs <= 0 {
		return nil, fmt.Errorf("invalid CPU count %d", numCPUs)
	}
	m := &Machine{
		kernelPageTables: pagetables.New(pagetables.NewRuntimeAllocator()),
	}
	m.available.L = &m.mu
	m.kernelPageTables.SetInvalidator(m)
	for id := 0; id < numCPUs; id++ {
		c := newCPU(m, id, m.kernelPageTables)
		m.cpus = append(m.cpus, c)
	}
	// Hand out low-numbered CPUs first.
	for i := len(m.cpus) - 1; i >= 0; i-- {
		m.idle = append(m.idle, m.cpus[i])
	}
	return m, nil
}

// KernelPageTables returns the page tables loaded when no address space is.
func (m *Machine) KernelPageTables() *pagetables.PageTables {
	return m.kernelPageTables
}

// NumCPUs returns the number of CPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPUs returns all CPUs.
func (m *Machine) CPUs() []*CPU {
	return append([]*CPU(nil), m.cpus...)
}

// Get gets an available CPU, waiting until one is returned if all are in
// use.
func (m *Machine) Get() *CPU {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.idle) == 0 {
		m.available.Wait()
	}
	c := m.idle[len(m.idle)-1]
	m.idle = m.idle[:len(m.idle)-1]
	return c
}

// Put returns c, which must have been obtained from Get.
//
// c must not be inside any paging scope.
func (m *Machine) Put(c *CPU) {
	if c.machine != m {
		panic(fmt.Sprintf("%v returned to the wrong machine", c))
	}
	if d := c.ScopeDepth(); d != 0 {
		panic(fmt.Sprintf("%v returned with %d paging scopes entered", c, d))
	}
	m.mu.Lock()
	m.idle = append(m.idle, c)
	m.mu.Unlock()
	m.available.Signal()
}

// Invalidate implements pagetables.Invalidator.Invalidate.
func (m *Machine) Invalidate(pt *pagetables.PageTables, ar hostarch.AddrRange) {
	for _, c := range m.cpus {
		if c.invalidate(pt, ar) {
			tlbShootdowns.Increment()
		}
	}
}

// Active returns the CPUs on which pt is loaded.
func (m *Machine) Active(pt *pagetables.PageTables) []*CPU {
	var cpus []*CPU
	for _, c := range m.cpus {
		if c.Active() == pt {
			cpus = append(cpus, c)
		}
	}
	return cpus
}

// Destroy releases the kernel page tables. The machine may not be used
// afterwards.
func (m *Machine) Destroy() {
	for _, c := range m.cpus {
		if c.Active() != m.kernelPageTables {
			panic(fmt.Sprintf("%v: destroying machine with user page tables loaded", c))
		}
	}
	m.kernelPageTables.Release()
}
