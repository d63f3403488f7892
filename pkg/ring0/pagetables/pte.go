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

package pagetables

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Opts are pagetable options.
type Opts uintptr

// Bits in page table entries. The layout is modeled on x86-64 but is only
// interpreted by this package and the ring0 MMU.
const (
	present        Opts = 1 << 0
	writable       Opts = 1 << 1
	user           Opts = 1 << 2
	accessed       Opts = 1 << 5
	dirty          Opts = 1 << 6
	global         Opts = 1 << 8
	executeDisable Opts = 1 << 63

	addressMask = 0x000ffffffffff000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool
}

// PTE is a page table entry.
type PTE uintptr

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	atomic.StoreUintptr((*uintptr)(p), 0)
}

// load returns the raw entry.
func (p *PTE) load() uintptr {
	return atomic.LoadUintptr((*uintptr)(p))
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&uintptr(present) != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid.
func (p *PTE) Opts() MapOpts {
	v := Opts(p.load())
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0 && v&present != 0,
		},
		Global: v&global != 0,
		User:   v&user != 0,
	}
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return p.load() & addressMask
}

// Accessed returns true if the entry has been used for a translation since
// the bit was last cleared.
func (p *PTE) Accessed() bool {
	return p.load()&uintptr(accessed) != 0
}

// Dirty returns true if the entry has been used for a write since the bit was
// last cleared.
func (p *PTE) Dirty() bool {
	return p.load()&uintptr(dirty) != 0
}

// setBits atomically ORs bits into the entry if it is still valid. It is
// used by the MMU, concurrently with readers.
func (p *PTE) setBits(bits Opts) {
	for {
		old := p.load()
		if old&uintptr(present) == 0 || old&uintptr(bits) == uintptr(bits) {
			return
		}
		if atomic.CompareAndSwapUintptr((*uintptr)(p), old, old|uintptr(bits)) {
			return
		}
	}
}

// MarkAccessed sets the accessed bit, and the dirty bit if write is true.
func (p *PTE) MarkAccessed(write bool) {
	bits := accessed
	if write {
		bits |= dirty
	}
	p.setBits(bits)
}

// testAndClear atomically clears bits and reports whether any were set.
func (p *PTE) testAndClear(bits Opts) bool {
	for {
		old := p.load()
		if old&uintptr(bits) == 0 {
			return false
		}
		if atomic.CompareAndSwapUintptr((*uintptr)(p), old, old&^uintptr(bits)) {
			return true
		}
	}
}

// Set sets this PTE value.
//
// This does not change the accessed or dirty bits of an existing mapping
// of the same address.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr & addressMask) | uintptr(present) | p.keepBits(addr)
	if opts.AccessType.Write {
		v |= uintptr(writable)
	}
	if !opts.AccessType.Execute {
		v |= uintptr(executeDisable)
	}
	if opts.Global {
		v |= uintptr(global)
	}
	if opts.User {
		v |= uintptr(user)
	}
	atomic.StoreUintptr((*uintptr)(p), v)
}

// keepBits returns the accessed and dirty bits of p if it maps addr.
func (p *PTE) keepBits(addr uintptr) uintptr {
	old := p.load()
	if old&uintptr(present) == 0 || old&addressMask != addr&addressMask {
		return 0
	}
	return old & uintptr(accessed|dirty)
}

// setPageTable sets this PTE value and forces the write bit and user bit.
//
// This is used only for intermediate entries.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^addressMask != 0 {
		// This should never happen.
		panic(fmt.Sprintf("unaligned physical address: %v", addr))
	}
	atomic.StoreUintptr((*uintptr)(p), addr|uintptr(present|writable|user|accessed|dirty))
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// empty returns true if no entry is valid.
func (e *PTEs) empty() bool {
	for i := range e {
		if e[i].Valid() {
			return false
		}
	}
	return true
}
