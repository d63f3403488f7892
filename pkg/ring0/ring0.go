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

// Package ring0 models the privileged CPU state the memory manager relies
// on: the active page table root of each CPU, its translation cache, and
// the machine-wide shootdown of stale translations.
//
// The MMU is simulated: Translate walks the active page tables exactly as
// hardware would on a TLB miss, maintains the accessed and dirty bits, and
// reports a *Fault instead of raising a trap.
package ring0

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Fault is a failed translation, the software form of a page fault trap.
type Fault struct {
	// Addr is the faulting virtual address.
	Addr hostarch.Addr

	// Access is the access that was attempted.
	Access hostarch.AccessType

	// Present is true if a valid translation exists but does not permit
	// Access.
	Present bool
}

// Error implements error.Error.
func (f *Fault) Error() string {
	if f.Present {
		return fmt.Sprintf("protection fault: %s access at %#x", f.Access, f.Addr)
	}
	return fmt.Sprintf("page not present: %s access at %#x", f.Access, f.Addr)
}
