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

// Package usage provides representations of physical memory usage.
package usage

import (
	"fmt"
	"sync/atomic"
)

// MemoryKind represents a type of memory used by processes.
type MemoryKind int

const (
	// System represents miscellaneous system memory, such as the shared
	// zero frame and frames held by kernel subsystems.
	System MemoryKind = iota

	// Anonymous represents anonymous and stack memory, including private
	// copies made by copy-on-write.
	Anonymous

	// PageCache represents frames holding file contents paged in for
	// file-backed regions.
	PageCache

	// Shared represents anonymous memory explicitly shared between address
	// spaces.
	Shared

	// NumMemoryKinds is the number of memory kinds.
	NumMemoryKinds
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "system"
	case Anonymous:
		return "anonymous"
	case PageCache:
		return "pagecache"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks physical memory usage in bytes, by kind. It is safe for
// concurrent use through its methods.
type MemoryStats struct {
	bytes [NumMemoryKinds]atomic.Uint64
}

// Inc adds a usage of val bytes of the given kind.
func (m *MemoryStats) Inc(val uint64, kind MemoryKind) {
	m.bytes[kind].Add(val)
}

// Dec removes a usage of val bytes of the given kind.
func (m *MemoryStats) Dec(val uint64, kind MemoryKind) {
	m.bytes[kind].Add(^(val - 1))
}

// Move moves a usage of val bytes from one kind to another.
func (m *MemoryStats) Move(val uint64, to, from MemoryKind) {
	m.Dec(val, from)
	m.Inc(val, to)
}

// Copy returns a snapshot of the current usage.
func (m *MemoryStats) Copy() MemorySnapshot {
	var s MemorySnapshot
	for k := range s {
		s[k] = m.bytes[k].Load()
	}
	return s
}

// MemorySnapshot is a point-in-time copy of MemoryStats, indexed by
// MemoryKind.
type MemorySnapshot [NumMemoryKinds]uint64

// Total returns the sum of all kinds.
func (s MemorySnapshot) Total() uint64 {
	var t uint64
	for _, v := range s {
		t += v
	}
	return t
}
