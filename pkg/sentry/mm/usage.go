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
	"fmt"
	"io"
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// MemoryUsage is a snapshot of an address space's memory accounting, in
// bytes.
type MemoryUsage struct {
	// Virtual is the total size of all regions.
	Virtual uint64

	// Resident is the size of pages backed by a frame.
	Resident uint64

	// Shared is the size of resident pages that another address space may
	// also map: pages of Shared or FileBacked regions, and COW pages whose
	// frame is still referenced elsewhere.
	Shared uint64

	// Dirty is the size of mapped pages written since they were mapped or
	// last written back.
	Dirty uint64
}

// Usage returns mm's memory accounting.
func (mm *MemoryManager) Usage() MemoryUsage {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	mm.activeMu.RLock()
	defer mm.activeMu.RUnlock()

	u := MemoryUsage{Virtual: mm.usageAS}
	mm.byAddr.Ascend(func(r *Region) bool {
		resident, shared := r.object.pageStats(r.objectPage, r.ar.Length()/hostarch.PageSize)
		u.Resident += resident * hostarch.PageSize
		u.Shared += shared * hostarch.PageSize
		return true
	})
	if mm.pageTables != nil {
		mm.pageTables.ForEach(MinUserAddress, uintptr(MaxUserAddress-MinUserAddress), func(addr hostarch.Addr, _ uintptr, _ pagetables.MapOpts) {
			if pte := mm.pageTables.Entry(addr); pte != nil && pte.Dirty() {
				u.Dirty += hostarch.PageSize
			}
		})
	}
	return u
}

// WriteMaps writes one line per region to w, in the format of Linux's
// /proc/[pid]/maps.
func (mm *MemoryManager) WriteMaps(w io.Writer) error {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	var b bytes.Buffer
	mm.byAddr.Ascend(func(r *Region) bool {
		mapsEntry(&b, r)
		return true
	})
	_, err := w.Write(b.Bytes())
	return err
}

// mapsEntry appends the maps line for r to b, including the trailing
// newline.
func mapsEntry(b *bytes.Buffer, r *Region) {
	start := b.Len()
	private := "p"
	if !r.kind.private() {
		private = "s"
	}
	var off uint64
	if r.kind == FileBacked {
		off = r.object.fileOffset(r.objectPage)
	}
	fmt.Fprintf(b, "%08x-%08x %s%s %08x 00:00 0 ", r.ar.Start, r.ar.End, r.perms, private, off)

	s := r.name
	switch {
	case s != "":
	case r.kind == Stack:
		s = "[stack]"
	case r.kind == FileBacked:
		s = r.object.mappable.String()
	}
	if s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - (b.Len() - start); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
}
