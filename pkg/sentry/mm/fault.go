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
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// errBus is returned for accesses to file pages beyond the end of the file.
var errBus = &memmap.BusError{Err: linuxerr.EFAULT}

// maxPageInRetries bounds the page-in loop of a single fault.
const maxPageInRetries = 4

// HandleFault resolves a fault on addr for an access of type at and
// returns the outcome. On Continue, the translation is in mm's page tables
// and the access may be retried.
func (mm *MemoryManager) HandleFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) PageFaultResponse {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	r := mm.findRegionLocked(addr)
	if r == nil {
		return ShouldCrash
	}
	for i := 0; ; i++ {
		mm.activeMu.Lock()
		resp, pageIn := mm.handleFaultLocked(r, addr, at)
		mm.activeMu.Unlock()
		if !pageIn {
			return resp
		}
		if i == maxPageInRetries {
			log.Warningf("Page-in of %v in %v did not settle after %d attempts", addr, r, i)
			return ShouldCrash
		}
		if err := r.object.pageIn(ctx, r.pageIndex(addr)); err != nil {
			return responseForError(err)
		}
	}
}

// responseForError maps a frame allocation or page-in error to a fault
// response.
func responseForError(err error) PageFaultResponse {
	if errors.Is(err, pgalloc.ErrOutOfMemory) {
		return OutOfMemory
	}
	log.Debugf("Fault resolution failed: %v", err)
	return ShouldCrash
}

// handleFaultLocked resolves a fault on addr within r. If the page must be
// read from r's Mappable, it returns pageIn = true; the caller reads it
// with activeMu unlocked and tries again.
//
// Preconditions: mm.mappingMu must be locked. mm.activeMu must be locked for
// writing. r contains addr.
func (mm *MemoryManager) handleFaultLocked(r *Region, addr hostarch.Addr, at hostarch.AccessType) (resp PageFaultResponse, pageIn bool) {
	if !r.perms.Effective().SupersetOf(at) {
		return ShouldCrash, false
	}
	addr = addr.RoundDown()
	idx := r.pageIndex(addr)
	obj := r.object

	obj.mu.Lock()
	p, ok := obj.pages[idx]
	var err error
	switch {
	case ok && p.cow && at.Write:
		p, err = obj.breakCOWLocked(idx, p)
	case ok:
		// Backed but not mapped, e.g. after fork, or mapped with stale
		// permissions.
	default:
		switch r.kind {
		case Anonymous, Stack, Shared:
			p, err = obj.zeroFillLocked(idx)
		case FileBacked:
			eof := obj.pastEOF(idx)
			obj.mu.Unlock()
			if eof {
				return ShouldCrash, false
			}
			return Continue, true
		default:
			panic(fmt.Sprintf("unknown backing kind %d", int(r.kind)))
		}
	}
	obj.mu.Unlock()
	if err != nil {
		return responseForError(err), false
	}
	mm.mapPageLocked(addr, p, r)
	return Continue, false
}
