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
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sync"
)

// page is a backed page of an Object.
type page struct {
	// frame holds the page's contents. The Object holds a reference on it.
	frame pgalloc.FrameID

	// cow is true if frame may be referenced by another Object and must be
	// copied before it is written.
	cow bool
}

// Object is the set of frames backing one or more regions. Regions that
// share an Object see the same pages; split halves of a region share their
// Object, as do all mappings of a Shared or FileBacked region after fork.
//
// Pages are indexed by page number within the Object. For FileBacked
// objects, page idx holds the contents of the Mappable at offset
// offset+idx*PageSize.
//
// For objects with a Reserve commitment, reserved is the number of live
// pages that may still need a frame: pages not yet backed, and COW pages.
// Every allocation for such a page is drawn from the commitment.
type Object struct {
	mf       *pgalloc.MemoryFile
	kind     BackingKind
	mappable memmap.Mappable
	offset   uint64
	reserve  bool

	mu sync.Mutex

	// refs is the number of regions referencing the object.
	refs int

	// pages are the backed pages.
	pages map[uint64]page

	// pending are page-ins in progress. The channel is closed when the
	// page-in completes.
	pending map[uint64]chan struct{}

	// reserved is the number of frames committed in mf on behalf of this
	// object and not yet allocated.
	reserved uint64
}

func newObject(mf *pgalloc.MemoryFile, kind BackingKind, mappable memmap.Mappable, offset uint64, reserve bool) *Object {
	return &Object{
		mf:       mf,
		kind:     kind,
		mappable: mappable,
		offset:   offset,
		reserve:  reserve,
		refs:     1,
		pages:    make(map[uint64]page),
	}
}

// commit adds n frames to o's commitment.
func (o *Object) commit(n uint64) error {
	if err := o.mf.Commit(n); err != nil {
		return err
	}
	o.mu.Lock()
	o.reserved += n
	o.mu.Unlock()
	return nil
}

// Preconditions: o.mu must be locked.
func (o *Object) uncommitLocked(n uint64) {
	if n > o.reserved {
		if checkInvariants {
			panic(fmt.Sprintf("object releasing %d committed frames, holds %d", n, o.reserved))
		}
		n = o.reserved
	}
	o.mf.Uncommit(n)
	o.reserved -= n
}

func (o *Object) incRef() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

// decRef drops a region reference. The last reference releases every page
// and the remaining commitment.
func (o *Object) decRef() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs--
	switch {
	case o.refs > 0:
		return
	case o.refs < 0:
		panic(fmt.Sprintf("object reference count %d", o.refs))
	}
	for _, p := range o.pages {
		o.mf.DecRef(p.frame)
	}
	o.pages = nil
	o.uncommitLocked(o.reserved)
}

// allocOptsLocked returns the options for the next allocation, drawing on
// the commitment if there is one.
//
// Preconditions: o.mu must be locked.
func (o *Object) allocOptsLocked() pgalloc.AllocOpts {
	opts := pgalloc.AllocOpts{Kind: o.kind.memoryKind()}
	if o.reserve && o.reserved > 0 {
		opts.Committed = true
		o.reserved--
	}
	return opts
}

// lookup returns the page at idx.
func (o *Object) lookup(idx uint64) (page, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pages[idx]
	return p, ok
}

// zeroFillLocked backs idx with a zeroed frame.
//
// Preconditions: o.mu must be locked. idx is not backed.
func (o *Object) zeroFillLocked(idx uint64) (page, error) {
	frame, err := o.mf.AllocateFrame(o.allocOptsLocked())
	if err != nil {
		return page{}, err
	}
	p := page{frame: frame}
	o.pages[idx] = p
	zeroFills.Increment()
	return p, nil
}

// breakCOWLocked gives idx a frame of its own, adopting the current frame if
// no other object references it and copying it otherwise.
//
// Preconditions: o.mu must be locked. o.pages[idx] is p and p.cow is true.
func (o *Object) breakCOWLocked(idx uint64, p page) (page, error) {
	if o.mf.HasUniqueRef(p.frame) {
		p.cow = false
		o.pages[idx] = p
		if o.reserve {
			o.uncommitLocked(1)
		}
		cowAdoptions.Increment()
		return p, nil
	}
	frame, err := o.mf.AllocateAndCopy(p.frame, o.allocOptsLocked())
	if err != nil {
		return page{}, err
	}
	o.mf.DecRef(p.frame)
	p = page{frame: frame}
	o.pages[idx] = p
	cowCopies.Increment()
	return p, nil
}

// fileOffset returns the Mappable offset of page idx.
func (o *Object) fileOffset(idx uint64) uint64 {
	return o.offset + idx*hostarch.PageSize
}

// pastEOF returns true if page idx lies entirely beyond the end of the
// Mappable.
func (o *Object) pastEOF(idx uint64) bool {
	return o.fileOffset(idx) >= o.mappable.Size()
}

// pageIn backs idx with the contents of the Mappable. Concurrent page-ins of
// the same page wait for the first one. No lock is held while reading.
func (o *Object) pageIn(ctx context.Context, idx uint64) error {
	for {
		o.mu.Lock()
		if _, ok := o.pages[idx]; ok {
			o.mu.Unlock()
			return nil
		}
		if ch, ok := o.pending[idx]; ok {
			o.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ch := make(chan struct{})
		if o.pending == nil {
			o.pending = make(map[uint64]chan struct{})
		}
		o.pending[idx] = ch
		opts := o.allocOptsLocked()
		o.mu.Unlock()

		off := o.fileOffset(idx)
		frame, err := o.mf.AllocateAndFill(opts, func(dst []byte) error {
			return o.mappable.ReadPage(ctx, off, dst)
		})

		o.mu.Lock()
		delete(o.pending, idx)
		close(ch)
		if err != nil {
			if opts.Committed {
				o.reserved++
			}
			o.mu.Unlock()
			return err
		}
		o.pages[idx] = page{frame: frame}
		o.mu.Unlock()
		pageIns.Increment()
		return nil
	}
}

// populate backs every page in [first, first+n).
func (o *Object) populate(ctx context.Context, first, n uint64) error {
	for idx := first; idx < first+n; idx++ {
		if o.kind == FileBacked {
			if o.pastEOF(idx) {
				return fmt.Errorf("populating page at offset %#x beyond end of %v: %w", o.fileOffset(idx), o.mappable, errBus)
			}
			if err := o.pageIn(ctx, idx); err != nil {
				return err
			}
			continue
		}
		o.mu.Lock()
		_, ok := o.pages[idx]
		var err error
		if !ok {
			_, err = o.zeroFillLocked(idx)
		}
		o.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// removeRange releases the pages in [first, first+n) and the commitment for
// them.
//
// Preconditions: o.kind.private(). No other region maps the range.
func (o *Object) removeRange(first, n uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var exclusive uint64
	release := func(idx uint64, p page) {
		if !p.cow {
			exclusive++
		}
		o.mf.DecRef(p.frame)
		delete(o.pages, idx)
	}
	if uint64(len(o.pages)) < n {
		for idx, p := range o.pages {
			if idx >= first && idx-first < n {
				release(idx, p)
			}
		}
	} else {
		for idx := first; idx < first+n; idx++ {
			if p, ok := o.pages[idx]; ok {
				release(idx, p)
			}
		}
	}
	if o.reserve {
		o.uncommitLocked(n - exclusive)
	}
}

// fork returns a copy of o for a child address space. Every page becomes
// COW in both objects. live is the number of pages of o still mapped by
// regions; with a Reserve commitment, the child commits all of them and o
// commits the pages that were exclusive until now.
//
// Preconditions: o.kind.private().
func (o *Object) fork(live uint64) (*Object, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	child := newObject(o.mf, o.kind, o.mappable, o.offset, o.reserve)
	if o.reserve {
		var exclusive uint64
		for _, p := range o.pages {
			if !p.cow {
				exclusive++
			}
		}
		if err := o.mf.Commit(exclusive + live); err != nil {
			return nil, err
		}
		o.reserved += exclusive
		child.reserved = live
	}
	child.pages = make(map[uint64]page, len(o.pages))
	for idx, p := range o.pages {
		o.mf.IncRef(p.frame)
		p.cow = true
		o.pages[idx] = p
		child.pages[idx] = p
	}
	return child, nil
}

// pageStats returns the number of backed pages in [first, first+n) and how
// many of them may be visible to another address space.
func (o *Object) pageStats(first, n uint64) (resident, shared uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for idx, p := range o.pages {
		if idx < first || idx-first >= n {
			continue
		}
		resident++
		if !o.kind.private() || !o.mf.HasUniqueRef(p.frame) {
			shared++
		}
	}
	return resident, shared
}
