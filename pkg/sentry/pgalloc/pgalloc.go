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

// Package pgalloc contains the physical frame allocator.
//
// A MemoryFile owns every usable frame of the physical memory map passed at
// boot. Frame contents live in a memfd mapped into the allocator, so frames
// can be read and written through MemoryFile.Slice.
package pgalloc

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/memutil"
	"gvisor.dev/vmcore/pkg/sentry/usage"
	"gvisor.dev/vmcore/pkg/sync"
)

// ErrOutOfMemory is returned when no frame can be allocated.
var ErrOutOfMemory = errors.New(unix.ENOMEM, "out of physical memory")

// FrameID identifies a physical frame by its frame number (physical address
// divided by the page size).
type FrameID uint64

// FrameAt returns the frame containing physical address addr.
func FrameAt(addr uint64) FrameID {
	return FrameID(addr >> hostarch.PageShift)
}

// Address returns the physical address of the first byte of f.
func (f FrameID) Address() uint64 {
	return uint64(f) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (f FrameID) String() string {
	return fmt.Sprintf("frame %#x", f.Address())
}

// RangeKind classifies entries of the boot memory map.
type RangeKind int

const (
	// Usable memory is handed to the allocator.
	Usable RangeKind = iota

	// Reserved memory is never allocated.
	Reserved
)

// String implements fmt.Stringer.String.
func (k RangeKind) String() string {
	switch k {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	default:
		return fmt.Sprintf("RangeKind(%d)", int(k))
	}
}

// MemoryRange is one entry of the boot memory map.
type MemoryRange struct {
	Start  uint64
	Length uint64
	Kind   RangeKind
}

// End returns the exclusive end of the range.
func (r MemoryRange) End() uint64 {
	return r.Start + r.Length
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Name is the name of the backing memfd.
	Name string

	// DecommitOnFree releases host memory backing a frame when its last
	// reference is dropped. Decommitted frames read as zero, so their next
	// allocation skips zeroing.
	DecommitOnFree bool
}

// frameRun is a contiguous run of usable frames.
type frameRun struct {
	first FrameID
	count uint64

	// index is the dense index of first.
	index uint64
}

// frameInfo is the state of one usable frame.
type frameInfo struct {
	// refs is the number of references held on the frame. A frame is free
	// iff refs == 0 and it is on the free list.
	refs uint32

	// kind is the accounting kind of an allocated frame.
	kind usage.MemoryKind

	// zeroed is true if the frame's contents are known to be zero.
	zeroed bool
}

// MemoryFile is the physical frame allocator.
//
// Lock order: MemoryFile.mu is a leaf lock. It is never held across host
// system calls or calls out of the package.
type MemoryFile struct {
	opts MemoryFileOpts

	// file and mapping back every usable frame. Both are immutable after
	// NewMemoryFile.
	file    *os.File
	mapping []byte

	// runs is sorted by first and immutable.
	runs []frameRun

	// total is the number of usable frames.
	total uint64

	// stats is the per-kind accounting of allocated frames.
	stats usage.MemoryStats

	// mu protects the fields below.
	mu sync.SpinMutex

	// frames is indexed by dense frame index.
	frames []frameInfo

	// free is a stack of dense indices of free frames.
	free []uint64

	// committed is the number of free frames promised to Commit callers and
	// not yet allocated. Invariant: committed <= len(free).
	committed uint64

	destroyed bool
}

// NewMemoryFile creates an allocator owning the usable frames of memoryMap.
// Partial pages at the edges of usable ranges are discarded, and reserved
// ranges take precedence over overlapping usable ones.
func NewMemoryFile(memoryMap []MemoryRange, opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Name == "" {
		opts.Name = "vmcore-memory"
	}
	runs := usableRuns(memoryMap)
	var total uint64
	for i := range runs {
		runs[i].index = total
		total += runs[i].count
	}
	if total == 0 {
		return nil, fmt.Errorf("memory map %v contains no usable frames", memoryMap)
	}

	file, err := memutil.CreateMemFD(opts.Name, 0)
	if err != nil {
		return nil, err
	}
	size := int64(total) * hostarch.PageSize
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("truncating %s to %d bytes: %w", opts.Name, size, err)
	}
	mapping, err := memutil.MapSlice(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	f := &MemoryFile{
		opts:    opts,
		file:    file,
		mapping: mapping,
		runs:    runs,
		total:   total,
		frames:  make([]frameInfo, total),
		free:    make([]uint64, 0, total),
	}
	// Push in reverse so that the lowest frames are allocated first.
	for i := total; i > 0; i-- {
		f.frames[i-1].zeroed = true
		f.free = append(f.free, i-1)
	}
	for _, r := range runs {
		log.Infof("pgalloc: usable physical range [%#x, %#x): %d frames", r.first.Address(), (r.first + FrameID(r.count)).Address(), r.count)
	}
	return f, nil
}

// usableRuns converts a memory map to sorted runs of whole usable frames.
func usableRuns(memoryMap []MemoryRange) []frameRun {
	var reserved []MemoryRange
	for _, r := range memoryMap {
		if r.Kind != Usable {
			reserved = append(reserved, r)
		}
	}
	var runs []frameRun
	for _, r := range memoryMap {
		if r.Kind != Usable {
			continue
		}
		start, ok := hostarch.PageRoundUp(r.Start)
		if !ok {
			continue
		}
		end := hostarch.PageRoundDown(r.End())
		for fr := start; fr < end; fr += hostarch.PageSize {
			if overlapsAny(reserved, fr, fr+hostarch.PageSize) {
				continue
			}
			id := FrameAt(fr)
			if n := len(runs); n > 0 && runs[n-1].first+FrameID(runs[n-1].count) == id {
				runs[n-1].count++
				continue
			}
			runs = append(runs, frameRun{first: id, count: 1})
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].first < runs[j].first })
	// Merge runs that became adjacent after sorting; duplicated usable
	// entries are dropped.
	merged := runs[:0]
	for _, r := range runs {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			lastEnd := last.first + FrameID(last.count)
			if r.first <= lastEnd {
				if end := r.first + FrameID(r.count); end > lastEnd {
					last.count += uint64(end - lastEnd)
				}
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

func overlapsAny(ranges []MemoryRange, start, end uint64) bool {
	for _, r := range ranges {
		if r.Start < end && start < r.End() {
			return true
		}
	}
	return false
}

// Destroy releases all host resources used by f.
//
// Preconditions: All frames allocated by f have been freed.
//
// Postconditions: None of f's methods may be called after Destroy.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	inUse := f.total - uint64(len(f.free))
	f.mu.Unlock()
	if inUse != 0 {
		log.Warningf("pgalloc: destroying allocator with %d frames in use", inUse)
	}
	if err := memutil.UnmapSlice(f.mapping); err != nil {
		log.Warningf("pgalloc: unmapping frames: %v", err)
	}
	f.file.Close()
}

// index returns the dense index of frame.
func (f *MemoryFile) index(frame FrameID) (uint64, bool) {
	i := sort.Search(len(f.runs), func(i int) bool {
		return f.runs[i].first+FrameID(f.runs[i].count) > frame
	})
	if i == len(f.runs) || frame < f.runs[i].first {
		return 0, false
	}
	return f.runs[i].index + uint64(frame-f.runs[i].first), true
}

// frameAt returns the frame with dense index idx.
func (f *MemoryFile) frameAt(idx uint64) FrameID {
	i := sort.Search(len(f.runs), func(i int) bool {
		return f.runs[i].index+f.runs[i].count > idx
	})
	return f.runs[i].first + FrameID(idx-f.runs[i].index)
}

func (f *MemoryFile) mustIndex(frame FrameID) uint64 {
	idx, ok := f.index(frame)
	if !ok {
		panic(fmt.Sprintf("pgalloc: %v is not a usable frame", frame))
	}
	return idx
}

// AllocOpts are options used in MemoryFile.AllocateFrame.
type AllocOpts struct {
	// Kind is the allocation's memory accounting type.
	Kind usage.MemoryKind

	// If Committed is true, the frame is drawn from a previous Commit and
	// the allocation cannot fail.
	Committed bool
}

// AllocateFrame returns a new zero-filled frame with a single reference.
//
// AllocateFrame never blocks. It returns ErrOutOfMemory if no uncommitted
// frame is free; it never returns a frame that is still referenced.
func (f *MemoryFile) AllocateFrame(opts AllocOpts) (FrameID, error) {
	idx, zeroed, err := f.allocate(opts)
	if err != nil {
		return 0, err
	}
	if !zeroed {
		clear(f.sliceAt(idx))
	}
	return f.frameAt(idx), nil
}

// AllocateAndFill allocates a frame and fills it with fill. If fill fails,
// the frame is freed and the error returned; a committed allocation returns
// its frame to the commitment.
//
// fill runs without f's lock held and may block.
func (f *MemoryFile) AllocateAndFill(opts AllocOpts, fill func(dst []byte) error) (FrameID, error) {
	frame, err := f.AllocateFrame(opts)
	if err != nil {
		return 0, err
	}
	if err := fill(f.Slice(frame)); err != nil {
		f.decRef(frame, opts.Committed)
		return 0, err
	}
	return frame, nil
}

// AllocateAndCopy allocates a frame holding a copy of src.
//
// Preconditions: A reference is held on src.
func (f *MemoryFile) AllocateAndCopy(src FrameID, opts AllocOpts) (FrameID, error) {
	idx, _, err := f.allocate(opts)
	if err != nil {
		return 0, err
	}
	copy(f.sliceAt(idx), f.Slice(src))
	return f.frameAt(idx), nil
}

func (f *MemoryFile) allocate(opts AllocOpts) (idx uint64, zeroed bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		panic("pgalloc: allocation from destroyed MemoryFile")
	}
	if opts.Committed {
		if f.committed == 0 {
			panic("pgalloc: committed allocation without a commitment")
		}
		f.committed--
	} else if uint64(len(f.free)) <= f.committed {
		return 0, false, ErrOutOfMemory
	}
	idx = f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	info := &f.frames[idx]
	if info.refs != 0 {
		panic(fmt.Sprintf("pgalloc: free %v has %d references", f.frameAt(idx), info.refs))
	}
	info.refs = 1
	info.kind = opts.Kind
	zeroed = info.zeroed
	info.zeroed = false
	f.stats.Inc(hostarch.PageSize, opts.Kind)
	return idx, zeroed, nil
}

// IncRef takes an additional reference on frame.
//
// Preconditions: frame is allocated.
func (f *MemoryFile) IncRef(frame FrameID) {
	idx := f.mustIndex(frame)
	f.mu.Lock()
	defer f.mu.Unlock()
	info := &f.frames[idx]
	if info.refs == 0 {
		panic(fmt.Sprintf("pgalloc: IncRef on free %v", frame))
	}
	info.refs++
}

// DecRef drops a reference on frame, freeing it when the last reference is
// dropped. It reports whether the frame was freed.
//
// Preconditions: frame is allocated.
func (f *MemoryFile) DecRef(frame FrameID) bool {
	return f.decRef(frame, false)
}

// decRef implements DecRef. If recommit is true and the frame is freed, it
// is added back to the commitment.
func (f *MemoryFile) decRef(frame FrameID, recommit bool) bool {
	idx := f.mustIndex(frame)
	f.mu.Lock()
	info := &f.frames[idx]
	if info.refs == 0 {
		f.mu.Unlock()
		panic(fmt.Sprintf("pgalloc: DecRef on free %v", frame))
	}
	info.refs--
	if info.refs > 0 {
		f.mu.Unlock()
		return false
	}
	f.stats.Dec(hostarch.PageSize, info.kind)
	if !f.opts.DecommitOnFree {
		f.releaseLocked(idx, recommit)
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	// The frame is neither referenced nor on the free list, so no one else
	// can observe it while it is decommitted.
	zeroed := true
	if err := memutil.PunchHole(int(f.file.Fd()), int64(idx)*hostarch.PageSize, hostarch.PageSize); err != nil {
		log.Debugf("pgalloc: decommitting %v: %v", frame, err)
		zeroed = false
	}
	f.mu.Lock()
	info.zeroed = zeroed
	f.releaseLocked(idx, recommit)
	f.mu.Unlock()
	return true
}

// Preconditions: f.mu must be locked.
func (f *MemoryFile) releaseLocked(idx uint64, recommit bool) {
	f.free = append(f.free, idx)
	if recommit {
		f.committed++
	}
}

// FreeFrame frees a frame that has exactly one reference.
func (f *MemoryFile) FreeFrame(frame FrameID) {
	if refs := f.Refs(frame); refs != 1 {
		panic(fmt.Sprintf("pgalloc: FreeFrame on %v with %d references", frame, refs))
	}
	f.DecRef(frame)
}

// Refs returns the number of references held on frame.
func (f *MemoryFile) Refs(frame FrameID) uint32 {
	idx := f.mustIndex(frame)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[idx].refs
}

// HasUniqueRef returns true if exactly one reference is held on frame.
func (f *MemoryFile) HasUniqueRef(frame FrameID) bool {
	return f.Refs(frame) == 1
}

// SetKind changes the accounting kind of an allocated frame.
func (f *MemoryFile) SetKind(frame FrameID, kind usage.MemoryKind) {
	idx := f.mustIndex(frame)
	f.mu.Lock()
	defer f.mu.Unlock()
	info := &f.frames[idx]
	if info.refs == 0 || info.kind == kind {
		return
	}
	f.stats.Move(hostarch.PageSize, kind, info.kind)
	info.kind = kind
}

// Commit reserves n free frames for future committed allocations. It fails
// with ErrOutOfMemory, reserving nothing, if fewer than n uncommitted frames
// are free.
func (f *MemoryFile) Commit(n uint64) error {
	if n == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(len(f.free))-f.committed < n {
		return ErrOutOfMemory
	}
	f.committed += n
	return nil
}

// Uncommit returns n unused committed frames.
func (f *MemoryFile) Uncommit(n uint64) {
	if n == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.committed {
		panic(fmt.Sprintf("pgalloc: uncommitting %d frames, only %d committed", n, f.committed))
	}
	f.committed -= n
}

// Slice returns the contents of frame.
//
// Preconditions: A reference is held on frame for as long as the slice is
// used.
func (f *MemoryFile) Slice(frame FrameID) []byte {
	return f.sliceAt(f.mustIndex(frame))
}

func (f *MemoryFile) sliceAt(idx uint64) []byte {
	off := idx * hostarch.PageSize
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// TotalFrames returns the number of usable frames.
func (f *MemoryFile) TotalFrames() uint64 {
	return f.total
}

// FreeFrames returns the number of frames that can be allocated without a
// commitment.
func (f *MemoryFile) FreeFrames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.free)) - f.committed
}

// Stats is a snapshot of allocator state.
type Stats struct {
	// TotalFrames is the number of usable frames.
	TotalFrames uint64

	// FreeFrames is the number of frames on the free list, including
	// committed ones.
	FreeFrames uint64

	// CommittedFrames is the number of free frames promised to commitments.
	CommittedFrames uint64

	// Usage is the allocated memory in bytes, by kind.
	Usage usage.MemorySnapshot
}

// Stats returns a snapshot of f's state.
func (f *MemoryFile) Stats() Stats {
	f.mu.Lock()
	s := Stats{
		TotalFrames:     f.total,
		FreeFrames:      uint64(len(f.free)),
		CommittedFrames: f.committed,
	}
	f.mu.Unlock()
	s.Usage = f.stats.Copy()
	return s
}

// Ranges returns the usable physical ranges managed by f.
func (f *MemoryFile) Ranges() []MemoryRange {
	out := make([]MemoryRange, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, MemoryRange{Start: r.first.Address(), Length: r.count * hostarch.PageSize, Kind: Usable})
	}
	return out
}
