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

// Package memmap defines the contract between file-backed regions and the
// objects that supply their contents.
package memmap

import (
	"context"
	"fmt"
)

// Mappable represents a memory-mappable object: a source of page contents
// addressed by page-aligned offsets.
//
// Mappable methods may block (e.g. on disk I/O). Callers must not hold the
// frame allocator's lock or any page table lock across calls.
//
// All Mappable methods have the following preconditions:
//   - offset is page-aligned.
//   - len(dst) and len(src) are exactly one page.
type Mappable interface {
	// ReadPage copies the page at offset into dst. Bytes beyond the end of
	// the Mappable read as zero.
	ReadPage(ctx context.Context, offset uint64, dst []byte) error

	// WritePage writes back the page at offset from src. Bytes beyond the
	// end of the Mappable are discarded.
	WritePage(ctx context.Context, offset uint64, src []byte) error

	// Size returns the current size of the Mappable in bytes.
	Size() uint64

	// String returns a name for the Mappable, used in maps output.
	String() string
}

// BusError may be returned by Mappable implementations to indicate that an
// offset could not be read or written, for reasons other than a range beyond
// the end of the object.
type BusError struct {
	// Err is the original error.
	Err error
}

// Error implements error.Error.
func (b *BusError) Error() string {
	return fmt.Sprintf("BusError: %v", b.Err.Error())
}

// Unwrap returns the original error.
func (b *BusError) Unwrap() error {
	return b.Err
}
