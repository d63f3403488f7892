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

// Package memutil provides utilities for working with shared memory files.
package memutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateMemFD creates a memfd file and returns it.
func CreateMemFD(name string, flags int) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, flags|unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create(%q): %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// MapSlice maps size bytes of fd starting at offset and returns the mapping
// as a slice.
func MapSlice(fd int, offset int64, size int, prot, flags int) ([]byte, error) {
	b, err := unix.Mmap(fd, offset, size, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap(fd=%d, off=%#x, len=%#x): %w", fd, offset, size, err)
	}
	return b, nil
}

// UnmapSlice unmaps a mapping returned by MapSlice.
func UnmapSlice(slice []byte) error {
	return unix.Munmap(slice)
}

// PunchHole releases the host memory backing [offset, offset+length) of fd.
// Subsequent reads of the range return zeroes.
func PunchHole(fd int, offset, length int64) error {
	if err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length); err != nil {
		return fmt.Errorf("fallocate(PUNCH_HOLE, off=%#x, len=%#x): %w", offset, length, err)
	}
	return nil
}
