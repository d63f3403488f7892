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

package memmap

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/sync"
)

// HostFile is a Mappable backed by a host file descriptor.
type HostFile struct {
	file *os.File
}

// NewHostFile returns a Mappable for f. The caller retains ownership of f.
func NewHostFile(f *os.File) *HostFile {
	return &HostFile{file: f}
}

// ReadPage implements Mappable.ReadPage.
func (h *HostFile) ReadPage(_ context.Context, offset uint64, dst []byte) error {
	n := 0
	for n < len(dst) {
		m, err := unix.Pread(int(h.file.Fd()), dst[n:], int64(offset)+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &BusError{fmt.Errorf("pread %s at %#x: %w", h.file.Name(), offset+uint64(n), err)}
		}
		if m == 0 {
			break
		}
		n += m
	}
	clear(dst[n:])
	return nil
}

// WritePage implements Mappable.WritePage.
func (h *HostFile) WritePage(_ context.Context, offset uint64, src []byte) error {
	size := h.Size()
	if offset >= size {
		return nil
	}
	if rem := size - offset; rem < uint64(len(src)) {
		src = src[:rem]
	}
	for len(src) > 0 {
		m, err := unix.Pwrite(int(h.file.Fd()), src, int64(offset))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &BusError{fmt.Errorf("pwrite %s at %#x: %w", h.file.Name(), offset, err)}
		}
		src = src[m:]
		offset += uint64(m)
	}
	return nil
}

// Size implements Mappable.Size.
func (h *HostFile) Size() uint64 {
	var st unix.Stat_t
	if err := unix.Fstat(int(h.file.Fd()), &st); err != nil {
		return 0
	}
	return uint64(st.Size)
}

// String implements Mappable.String.
func (h *HostFile) String() string {
	return h.file.Name()
}

// BytesFile is an in-memory Mappable.
type BytesFile struct {
	name string

	mu   sync.Mutex
	data []byte
}

// NewBytesFile returns a Mappable holding a copy of data.
func NewBytesFile(name string, data []byte) *BytesFile {
	return &BytesFile{name: name, data: append([]byte(nil), data...)}
}

// ReadPage implements Mappable.ReadPage.
func (b *BytesFile) ReadPage(_ context.Context, offset uint64, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if offset < uint64(len(b.data)) {
		n = copy(dst, b.data[offset:])
	}
	clear(dst[n:])
	return nil
}

// WritePage implements Mappable.WritePage.
func (b *BytesFile) WritePage(_ context.Context, offset uint64, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < uint64(len(b.data)) {
		copy(b.data[offset:], src)
	}
	return nil
}

// Size implements Mappable.Size.
func (b *BytesFile) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

// String implements Mappable.String.
func (b *BytesFile) String() string {
	return b.name
}

// Bytes returns a copy of the current contents.
func (b *BytesFile) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// ReadAll reads the full contents of m, page by page.
func ReadAll(ctx context.Context, m Mappable, pageSize int) ([]byte, error) {
	size := m.Size()
	out := make([]byte, 0, size)
	page := make([]byte, pageSize)
	for off := uint64(0); off < size; off += uint64(pageSize) {
		if err := m.ReadPage(ctx, off, page); err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	if uint64(len(out)) > size {
		out = out[:size]
	}
	return out, nil
}
