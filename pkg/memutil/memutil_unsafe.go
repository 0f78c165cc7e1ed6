// Copyright 2024 The gVisor Authors.
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

// Package memutil provides pinned, page-aligned memory regions that are
// shared between the normal world and the secure monitor.
//
// The address of a region stands in for its physical address: it is what is
// written into descriptors handed to the secure world, and Resolve turns it
// back into a byte slice on the other side.
package memutil

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"splitworld.dev/smc/pkg/log"
)

var (
	pageSize = os.Getpagesize()
	pageMask = pageSize - 1
)

// PageSize returns the system page size.
func PageSize() int {
	return pageSize
}

// RoundUpToPage rounds x up to a multiple of the page size.
func RoundUpToPage(x int) int {
	return (x + pageMask) &^ pageMask
}

// Region is a pinned memory mapping.
type Region struct {
	buf  []byte
	addr uintptr
	fd   int
	name string
}

// Bytes returns the mapping.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Addr returns the address used to refer to the region across the call
// gate.
func (r *Region) Addr() uintptr {
	return r.addr
}

// Len returns the size of the mapping in bytes.
func (r *Region) Len() int {
	return len(r.buf)
}

// Name returns the name the region was created with.
func (r *Region) Name() string {
	return r.name
}

// MapPinned creates a zero-filled anonymous mapping of at least size bytes and
// locks it in memory.
func MapPinned(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}
	size = RoundUpToPage(size)
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d) for %q failed: %w", size, name, err)
	}
	return pin(name, buf, -1), nil
}

// MapMemFD creates a memfd-backed shared mapping of at least size bytes and
// locks it in memory. The file is sealed against shrinking so that neither
// side can cause SIGBUS in the other by truncating it.
func MapMemFD(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}
	size = RoundUpToPage(size)
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate(%d, %d) failed: %w", fd, size, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to apply memfd seals: %w", err)
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap of memfd %q failed: %w", name, err)
	}
	return pin(name, buf, fd), nil
}

func pin(name string, buf []byte, fd int) *Region {
	if err := unix.Mlock(buf); err != nil {
		// RLIMIT_MEMLOCK may be small for unprivileged users. The
		// mapping is still usable, only not guaranteed resident.
		log.Debugf("mlock of %q (%d bytes) failed: %v", name, len(buf), err)
	}
	r := &Region{
		buf:  buf,
		addr: uintptr(unsafe.Pointer(unsafe.SliceData(buf))),
		fd:   fd,
		name: name,
	}
	bus.add(r)
	return r
}

// Unmap releases the region. The region must not be used afterwards.
func (r *Region) Unmap() error {
	if r.buf == nil {
		return nil
	}
	bus.remove(r)
	_ = unix.Munlock(r.buf)
	err := unix.Munmap(r.buf)
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	r.buf = nil
	return err
}

// Resolve returns the size bytes at addr, which must lie entirely within a
// live region.
func Resolve(addr uintptr, size int) ([]byte, bool) {
	return bus.resolve(addr, size)
}

// physBus tracks live regions ordered by address.
type physBus struct {
	mu      sync.RWMutex
	regions []*Region
}

var bus physBus

func (b *physBus) add(r *Region) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].addr >= r.addr })
	b.regions = append(b.regions, nil)
	copy(b.regions[i+1:], b.regions[i:])
	b.regions[i] = r
}

func (b *physBus) remove(r *Region) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, o := range b.regions {
		if o == r {
			b.regions = append(b.regions[:i], b.regions[i+1:]...)
			return
		}
	}
}

func (b *physBus) resolve(addr uintptr, size int) ([]byte, bool) {
	if size < 0 {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].addr > addr }) - 1
	if i < 0 {
		return nil, false
	}
	r := b.regions[i]
	off := addr - r.addr
	if off+uintptr(size) > uintptr(len(r.buf)) {
		return nil, false
	}
	return r.buf[off : off+uintptr(size)], true
}

// AddrOf returns the address of the first byte of b, or 0 if b is empty.
func AddrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
