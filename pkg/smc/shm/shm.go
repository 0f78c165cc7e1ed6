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

// Package shm implements the per-connection registry of shared memory blocks.
//
// Every block is owned by exactly one Registry. Shortcut executions and
// in-flight commands borrow blocks through Borrow tokens; a removed block is
// only freed once every borrow has been released.
package shm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/memutil"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/sync"
)

// AllocKind describes who owns the memory of a block.
type AllocKind int

const (
	// Registered blocks wrap caller memory. The caller keeps ownership of
	// the mapping.
	Registered AllocKind = iota

	// Allocated blocks are pinned regions allocated by the registry and
	// unmapped when the block is freed.
	Allocated
)

// String implements fmt.Stringer.
func (k AllocKind) String() string {
	switch k {
	case Registered:
		return "registered"
	case Allocated:
		return "allocated"
	default:
		return fmt.Sprintf("AllocKind(%d)", int(k))
	}
}

var (
	// ErrNotFound is returned for an unknown block identifier.
	ErrNotFound = fmt.Errorf("shared memory block not found: %w", abi.ErrorItemNotFound)

	// ErrOutOfRange is returned when a reference exceeds its block.
	ErrOutOfRange = fmt.Errorf("reference outside shared memory block: %w", abi.ErrorBadParameters)

	// ErrNotPinned is returned when registering memory that the secure
	// world cannot address.
	ErrNotPinned = fmt.Errorf("memory is not in a pinned region: %w", abi.ErrorBadParameters)

	// ErrClosed is returned by a registry that has been drained.
	ErrClosed = errors.New("shared memory registry closed")
)

// Descriptor is one shared memory block.
type Descriptor struct {
	// ID is the identifier of the block in its registry.
	ID uint32

	// Kind is the allocation kind.
	Kind AllocKind

	// Flags are abi.ShmInput and abi.ShmOutput.
	Flags uint32

	buf    []byte
	addr   uintptr
	region *memutil.Region

	// block is the secure world handle, or zero before registration.
	block atomic.Uint32

	// refs counts the registry reference plus outstanding borrows.
	refs atomic.Int32
}

// Size returns the size of the block.
func (d *Descriptor) Size() int {
	return len(d.buf)
}

// Addr returns the physical address of the block.
func (d *Descriptor) Addr() uintptr {
	return d.addr
}

// Block returns the secure world handle of the block.
func (d *Descriptor) Block() uint32 {
	return d.block.Load()
}

// SetBlock records the secure world handle of the block.
func (d *Descriptor) SetBlock(h uint32) {
	d.block.Store(h)
}

// Bytes returns the memory of the block. Callers must hold a borrow or the
// registry reference.
func (d *Descriptor) Bytes() []byte {
	return d.buf
}

func (d *Descriptor) decRef() {
	switch v := d.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("shm: descriptor %d released too many times", d.ID))
	case v == 0:
		d.free()
	}
}

func (d *Descriptor) free() {
	if d.region == nil {
		return
	}
	if err := d.region.Unmap(); err != nil {
		log.Warningf("Unmapping shared memory block %d: %v", d.ID, err)
	}
	d.region = nil
}

// Borrow is a counted reference to a range of a block. It must be released
// exactly once.
type Borrow struct {
	d        *Descriptor
	buf      []byte
	released atomic.Bool
}

// Bytes returns the borrowed range.
func (b *Borrow) Bytes() []byte {
	return b.buf
}

// Descriptor returns the borrowed block.
func (b *Borrow) Descriptor() *Descriptor {
	return b.d
}

// Release drops the borrow.
func (b *Borrow) Release() {
	if b.released.Swap(true) {
		panic(fmt.Sprintf("shm: double release of borrow on block %d", b.d.ID))
	}
	b.d.decRef()
}

// Registry is the set of shared memory blocks of one connection, indexed
// by identifier.
type Registry struct {
	// mu protects the fields below.
	mu     sync.Mutex
	tree   *btree.BTreeG[*Descriptor]
	nextID uint32
	closed bool
}

func lessDescriptor(a, b *Descriptor) bool {
	return a.ID < b.ID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tree:   btree.NewG(8, lessDescriptor),
		nextID: 1,
	}
}

// Register adds caller memory to the registry. buf must lie within a pinned
// region.
func (r *Registry) Register(buf []byte, flags uint32) (*Descriptor, error) {
	addr := memutil.AddrOf(buf)
	if _, ok := memutil.Resolve(addr, len(buf)); !ok || len(buf) == 0 {
		return nil, ErrNotPinned
	}
	d := &Descriptor{Kind: Registered, Flags: flags, buf: buf, addr: addr}
	if err := r.insert(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Allocate adds a new pinned block of size bytes to the registry.
func (r *Registry) Allocate(size int, flags uint32) (*Descriptor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation of %d bytes: %w", size, abi.ErrorBadParameters)
	}
	region, err := memutil.MapPinned("shm-block", size)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, abi.ErrorOutOfMemory)
	}
	d := &Descriptor{
		Kind:   Allocated,
		Flags:  flags,
		buf:    region.Bytes()[:size],
		addr:   region.Addr(),
		region: region,
	}
	if err := r.insert(d); err != nil {
		d.free()
		return nil, err
	}
	return d, nil
}

func (r *Registry) insert(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	d.ID = r.nextID
	r.nextID++
	d.refs.Store(1)
	r.tree.ReplaceOrInsert(d)
	return nil
}

// Lookup returns the block with identifier id. The result is not borrowed.
func (r *Registry) Lookup(id uint32) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Get(&Descriptor{ID: id})
}

// Borrow takes a reference on size bytes at offset in block id.
func (r *Registry) Borrow(id, offset, size uint32) (*Borrow, error) {
	r.mu.Lock()
	d, ok := r.tree.Get(&Descriptor{ID: id})
	if ok {
		d.refs.Add(1)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("block %d: %w", id, ErrNotFound)
	}
	if uint64(offset)+uint64(size) > uint64(len(d.buf)) {
		d.decRef()
		return nil, fmt.Errorf("block %d range [%d, %d+%d) of %d: %w", id, offset, offset, size, len(d.buf), ErrOutOfRange)
	}
	return &Borrow{d: d, buf: d.buf[offset : offset+size]}, nil
}

// Remove removes block id from the registry and drops the registry
// reference. The block is freed when its last borrow is released.
func (r *Registry) Remove(id uint32) (*Descriptor, error) {
	r.mu.Lock()
	d, ok := r.tree.Delete(&Descriptor{ID: id})
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("block %d: %w", id, ErrNotFound)
	}
	d.decRef()
	return d, nil
}

// Len returns the number of blocks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// Blocks returns the blocks in identifier order.
func (r *Registry) Blocks() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := make([]*Descriptor, 0, r.tree.Len())
	r.tree.Ascend(func(d *Descriptor) bool {
		ds = append(ds, d)
		return true
	})
	return ds
}

// Drain closes the registry, removes every block and returns them. Blocks
// are freed as their borrows are released.
func (r *Registry) Drain() []*Descriptor {
	r.mu.Lock()
	r.closed = true
	var ds []*Descriptor
	r.tree.Ascend(func(d *Descriptor) bool {
		ds = append(ds, d)
		return true
	})
	r.tree.Clear(false)
	r.mu.Unlock()
	for _, d := range ds {
		d.decRef()
	}
	return ds
}
