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

package hwa

import (
	"context"
	"fmt"
	"sync/atomic"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/tmutex"
)

// NoKey is the key context handle meaning that no secure key is usable.
const NoKey uint32 = 0

// accelerator is the lock and key context of one physical accelerator.
type accelerator struct {
	// mu is held for the duration of a shortcut update, or by the secure
	// world from a lock RPC until the matching unlock RPC. It is the
	// long-held lock flavor and may be released by another goroutine.
	mu tmutex.Mutex

	// key is the current secure key context. Only Control writes it.
	key atomic.Uint32

	// public is the SHA publicly-usable flag. Only Control writes it.
	public atomic.Bool

	engine Engine
}

// Table is the process-wide set of accelerators. Shortcut executions use it
// to serialize access to the engines and to check key coherence. Key
// contexts can only be changed through the Control returned with the Table.
type Table struct {
	accels [NumIDs]accelerator
}

// Control mutates the key contexts and holds locks on behalf of the secure
// world. It is owned by the RPC dispatcher.
type Control struct {
	t *Table

	// held marks the accelerators locked on behalf of the secure world.
	held [NumIDs]atomic.Bool
}

// NewTable returns a table over the given engines, which must include one
// engine per accelerator.
func NewTable(engines []Engine) (*Table, *Control, error) {
	t := &Table{}
	for _, e := range engines {
		id := e.ID()
		if !id.Valid() || t.accels[id].engine != nil {
			return nil, nil, fmt.Errorf("invalid or duplicate engine %v", id)
		}
		t.accels[id].engine = e
	}
	for id := ID(0); id < NumIDs; id++ {
		if t.accels[id].engine == nil {
			return nil, nil, fmt.Errorf("missing engine %v", id)
		}
		t.accels[id].mu.Init()
	}
	return t, &Control{t: t}, nil
}

// Engine returns the engine of accelerator id.
func (t *Table) Engine(id ID) Engine {
	return t.accels[id].engine
}

// Lock acquires the lock of accelerator id.
func (t *Table) Lock(id ID) {
	t.accels[id].mu.Lock()
}

// LockContext acquires the lock of accelerator id or returns ctx.Err().
func (t *Table) LockContext(ctx context.Context, id ID) error {
	return t.accels[id].mu.LockContext(ctx)
}

// TryLock acquires the lock of accelerator id if it is free.
func (t *Table) TryLock(id ID) bool {
	return t.accels[id].mu.TryLock()
}

// Unlock releases the lock of accelerator id.
func (t *Table) Unlock(id ID) {
	t.accels[id].mu.Unlock()
}

// Locked returns true if the lock of accelerator id is held.
func (t *Table) Locked(id ID) bool {
	return t.accels[id].mu.Locked()
}

// Usable returns true if a shortcut bound to key may run on accelerator id:
// key is the current secure key context of a cipher accelerator, or the
// digest accelerator is public. The caller must hold the lock of id for the
// answer to stay valid.
func (t *Table) Usable(id ID, key uint32) bool {
	a := &t.accels[id]
	if !id.HasKey() {
		return a.public.Load()
	}
	return key != NoKey && a.key.Load() == key
}

// CurrentKey returns the current secure key context of accelerator id.
func (t *Table) CurrentKey(id ID) uint32 {
	return t.accels[id].key.Load()
}

// Public returns the publicly-usable flag of the digest accelerator.
func (t *Table) Public() bool {
	return t.accels[SHA].public.Load()
}

// Table returns the table controlled by c.
func (c *Control) Table() *Table {
	return c.t
}

// Lock acquires the locks of all accelerators in s, in ID order.
func (c *Control) Lock(s abi.HWASet) {
	for _, id := range IDs(s) {
		c.t.Lock(id)
		c.held[id].Store(true)
	}
}

// Unlock releases the locks the secure world holds on the accelerators in
// s. Unlocking an accelerator it does not hold, whether free or held by a
// shortcut update, is a protocol violation and is ignored.
func (c *Control) Unlock(s abi.HWASet) {
	for _, id := range IDs(s) {
		if !c.held[id].Swap(false) {
			log.Warningf("Secure world unlocked accelerator %v it does not hold", id)
			continue
		}
		c.t.Unlock(id)
	}
}

// Holds returns true if the secure world holds the lock of accelerator id.
func (c *Control) Holds(id ID) bool {
	return c.held[id].Load()
}

// SetKey sets the current secure key context of cipher accelerator id. The
// secure world holds the lock of id.
func (c *Control) SetKey(id ID, key uint32) {
	if !id.HasKey() {
		panic(fmt.Sprintf("SetKey on keyless accelerator %v", id))
	}
	c.t.accels[id].key.Store(key)
}

// SetPublic sets the publicly-usable flag of the digest accelerator.
func (c *Control) SetPublic(public bool) {
	c.t.accels[SHA].public.Store(public)
}

// ClearKeys resets the key context of every cipher accelerator in s to NoKey
// and makes the digest accelerator private if it is in s.
//
// ClearKeys does not take the accelerator locks. A shortcut update that
// already passed its key check under the lock completes with the retired
// key; every later check fails.
func (c *Control) ClearKeys(s abi.HWASet) {
	for _, id := range IDs(s) {
		if id.HasKey() {
			c.t.accels[id].key.Store(NoKey)
		} else {
			c.t.accels[id].public.Store(false)
		}
	}
}
