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

// Package cus implements shortcuts: normal world bindings that let a crypto
// update of a client session run directly on an accelerator instead of
// round-tripping into the secure world.
//
// The secure world installs, suspends, resumes and uninstalls shortcuts
// through RPCs. Client threads run them with TryUpdate, which validates the
// shortcut twice: once without the accelerator lock, and again with the lock
// held, before taking a use count.
package cus

import (
	"errors"
	"fmt"
	"sync/atomic"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/sync"
)

var (
	// ErrInapplicable means no usable shortcut exists for a command. The
	// caller must send the command to the secure world.
	ErrInapplicable = errors.New("shortcut not applicable")

	// ErrMalformed is returned, together with ErrInapplicable, when the
	// parameters of a command fail fast path validation. The secure world
	// produces the failure answer.
	ErrMalformed = errors.New("malformed shortcut parameters")

	// ErrUnknownShortcut is returned for an unknown shortcut handle.
	ErrUnknownShortcut = fmt.Errorf("unknown shortcut: %w", abi.ErrorItemNotFound)

	// ErrDuplicate is returned when installing a second shortcut for the
	// same session command.
	ErrDuplicate = fmt.Errorf("shortcut already installed for command: %w", abi.ErrorAccessConflict)

	// ErrClosed is returned by a closed registry.
	ErrClosed = fmt.Errorf("shortcut registry closed: %w", abi.ErrorBadState)
)

// Shortcut is one installed shortcut.
type Shortcut struct {
	// Handle identifies the shortcut in RPCs. It is unique across all
	// registries.
	Handle uint32

	// Session and Command select the client commands the shortcut
	// serves.
	Session uint32
	Command uint32

	// HWA is the accelerator the shortcut runs on.
	HWA hwa.ID

	// Ctrl is the control word selecting the mode or algorithm.
	Ctrl uint32

	// Key is the secure key context the shortcut is bound to. It is
	// ignored for the digest accelerator.
	Key uint32

	// The fields below are protected by the registry mutex. state is
	// additionally only mutated by the holder of a use count, or while the
	// shortcut is suspended with no users.
	state     hwa.OperationState
	useCount  int
	suspended bool
}

// Info is a snapshot of a shortcut.
type Info struct {
	Handle    uint32
	Session   uint32
	Command   uint32
	HWA       hwa.ID
	Key       uint32
	UseCount  int
	Suspended bool
}

type commandKey struct {
	session uint32
	command uint32
}

// Stats are cumulative fast path counters of a registry.
type Stats struct {
	Updates   uint64
	Fallbacks uint64
	Malformed uint64
	Errors    uint64
}

// Registry is the set of shortcuts of one connection.
type Registry struct {
	table *hwa.Table

	// mu is a short-held lock protecting the fields below and the
	// mutable fields of every Shortcut in the registry. It is never held
	// while acquiring an accelerator lock.
	mu sync.Mutex

	// idle is signalled whenever a use count drops to zero.
	idle *sync.Cond

	byCommand map[commandKey]*Shortcut
	byHandle  map[uint32]*Shortcut
	closed    bool

	updates   atomic.Uint64
	fallbacks atomic.Uint64
	malformed atomic.Uint64
	errors    atomic.Uint64
}

// NewRegistry returns an empty registry checking key coherence against
// table.
func NewRegistry(table *hwa.Table) *Registry {
	r := &Registry{
		table:     table,
		byCommand: make(map[commandKey]*Shortcut),
		byHandle:  make(map[uint32]*Shortcut),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Install adds sc with initial operation state st. sc.Handle must be set
// and unique.
func (r *Registry) Install(sc *Shortcut, st hwa.OperationState) error {
	if !sc.HWA.Valid() {
		return fmt.Errorf("accelerator %v: %w", sc.HWA, abi.ErrorBadParameters)
	}
	if err := hwa.CheckState(sc.HWA, sc.Ctrl, st); err != nil {
		return fmt.Errorf("%v: %w", err, abi.ErrorBadParameters)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	k := commandKey{sc.Session, sc.Command}
	if _, ok := r.byCommand[k]; ok {
		return ErrDuplicate
	}
	if _, ok := r.byHandle[sc.Handle]; ok {
		return fmt.Errorf("shortcut handle %d in use: %w", sc.Handle, abi.ErrorAccessConflict)
	}
	sc.state = st
	sc.useCount = 0
	sc.suspended = false
	r.byCommand[k] = sc
	r.byHandle[sc.Handle] = sc
	log.Debugf("Installed shortcut %d for session %d command %#x on %v", sc.Handle, sc.Session, sc.Command, sc.HWA)
	return nil
}

// usableLocked is the shortcut predicate. r.mu must be held.
func (r *Registry) usableLocked(session, command uint32) (*Shortcut, bool) {
	if r.closed {
		return nil, false
	}
	sc, ok := r.byCommand[commandKey{session, command}]
	if !ok || sc.suspended || !r.table.Usable(sc.HWA, sc.Key) {
		return nil, false
	}
	return sc, true
}

// Applicable returns the shortcut serving the session command if it is
// currently usable. It takes no use count; the result must be revalidated
// with Acquire once the accelerator lock is held.
func (r *Registry) Applicable(session, command uint32) (*Shortcut, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usableLocked(session, command)
}

// Acquire is like Applicable, but takes a use count on the shortcut. The
// caller must hold the lock of the shortcut's accelerator and call Release
// when done.
func (r *Registry) Acquire(session, command uint32) (*Shortcut, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.usableLocked(session, command)
	if ok {
		sc.useCount++
	}
	return sc, ok
}

// Release drops a use count taken by Acquire.
func (r *Registry) Release(sc *Shortcut) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc.useCount--
	switch {
	case sc.useCount < 0:
		panic(fmt.Sprintf("negative use count on shortcut %d", sc.Handle))
	case sc.useCount == 0:
		r.idle.Broadcast()
	}
}

// waitIdleLocked waits until sc has no users. r.mu must be held.
//
// Suspended shortcuts cannot be acquired, so once sc is suspended the wait
// is bounded by the updates already in flight.
func (r *Registry) waitIdleLocked(sc *Shortcut) {
	for sc.useCount != 0 {
		r.idle.Wait()
	}
}

// Suspend marks shortcut handle suspended, waits for its in-flight updates
// to complete and returns a copy of its operation state. If uninstall is
// set the shortcut is removed instead of being left suspended.
func (r *Registry) Suspend(handle uint32, uninstall bool) (hwa.OperationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byHandle[handle]
	if !ok {
		return nil, fmt.Errorf("shortcut %d: %w", handle, ErrUnknownShortcut)
	}
	sc.suspended = true
	r.waitIdleLocked(sc)
	st := hwa.CloneState(sc.state)
	if uninstall {
		r.removeLocked(sc)
	}
	return st, nil
}

// Resume replaces the operation state of suspended shortcut handle with st
// and makes it usable again.
func (r *Registry) Resume(handle uint32, st hwa.OperationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byHandle[handle]
	if !ok {
		return fmt.Errorf("shortcut %d: %w", handle, ErrUnknownShortcut)
	}
	if !sc.suspended {
		return fmt.Errorf("shortcut %d is not suspended: %w", handle, abi.ErrorBadState)
	}
	if err := hwa.CheckState(sc.HWA, sc.Ctrl, st); err != nil {
		return fmt.Errorf("%v: %w", err, abi.ErrorBadParameters)
	}
	sc.state = hwa.CloneState(st)
	sc.suspended = false
	return nil
}

// Uninstall removes shortcut handle once it has no users.
func (r *Registry) Uninstall(handle uint32) error {
	_, err := r.Suspend(handle, true)
	return err
}

func (r *Registry) removeLocked(sc *Shortcut) {
	delete(r.byCommand, commandKey{sc.Session, sc.Command})
	delete(r.byHandle, sc.Handle)
	log.Debugf("Uninstalled shortcut %d", sc.Handle)
}

// Lookup returns a snapshot of shortcut handle.
func (r *Registry) Lookup(handle uint32) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byHandle[handle]
	if !ok {
		return Info{}, false
	}
	return sc.infoLocked(), true
}

func (sc *Shortcut) infoLocked() Info {
	return Info{
		Handle:    sc.Handle,
		Session:   sc.Session,
		Command:   sc.Command,
		HWA:       sc.HWA,
		Key:       sc.Key,
		UseCount:  sc.useCount,
		Suspended: sc.suspended,
	}
}

// Shortcuts returns a snapshot of every shortcut.
func (r *Registry) Shortcuts() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]Info, 0, len(r.byHandle))
	for _, sc := range r.byHandle {
		infos = append(infos, sc.infoLocked())
	}
	return infos
}

// Len returns the number of installed shortcuts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}

// Close stops new updates and waits for in-flight ones to complete.
// Installed shortcuts stay registered so that the secure world can still
// suspend or uninstall them.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, sc := range r.byHandle {
		r.waitIdleLocked(sc)
	}
}

// Drain removes every remaining shortcut and returns their handles. The
// registry must be closed.
func (r *Registry) Drain() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		panic("Drain of open shortcut registry")
	}
	handles := make([]uint32, 0, len(r.byHandle))
	for h, sc := range r.byHandle {
		r.waitIdleLocked(sc)
		r.removeLocked(sc)
		handles = append(handles, h)
	}
	return handles
}

// Stats returns the fast path counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Updates:   r.updates.Load(),
		Fallbacks: r.fallbacks.Load(),
		Malformed: r.malformed.Load(),
		Errors:    r.errors.Load(),
	}
}
