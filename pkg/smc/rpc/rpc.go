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

// Package rpc dispatches the calls the secure world makes into the normal
// world while the polling coordinator is inside the call gate.
//
// The dispatcher is the only writer of the accelerator key contexts: it
// holds the hwa.Control of the accelerator table and applies the shortcut
// lifecycle RPCs to the shortcut registries of the connections.
package rpc

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/sync"
)

// Options configure a Dispatcher.
type Options struct {
	// TraceEvery and TraceBurst rate limit the forwarding of secure world
	// trace lines.
	TraceEvery time.Duration
	TraceBurst int

	// OnInit is called by the init RPC once the protocol version has been
	// accepted. It releases the one-time boot resources.
	OnInit func()
}

// DefaultOptions returns the default dispatcher options.
func DefaultOptions() Options {
	return Options{
		TraceEvery: 10 * time.Millisecond,
		TraceBurst: 1,
	}
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Yields   uint64
	Traces   uint64
	Installs uint64
	Suspends uint64
	Resumes  uint64
	Clears   uint64
	Failures uint64
}

// shortcutEntry maps a shortcut handle to the registry holding it.
type shortcutEntry struct {
	handle  uint32
	context uint32
	reg     *cus.Registry
}

func lessEntry(a, b shortcutEntry) bool {
	return a.handle < b.handle
}

// Dispatcher executes secure world RPCs.
type Dispatcher struct {
	ctrl  *hwa.Control
	opts  Options
	trace log.Logger

	// mu protects the fields below. The coordinator goroutine is the only
	// caller of HandleRPC, but connections come and go concurrently.
	mu         sync.Mutex
	contexts   map[uint32]*cus.Registry
	shortcuts  *btree.BTreeG[shortcutEntry]
	nextHandle uint32

	yields   atomic.Uint64
	traces   atomic.Uint64
	installs atomic.Uint64
	suspends atomic.Uint64
	resumes  atomic.Uint64
	clears   atomic.Uint64
	failures atomic.Uint64
}

// New returns a dispatcher owning ctrl.
func New(ctrl *hwa.Control, opts Options) *Dispatcher {
	if opts.TraceBurst <= 0 {
		opts.TraceBurst = 1
	}
	return &Dispatcher{
		ctrl:       ctrl,
		opts:       opts,
		trace:      log.PrefixedRateLimitedLogger(log.Log(), "SW: ", opts.TraceEvery, opts.TraceBurst),
		contexts:   make(map[uint32]*cus.Registry),
		shortcuts:  btree.NewG(8, lessEntry),
		nextHandle: 1,
	}
}

// Table returns the accelerator table the dispatcher controls.
func (d *Dispatcher) Table() *hwa.Table {
	return d.ctrl.Table()
}

// AddContext makes the shortcut registry of secure world context handle
// reachable by install RPCs.
func (d *Dispatcher) AddContext(handle uint32, reg *cus.Registry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contexts[handle]; ok {
		return fmt.Errorf("context %d already registered: %w", handle, abi.ErrorAccessConflict)
	}
	d.contexts[handle] = reg
	return nil
}

// RemoveContext forgets context handle and the handles of its shortcuts.
// It returns the number of shortcut handles forgotten.
func (d *Dispatcher) RemoveContext(handle uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contexts, handle)
	var stale []shortcutEntry
	d.shortcuts.Ascend(func(e shortcutEntry) bool {
		if e.context == handle {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		d.shortcuts.Delete(e)
	}
	return len(stale)
}

// lookup returns the registry holding shortcut handle.
func (d *Dispatcher) lookup(handle uint32) (*cus.Registry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.shortcuts.Get(shortcutEntry{handle: handle})
	if !ok {
		return nil, fmt.Errorf("shortcut %d: %w", handle, cus.ErrUnknownShortcut)
	}
	return e.reg, nil
}

func (d *Dispatcher) forget(handle uint32) {
	d.mu.Lock()
	d.shortcuts.Delete(shortcutEntry{handle: handle})
	d.mu.Unlock()
}

// ResetKeys clears the key context of every accelerator. It is used when
// the platform loses accelerator state across a power cycle.
func (d *Dispatcher) ResetKeys() {
	d.ctrl.ClearKeys(abi.HWAAll)
	log.Infof("Cleared all accelerator key contexts")
}

// HandleRPC implements comm.RPCHandler.HandleRPC.
func (d *Dispatcher) HandleRPC(id, command uint32, params []byte) (abi.ErrorCode, uint32, error) {
	var (
		n   int
		err error
	)
	switch id {
	case abi.RPCYield:
		d.yields.Add(1)
		return abi.Success, 0, nil
	case abi.RPCInit:
		if err := d.init(params); err != nil {
			return abi.ErrorBadParameters, 0, err
		}
		return abi.Success, 0, nil
	case abi.RPCTrace:
		err = d.traceLine(params)
	case abi.RPCCrypto:
		n, err = d.crypto(command, params)
	default:
		err = fmt.Errorf("unknown RPC %d: %w", id, abi.ErrorNotImplemented)
	}
	if err != nil {
		d.failures.Add(1)
		log.Warningf("RPC %d (command %#x) failed: %v", id, command, err)
		return abi.CodeOf(err), 0, nil
	}
	return abi.Success, uint32(n), nil
}

// init checks the protocol version of the secure world. An incompatible
// major version is fatal to the channel.
func (d *Dispatcher) init(params []byte) error {
	var p abi.InitParams
	if err := p.UnmarshalBytes(params); err != nil {
		return fmt.Errorf("init parameters: %w", err)
	}
	if abi.VersionMajorOf(p.Version) != abi.VersionMajor {
		return fmt.Errorf("secure world speaks %s, normal world %s: %w",
			abi.VersionString(p.Version), abi.VersionString(abi.Version()), abi.ErrProtocolVersion)
	}
	if p.Version != abi.Version() {
		log.Infof("Secure world protocol %s differs in minor version from %s", abi.VersionString(p.Version), abi.VersionString(abi.Version()))
	}
	if d.opts.OnInit != nil {
		d.opts.OnInit()
	}
	log.Debugf("Secure world init, boot buffer of %d bytes consumed", p.BootBufferLen)
	return nil
}

func (d *Dispatcher) traceLine(params []byte) error {
	var p abi.TraceParams
	if err := p.UnmarshalBytes(params); err != nil {
		return err
	}
	d.traces.Add(1)
	d.trace.Infof("%s", bytes.TrimRight(p.Line, "\r\n\x00"))
	return nil
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Yields:   d.yields.Load(),
		Traces:   d.traces.Load(),
		Installs: d.installs.Load(),
		Suspends: d.suspends.Load(),
		Resumes:  d.resumes.Load(),
		Clears:   d.clears.Load(),
		Failures: d.failures.Load(),
	}
}
