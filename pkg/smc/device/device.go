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

// Package device ties the components of one secure monitor instance
// together: the message channel and its polling coordinator, the RPC
// dispatcher owning the accelerator table, the power coordinator, and the
// client connections.
package device

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"splitworld.dev/smc/pkg/cleanup"
	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/comm"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/smc/power"
	"splitworld.dev/smc/pkg/smc/rpc"
	"splitworld.dev/smc/pkg/sync"
)

// ErrClosed is returned by a closed device.
var ErrClosed = errors.New("device closed")

// Options configure a Device.
type Options struct {
	Channel comm.Options
	RPC     rpc.Options

	// ScratchSize is the size of the scratch area of each context.
	ScratchSize int

	// IRQEnable keeps interrupts enabled during call gate invocations.
	IRQEnable bool
}

// DefaultOptions returns the default device options.
func DefaultOptions() Options {
	return Options{
		Channel:     comm.DefaultOptions(),
		RPC:         rpc.DefaultOptions(),
		ScratchSize: 64 << 10,
	}
}

// Stats are the counters of a device.
type Stats struct {
	Channel  comm.Stats
	RPC      rpc.Stats
	FastPath cus.Stats
}

// Device is the normal world side of one secure monitor.
type Device struct {
	opts  Options
	ch    *comm.Channel
	co    *comm.Coordinator
	disp  *rpc.Dispatcher
	power *power.Coordinator

	// mu protects the fields below.
	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool

	// retired accumulates the fast path counters of destroyed contexts.
	retired cus.Stats
}

// New returns a device entering the secure world through gate and driving
// engines. Start must be called before use.
func New(gate comm.Gate, engines []hwa.Engine, opts Options) (*Device, error) {
	ch, err := comm.NewChannel(opts.Channel)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(ch.Release)
	defer cu.Clean()

	_, ctrl, err := hwa.NewTable(engines)
	if err != nil {
		return nil, err
	}
	rpcOpts := opts.RPC
	onInit := rpcOpts.OnInit
	rpcOpts.OnInit = func() {
		ch.ReleaseBootBuffer()
		if onInit != nil {
			onInit()
		}
	}
	disp := rpc.New(ctrl, rpcOpts)
	co, err := comm.NewCoordinator(ch, gate, disp, opts.IRQEnable)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &Device{
		opts:  opts,
		ch:    ch,
		co:    co,
		disp:  disp,
		power: power.New(ch, co, disp),
		conns: make(map[*Connection]struct{}),
	}, nil
}

// Start performs the init handshake with the secure world.
func (d *Device) Start() error {
	if err := d.co.Start(); err != nil {
		return fmt.Errorf("starting secure world: %w", err)
	}
	return nil
}

// Interrupt is the secure world interrupt handler. It may be called from
// any goroutine.
func (d *Device) Interrupt() {
	d.ch.Notify()
}

// Power returns the power coordinator.
func (d *Device) Power() *power.Coordinator {
	return d.power
}

// Table returns the accelerator table.
func (d *Device) Table() *hwa.Table {
	return d.disp.Table()
}

// Channel returns the message channel.
func (d *Device) Channel() *comm.Channel {
	return d.ch
}

// Dead returns a channel that is closed when the secure world terminates.
func (d *Device) Dead() <-chan struct{} {
	return d.ch.Dead()
}

// Open returns a new connection without a context.
func (d *Device) Open() (*Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	c := &Connection{
		d:        d,
		inflight: make(map[uint32]map[*invocation]struct{}),
	}
	d.conns[c] = struct{}{}
	return c, nil
}

// active returns an error if the secure world cannot answer commands: the
// channel is dead or the secure world is not powered up.
func (d *Device) active() error {
	if err := d.ch.Err(); err != nil {
		return err
	}
	if st := d.power.State(); st != power.StateActive {
		return fmt.Errorf("secure world %v: %w", st, power.ErrState)
	}
	return nil
}

func (d *Device) forget(c *Connection) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

// retire accumulates the fast path counters of a destroyed context.
func (d *Device) retire(s cus.Stats) {
	d.mu.Lock()
	addStats(&d.retired, s)
	d.mu.Unlock()
}

func addStats(dst *cus.Stats, s cus.Stats) {
	dst.Updates += s.Updates
	dst.Fallbacks += s.Fallbacks
	dst.Malformed += s.Malformed
	dst.Errors += s.Errors
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	fp := d.retired
	for c := range d.conns {
		addStats(&fp, c.fastPathStats())
	}
	d.mu.Unlock()
	return Stats{Channel: d.ch.Stats(), RPC: d.disp.Stats(), FastPath: fp}
}

// Close closes every connection, shuts the secure world down and frees the
// channel.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := make([]*Connection, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	// A stopped or dead secure world cannot answer; its contexts are
	// dropped.
	live := d.active() == nil
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if !live {
				c.abandon()
				c.d.forget(c)
				return nil
			}
			return c.Close(ctx)
		})
	}
	err := g.Wait()
	if err != nil {
		log.Warningf("Closing connections: %v", err)
	}

	if live {
		if perr := d.power.Shutdown(ctx); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	d.co.Stop()
	d.co.Release()
	d.ch.Release()
	return err
}
