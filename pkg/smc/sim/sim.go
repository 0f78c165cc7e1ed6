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

// Package sim implements an in-process secure monitor for tests and for the
// smcd daemon.
//
// The monitor runs on its own goroutine, the secure CPU. Monitor.Invoke is
// the call gate: it transfers control to the secure goroutine and blocks
// until that goroutine yields, terminates or makes an RPC into the normal
// world. The monitor consumes commands from the L1 rings, answers them, and
// hosts a crypto service that installs shortcuts for its operations.
package sim

import (
	"errors"
	"fmt"
	"time"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/memutil"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/sync"
)

// errAborted unwinds the secure goroutine when the monitor is closed in the
// middle of an RPC.
var errAborted = errors.New("secure world aborted")

// Options configure a Monitor.
type Options struct {
	// Version is the protocol version the monitor reports at init.
	Version uint32

	// Shortcuts makes the crypto service install a shortcut for every
	// operation it starts.
	Shortcuts bool

	// Latency is the time spent processing each command.
	Latency time.Duration

	// Trace makes the monitor log every processed command through the
	// trace RPC.
	Trace bool
}

// DefaultOptions returns the default monitor options.
func DefaultOptions() Options {
	return Options{
		Version:   abi.Version(),
		Shortcuts: true,
	}
}

// Record describes one processed command.
type Record struct {
	Type    abi.MessageType
	Context uint32
	Handle  uint32
	Code    abi.ErrorCode
}

// entry is a transfer of control into the secure world.
type entry struct {
	function uint32
	args     uintptr
}

// Monitor is a simulated secure monitor.
type Monitor struct {
	opts Options
	hw   *hwa.Hardware

	enter chan entry
	exit  chan uint32

	// stop is closed by Close. done is closed when the secure goroutine
	// exits.
	stop chan struct{}
	done chan struct{}

	// The fields below are owned by the secure goroutine.
	initDone bool
	l0       []byte
	l1       *abi.L1
	boot     []byte
	outbox   []abi.Answer
	nextID   uint32
	contexts map[uint32]*secureContext
	sessions map[uint32]*session
	keys     map[uint32][]byte
	current  [hwa.NumIDs]uint32

	// mu protects the fields below, shared with control goroutines.
	mu        sync.Mutex
	interrupt func()
	paused    bool
	holding   bool
	held      []abi.Answer
	actions   []action
	terminate bool
	records   []Record
	power     uint32
}

// action is work queued for the secure goroutine by Do.
type action struct {
	fn   func(*World) error
	done chan error
}

// New returns a monitor driving the accelerators of hw and starts its
// secure goroutine.
func New(hw *hwa.Hardware, opts Options) *Monitor {
	m := &Monitor{
		opts:     opts,
		hw:       hw,
		enter:    make(chan entry),
		exit:     make(chan uint32),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		nextID:   1,
		contexts: make(map[uint32]*secureContext),
		sessions: make(map[uint32]*session),
		keys:     make(map[uint32][]byte),
	}
	go m.run() // S/R-SAFE: exits on Close or termination.
	return m
}

// Invoke implements comm.Gate.Invoke.
func (m *Monitor) Invoke(function, variant, flags uint32, args uintptr) uint32 {
	select {
	case m.enter <- entry{function: function, args: args}:
	case <-m.done:
		return abi.ReturnTerminated
	}
	select {
	case ret := <-m.exit:
		return ret
	case <-m.done:
		return abi.ReturnTerminated
	}
}

// Close stops the secure goroutine.
func (m *Monitor) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

// SetInterrupt sets the function raising the secure world interrupt in the
// normal world.
func (m *Monitor) SetInterrupt(fn func()) {
	m.mu.Lock()
	m.interrupt = fn
	m.mu.Unlock()
}

func (m *Monitor) raise() {
	m.mu.Lock()
	fn := m.interrupt
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// PauseCommands makes the monitor stop or resume consuming commands.
func (m *Monitor) PauseCommands(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
	if !paused {
		m.raise()
	}
}

// HoldAnswers makes the monitor keep the answers it produces instead of
// posting them, until called again with false.
func (m *Monitor) HoldAnswers(hold bool) {
	m.mu.Lock()
	m.holding = hold
	m.mu.Unlock()
	if !hold {
		m.raise()
	}
}

// Held returns the number of answers currently held.
func (m *Monitor) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Terminate makes the monitor exit at its next entry.
func (m *Monitor) Terminate() {
	m.mu.Lock()
	m.terminate = true
	m.mu.Unlock()
	m.raise()
}

// Do runs fn on the secure goroutine at its next entry and returns a
// channel receiving the result.
func (m *Monitor) Do(fn func(*World) error) <-chan error {
	done := make(chan error, 1)
	m.mu.Lock()
	m.actions = append(m.actions, action{fn: fn, done: done})
	m.mu.Unlock()
	m.raise()
	return done
}

// Records returns the commands processed so far.
func (m *Monitor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// PowerState returns the power state bits the monitor reports.
func (m *Monitor) PowerState() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.power
}

func (m *Monitor) record(r Record) {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
}

// run is the secure goroutine.
func (m *Monitor) run() {
	defer close(m.done)
	for {
		var e entry
		select {
		case e = <-m.enter:
		case <-m.stop:
			return
		}
		ret, err := m.handle(e)
		if errors.Is(err, errAborted) {
			return
		}
		if err != nil {
			log.Warningf("Secure world: %v", err)
		}
		select {
		case m.exit <- ret:
		case <-m.stop:
			return
		}
		if ret == abi.ReturnTerminated {
			return
		}
	}
}

// handle executes one entry into the secure world.
func (m *Monitor) handle(e entry) (uint32, error) {
	switch e.function {
	case abi.FuncInit:
		if m.initDone {
			return abi.ReturnBadCall, errors.New("init called twice")
		}
		return m.init(e.args)
	case abi.FuncYield:
		if !m.initDone {
			return abi.ReturnBadCall, errors.New("yield before init")
		}
		return m.yield()
	default:
		return abi.ReturnBadCall, fmt.Errorf("unexpected call gate function %d", e.function)
	}
}

func (m *Monitor) init(addr uintptr) (uint32, error) {
	b, ok := memutil.Resolve(addr, abi.GateArgsSize)
	if !ok {
		return abi.ReturnBadCall, fmt.Errorf("gate arguments at %#x not mapped", addr)
	}
	var args abi.GateArgs
	if err := args.UnmarshalBytes(b); err != nil {
		return abi.ReturnBadCall, err
	}
	if args.Count != 4 {
		return abi.ReturnBadCall, fmt.Errorf("init with %d arguments", args.Count)
	}
	if m.l0, ok = memutil.Resolve(uintptr(args.Args[0]), abi.L0Size); !ok {
		return abi.ReturnBadCall, fmt.Errorf("L0 at %#x not mapped", args.Args[0])
	}
	l1, ok := memutil.Resolve(uintptr(args.Args[1]), abi.L1Size)
	if !ok {
		return abi.ReturnBadCall, fmt.Errorf("L1 at %#x not mapped", args.Args[1])
	}
	var err error
	if m.l1, err = abi.NewL1(l1); err != nil {
		return abi.ReturnBadCall, err
	}
	if n := int(args.Args[3]); n > 0 {
		if m.boot, ok = memutil.Resolve(uintptr(args.Args[2]), n); !ok {
			return abi.ReturnBadCall, fmt.Errorf("boot buffer at %#x not mapped", args.Args[2])
		}
	}

	w := &World{m: m}
	if err := w.init(); err != nil {
		if errors.Is(err, errAborted) {
			return 0, err
		}
		return abi.ReturnTerminated, err
	}
	m.initDone = true
	m.boot = nil
	m.l1.SetStatus(abi.StatusPowerActive | abi.StatusInitDone)
	m.l1.PublishTime(abi.Secure, abi.InfiniteTimeout)
	return abi.ReturnYield, nil
}

// yield runs queued actions, processes commands and posts answers.
func (m *Monitor) yield() (uint32, error) {
	m.mu.Lock()
	if m.terminate {
		m.mu.Unlock()
		return abi.ReturnTerminated, nil
	}
	actions := m.actions
	m.actions = nil
	if !m.holding && len(m.held) != 0 {
		m.outbox = append(m.outbox, m.held...)
		m.held = nil
	}
	paused := m.paused
	m.mu.Unlock()

	w := &World{m: m}
	for _, a := range actions {
		err := a.fn(w)
		a.done <- err
		if errors.Is(err, errAborted) {
			return 0, err
		}
	}
	m.flush()
	if !paused {
		if err := m.processCommands(w); err != nil {
			return 0, err
		}
	}
	m.flush()
	if len(m.outbox) != 0 {
		// Come back as soon as the normal world made room.
		m.l1.PublishTime(abi.Secure, 0)
	} else {
		m.l1.PublishTime(abi.Secure, abi.InfiniteTimeout)
	}
	return abi.ReturnYield, nil
}

// processCommands consumes every queued command.
func (m *Monitor) processCommands(w *World) error {
	for {
		first := m.l1.FirstCommand()
		if first == m.l1.FirstFreeCommand() {
			return nil
		}
		var cmd abi.Command
		err := cmd.UnmarshalBytes(m.l1.CommandSlot(first))
		m.l1.SetFirstCommand(first + 1)
		if err != nil {
			log.Warningf("Secure world: dropping undecodable command %d: %v", first, err)
			continue
		}
		if m.opts.Latency > 0 {
			time.Sleep(m.opts.Latency)
		}
		a, err := m.process(w, &cmd)
		if err != nil {
			return err
		}
		a.Type = cmd.Type()
		a.OperationID = cmd.OperationID
		m.record(Record{Type: a.Type, Context: cmd.Context, Handle: a.Handle, Code: a.Code})
		if m.opts.Trace {
			if err := w.Tracef("%v context %d operation %d: %v", a.Type, cmd.Context, cmd.OperationID, a.Code); err != nil {
				return err
			}
		}
		m.post(a)
	}
}

// post queues an answer, or holds it.
func (m *Monitor) post(a abi.Answer) {
	m.mu.Lock()
	if m.holding {
		m.held = append(m.held, a)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.outbox = append(m.outbox, a)
	m.flush()
}

// flush writes queued answers into free answer slots.
func (m *Monitor) flush() {
	for len(m.outbox) != 0 {
		first, free := m.l1.FirstAnswer(), m.l1.FirstFreeAnswer()
		if free-first >= abi.RingCapacity {
			return
		}
		m.outbox[0].MarshalBytes(m.l1.AnswerSlot(free))
		m.l1.SetFirstFreeAnswer(free + 1)
		m.outbox = m.outbox[1:]
	}
}

// newHandle returns a fresh handle for a context, session or block.
func (m *Monitor) newHandle() uint32 {
	h := m.nextID
	m.nextID++
	return h
}
