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

package comm

import (
	"errors"
	"fmt"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/sync"
)

// RPCHandler executes the RPCs the secure world makes during a call gate
// invocation. It is only ever called from the coordinator goroutine.
type RPCHandler interface {
	// HandleRPC executes RPC id with the given command word. params is the
	// L0 page holding the RPC parameters; results are written back to it.
	// HandleRPC returns the RPC status and the length of the result. A
	// non-nil error is fatal to the channel.
	HandleRPC(id, command uint32, params []byte) (abi.ErrorCode, uint32, error)
}

// State is the state of a Coordinator.
type State int

// Coordinator states.
const (
	// StateIdle means the coordinator is parked waiting for work or for
	// the secure world timeout.
	StateIdle State = iota

	// StatePolling means the coordinator is inside the secure world.
	StatePolling

	// StateYielded means the secure world returned control and the
	// coordinator is about to process answers.
	StateYielded

	// StateTerminating means the channel is dead and the coordinator has
	// exited or is exiting.
	StateTerminating

	// StateStopped means the coordinator exited on request and may be
	// restarted.
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePolling:
		return "Polling"
	case StateYielded:
		return "Yielded"
	case StateTerminating:
		return "Terminating"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Coordinator is the only goroutine that invokes the call gate of a
// secure monitor. It drives a Channel: it enters the secure world whenever
// commands are pending or the secure world timeout expires, executes RPCs
// and delivers answers.
type Coordinator struct {
	ch      *Channel
	gate    Gate
	handler RPCHandler
	args    *argBlock

	// flags are the call gate flags of yield calls. flags is immutable.
	flags uint32

	// mu protects the fields below.
	mu    sync.Mutex
	state State

	// stop is closed to request the loop to exit.
	stop chan struct{}

	// exited is closed when the loop has exited.
	exited chan struct{}

	// running is true between a successful Start or Restart and the exit
	// of the loop.
	running bool
}

// NewCoordinator returns a coordinator driving ch through gate.
func NewCoordinator(ch *Channel, gate Gate, handler RPCHandler, irqEnable bool) (*Coordinator, error) {
	args, err := newArgBlock()
	if err != nil {
		return nil, err
	}
	co := &Coordinator{
		ch:      ch,
		gate:    gate,
		handler: handler,
		args:    args,
		state:   StateStopped,
	}
	if irqEnable {
		co.flags |= abi.GateFlagIRQEnable
	}
	return co, nil
}

// State returns the current state.
func (co *Coordinator) State() State {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state
}

func (co *Coordinator) setState(s State) {
	co.mu.Lock()
	co.state = s
	co.mu.Unlock()
}

// Start performs the init handshake with the secure world and starts the
// polling loop. A failed handshake terminates the channel.
func (co *Coordinator) Start() error {
	initDone := make(chan error, 1)
	if err := co.spawn(initDone); err != nil {
		return err
	}
	return <-initDone
}

// Restart restarts the polling loop after Stop without a new handshake.
func (co *Coordinator) Restart() error {
	return co.spawn(nil)
}

func (co *Coordinator) spawn(initDone chan error) error {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.running {
		return errors.New("coordinator already running")
	}
	if err := co.ch.Err(); err != nil {
		return err
	}
	co.running = true
	co.stop = make(chan struct{})
	co.exited = make(chan struct{})
	go co.run(initDone, co.stop, co.exited) // S/R-SAFE: exits on stop or termination.
	return nil
}

// Stop makes the polling loop exit and waits for it. Commands enqueued
// while stopped stay queued until Restart.
func (co *Coordinator) Stop() {
	co.mu.Lock()
	if !co.running {
		co.mu.Unlock()
		return
	}
	stop, exited := co.stop, co.exited
	co.mu.Unlock()
	select {
	case <-stop:
	default:
		close(stop)
	}
	co.ch.Notify()
	<-exited
}

// Wait blocks until the polling loop exits.
func (co *Coordinator) Wait() {
	co.mu.Lock()
	exited := co.exited
	co.mu.Unlock()
	if exited != nil {
		<-exited
	}
}

// Release frees the call gate argument block. The loop must have exited.
func (co *Coordinator) Release() {
	co.args.release()
}

func (co *Coordinator) run(initDone chan error, stop, exited chan struct{}) {
	defer func() {
		co.mu.Lock()
		co.running = false
		co.mu.Unlock()
		close(exited)
	}()

	if initDone != nil {
		err := co.handshake()
		if err != nil {
			co.ch.terminate(err)
			co.setState(StateTerminating)
		}
		initDone <- err
		if err != nil {
			return
		}
		log.Infof("Polling coordinator started, secure world protocol %s", abi.VersionString(abi.Version()))
	}

	// stalled is set when the last call left every pending command
	// unconsumed.
	stalled := false
	for {
		select {
		case <-stop:
			co.setState(StateStopped)
			log.Debugf("Polling coordinator stopped")
			return
		default:
		}

		co.ch.ConsumeAnswers()
		if !co.ch.commandsPending() || stalled {
			if t := co.ch.secureTimeout(); !t.Elapsed() {
				co.setState(StateIdle)
				expired, stopTimer := t.timer()
				select {
				case <-co.ch.wake:
				case <-expired:
				case <-stop:
					stopTimer()
					continue
				}
				stopTimer()
			}
		}

		pending := co.ch.commandsPending()
		first := co.ch.l1.FirstCommand()
		co.setState(StatePolling)
		co.ch.publishTime()
		ret := co.gate.Invoke(abi.FuncYield, 0, co.flags, co.args.set())
		if err := co.finishCall(ret); err != nil {
			co.setState(StateTerminating)
			co.ch.terminate(err)
			co.ch.ConsumeAnswers()
			return
		}
		stalled = pending && co.ch.l1.FirstCommand() == first
		co.setState(StateYielded)
	}
}

// handshake starts the secure world.
func (co *Coordinator) handshake() error {
	co.setState(StatePolling)
	co.ch.publishTime()
	bootAddr, bootLen := co.ch.bootBuffer()
	addr := co.args.set(uint64(co.ch.l0.Addr()), uint64(co.ch.l1Region.Addr()), bootAddr, bootLen)
	ret := co.gate.Invoke(abi.FuncInit, 0, co.flags|abi.GateFlagCritical, addr)
	if err := co.finishCall(ret); err != nil {
		return err
	}
	if co.ch.l1.Status()&abi.StatusInitDone == 0 {
		return fmt.Errorf("secure world did not complete init: %w", abi.ErrorCommunication)
	}
	co.setState(StateYielded)
	return nil
}

// finishCall executes the RPCs requested by a call gate invocation until the
// secure world yields.
func (co *Coordinator) finishCall(ret uint32) error {
	for {
		switch ret {
		case abi.ReturnYield:
			return nil
		case abi.ReturnTerminated:
			return ErrTerminated
		case abi.ReturnRPC:
		default:
			return fmt.Errorf("call gate returned %d: %w", ret, abi.ErrorCommunication)
		}

		id, command := co.ch.l1.RPC()
		code, n, err := co.handler.HandleRPC(id, command, co.ch.L0())
		co.ch.rpcs.Add(1)
		if err != nil {
			return err
		}
		co.ch.l1.SetRPCResult(code, n)
		co.ch.ConsumeAnswers()
		ret = co.gate.Invoke(abi.FuncRPCReturn, 0, co.flags, co.args.set())
	}
}
