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

// Package power sequences the power transitions of a secure monitor.
package power

import (
	"context"
	"errors"
	"fmt"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/sync"
)

// State is a power state.
type State int

// Power states.
const (
	StateActive State = iota
	StateShutdownRequested
	StateStopped
	StateResuming
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateShutdownRequested:
		return "ShutdownRequested"
	case StateStopped:
		return "Stopped"
	case StateResuming:
		return "Resuming"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrState is returned for a transition that is not valid in the current
// state.
var ErrState = fmt.Errorf("invalid power transition: %w", abi.ErrorBadState)

// Channel sends power management commands. It is implemented by
// *comm.Channel.
type Channel interface {
	SendReceive(ctx context.Context, cmd *abi.Command) (abi.Answer, error)
}

// Poller is the polling coordinator. It is implemented by
// *comm.Coordinator.
type Poller interface {
	Stop()
	Restart() error
}

// KeyResetter forgets every accelerator key context. It is implemented by
// *rpc.Dispatcher.
type KeyResetter interface {
	ResetKeys()
}

// Coordinator sequences shutdown, hibernation and resume.
type Coordinator struct {
	ch   Channel
	poll Poller
	keys KeyResetter

	// mu serializes transitions and protects state.
	mu    sync.Mutex
	state State

	// hibernated is set when the monitor kept its state across the last
	// stop.
	hibernated bool
}

// New returns a coordinator in StateActive.
func New(ch Channel, poll Poller, keys KeyResetter) *Coordinator {
	return &Coordinator{ch: ch, poll: poll, keys: keys}
}

// State returns the current power state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shutdown asks the secure world to power down, waits for its
// acknowledgement, then stops the polling coordinator.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.stop(ctx, abi.MgmtShutdown)
}

// Hibernate is like Shutdown, but the secure world keeps its state for a
// later Resume.
func (c *Coordinator) Hibernate(ctx context.Context) error {
	return c.stop(ctx, abi.MgmtHibernate)
}

func (c *Coordinator) stop(ctx context.Context, mgmt uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return fmt.Errorf("power command %d in state %v: %w", mgmt, c.state, ErrState)
	}
	c.state = StateShutdownRequested
	a, err := c.ch.SendReceive(ctx, &abi.Command{Body: &abi.ManagementBody{Command: mgmt}})
	if err == nil {
		err = a.Code.Err()
	}
	if err != nil {
		// A dead channel leaves nothing to power down.
		if !errors.Is(err, abi.ErrorCommunication) {
			c.state = StateActive
			return fmt.Errorf("power command %d: %w", mgmt, err)
		}
		log.Warningf("Secure world gone during power command %d: %v", mgmt, err)
	}
	c.poll.Stop()
	c.state = StateStopped
	c.hibernated = mgmt == abi.MgmtHibernate
	log.Infof("Secure world stopped (hibernate: %t)", c.hibernated)
	return nil
}

// Resume restarts the polling coordinator and asks the secure world to
// power up. Every accelerator key context is cleared first: the platform
// lost the engine state, and shortcuts fall back until the secure world
// publishes keys again. A failed resume leaves the coordinator stopped.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		return fmt.Errorf("resume in state %v: %w", c.state, ErrState)
	}
	c.state = StateResuming
	c.keys.ResetKeys()
	if err := c.poll.Restart(); err != nil {
		c.state = StateStopped
		return fmt.Errorf("restarting polling coordinator: %w", err)
	}
	a, err := c.ch.SendReceive(ctx, &abi.Command{Body: &abi.ManagementBody{Command: abi.MgmtResume}})
	if err == nil {
		err = a.Code.Err()
	}
	if err != nil {
		c.poll.Stop()
		c.state = StateStopped
		return fmt.Errorf("resume failed: %w", err)
	}
	c.state = StateActive
	log.Infof("Secure world resumed (from hibernation: %t)", c.hibernated)
	return nil
}
