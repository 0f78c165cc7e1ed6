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

package sim

import (
	"errors"
	"fmt"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/memutil"
	"splitworld.dev/smc/pkg/smc/abi"
)

// secureContext is the secure world state of one device context.
type secureContext struct {
	handle   uint32
	scratch  []byte
	sessions map[uint32]*session
	blocks   map[uint32]block
}

// block is a registered shared memory block.
type block struct {
	buf   []byte
	flags uint32
}

// session is an open session with the crypto service.
type session struct {
	handle uint32
	ctx    *secureContext
	ops    map[uint32]*operation
}

// answerOf returns a failure answer for err, which is produced by the
// secure world layer origin.
func answerOf(origin abi.Origin, err error) abi.Answer {
	return abi.Answer{Origin: origin, Code: abi.CodeOf(err)}
}

// process executes one command. Errors returned abort the secure world;
// command failures are reported in the answer.
func (m *Monitor) process(w *World, cmd *abi.Command) (abi.Answer, error) {
	if b, ok := cmd.Body.(*abi.CreateContextBody); ok {
		return m.createContext(b), nil
	}
	if b, ok := cmd.Body.(*abi.ManagementBody); ok {
		return m.management(b), nil
	}
	c, ok := m.contexts[cmd.Context]
	if !ok {
		return answerOf(abi.OriginComms, fmt.Errorf("context %d: %w", cmd.Context, abi.ErrorItemNotFound)), nil
	}
	var err error
	switch b := cmd.Body.(type) {
	case *abi.DestroyContextBody:
		err = m.destroyContext(w, c)
	case *abi.OpenSessionBody:
		return m.openSession(c, b), nil
	case *abi.CloseSessionBody:
		err = m.closeSession(w, c, b.Session)
	case *abi.RegisterSharedMemoryBody:
		return m.registerBlock(c, b), nil
	case *abi.ReleaseSharedMemoryBody:
		if _, ok := c.blocks[b.Block]; !ok {
			return answerOf(abi.OriginComms, fmt.Errorf("block %d: %w", b.Block, abi.ErrorItemNotFound)), nil
		}
		delete(c.blocks, b.Block)
		return abi.Answer{Origin: abi.OriginComms, Handle: b.Block}, nil
	case *abi.InvokeBody:
		return m.invoke(w, c, b)
	case *abi.CancelBody:
		m.cancel(b.Target)
		return abi.Answer{Origin: abi.OriginComms}, nil
	default:
		err = fmt.Errorf("%v: %w", cmd.Type(), abi.ErrorNotSupported)
	}
	if errors.Is(err, errAborted) {
		return abi.Answer{}, err
	}
	if err != nil {
		return answerOf(abi.OriginTEE, err), nil
	}
	return abi.Answer{Origin: abi.OriginTEE}, nil
}

func (m *Monitor) createContext(b *abi.CreateContextBody) abi.Answer {
	c := &secureContext{
		handle:   m.newHandle(),
		sessions: make(map[uint32]*session),
		blocks:   make(map[uint32]block),
	}
	if b.ScratchSize != 0 {
		scratch, ok := memutil.Resolve(uintptr(b.ScratchAddr), int(b.ScratchSize))
		if !ok {
			return answerOf(abi.OriginComms, fmt.Errorf("scratch at %#x: %w", b.ScratchAddr, abi.ErrorBadParameters))
		}
		c.scratch = scratch
	}
	m.contexts[c.handle] = c
	return abi.Answer{Origin: abi.OriginTEE, Handle: c.handle}
}

// destroyContext closes the sessions of c, which uninstalls their
// shortcuts, and forgets c.
func (m *Monitor) destroyContext(w *World, c *secureContext) error {
	for h := range c.sessions {
		if err := m.closeSession(w, c, h); err != nil {
			return err
		}
	}
	delete(m.contexts, c.handle)
	return nil
}

func (m *Monitor) openSession(c *secureContext, b *abi.OpenSessionBody) abi.Answer {
	if b.UUID != CryptoServiceUUID {
		return answerOf(abi.OriginTEE, fmt.Errorf("service %x: %w", b.UUID, abi.ErrorItemNotFound))
	}
	s := &session{handle: m.newHandle(), ctx: c, ops: make(map[uint32]*operation)}
	c.sessions[s.handle] = s
	m.sessions[s.handle] = s
	return abi.Answer{Origin: abi.OriginTrustedApp, Handle: s.handle}
}

func (m *Monitor) closeSession(w *World, c *secureContext, handle uint32) error {
	s, ok := c.sessions[handle]
	if !ok {
		return fmt.Errorf("session %d: %w", handle, abi.ErrorItemNotFound)
	}
	for cmd, op := range s.ops {
		if err := m.endOperation(w, op); err != nil {
			return err
		}
		delete(s.ops, cmd)
	}
	delete(c.sessions, handle)
	delete(m.sessions, handle)
	return nil
}

func (m *Monitor) registerBlock(c *secureContext, b *abi.RegisterSharedMemoryBody) abi.Answer {
	buf, ok := memutil.Resolve(uintptr(b.Addr)+uintptr(b.Offset), int(b.Size))
	if !ok {
		return answerOf(abi.OriginComms, fmt.Errorf("block at %#x+%d: %w", b.Addr, b.Offset, abi.ErrorBadParameters))
	}
	h := m.newHandle()
	c.blocks[h] = block{buf: buf, flags: b.Flags}
	return abi.Answer{Origin: abi.OriginComms, Handle: h}
}

// cancel marks the held answer of operation target as cancelled.
// Processed commands cannot be cancelled.
func (m *Monitor) cancel(target uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.held {
		if m.held[i].OperationID == target {
			m.held[i].Code = abi.ErrorCancel
			m.held[i].Origin = abi.OriginComms
			return
		}
	}
}

func (m *Monitor) management(b *abi.ManagementBody) abi.Answer {
	var power uint32
	switch b.Command {
	case abi.MgmtShutdown:
		power = abi.StatusPowerShutdown
	case abi.MgmtHibernate:
		power = abi.StatusPowerHibernate
	case abi.MgmtResume, abi.MgmtPrepare:
		power = abi.StatusPowerActive
	default:
		return answerOf(abi.OriginComms, fmt.Errorf("management command %d: %w", b.Command, abi.ErrorNotSupported))
	}
	m.mu.Lock()
	m.power = power
	m.mu.Unlock()
	m.l1.SetStatus(m.l1.Status()&^abi.StatusPowerMask | power)
	log.Debugf("Secure world power state %d", power)
	return abi.Answer{Origin: abi.OriginComms}
}
