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

package device

import (
	"context"
	"errors"
	"fmt"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/comm"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/shm"
)

// staging holds the resources lent to the secure world for one slow path
// invocation.
type staging struct {
	s       *scratch
	temps   []tempRange
	borrows []*shm.Borrow
}

type tempRange struct {
	off uint32
	buf []byte
}

func (st *staging) release() {
	for _, t := range st.temps {
		st.s.free(t.off, len(t.buf))
	}
	for _, b := range st.borrows {
		b.Release()
	}
	st.temps, st.borrows = nil, nil
}

// InvokeCommand invokes command of session with params. It runs the
// command on its shortcut when one applies and sends it to the secure world
// otherwise. Output values and temporary output buffers in params are
// updated from the answer.
//
// Command failures are reported in the answer code. The returned error is
// set when the command could not complete: the channel failed, ctx was
// done, or the accelerator failed during a shortcut update.
func (c *Connection) InvokeCommand(ctx context.Context, session, command uint32, params *[abi.NumParams]cus.Param) (abi.Answer, error) {
	b, err := c.enter()
	if err != nil {
		return abi.Answer{}, err
	}
	defer c.leave(b)
	op := cus.Operation{Session: session, Command: command, Params: *params}
	a, err := b.shortcuts.TryUpdate(ctx, b.blocks, &op)
	if err == nil || !errors.Is(err, cus.ErrInapplicable) {
		return a, err
	}
	if errors.Is(err, cus.ErrMalformed) {
		log.Debugf("Session %d command %#x falls back: %v", session, command, err)
	}
	if err := c.d.active(); err != nil {
		return abi.Answer{}, err
	}
	return c.invokeSecure(ctx, b, session, command, params)
}

// invokeSecure sends an invocation to the secure world. The caller holds b
// between enter and leave.
func (c *Connection) invokeSecure(ctx context.Context, b *binding, session, command uint32, params *[abi.NumParams]cus.Param) (abi.Answer, error) {
	s := b.scratch
	body := &abi.InvokeBody{Session: session, Command: command, Timeout: abi.InfiniteTimeout}
	st := &staging{s: s}
	var types [abi.NumParams]abi.ParamType
	for i := range params {
		p := &params[i]
		types[i] = p.Type
		switch {
		case p.Type == abi.ParamNone:
		case p.Type.IsValue():
			body.Params[i] = abi.Param{A: p.A, B: p.B}
		case p.Type.IsTemp():
			off, buf, err := s.alloc(len(p.Temp))
			if err != nil {
				st.release()
				return abi.Answer{}, fmt.Errorf("param %d: %w", i, err)
			}
			st.temps = append(st.temps, tempRange{off: off, buf: buf})
			if p.Type.IsInput() {
				copy(buf, p.Temp)
			}
			body.Params[i] = abi.Param{B: off, C: uint32(len(p.Temp))}
		case p.Type.IsMemref():
			br, err := b.blocks.Borrow(p.Block, p.Offset, p.Size)
			if err != nil {
				st.release()
				return abi.Answer{}, fmt.Errorf("param %d: %w", i, err)
			}
			st.borrows = append(st.borrows, br)
			body.Params[i] = abi.Param{A: br.Descriptor().Block(), B: p.Offset, C: p.Size}
		default:
			st.release()
			return abi.Answer{}, fmt.Errorf("param %d: type %#x: %w", i, p.Type, abi.ErrorBadParameters)
		}
	}
	body.ParamTypes = abi.PackParamTypes(types)

	ictx, cancel := context.WithCancel(ctx)
	inv := c.track(session, cancel)
	if ictx.Err() != nil {
		// Withdrawn before it was sent.
		c.untrack(session, inv)
		cancel()
		st.release()
		return abi.Answer{}, comm.ErrCancelled
	}
	a, err := c.d.ch.SendReceive(ictx, &abi.Command{Context: b.handle, Body: body})
	c.untrack(session, inv)
	cancel()
	if errors.Is(err, comm.ErrCancelled) {
		// The secure world may still use the staged memory until it
		// processes the cancellation; it is reclaimed with the context.
		c.park(b, st)
		return a, err
	}
	defer st.release()
	if err != nil {
		return a, err
	}

	t := 0
	for i := range params {
		p := &params[i]
		switch {
		case p.Type.IsValue() && p.Type.IsOutput():
			p.A = a.Outputs[i]
		case p.Type.IsTemp():
			buf := st.temps[t].buf
			t++
			if p.Type.IsOutput() {
				n := min(int(a.Outputs[i]), len(buf))
				copy(p.Temp, buf[:n])
			}
		}
	}
	return a, nil
}

// park keeps st until the context of b is destroyed.
func (c *Connection) park(b *binding, st *staging) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.parked = append(b.parked, st)
	log.Debugf("Parked staging of cancelled invocation (%d parked)", len(b.parked))
}
