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
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/hwa"
)

// CryptoServiceUUID names the crypto service in OpenSession.
var CryptoServiceUUID = [16]byte{
	0x5d, 0x3c, 0x8e, 0x41, 0x0a, 0x7b, 0x4c, 0x2e,
	0x9f, 0x10, 0x6a, 0xd3, 0x27, 0xe4, 0x88, 0x01,
}

// Crypto service commands. Any other command of a session runs an update
// of the operation started under that command.
const (
	// CmdSetKey stores a key. Param 0 is a value input holding the key
	// handle in A; param 1 is an input buffer holding the key.
	CmdSetKey uint32 = 0x10

	// CmdStart starts an operation. Param 0 is a value input holding the
	// accelerator bit in A and the control word in B; param 1 a value
	// input holding the operation command in A and the key handle in B;
	// param 2 an optional input buffer holding the IV. Param 3 is a value
	// output receiving the shortcut handle, or zero.
	CmdStart uint32 = 0x11

	// CmdFinish ends an operation. Param 0 is a value input holding the
	// operation command in A; param 1 an optional output buffer receiving
	// the digest of a digest operation.
	CmdFinish uint32 = 0x12
)

// operation is a crypto operation of a session.
type operation struct {
	command  uint32
	id       hwa.ID
	ctrl     uint32
	key      uint32
	state    hwa.OperationState
	shortcut uint32
}

// param is a resolved invocation parameter.
type param struct {
	typ  abi.ParamType
	a, b uint32
	buf  []byte
}

func (c *secureContext) params(body *abi.InvokeBody) ([abi.NumParams]param, error) {
	var ps [abi.NumParams]param
	types := abi.UnpackParamTypes(body.ParamTypes)
	for i, t := range types {
		wp := body.Params[i]
		p := &ps[i]
		p.typ = t
		switch {
		case t == abi.ParamNone:
		case t.IsValue():
			p.a, p.b = wp.A, wp.B
		case t.IsTemp():
			if uint64(wp.B)+uint64(wp.C) > uint64(len(c.scratch)) {
				return ps, fmt.Errorf("param %d: scratch range %d+%d out of bounds: %w", i, wp.B, wp.C, abi.ErrorBadParameters)
			}
			p.buf = c.scratch[wp.B : wp.B+wp.C]
		case t.IsMemref():
			blk, ok := c.blocks[wp.A]
			if !ok {
				return ps, fmt.Errorf("param %d: block %d: %w", i, wp.A, abi.ErrorItemNotFound)
			}
			if uint64(wp.B)+uint64(wp.C) > uint64(len(blk.buf)) {
				return ps, fmt.Errorf("param %d: block range %d+%d out of bounds: %w", i, wp.B, wp.C, abi.ErrorBadParameters)
			}
			if need := abi.ShmFlagsFor(t); blk.flags&need != need {
				return ps, fmt.Errorf("param %d: block %d flags %#x lack %#x: %w", i, wp.A, blk.flags, need, abi.ErrorBadParameters)
			}
			p.buf = blk.buf[wp.B : wp.B+wp.C]
		default:
			return ps, fmt.Errorf("param %d: type %#x: %w", i, t, abi.ErrorBadParameters)
		}
	}
	return ps, nil
}

// buffers returns the indexes of the first input and first output memory
// parameters, or -1.
func buffers(ps *[abi.NumParams]param) (in, out int) {
	in, out = -1, -1
	for i := range ps {
		t := ps[i].typ
		if t.IsValue() || t == abi.ParamNone {
			continue
		}
		if in < 0 && t.IsInput() {
			in = i
			if t.IsOutput() {
				out = i
				break
			}
			continue
		}
		if out < 0 && t.IsOutput() {
			out = i
		}
	}
	return in, out
}

func (m *Monitor) invoke(w *World, c *secureContext, body *abi.InvokeBody) (abi.Answer, error) {
	s, ok := c.sessions[body.Session]
	if !ok {
		return answerOf(abi.OriginComms, fmt.Errorf("session %d: %w", body.Session, abi.ErrorItemNotFound)), nil
	}
	ps, err := c.params(body)
	if err != nil {
		return answerOf(abi.OriginComms, err), nil
	}
	a := abi.Answer{Origin: abi.OriginTrustedApp}
	switch body.Command {
	case CmdSetKey:
		if ps[1].buf == nil {
			err = fmt.Errorf("set key without key: %w", abi.ErrorBadParameters)
			break
		}
		w.StoreKey(ps[0].a, ps[1].buf)
	case CmdStart:
		var h uint32
		h, err = m.start(w, s, &ps)
		a.Outputs[3] = h
	case CmdFinish:
		a.Outputs[1], err = m.finish(w, s, &ps)
	default:
		op, ok := s.ops[body.Command]
		if !ok {
			err = fmt.Errorf("command %#x: %w", body.Command, abi.ErrorNotSupported)
			break
		}
		in, out := buffers(&ps)
		var n int
		n, err = m.update(w, op, &ps, in, out)
		if out >= 0 {
			a.Outputs[out] = uint32(n)
		}
	}
	if err != nil {
		if isAbort(err) {
			return abi.Answer{}, err
		}
		log.Debugf("Crypto service command %#x failed: %v", body.Command, err)
		a.Code = abi.CodeOf(err)
	}
	return a, nil
}

func (m *Monitor) start(w *World, s *session, ps *[abi.NumParams]param) (uint32, error) {
	id, err := hwa.FromBit(abi.HWASet(ps[0].a))
	if err != nil {
		return 0, err
	}
	ctrl, command, key := ps[0].b, ps[1].a, ps[1].b
	if command == CmdSetKey || command == CmdStart || command == CmdFinish {
		return 0, fmt.Errorf("operation command %#x is reserved: %w", command, abi.ErrorBadParameters)
	}
	if _, ok := s.ops[command]; ok {
		return 0, fmt.Errorf("operation %#x already started: %w", command, abi.ErrorAccessConflict)
	}
	if id.HasKey() {
		if _, ok := m.keys[key]; !ok {
			return 0, fmt.Errorf("key %#x: %w", key, abi.ErrorItemNotFound)
		}
	} else {
		key = hwa.NoKey
	}
	st, err := hwa.NewState(id.Kind(), ctrl)
	if err != nil {
		return 0, err
	}
	if iv := ps[2].buf; iv != nil {
		switch st := st.(type) {
		case *hwa.AESState:
			copy(st.IV[:], iv)
		case *hwa.DESState:
			copy(st.IV[:], iv)
		}
	}
	if err := hwa.CheckState(id, ctrl, st); err != nil {
		return 0, fmt.Errorf("%v: %w", err, abi.ErrorBadParameters)
	}

	op := &operation{command: command, id: id, ctrl: ctrl, key: key, state: st}
	s.ops[command] = op
	if !m.opts.Shortcuts {
		return abi.NoShortcut, nil
	}
	h, err := w.Install(s.ctx.handle, s.handle, command, id, ctrl, key, st, true)
	if err != nil {
		if isAbort(err) {
			return 0, err
		}
		// The operation still runs through the secure world.
		log.Debugf("Secure world: no shortcut for operation %#x: %v", command, err)
		return abi.NoShortcut, nil
	}
	op.shortcut = h
	var keyErr error
	if id.HasKey() {
		keyErr = w.LoadKey(id, key)
	}
	if err := w.Unlock(id.Bit()); err != nil {
		return h, err
	}
	return h, keyErr
}

// update runs an operation update on the accelerator, with the shortcut of
// the operation suspended.
func (m *Monitor) update(w *World, op *operation, ps *[abi.NumParams]param, in, out int) (int, error) {
	if in < 0 {
		return 0, fmt.Errorf("no input buffer: %w", abi.ErrorBadParameters)
	}
	src := ps[in].buf
	var dst []byte
	if out >= 0 {
		dst = ps[out].buf
	}

	set := op.id.Bit()
	if op.shortcut != abi.NoShortcut {
		st, err := w.LockSuspend(set, op.shortcut, false)
		if err != nil {
			// The accelerators are locked even if the shortcut is gone.
			if uerr := w.Unlock(set); isAbort(uerr) {
				return 0, uerr
			}
			return 0, err
		}
		op.state = st
	} else if err := w.Lock(set); err != nil {
		return 0, err
	}

	var (
		n   int
		err error
	)
	if op.id.HasKey() {
		err = w.LoadKey(op.id, op.key)
	}
	if err == nil {
		n, err = m.hw.Engine(op.id).Update(op.state, op.ctrl, src, dst)
	}
	if rerr := w.ResumeUnlock(set, op.shortcut, op.state); rerr != nil {
		return n, rerr
	}
	return n, err
}

// finish ends an operation, uninstalling its shortcut.
func (m *Monitor) finish(w *World, s *session, ps *[abi.NumParams]param) (uint32, error) {
	op, ok := s.ops[ps[0].a]
	if !ok {
		return 0, fmt.Errorf("operation %#x: %w", ps[0].a, abi.ErrorItemNotFound)
	}
	if err := m.endOperation(w, op); err != nil {
		return 0, err
	}
	delete(s.ops, op.command)

	ds, ok := op.state.(*hwa.DigestState)
	if !ok {
		return 0, nil
	}
	sum, err := ds.Sum()
	if err != nil {
		return 0, err
	}
	out := ps[1].buf
	if len(out) < len(sum) {
		return uint32(len(sum)), fmt.Errorf("digest of %d bytes into %d: %w", len(sum), len(out), abi.ErrorShortBuffer)
	}
	return uint32(copy(out, sum)), nil
}

// endOperation uninstalls the shortcut of op and takes back its state.
func (m *Monitor) endOperation(w *World, op *operation) error {
	if op.shortcut == abi.NoShortcut {
		return nil
	}
	set := op.id.Bit()
	st, err := w.LockSuspend(set, op.shortcut, true)
	if err == nil {
		op.state = st
	}
	op.shortcut = abi.NoShortcut
	if uerr := w.Unlock(set); uerr != nil {
		return uerr
	}
	return err
}

func isAbort(err error) bool {
	return err != nil && errors.Is(err, errAborted)
}
