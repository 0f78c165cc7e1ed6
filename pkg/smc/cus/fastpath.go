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

package cus

import (
	"context"
	"errors"
	"fmt"

	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/smc/shm"
)

// Param is one client parameter of an invocation.
type Param struct {
	Type abi.ParamType

	// A and B are the value of a value parameter. On return, A holds the
	// output value of an output value parameter.
	A, B uint32

	// Temp is the caller memory of a temporary memref.
	Temp []byte

	// Block, Offset and Size describe a registered memref.
	Block  uint32
	Offset uint32
	Size   uint32
}

// Operation is a client command invocation.
type Operation struct {
	Session uint32
	Command uint32
	Params  [abi.NumParams]Param
}

func (p *Param) isMemory() bool {
	return p.Type.IsTemp() || p.Type.IsMemref()
}

// memory describes the buffer of a memory parameter in the fast path.
type memory struct {
	index  int
	buf    []byte
	borrow *shm.Borrow
}

func resolve(blocks *shm.Registry, i int, p *Param) (memory, error) {
	if p.Type.IsTemp() {
		return memory{index: i, buf: p.Temp}, nil
	}
	if blocks == nil {
		return memory{}, fmt.Errorf("param %d: registered memref without registry", i)
	}
	b, err := blocks.Borrow(p.Block, p.Offset, p.Size)
	if err != nil {
		return memory{}, fmt.Errorf("param %d: %w", i, err)
	}
	if need, have := abi.ShmFlagsFor(p.Type), b.Descriptor().Flags; have&need != need {
		b.Release()
		return memory{}, fmt.Errorf("param %d: block %d flags %#x lack %#x", i, p.Block, have, need)
	}
	return memory{index: i, buf: b.Bytes(), borrow: b}, nil
}

// parse selects the input and output buffers of op: the first memory
// parameter the secure world reads and the first it writes. They may be the
// same parameter.
func parse(id hwa.ID, blocks *shm.Registry, op *Operation) (in, out memory, err error) {
	in.index, out.index = -1, -1
	for i := range op.Params {
		p := &op.Params[i]
		if !p.isMemory() {
			continue
		}
		if in.index < 0 && p.Type.IsInput() {
			if in, err = resolve(blocks, i, p); err != nil {
				return in, out, err
			}
			if p.Type.IsOutput() {
				out = in
				break
			}
			continue
		}
		if out.index < 0 && p.Type.IsOutput() {
			if out, err = resolve(blocks, i, p); err != nil {
				return in, out, err
			}
		}
	}
	if in.index < 0 {
		return in, out, errors.New("no input buffer")
	}
	if bs := id.BlockSize(); len(in.buf)%bs != 0 {
		return in, out, fmt.Errorf("input of %d bytes is not a multiple of %d", len(in.buf), bs)
	}
	if id.Kind() == hwa.KindDigest {
		return in, out, nil
	}
	if out.index < 0 {
		return in, out, errors.New("no output buffer")
	}
	if len(out.buf) < len(in.buf) {
		return in, out, fmt.Errorf("output of %d bytes for input of %d", len(out.buf), len(in.buf))
	}
	return in, out, nil
}

func releaseMemory(in, out memory) {
	if in.borrow != nil {
		in.borrow.Release()
	}
	if out.borrow != nil && out.borrow != in.borrow {
		out.borrow.Release()
	}
}

// TryUpdate runs op directly on the accelerator of its shortcut. blocks
// resolves registered memrefs.
//
// TryUpdate returns an error wrapping ErrInapplicable if op must be sent to
// the secure world instead. Any other error is a failure of the operation
// itself, such as an accelerator timeout. The accelerator lock is never
// held after TryUpdate returns.
func (r *Registry) TryUpdate(ctx context.Context, blocks *shm.Registry, op *Operation) (abi.Answer, error) {
	sc, ok := r.Applicable(op.Session, op.Command)
	if !ok {
		r.fallbacks.Add(1)
		return abi.Answer{}, ErrInapplicable
	}
	id := sc.HWA
	if err := r.table.LockContext(ctx, id); err != nil {
		r.fallbacks.Add(1)
		return abi.Answer{}, fmt.Errorf("%w: %v", ErrInapplicable, err)
	}
	defer r.table.Unlock(id)

	// The shortcut may have been suspended, uninstalled or lost its key
	// while we waited for the accelerator.
	sc, ok = r.Acquire(op.Session, op.Command)
	if !ok {
		r.fallbacks.Add(1)
		return abi.Answer{}, ErrInapplicable
	}
	defer r.Release(sc)
	if sc.HWA != id {
		r.fallbacks.Add(1)
		return abi.Answer{}, ErrInapplicable
	}

	in, out, err := parse(id, blocks, op)
	defer releaseMemory(in, out)
	if err != nil {
		r.malformed.Add(1)
		r.fallbacks.Add(1)
		return abi.Answer{}, fmt.Errorf("%w: %w: %v", ErrInapplicable, ErrMalformed, err)
	}

	n, err := r.table.Engine(id).Update(sc.state, sc.Ctrl, in.buf, out.buf)
	if err != nil {
		r.errors.Add(1)
		return abi.Answer{}, fmt.Errorf("shortcut %d on %v: %w", sc.Handle, id, err)
	}
	r.updates.Add(1)

	a := abi.Answer{
		Type:   abi.MsgInvoke,
		Origin: abi.OriginTrustedApp,
		Code:   abi.Success,
	}
	if out.index >= 0 {
		a.Outputs[out.index] = uint32(n)
	}
	return a, nil
}
