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

// Package comm implements the message channel to the secure monitor and the
// polling coordinator, the single goroutine that enters the secure world.
//
// Commands and answers travel through two fixed-capacity rings in the L1
// page. Client goroutines produce commands and block on a per-operation
// completion; the coordinator invokes the call gate, executes the RPCs the
// secure world makes during the call, and delivers posted answers to their
// completions.
package comm

import (
	"fmt"

	"splitworld.dev/smc/pkg/memutil"
	"splitworld.dev/smc/pkg/smc/abi"
)

// Gate is the call gate into the secure world.
type Gate interface {
	// Invoke transfers control to the secure world. args is the physical
	// address of an abi.GateArgs block that stays pinned for the duration
	// of the call. Invoke returns one of the abi.Return* values when the
	// secure world hands control back.
	Invoke(function, variant, flags uint32, args uintptr) uint32
}

// GateFunc adapts a function to Gate.
type GateFunc func(function, variant, flags uint32, args uintptr) uint32

// Invoke implements Gate.Invoke.
func (f GateFunc) Invoke(function, variant, flags uint32, args uintptr) uint32 {
	return f(function, variant, flags, args)
}

// argBlock is the pinned memory holding the call gate argument block.
type argBlock struct {
	region *memutil.Region
}

func newArgBlock() (*argBlock, error) {
	r, err := memutil.MapPinned("gate-args", abi.GateArgsSize)
	if err != nil {
		return nil, fmt.Errorf("allocating gate argument block: %w", err)
	}
	return &argBlock{region: r}, nil
}

// set writes args into the block and returns its physical address.
func (a *argBlock) set(args ...uint64) uintptr {
	if len(args) > abi.MaxGateArgs {
		panic(fmt.Sprintf("%d call gate arguments, max %d", len(args), abi.MaxGateArgs))
	}
	ga := abi.GateArgs{Count: uint32(len(args))}
	copy(ga.Args[:], args)
	ga.MarshalBytes(a.region.Bytes())
	return a.region.Addr()
}

func (a *argBlock) release() {
	a.region.Unmap()
}
