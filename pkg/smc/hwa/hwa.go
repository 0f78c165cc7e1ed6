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

// Package hwa models the symmetric crypto hardware accelerators shared by the
// normal and secure worlds: the per-accelerator lock and key context table,
// the operation state snapshots exchanged between the worlds, and the crypto
// engines driven through their register file or DMA channel.
//
// Lock ordering: an accelerator lock may be acquired while no shortcut
// registry lock is held (fast path), or before a shortcut registry lock
// (suspend). A registry lock is never held while acquiring an accelerator
// lock.
package hwa

import (
	"errors"
	"fmt"
	"time"

	"splitworld.dev/smc/pkg/smc/abi"
)

// ID names one physical accelerator.
type ID int

// Accelerators.
const (
	AES1 ID = iota
	AES2
	DES
	SHA

	// NumIDs is the number of accelerators.
	NumIDs
)

var idBits = [NumIDs]abi.HWASet{
	AES1: abi.HWAAES1,
	AES2: abi.HWAAES2,
	DES:  abi.HWADES,
	SHA:  abi.HWASHA,
}

// String implements fmt.Stringer.
func (id ID) String() string {
	switch id {
	case AES1:
		return "AES1"
	case AES2:
		return "AES2"
	case DES:
		return "DES"
	case SHA:
		return "SHA"
	default:
		return fmt.Sprintf("ID(%d)", int(id))
	}
}

// Valid returns true if id names an accelerator.
func (id ID) Valid() bool {
	return id >= 0 && id < NumIDs
}

// Bit returns the RPC command bit of id.
func (id ID) Bit() abi.HWASet {
	return idBits[id]
}

// Kind returns the kind of operation state handled by id.
func (id ID) Kind() Kind {
	switch id {
	case AES1, AES2:
		return KindAES
	case DES:
		return KindDES
	default:
		return KindDigest
	}
}

// BlockSize returns the length granularity the engine requires of its
// input, or 1 if unconstrained.
func (id ID) BlockSize() int {
	switch id.Kind() {
	case KindAES:
		return 16
	case KindDES:
		return 8
	default:
		return 1
	}
}

// HasKey returns true if id is keyed by a secure key context rather than
// gated by the public flag.
func (id ID) HasKey() bool {
	return id != SHA
}

// IDs returns the accelerators in s in ascending ID order.
func IDs(s abi.HWASet) []ID {
	var ids []ID
	for id := ID(0); id < NumIDs; id++ {
		if s&id.Bit() != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// FromBit returns the single accelerator named by s.
func FromBit(s abi.HWASet) (ID, error) {
	ids := IDs(s)
	if len(ids) != 1 || s&^abi.HWAAll != 0 {
		return 0, fmt.Errorf("accelerator set %v does not name exactly one accelerator: %w", s, abi.ErrorBadParameters)
	}
	return ids[0], nil
}

// Control word bits of a shortcut. For ciphers they select the chaining
// mode and direction, for the digest engine the algorithm.
const (
	CtrlModeMask uint32 = 0x3
	CtrlModeECB  uint32 = 0x0
	CtrlModeCBC  uint32 = 0x1
	CtrlModeCTR  uint32 = 0x2

	CtrlEncrypt uint32 = 1 << 2

	CtrlDigestMask   uint32 = 0x30
	CtrlDigestMD5    uint32 = 0x00
	CtrlDigestSHA1   uint32 = 0x10
	CtrlDigestSHA224 uint32 = 0x20
	CtrlDigestSHA256 uint32 = 0x30
)

var (
	// ErrAcceleratorTimeout is returned when an engine did not become
	// ready within its readiness bound. The engine has been reset.
	ErrAcceleratorTimeout = errors.New("accelerator readiness timeout")

	// ErrNoKey is returned when a cipher engine has no key loaded.
	ErrNoKey = errors.New("no key loaded in accelerator")

	// ErrStateMismatch is returned when an operation state does not match
	// the engine or control word it is used with.
	ErrStateMismatch = errors.New("operation state does not match accelerator")
)

// Options configure the simulated engines.
type Options struct {
	// DMAThreshold is the number of blocks from which an update is
	// executed through the DMA channel instead of the register file.
	DMAThreshold int

	// Timeout bounds each readiness poll.
	Timeout time.Duration

	// PollInterval is the interval between status register reads.
	PollInterval time.Duration

	// Latency is the simulated time an engine stays busy per operation.
	Latency time.Duration
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		DMAThreshold: 4,
		Timeout:      100 * time.Millisecond,
		PollInterval: 10 * time.Microsecond,
	}
}
