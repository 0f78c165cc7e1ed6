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

package hwa

import (
	"encoding/binary"
	"fmt"

	"github.com/mohae/deepcopy"

	"splitworld.dev/smc/pkg/smc/abi"
)

// Kind identifies the variant of an OperationState.
type Kind uint8

// State kinds.
const (
	KindAES    Kind = 1
	KindDES    Kind = 2
	KindDigest Kind = 3
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindAES:
		return "aes"
	case KindDES:
		return "des"
	case KindDigest:
		return "digest"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// OperationState is the register snapshot of an in-progress operation. It is
// implemented by *AESState, *DESState and *DigestState. Whichever world
// holds the shortcut owns its state; suspend and resume transfer it by
// value.
type OperationState interface {
	// Kind returns the state variant.
	Kind() Kind

	marshal(b []byte) []byte
	unmarshal(b []byte) error
}

// AESState holds the IV (CBC) or counter block (CTR) of an AES operation.
// It is unused in ECB mode.
type AESState struct {
	IV [16]byte
}

// DESState holds the IV of a DES or 3DES CBC operation.
type DESState struct {
	IV [8]byte
}

// DigestState holds an in-progress digest: the chaining words, the bytes of
// the incomplete block and the total length hashed so far.
type DigestState struct {
	Algorithm uint32
	H         []uint32
	Partial   []byte
	Length    uint64
}

// Kind implements OperationState.Kind.
func (*AESState) Kind() Kind { return KindAES }

// Kind implements OperationState.Kind.
func (*DESState) Kind() Kind { return KindDES }

// Kind implements OperationState.Kind.
func (*DigestState) Kind() Kind { return KindDigest }

func (s *AESState) marshal(b []byte) []byte {
	return append(b, s.IV[:]...)
}

func (s *AESState) unmarshal(b []byte) error {
	if len(b) != len(s.IV) {
		return fmt.Errorf("aes state of %d bytes: %w", len(b), abi.ErrorBadFormat)
	}
	copy(s.IV[:], b)
	return nil
}

func (s *DESState) marshal(b []byte) []byte {
	return append(b, s.IV[:]...)
}

func (s *DESState) unmarshal(b []byte) error {
	if len(b) != len(s.IV) {
		return fmt.Errorf("des state of %d bytes: %w", len(b), abi.ErrorBadFormat)
	}
	copy(s.IV[:], b)
	return nil
}

func (s *DigestState) marshal(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, s.Algorithm)
	b = binary.LittleEndian.AppendUint64(b, s.Length)
	for _, h := range s.H {
		b = binary.LittleEndian.AppendUint32(b, h)
	}
	return append(b, s.Partial...)
}

func (s *DigestState) unmarshal(b []byte) error {
	if len(b) < 12 {
		return fmt.Errorf("digest state of %d bytes: %w", len(b), abi.ErrorBadFormat)
	}
	alg := binary.LittleEndian.Uint32(b)
	info, ok := digests[alg]
	if !ok {
		return fmt.Errorf("digest algorithm %#x: %w", alg, abi.ErrorBadFormat)
	}
	length := binary.LittleEndian.Uint64(b[4:])
	b = b[12:]
	partial := int(length % digestBlockSize)
	if len(b) != 4*info.words+partial {
		return fmt.Errorf("digest state body of %d bytes, want %d: %w", len(b), 4*info.words+partial, abi.ErrorBadFormat)
	}
	s.Algorithm = alg
	s.Length = length
	s.H = make([]uint32, info.words)
	for i := range s.H {
		s.H[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	s.Partial = append([]byte(nil), b[4*info.words:]...)
	return nil
}

// NewState returns the initial state of an operation of the given kind.
// ctrl selects the digest algorithm for KindDigest.
func NewState(k Kind, ctrl uint32) (OperationState, error) {
	switch k {
	case KindAES:
		return &AESState{}, nil
	case KindDES:
		return &DESState{}, nil
	case KindDigest:
		d, err := NewDigestState(ctrl & CtrlDigestMask)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("state kind %v: %w", k, abi.ErrorBadParameters)
	}
}

// MarshalState encodes s for transfer through an RPC parameter block.
func MarshalState(s OperationState) []byte {
	return s.marshal([]byte{byte(s.Kind())})
}

// UnmarshalState decodes a state encoded by MarshalState.
func UnmarshalState(b []byte) (OperationState, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty operation state: %w", abi.ErrorBadFormat)
	}
	var s OperationState
	switch Kind(b[0]) {
	case KindAES:
		s = &AESState{}
	case KindDES:
		s = &DESState{}
	case KindDigest:
		s = &DigestState{}
	default:
		return nil, fmt.Errorf("state kind %v: %w", Kind(b[0]), abi.ErrorBadFormat)
	}
	if err := s.unmarshal(b[1:]); err != nil {
		return nil, err
	}
	return s, nil
}

// CloneState returns a deep copy of s.
func CloneState(s OperationState) OperationState {
	if s == nil {
		return nil
	}
	return deepcopy.Copy(s).(OperationState)
}

// CheckState verifies that s can be used on accelerator id with control
// word ctrl.
func CheckState(id ID, ctrl uint32, s OperationState) error {
	if s == nil || s.Kind() != id.Kind() {
		return fmt.Errorf("%v state on %v: %w", kindOf(s), id, ErrStateMismatch)
	}
	if d, ok := s.(*DigestState); ok {
		if d.Algorithm != ctrl&CtrlDigestMask {
			return fmt.Errorf("digest state algorithm %#x with control %#x: %w", d.Algorithm, ctrl, ErrStateMismatch)
		}
		if len(d.H) != digests[d.Algorithm].words || len(d.Partial) != int(d.Length%digestBlockSize) {
			return fmt.Errorf("inconsistent digest state: %w", ErrStateMismatch)
		}
	} else if m := ctrl & CtrlModeMask; m != CtrlModeECB && m != CtrlModeCBC && m != CtrlModeCTR {
		return fmt.Errorf("chaining mode %#x: %w", m, ErrStateMismatch)
	}
	if id == DES && ctrl&CtrlModeMask == CtrlModeCTR {
		return fmt.Errorf("CTR mode on DES: %w", ErrStateMismatch)
	}
	return nil
}

func kindOf(s OperationState) Kind {
	if s == nil {
		return 0
	}
	return s.Kind()
}
