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
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	"splitworld.dev/smc/pkg/smc/abi"
)

const digestBlockSize = 64

type digestInfo struct {
	name  string
	words int
	magic string
	new   func() hash.Hash
}

// digests describes the algorithms of the digest engine. The hash state
// snapshot format of the standard library ("magic", chaining words, block,
// length; all big-endian) is the engine's register image.
var digests = map[uint32]digestInfo{
	CtrlDigestMD5:    {name: "md5", words: 4, magic: "md5\x01", new: md5.New},
	CtrlDigestSHA1:   {name: "sha1", words: 5, magic: "sha\x01", new: sha1.New},
	CtrlDigestSHA224: {name: "sha224", words: 8, magic: "sha\x02", new: sha256.New224},
	CtrlDigestSHA256: {name: "sha256", words: 8, magic: "sha\x03", new: sha256.New},
}

// DigestName returns the name of the digest algorithm selected by ctrl.
func DigestName(ctrl uint32) string {
	if d, ok := digests[ctrl&CtrlDigestMask]; ok {
		return d.name
	}
	return fmt.Sprintf("digest(%#x)", ctrl&CtrlDigestMask)
}

// NewDigestState returns the initial state of digest algorithm alg.
func NewDigestState(alg uint32) (*DigestState, error) {
	d, ok := digests[alg]
	if !ok {
		return nil, fmt.Errorf("digest algorithm %#x: %w", alg, abi.ErrorBadParameters)
	}
	s := &DigestState{}
	if err := s.load(d.new()); err != nil {
		return nil, err
	}
	return s, nil
}

// load captures the register image of h into s.
func (s *DigestState) load(h hash.Hash) error {
	blob, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return err
	}
	for alg, d := range digests {
		if len(blob) != len(d.magic)+4*d.words+digestBlockSize+8 || string(blob[:len(d.magic)]) != d.magic {
			continue
		}
		b := blob[len(d.magic):]
		s.Algorithm = alg
		s.H = make([]uint32, d.words)
		for i := range s.H {
			s.H[i] = binary.BigEndian.Uint32(b[4*i:])
		}
		b = b[4*d.words:]
		s.Length = binary.BigEndian.Uint64(b[digestBlockSize:])
		s.Partial = append([]byte(nil), b[:s.Length%digestBlockSize]...)
		return nil
	}
	return fmt.Errorf("unrecognized hash register image: %w", ErrStateMismatch)
}

// restore returns a hash positioned at s.
func (s *DigestState) restore() (hash.Hash, error) {
	d, ok := digests[s.Algorithm]
	if !ok || len(s.H) != d.words || len(s.Partial) != int(s.Length%digestBlockSize) {
		return nil, fmt.Errorf("digest state %#x: %w", s.Algorithm, ErrStateMismatch)
	}
	blob := make([]byte, 0, len(d.magic)+4*d.words+digestBlockSize+8)
	blob = append(blob, d.magic...)
	for _, w := range s.H {
		blob = binary.BigEndian.AppendUint32(blob, w)
	}
	blob = append(blob, s.Partial...)
	blob = blob[:len(blob)+digestBlockSize-len(s.Partial)]
	blob = binary.BigEndian.AppendUint64(blob, s.Length)
	h := d.new()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("restoring %s state: %v: %w", d.name, err, ErrStateMismatch)
	}
	return h, nil
}

// Sum returns the digest of the data hashed so far without modifying s.
func (s *DigestState) Sum() ([]byte, error) {
	h, err := s.restore()
	if err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
