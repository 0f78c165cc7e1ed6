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

package abi

import (
	"fmt"
	"strings"
)

// RPC identifiers, stored in the L1 rpc_id field when the call gate returns
// ReturnRPC.
const (
	RPCYield  uint32 = 0
	RPCInit   uint32 = 1
	RPCTrace  uint32 = 2
	RPCCrypto uint32 = 3
)

// L0Size is the size of the L0 page holding RPC parameters and results.
const L0Size = 4096

// HWASet is a set of hardware accelerators, encoded in the low bits of a
// crypto RPC command word.
type HWASet uint32

// Accelerator bits.
const (
	HWAAES1 HWASet = 1 << 0
	HWADES  HWASet = 1 << 1
	HWASHA  HWASet = 1 << 2
	HWAAES2 HWASet = 1 << 3

	HWAAll HWASet = HWAAES1 | HWADES | HWASHA | HWAAES2
)

// Has returns true if all of o is in s.
func (s HWASet) Has(o HWASet) bool {
	return s&o == o
}

// String implements fmt.Stringer.
func (s HWASet) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	for _, b := range []struct {
		bit  HWASet
		name string
	}{{HWAAES1, "aes1"}, {HWAAES2, "aes2"}, {HWADES, "des"}, {HWASHA, "sha"}} {
		if s&b.bit != 0 {
			names = append(names, b.name)
		}
	}
	if rest := s &^ HWAAll; rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// Crypto RPC command word layout.
const (
	CryptoHWAMask    uint32 = 0x0000000F
	CryptoActionMask uint32 = 0x000000F0
	CryptoFamilyMask uint32 = 0x0000F000

	FamilyInstall      uint32 = 0x1000
	FamilyLockSuspend  uint32 = 0x2000
	FamilyResumeUnlock uint32 = 0x3000
	FamilyClearKey     uint32 = 0x4000

	// ActionLock, with FamilyInstall, locks the shortcut's accelerator
	// once the shortcut is installed.
	ActionLock uint32 = 1 << 4

	// ActionSuspend, with FamilyLockSuspend, suspends the target shortcut
	// and returns its operation state.
	ActionSuspend uint32 = 1 << 4

	// ActionUninstall, with FamilyLockSuspend, removes the target shortcut.
	ActionUninstall uint32 = 1 << 5

	// ActionResume, with FamilyResumeUnlock, restores the target
	// shortcut's operation state and clears its suspended flag.
	ActionResume uint32 = 1 << 4
)

// CryptoCommand builds a crypto RPC command word.
func CryptoCommand(family uint32, hwas HWASet, actions uint32) uint32 {
	return family&CryptoFamilyMask | uint32(hwas)&CryptoHWAMask | actions&CryptoActionMask
}

// DecodeCryptoCommand splits a crypto RPC command word.
func DecodeCryptoCommand(w uint32) (family uint32, hwas HWASet, actions uint32) {
	return w & CryptoFamilyMask, HWASet(w & CryptoHWAMask), w & CryptoActionMask
}

// NoShortcut in a shortcut field means no target shortcut.
const NoShortcut uint32 = 0

// paramReader decodes little-endian words from an L0 parameter block.
type paramReader struct {
	b   []byte
	off int
	err error
}

func (r *paramReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.b) {
		r.err = fmt.Errorf("parameter block truncated at %d: %w", r.off, ErrorBadFormat)
		return 0
	}
	v := le.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *paramReader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil {
		return nil
	}
	if n > len(r.b)-r.off {
		r.err = fmt.Errorf("blob of %d bytes at %d exceeds parameter block: %w", n, r.off, ErrorBadFormat)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+n])
	r.off += n
	return out
}

// paramWriter encodes little-endian words into an L0 parameter block.
type paramWriter struct {
	b   []byte
	off int
	err error
}

func (w *paramWriter) u32(v uint32) {
	if w.err != nil {
		return
	}
	if w.off+4 > len(w.b) {
		w.err = fmt.Errorf("parameter block full at %d: %w", w.off, ErrorShortBuffer)
		return
	}
	le.PutUint32(w.b[w.off:], v)
	w.off += 4
}

func (w *paramWriter) bytes(p []byte) {
	w.u32(uint32(len(p)))
	if w.err != nil {
		return
	}
	if len(p) > len(w.b)-w.off {
		w.err = fmt.Errorf("blob of %d bytes at %d: %w", len(p), w.off, ErrorShortBuffer)
		return
	}
	w.off += copy(w.b[w.off:], p)
}

// InstallParams are the parameters of an install RPC.
type InstallParams struct {
	// Context is the secure world handle of the owning device context.
	Context uint32
	Session uint32
	Command uint32
	HWA     HWASet
	Ctrl    uint32
	Key     uint32
	State   []byte
}

// MarshalBytes encodes p into dst and returns the number of bytes used.
func (p *InstallParams) MarshalBytes(dst []byte) (int, error) {
	w := paramWriter{b: dst}
	w.u32(p.Context)
	w.u32(p.Session)
	w.u32(p.Command)
	w.u32(uint32(p.HWA))
	w.u32(p.Ctrl)
	w.u32(p.Key)
	w.bytes(p.State)
	return w.off, w.err
}

// UnmarshalBytes decodes p from src.
func (p *InstallParams) UnmarshalBytes(src []byte) error {
	r := paramReader{b: src}
	p.Context = r.u32()
	p.Session = r.u32()
	p.Command = r.u32()
	p.HWA = HWASet(r.u32())
	p.Ctrl = r.u32()
	p.Key = r.u32()
	p.State = r.bytes()
	return r.err
}

// ShortcutParams carries a single shortcut handle. It is the result of an
// install RPC and the parameters of a lock-and-suspend RPC.
type ShortcutParams struct {
	Shortcut uint32
}

// MarshalBytes encodes p into dst and returns the number of bytes used.
func (p *ShortcutParams) MarshalBytes(dst []byte) (int, error) {
	w := paramWriter{b: dst}
	w.u32(p.Shortcut)
	return w.off, w.err
}

// UnmarshalBytes decodes p from src.
func (p *ShortcutParams) UnmarshalBytes(src []byte) error {
	r := paramReader{b: src}
	p.Shortcut = r.u32()
	return r.err
}

// StateResult is the result of a lock-and-suspend RPC that suspended or
// uninstalled a shortcut.
type StateResult struct {
	State []byte
}

// MarshalBytes encodes p into dst and returns the number of bytes used.
func (p *StateResult) MarshalBytes(dst []byte) (int, error) {
	w := paramWriter{b: dst}
	w.bytes(p.State)
	return w.off, w.err
}

// UnmarshalBytes decodes p from src.
func (p *StateResult) UnmarshalBytes(src []byte) error {
	r := paramReader{b: src}
	p.State = r.bytes()
	return r.err
}

// ResumeUnlockParams are the parameters of a resume-and-unlock RPC.
type ResumeUnlockParams struct {
	Shortcut uint32
	KeyAES1  uint32
	KeyAES2  uint32
	KeyDES   uint32
	State    []byte
}

// MarshalBytes encodes p into dst and returns the number of bytes used.
func (p *ResumeUnlockParams) MarshalBytes(dst []byte) (int, error) {
	w := paramWriter{b: dst}
	w.u32(p.Shortcut)
	w.u32(p.KeyAES1)
	w.u32(p.KeyAES2)
	w.u32(p.KeyDES)
	w.bytes(p.State)
	return w.off, w.err
}

// UnmarshalBytes decodes p from src.
func (p *ResumeUnlockParams) UnmarshalBytes(src []byte) error {
	r := paramReader{b: src}
	p.Shortcut = r.u32()
	p.KeyAES1 = r.u32()
	p.KeyAES2 = r.u32()
	p.KeyDES = r.u32()
	p.State = r.bytes()
	return r.err
}

// InitParams are the parameters of the init RPC.
type InitParams struct {
	Version       uint32
	BootBufferLen uint32
}

// MarshalBytes encodes p into dst and returns the number of bytes used.
func (p *InitParams) MarshalBytes(dst []byte) (int, error) {
	w := paramWriter{b: dst}
	w.u32(p.Version)
	w.u32(p.BootBufferLen)
	return w.off, w.err
}

// UnmarshalBytes decodes p from src.
func (p *InitParams) UnmarshalBytes(src []byte) error {
	r := paramReader{b: src}
	p.Version = r.u32()
	p.BootBufferLen = r.u32()
	return r.err
}

// TraceParams carry one secure world log line.
type TraceParams struct {
	Line []byte
}

// MarshalBytes encodes p into dst and returns the number of bytes used.
func (p *TraceParams) MarshalBytes(dst []byte) (int, error) {
	w := paramWriter{b: dst}
	w.bytes(p.Line)
	return w.off, w.err
}

// UnmarshalBytes decodes p from src.
func (p *TraceParams) UnmarshalBytes(src []byte) error {
	r := paramReader{b: src}
	p.Line = r.bytes()
	return r.err
}
