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

package rpc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/hwa"
)

const (
	ctxHandle = 7
	session   = 3
	command   = 0x20
	key       = 0x55
)

type fixture struct {
	table *hwa.Table
	reg   *cus.Registry
	d     *Dispatcher
	l0    []byte
	inits int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hw := hwa.NewHardware(hwa.DefaultOptions())
	table, ctrl, err := hwa.NewTable(hw.Engines())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	f := &fixture{table: table, reg: cus.NewRegistry(table), l0: make([]byte, abi.L0Size)}
	opts := DefaultOptions()
	opts.OnInit = func() { f.inits++ }
	f.d = New(ctrl, opts)
	if err := f.d.AddContext(ctxHandle, f.reg); err != nil {
		t.Fatalf("AddContext: %v", err)
	}
	return f
}

// call marshals p into L0 and dispatches a crypto RPC.
func (f *fixture) call(t *testing.T, cmd uint32, p interface {
	MarshalBytes([]byte) (int, error)
}) (abi.ErrorCode, uint32) {
	t.Helper()
	clear(f.l0)
	if p != nil {
		if _, err := p.MarshalBytes(f.l0); err != nil {
			t.Fatalf("MarshalBytes: %v", err)
		}
	}
	code, n, err := f.d.HandleRPC(abi.RPCCrypto, cmd, f.l0)
	if err != nil {
		t.Fatalf("HandleRPC: %v", err)
	}
	return code, n
}

func (f *fixture) install(t *testing.T, lock bool, st hwa.OperationState) uint32 {
	t.Helper()
	var actions uint32
	if lock {
		actions = abi.ActionLock
	}
	p := &abi.InstallParams{
		Context: ctxHandle,
		Session: session,
		Command: command,
		HWA:     abi.HWAAES1,
		Ctrl:    hwa.CtrlModeCBC | hwa.CtrlEncrypt,
		Key:     key,
		State:   hwa.MarshalState(st),
	}
	code, _ := f.call(t, abi.CryptoCommand(abi.FamilyInstall, abi.HWAAES1, actions), p)
	if code != abi.Success {
		t.Fatalf("install: %v", code)
	}
	var res abi.ShortcutParams
	if err := res.UnmarshalBytes(f.l0); err != nil {
		t.Fatalf("install result: %v", err)
	}
	return res.Shortcut
}

func TestInstallLockResumeUnlock(t *testing.T) {
	f := newFixture(t)
	h := f.install(t, true, &hwa.AESState{})
	if h == abi.NoShortcut {
		t.Fatalf("install returned no shortcut")
	}
	if !f.table.Locked(hwa.AES1) {
		t.Fatalf("install with lock left AES1 unlocked")
	}
	if _, ok := f.reg.Applicable(session, command); ok {
		t.Errorf("shortcut applicable before its key was published")
	}

	code, _ := f.call(t, abi.CryptoCommand(abi.FamilyResumeUnlock, abi.HWAAES1, 0), &abi.ResumeUnlockParams{KeyAES1: key})
	if code != abi.Success {
		t.Fatalf("resume-unlock: %v", code)
	}
	if f.table.Locked(hwa.AES1) {
		t.Errorf("AES1 still locked")
	}
	if got := f.table.CurrentKey(hwa.AES1); got != key {
		t.Errorf("AES1 key = %#x, want %#x", got, key)
	}
	if _, ok := f.reg.Applicable(session, command); !ok {
		t.Errorf("shortcut not applicable once its key is current")
	}
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t)
	st := &hwa.AESState{}
	copy(st.IV[:], "initial-iv-value")
	h := f.install(t, false, st)

	code, n := f.call(t, abi.CryptoCommand(abi.FamilyLockSuspend, abi.HWAAES1, abi.ActionSuspend), &abi.ShortcutParams{Shortcut: h})
	if code != abi.Success {
		t.Fatalf("lock-suspend: %v", code)
	}
	if !f.table.Locked(hwa.AES1) {
		t.Errorf("lock-suspend left AES1 unlocked")
	}
	var res abi.StateResult
	if err := res.UnmarshalBytes(f.l0[:n]); err != nil {
		t.Fatalf("suspend result: %v", err)
	}
	got, err := hwa.UnmarshalState(res.State)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	if diff := cmp.Diff(hwa.OperationState(st), got); diff != "" {
		t.Errorf("suspended state mismatch (-want +got):\n%s", diff)
	}
	if info, _ := f.reg.Lookup(h); !info.Suspended {
		t.Errorf("shortcut not suspended")
	}

	next := &hwa.AESState{}
	copy(next.IV[:], "resumed-iv-value")
	code, _ = f.call(t, abi.CryptoCommand(abi.FamilyResumeUnlock, abi.HWAAES1, abi.ActionResume), &abi.ResumeUnlockParams{
		Shortcut: h,
		KeyAES1:  key,
		State:    hwa.MarshalState(next),
	})
	if code != abi.Success {
		t.Fatalf("resume-unlock: %v", code)
	}
	if info, _ := f.reg.Lookup(h); info.Suspended {
		t.Errorf("shortcut still suspended")
	}
	if f.table.Locked(hwa.AES1) {
		t.Errorf("AES1 still locked")
	}
}

func TestUninstall(t *testing.T) {
	f := newFixture(t)
	h := f.install(t, false, &hwa.AESState{})
	code, _ := f.call(t, abi.CryptoCommand(abi.FamilyLockSuspend, abi.HWAAES1, abi.ActionUninstall), &abi.ShortcutParams{Shortcut: h})
	if code != abi.Success {
		t.Fatalf("uninstall: %v", code)
	}
	if f.reg.Len() != 0 {
		t.Errorf("registry holds %d shortcuts after uninstall", f.reg.Len())
	}
	f.call(t, abi.CryptoCommand(abi.FamilyResumeUnlock, abi.HWAAES1, 0), &abi.ResumeUnlockParams{})

	// The handle is gone: a second uninstall fails but still locks.
	code, _ = f.call(t, abi.CryptoCommand(abi.FamilyLockSuspend, abi.HWAAES1, abi.ActionUninstall), &abi.ShortcutParams{Shortcut: h})
	if code != abi.ErrorItemNotFound {
		t.Errorf("second uninstall = %v, want %v", code, abi.ErrorItemNotFound)
	}
	if !f.table.Locked(hwa.AES1) {
		t.Errorf("failed lock-suspend did not lock AES1")
	}
}

func TestResumeUnlockPublishesDigest(t *testing.T) {
	f := newFixture(t)
	set := abi.HWASHA | abi.HWADES
	f.call(t, abi.CryptoCommand(abi.FamilyLockSuspend, set, 0), &abi.ShortcutParams{})
	code, _ := f.call(t, abi.CryptoCommand(abi.FamilyResumeUnlock, set, 0), &abi.ResumeUnlockParams{KeyDES: 9})
	if code != abi.Success {
		t.Fatalf("resume-unlock: %v", code)
	}
	if !f.table.Public() {
		t.Errorf("digest accelerator not public")
	}
	if got := f.table.CurrentKey(hwa.DES); got != 9 {
		t.Errorf("DES key = %d, want 9", got)
	}

	f.call(t, abi.CryptoCommand(abi.FamilyClearKey, set, 0), nil)
	if f.table.Public() || f.table.CurrentKey(hwa.DES) != hwa.NoKey {
		t.Errorf("clear-key left public=%t des=%#x", f.table.Public(), f.table.CurrentKey(hwa.DES))
	}
}

func TestInstallErrors(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		name string
		p    abi.InstallParams
		want abi.ErrorCode
	}{
		{
			name: "unknown context",
			p:    abi.InstallParams{Context: 99, HWA: abi.HWAAES1, State: hwa.MarshalState(&hwa.AESState{})},
			want: abi.ErrorItemNotFound,
		},
		{
			name: "two accelerators",
			p:    abi.InstallParams{Context: ctxHandle, HWA: abi.HWAAES1 | abi.HWADES, State: hwa.MarshalState(&hwa.AESState{})},
			want: abi.ErrorBadParameters,
		},
		{
			name: "bad state",
			p:    abi.InstallParams{Context: ctxHandle, HWA: abi.HWAAES1, State: []byte{0xff}},
			want: abi.ErrorBadFormat,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.p
			code, _ := f.call(t, abi.CryptoCommand(abi.FamilyInstall, p.HWA, 0), &p)
			if code != tc.want {
				t.Errorf("install = %v, want %v", code, tc.want)
			}
		})
	}
	if got := f.d.Stats().Failures; got != 3 {
		t.Errorf("failures = %d, want 3", got)
	}
}

func TestRemoveContext(t *testing.T) {
	f := newFixture(t)
	h := f.install(t, false, &hwa.AESState{})
	if n := f.d.RemoveContext(ctxHandle); n != 1 {
		t.Errorf("RemoveContext forgot %d shortcuts, want 1", n)
	}
	code, _ := f.call(t, abi.CryptoCommand(abi.FamilyLockSuspend, 0, abi.ActionSuspend), &abi.ShortcutParams{Shortcut: h})
	if code != abi.ErrorItemNotFound {
		t.Errorf("suspend of forgotten shortcut = %v, want %v", code, abi.ErrorItemNotFound)
	}
}

func TestInit(t *testing.T) {
	f := newFixture(t)
	p := abi.InitParams{Version: abi.Version()}
	if _, err := p.MarshalBytes(f.l0); err != nil {
		t.Fatalf("MarshalBytes: %v", err)
	}
	if code, _, err := f.d.HandleRPC(abi.RPCInit, 0, f.l0); err != nil || code != abi.Success {
		t.Fatalf("init = %v, %v", code, err)
	}
	if f.inits != 1 {
		t.Errorf("OnInit called %d times, want 1", f.inits)
	}

	p.Version = abi.MakeVersion(abi.VersionMajor+1, 0)
	if _, err := p.MarshalBytes(f.l0); err != nil {
		t.Fatalf("MarshalBytes: %v", err)
	}
	if _, _, err := f.d.HandleRPC(abi.RPCInit, 0, f.l0); !errors.Is(err, abi.ErrProtocolVersion) {
		t.Errorf("init with major mismatch = %v, want %v", err, abi.ErrProtocolVersion)
	}
	if f.inits != 1 {
		t.Errorf("OnInit called after a rejected init")
	}
}

func TestTraceAndYield(t *testing.T) {
	f := newFixture(t)
	p := abi.TraceParams{Line: []byte("hello from the monitor\n")}
	if _, err := p.MarshalBytes(f.l0); err != nil {
		t.Fatalf("MarshalBytes: %v", err)
	}
	if code, _, err := f.d.HandleRPC(abi.RPCTrace, 0, f.l0); err != nil || code != abi.Success {
		t.Fatalf("trace = %v, %v", code, err)
	}
	if code, _, err := f.d.HandleRPC(abi.RPCYield, 0, f.l0); err != nil || code != abi.Success {
		t.Fatalf("yield = %v, %v", code, err)
	}
	if code, _, err := f.d.HandleRPC(42, 0, f.l0); err != nil || code != abi.ErrorNotImplemented {
		t.Fatalf("unknown RPC = %v, %v", code, err)
	}
	want := Stats{Yields: 1, Traces: 1, Failures: 1}
	if diff := cmp.Diff(want, f.d.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}
