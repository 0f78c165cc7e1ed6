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
	"fmt"

	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/hwa"
)

// World is the secure world's side of the RPC protocol. It is only valid on
// the secure goroutine, inside Monitor.Do callbacks and command processing.
type World struct {
	m *Monitor
}

type marshaler interface {
	MarshalBytes(dst []byte) (int, error)
}

type unmarshaler interface {
	UnmarshalBytes(src []byte) error
}

// rpc calls into the normal world and waits for its return.
func (w *World) rpc(id, command uint32, params marshaler, result unmarshaler) error {
	m := w.m
	clear(m.l0)
	if params != nil {
		if _, err := params.MarshalBytes(m.l0); err != nil {
			return err
		}
	}
	m.l1.SetRPC(id, command)
	select {
	case m.exit <- abi.ReturnRPC:
	case <-m.stop:
		return errAborted
	}
	var e entry
	select {
	case e = <-m.enter:
	case <-m.stop:
		return errAborted
	}
	if e.function != abi.FuncRPCReturn {
		// The normal world may not reenter the secure world before
		// returning from an RPC.
		return fmt.Errorf("call gate function %d during RPC: %w", e.function, errAborted)
	}
	code, n := m.l1.RPCResult()
	if code != abi.Success {
		return fmt.Errorf("RPC %d (command %#x): %w", id, command, code)
	}
	if result != nil {
		if int(n) > len(m.l0) {
			return fmt.Errorf("RPC %d result of %d bytes: %w", id, n, abi.ErrorExcessData)
		}
		return result.UnmarshalBytes(m.l0[:n])
	}
	return nil
}

func (w *World) init() error {
	p := abi.InitParams{Version: w.m.opts.Version, BootBufferLen: uint32(len(w.m.boot))}
	return w.rpc(abi.RPCInit, 0, &p, nil)
}

// Hardware returns the accelerators.
func (w *World) Hardware() *hwa.Hardware {
	return w.m.hw
}

// Tracef forwards a log line to the normal world.
func (w *World) Tracef(format string, v ...any) error {
	p := abi.TraceParams{Line: []byte(fmt.Sprintf(format, v...))}
	return w.rpc(abi.RPCTrace, 0, &p, nil)
}

// Yield makes an empty RPC, giving the normal world a chance to consume
// answers.
func (w *World) Yield() error {
	return w.rpc(abi.RPCYield, 0, nil, nil)
}

// Install installs a shortcut for a session command of context ctx and
// returns its handle. With lock, the accelerator stays locked for the
// secure world on return.
func (w *World) Install(ctx, session, command uint32, id hwa.ID, ctrl, key uint32, st hwa.OperationState, lock bool) (uint32, error) {
	var actions uint32
	if lock {
		actions = abi.ActionLock
	}
	p := abi.InstallParams{
		Context: ctx,
		Session: session,
		Command: command,
		HWA:     id.Bit(),
		Ctrl:    ctrl,
		Key:     key,
		State:   hwa.MarshalState(st),
	}
	var res abi.ShortcutParams
	if err := w.rpc(abi.RPCCrypto, abi.CryptoCommand(abi.FamilyInstall, id.Bit(), actions), &p, &res); err != nil {
		return abi.NoShortcut, err
	}
	return res.Shortcut, nil
}

// Lock locks the accelerators in set.
func (w *World) Lock(set abi.HWASet) error {
	return w.rpc(abi.RPCCrypto, abi.CryptoCommand(abi.FamilyLockSuspend, set, 0), &abi.ShortcutParams{}, nil)
}

// LockSuspend locks the accelerators in set, then suspends shortcut and
// returns its operation state. With uninstall the shortcut is removed.
func (w *World) LockSuspend(set abi.HWASet, shortcut uint32, uninstall bool) (hwa.OperationState, error) {
	actions := abi.ActionSuspend
	if uninstall {
		actions |= abi.ActionUninstall
	}
	var res abi.StateResult
	if err := w.rpc(abi.RPCCrypto, abi.CryptoCommand(abi.FamilyLockSuspend, set, actions), &abi.ShortcutParams{Shortcut: shortcut}, &res); err != nil {
		return nil, err
	}
	return hwa.UnmarshalState(res.State)
}

// Unlock publishes the current key contexts of the accelerators in set and
// unlocks them.
func (w *World) Unlock(set abi.HWASet) error {
	return w.ResumeUnlock(set, abi.NoShortcut, nil)
}

// ResumeUnlock resumes shortcut with state st, publishes the current key
// contexts of the accelerators in set and unlocks them.
func (w *World) ResumeUnlock(set abi.HWASet, shortcut uint32, st hwa.OperationState) error {
	p := abi.ResumeUnlockParams{
		Shortcut: shortcut,
		KeyAES1:  w.m.current[hwa.AES1],
		KeyAES2:  w.m.current[hwa.AES2],
		KeyDES:   w.m.current[hwa.DES],
	}
	var actions uint32
	if shortcut != abi.NoShortcut {
		actions = abi.ActionResume
		p.State = hwa.MarshalState(st)
	}
	return w.rpc(abi.RPCCrypto, abi.CryptoCommand(abi.FamilyResumeUnlock, set, actions), &p, nil)
}

// ClearKeys retires the key contexts of the accelerators in set.
func (w *World) ClearKeys(set abi.HWASet) error {
	for _, id := range hwa.IDs(set) {
		w.m.current[id] = hwa.NoKey
	}
	return w.rpc(abi.RPCCrypto, abi.CryptoCommand(abi.FamilyClearKey, set, 0), nil, nil)
}

// StoreKey records key material under handle.
func (w *World) StoreKey(handle uint32, key []byte) {
	w.m.keys[handle] = append([]byte(nil), key...)
}

// LoadKey loads the key stored under handle into accelerator id and makes
// it the current key context, published by the next unlock. The secure
// world must hold the lock of id.
func (w *World) LoadKey(id hwa.ID, handle uint32) error {
	key, ok := w.m.keys[handle]
	if !ok {
		return fmt.Errorf("key %#x: %w", handle, abi.ErrorItemNotFound)
	}
	if loaded, ok := w.m.hw.LoadedKey(id); !ok || loaded != handle {
		if err := w.m.hw.LoadKey(id, handle, key); err != nil {
			return err
		}
	}
	w.m.current[id] = handle
	return nil
}
