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
	"fmt"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/hwa"
)

// crypto executes a shortcut lifecycle RPC and returns the length of its
// result in params.
func (d *Dispatcher) crypto(command uint32, params []byte) (int, error) {
	family, hwas, actions := abi.DecodeCryptoCommand(command)
	switch family {
	case abi.FamilyInstall:
		return d.install(hwas, actions, params)
	case abi.FamilyLockSuspend:
		return d.lockSuspend(hwas, actions, params)
	case abi.FamilyResumeUnlock:
		return 0, d.resumeUnlock(hwas, actions, params)
	case abi.FamilyClearKey:
		d.ctrl.ClearKeys(hwas)
		d.clears.Add(1)
		log.Debugf("Cleared key contexts of %v", hwas)
		return 0, nil
	default:
		return 0, fmt.Errorf("crypto RPC family %#x: %w", family, abi.ErrorNotSupported)
	}
}

// install creates a shortcut in the registry of the named context. With
// ActionLock, the accelerators in hwas are locked once the shortcut is
// installed so that the secure world can load its key.
func (d *Dispatcher) install(hwas abi.HWASet, actions uint32, params []byte) (int, error) {
	var p abi.InstallParams
	if err := p.UnmarshalBytes(params); err != nil {
		return 0, err
	}
	id, err := hwa.FromBit(p.HWA)
	if err != nil {
		return 0, err
	}
	st, err := hwa.UnmarshalState(p.State)
	if err != nil {
		return 0, fmt.Errorf("shortcut state: %w", err)
	}

	d.mu.Lock()
	reg, ok := d.contexts[p.Context]
	handle := d.nextHandle
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("context %d: %w", p.Context, abi.ErrorItemNotFound)
	}

	sc := &cus.Shortcut{
		Handle:  handle,
		Session: p.Session,
		Command: p.Command,
		HWA:     id,
		Ctrl:    p.Ctrl,
		Key:     p.Key,
	}
	if err := reg.Install(sc, st); err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.nextHandle++
	if d.nextHandle == abi.NoShortcut {
		d.nextHandle++
	}
	d.shortcuts.ReplaceOrInsert(shortcutEntry{handle: handle, context: p.Context, reg: reg})
	d.mu.Unlock()
	d.installs.Add(1)

	if actions&abi.ActionLock != 0 {
		d.ctrl.Lock(hwas)
	}
	res := abi.ShortcutParams{Shortcut: handle}
	return res.MarshalBytes(params)
}

// lockSuspend locks the accelerators in hwas, then suspends or uninstalls
// the target shortcut and returns its operation state. The accelerators
// stay locked whatever the outcome for the target.
func (d *Dispatcher) lockSuspend(hwas abi.HWASet, actions uint32, params []byte) (int, error) {
	var p abi.ShortcutParams
	if err := p.UnmarshalBytes(params); err != nil {
		return 0, err
	}
	d.ctrl.Lock(hwas)
	if p.Shortcut == abi.NoShortcut || actions&(abi.ActionSuspend|abi.ActionUninstall) == 0 {
		return 0, nil
	}
	reg, err := d.lookup(p.Shortcut)
	if err != nil {
		return 0, err
	}
	uninstall := actions&abi.ActionUninstall != 0
	st, err := reg.Suspend(p.Shortcut, uninstall)
	if err != nil {
		return 0, err
	}
	if uninstall {
		d.forget(p.Shortcut)
	}
	d.suspends.Add(1)
	res := abi.StateResult{State: hwa.MarshalState(st)}
	return res.MarshalBytes(params)
}

// resumeUnlock resumes the target shortcut, publishes the key contexts of
// the accelerators in hwas and unlocks them. Keys are published and locks
// released even if the target cannot be resumed.
func (d *Dispatcher) resumeUnlock(hwas abi.HWASet, actions uint32, params []byte) error {
	var p abi.ResumeUnlockParams
	if err := p.UnmarshalBytes(params); err != nil {
		d.ctrl.Unlock(hwas)
		return err
	}

	var resumeErr error
	if p.Shortcut != abi.NoShortcut && actions&abi.ActionResume != 0 {
		resumeErr = d.resume(p.Shortcut, p.State)
	}

	for _, id := range hwa.IDs(hwas) {
		switch id {
		case hwa.AES1:
			d.ctrl.SetKey(id, p.KeyAES1)
		case hwa.AES2:
			d.ctrl.SetKey(id, p.KeyAES2)
		case hwa.DES:
			d.ctrl.SetKey(id, p.KeyDES)
		case hwa.SHA:
			d.ctrl.SetPublic(true)
		}
	}
	d.ctrl.Unlock(hwas)
	return resumeErr
}

func (d *Dispatcher) resume(handle uint32, state []byte) error {
	st, err := hwa.UnmarshalState(state)
	if err != nil {
		return fmt.Errorf("shortcut state: %w", err)
	}
	reg, err := d.lookup(handle)
	if err != nil {
		return err
	}
	if err := reg.Resume(handle, st); err != nil {
		return err
	}
	d.resumes.Add(1)
	return nil
}
