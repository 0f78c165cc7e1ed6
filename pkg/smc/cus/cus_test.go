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
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/smc/shm"
)

const (
	k1 = 0x1001
	k2 = 0x1002

	session = 5
	command = 0x40
)

var aesKey = []byte("0123456789abcdef")

// gateEngine blocks every update until proceed is closed.
type gateEngine struct {
	hwa.Engine
	entered chan struct{}
	proceed chan struct{}
	calls   atomic.Int32
}

func (g *gateEngine) Update(st hwa.OperationState, ctrl uint32, src, dst []byte) (int, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.proceed
	return g.Engine.Update(st, ctrl, src, dst)
}

// keyCheckEngine records updates executed while the accelerator key
// context differed from the shortcut's.
type keyCheckEngine struct {
	hwa.Engine
	table      *hwa.Table
	want       uint32
	runs       atomic.Int32
	violations atomic.Int32
}

func (k *keyCheckEngine) Update(st hwa.OperationState, ctrl uint32, src, dst []byte) (int, error) {
	k.runs.Add(1)
	if k.table.CurrentKey(k.ID()) != k.want {
		k.violations.Add(1)
	}
	return k.Engine.Update(st, ctrl, src, dst)
}

type fixture struct {
	hw    *hwa.Hardware
	table *hwa.Table
	ctl   *hwa.Control
	reg   *Registry
}

// newFixture builds a registry over the simulated hardware. wrap may
// replace the AES1 engine.
func newFixture(t *testing.T, wrap func(hwa.Engine, func() *hwa.Table) hwa.Engine) *fixture {
	t.Helper()
	f := &fixture{hw: hwa.NewHardware(hwa.DefaultOptions())}
	engines := f.hw.Engines()
	if wrap != nil {
		engines[hwa.AES1] = wrap(engines[hwa.AES1], func() *hwa.Table { return f.table })
	}
	var err error
	f.table, f.ctl, err = hwa.NewTable(engines)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if err := f.hw.LoadKey(hwa.AES1, k1, aesKey); err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	f.reg = NewRegistry(f.table)
	return f
}

func (f *fixture) installAES(t *testing.T, handle uint32, iv []byte) {
	t.Helper()
	st := &hwa.AESState{}
	copy(st.IV[:], iv)
	sc := &Shortcut{
		Handle:  handle,
		Session: session,
		Command: command,
		HWA:     hwa.AES1,
		Ctrl:    hwa.CtrlModeCBC | hwa.CtrlEncrypt,
		Key:     k1,
	}
	if err := f.reg.Install(sc, st); err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func tempOp(in, out []byte) *Operation {
	return &Operation{
		Session: session,
		Command: command,
		Params: [abi.NumParams]Param{
			{Type: abi.ParamTempInput, Temp: in},
			{Type: abi.ParamTempOutput, Temp: out},
		},
	}
}

func (f *fixture) checkIdle(t *testing.T, handle uint32) {
	t.Helper()
	if info, ok := f.reg.Lookup(handle); ok && info.UseCount != 0 {
		t.Errorf("use count = %d, want 0", info.UseCount)
	}
	if f.table.Locked(hwa.AES1) {
		t.Errorf("accelerator left locked")
	}
}

// TestDirectExecution installs an AES-1 shortcut whose key is the
// current key context and runs a 32-byte update on the hardware.
func TestDirectExecution(t *testing.T) {
	f := newFixture(t, nil)
	iv := bytes.Repeat([]byte{7}, 16)
	f.installAES(t, 1, iv)
	f.ctl.SetKey(hwa.AES1, k1)

	in := bytes.Repeat([]byte("plaintext block!"), 2)
	out := make([]byte, 32)
	a, err := f.reg.TryUpdate(context.Background(), nil, tempOp(in, out))
	if err != nil {
		t.Fatalf("TryUpdate: %v", err)
	}
	if a.Code != abi.Success || a.Outputs[1] != 32 {
		t.Errorf("answer = %+v, want success with 32 output bytes", a)
	}
	block, _ := aes.NewCipher(aesKey)
	want := make([]byte, 32)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(want, in)
	if !bytes.Equal(out, want) {
		t.Errorf("output = %x, want %x", out, want)
	}
	f.checkIdle(t, 1)
	if got := f.reg.Stats().Updates; got != 1 {
		t.Errorf("Updates = %d, want 1", got)
	}
}

// TestKeyMismatch checks that a shortcut bound to a key that is not
// the accelerator's current key context falls back.
func TestKeyMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.installAES(t, 1, nil)
	f.ctl.SetKey(hwa.AES1, k2)
	_, err := f.reg.TryUpdate(context.Background(), nil, tempOp(make([]byte, 32), make([]byte, 32)))
	if !errors.Is(err, ErrInapplicable) {
		t.Fatalf("TryUpdate got err %v, want %v", err, ErrInapplicable)
	}
	if got := f.hw.Stats(hwa.AES1).Updates; got != 0 {
		t.Errorf("engine ran %d updates", got)
	}
	f.checkIdle(t, 1)
}

// TestSuspendDrains runs two concurrent updates of one shortcut while
// it is suspended. The suspension completes only once the update in flight
// is done, and no update starts afterwards.
func TestSuspendDrains(t *testing.T) {
	var gate *gateEngine
	f := newFixture(t, func(e hwa.Engine, _ func() *hwa.Table) hwa.Engine {
		gate = &gateEngine{Engine: e, entered: make(chan struct{}, 2), proceed: make(chan struct{})}
		return gate
	})
	f.installAES(t, 1, nil)
	f.ctl.SetKey(hwa.AES1, k1)

	results := make(chan error, 2)
	update := func() {
		_, err := f.reg.TryUpdate(context.Background(), nil, tempOp(make([]byte, 32), make([]byte, 32)))
		results <- err
	}
	go update()
	<-gate.entered
	go update()

	suspended := make(chan hwa.OperationState)
	go func() {
		st, err := f.reg.Suspend(1, false)
		if err != nil {
			t.Errorf("Suspend: %v", err)
		}
		suspended <- st
	}()
	for {
		if info, _ := f.reg.Lookup(1); info.Suspended {
			break
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-suspended:
		t.Fatalf("Suspend completed with an update in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate.proceed)
	if st := <-suspended; st == nil {
		t.Errorf("Suspend returned no state")
	}
	var ok, fallback int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			ok++
		case errors.Is(err, ErrInapplicable):
			fallback++
		default:
			t.Errorf("TryUpdate: %v", err)
		}
	}
	if ok != 1 || fallback != 1 {
		t.Errorf("got %d direct and %d fallback updates, want 1 and 1", ok, fallback)
	}
	if n := gate.calls.Load(); n != 1 {
		t.Errorf("engine ran %d updates, want 1", n)
	}
	f.checkIdle(t, 1)
}

// TestKeyCoherence flips the key context of the accelerator, as the secure
// world does under the accelerator lock, while updates run. No update may
// execute while the key context differs from the shortcut's.
func TestKeyCoherence(t *testing.T) {
	var check *keyCheckEngine
	f := newFixture(t, func(e hwa.Engine, table func() *hwa.Table) hwa.Engine {
		check = &keyCheckEngine{Engine: e, want: k1}
		return check
	})
	check.table = f.table
	f.installAES(t, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		for ctx.Err() == nil {
			for _, k := range []uint32{k1, k2} {
				f.ctl.Lock(abi.HWAAES1)
				f.ctl.SetKey(hwa.AES1, k)
				f.ctl.Unlock(abi.HWAAES1)
			}
		}
		return nil
	})
	var direct atomic.Int32
	var workers errgroup.Group
	for i := 0; i < 4; i++ {
		workers.Go(func() error {
			buf := make([]byte, 64)
			for j := 0; j < 200; j++ {
				_, err := f.reg.TryUpdate(context.Background(), nil, tempOp(buf, buf))
				switch {
				case err == nil:
					direct.Add(1)
				case !errors.Is(err, ErrInapplicable):
					return err
				}
			}
			return nil
		})
	}
	if err := workers.Wait(); err != nil {
		t.Errorf("TryUpdate: %v", err)
	}
	cancel()
	g.Wait()
	if v := check.violations.Load(); v != 0 {
		t.Errorf("%d of %d updates ran with a foreign key context", v, check.runs.Load())
	}
	if direct.Load() != check.runs.Load() {
		t.Errorf("%d direct updates, %d engine runs", direct.Load(), check.runs.Load())
	}
}

// TestUninstallWaitsForUsers checks that a shortcut is never removed while
// an update holds it.
func TestUninstallWaitsForUsers(t *testing.T) {
	var gate *gateEngine
	f := newFixture(t, func(e hwa.Engine, _ func() *hwa.Table) hwa.Engine {
		gate = &gateEngine{Engine: e, entered: make(chan struct{}, 1), proceed: make(chan struct{})}
		return gate
	})
	f.installAES(t, 1, nil)
	f.ctl.SetKey(hwa.AES1, k1)

	done := make(chan error, 1)
	go func() {
		_, err := f.reg.TryUpdate(context.Background(), nil, tempOp(make([]byte, 16), make([]byte, 16)))
		done <- err
	}()
	<-gate.entered
	uninstalled := make(chan error, 1)
	go func() { uninstalled <- f.reg.Uninstall(1) }()

	time.Sleep(20 * time.Millisecond)
	if f.reg.Len() != 1 {
		t.Fatalf("shortcut removed while in use")
	}
	close(gate.proceed)
	if err := <-done; err != nil {
		t.Errorf("TryUpdate: %v", err)
	}
	if err := <-uninstalled; err != nil {
		t.Errorf("Uninstall: %v", err)
	}
	if f.reg.Len() != 0 {
		t.Errorf("shortcut still installed")
	}
}

func TestMalformedFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.installAES(t, 1, nil)
	f.ctl.SetKey(hwa.AES1, k1)

	blocks := shm.NewRegistry()
	defer blocks.Drain()
	d, err := blocks.Allocate(64, abi.ShmInput|abi.ShmOutput)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	ro, err := blocks.Allocate(64, abi.ShmInput)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	for name, op := range map[string]*Operation{
		"misaligned":   tempOp(make([]byte, 15), make([]byte, 16)),
		"short output": tempOp(make([]byte, 32), make([]byte, 16)),
		"no output":    {Session: session, Command: command, Params: [abi.NumParams]Param{{Type: abi.ParamTempInput, Temp: make([]byte, 16)}}},
		"bad block": {Session: session, Command: command, Params: [abi.NumParams]Param{
			{Type: abi.ParamMemrefInput, Block: d.ID + 1, Size: 16},
			{Type: abi.ParamMemrefOutput, Block: d.ID, Size: 16},
		}},
		"out of range": {Session: session, Command: command, Params: [abi.NumParams]Param{
			{Type: abi.ParamMemrefInput, Block: d.ID, Size: 16},
			{Type: abi.ParamMemrefOutput, Block: d.ID, Offset: 60, Size: 16},
		}},
		"output to input-only block": {Session: session, Command: command, Params: [abi.NumParams]Param{
			{Type: abi.ParamMemrefInput, Block: d.ID, Size: 16},
			{Type: abi.ParamMemrefOutput, Block: ro.ID, Size: 16},
		}},
		"in-place on input-only block": {Session: session, Command: command, Params: [abi.NumParams]Param{
			{Type: abi.ParamMemrefInOut, Block: ro.ID, Size: 16},
		}},
	} {
		_, err := f.reg.TryUpdate(context.Background(), blocks, op)
		if !errors.Is(err, ErrInapplicable) || !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: TryUpdate got err %v, want %v and %v", name, err, ErrInapplicable, ErrMalformed)
		}
		f.checkIdle(t, 1)
	}
	if got := f.reg.Stats().Malformed; got != 7 {
		t.Errorf("Malformed = %d, want 7", got)
	}

	// In-place update of a registered block.
	op := &Operation{Session: session, Command: command, Params: [abi.NumParams]Param{
		{Type: abi.ParamValueInput, A: 1},
		{Type: abi.ParamMemrefInOut, Block: d.ID, Offset: 16, Size: 32},
	}}
	a, err := f.reg.TryUpdate(context.Background(), blocks, op)
	if err != nil {
		t.Fatalf("TryUpdate: %v", err)
	}
	if a.Outputs[1] != 32 {
		t.Errorf("answer = %+v, want 32 output bytes in param 1", a)
	}
	if _, err := blocks.Remove(d.ID); err != nil {
		t.Errorf("Remove: %v", err)
	}
}

func TestDigestShortcut(t *testing.T) {
	f := newFixture(t, nil)
	st, err := hwa.NewState(hwa.KindDigest, hwa.CtrlDigestSHA256)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	sc := &Shortcut{Handle: 9, Session: session, Command: command, HWA: hwa.SHA, Ctrl: hwa.CtrlDigestSHA256}
	if err := f.reg.Install(sc, st); err != nil {
		t.Fatalf("Install: %v", err)
	}
	data := []byte("the quick brown fox jumps over the lazy dog")
	op := &Operation{Session: session, Command: command, Params: [abi.NumParams]Param{{Type: abi.ParamTempInput, Temp: data}}}
	if _, err := f.reg.TryUpdate(context.Background(), nil, op); !errors.Is(err, ErrInapplicable) {
		t.Fatalf("TryUpdate on private SHA got err %v, want %v", err, ErrInapplicable)
	}
	f.ctl.SetPublic(true)
	for i := 0; i < 3; i++ {
		if _, err := f.reg.TryUpdate(context.Background(), nil, op); err != nil {
			t.Fatalf("TryUpdate: %v", err)
		}
	}
	got, err := f.reg.Suspend(9, true)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	sum, err := got.(*hwa.DigestState).Sum()
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	want := sha256.Sum256(bytes.Repeat(data, 3))
	if !bytes.Equal(sum, want[:]) {
		t.Errorf("digest = %x, want %x", sum, want)
	}
	if f.reg.Len() != 0 {
		t.Errorf("shortcut not uninstalled")
	}
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, nil)
	f.installAES(t, 1, nil)
	f.ctl.SetKey(hwa.AES1, k1)

	st, err := f.reg.Suspend(1, false)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if _, ok := f.reg.Applicable(session, command); ok {
		t.Errorf("suspended shortcut is applicable")
	}
	if err := f.reg.Resume(1, &hwa.DESState{}); !errors.Is(err, abi.ErrorBadParameters) {
		t.Errorf("Resume with DES state got err %v, want %v", err, abi.ErrorBadParameters)
	}
	st.(*hwa.AESState).IV[0] = 0xff
	if err := f.reg.Resume(1, st); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, ok := f.reg.Applicable(session, command); !ok {
		t.Errorf("resumed shortcut is not applicable")
	}
	again, err := f.reg.Suspend(1, false)
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if again.(*hwa.AESState).IV[0] != 0xff {
		t.Errorf("resumed state was not kept")
	}
	if err := f.reg.Resume(2, st); !errors.Is(err, abi.ErrorItemNotFound) {
		t.Errorf("Resume of unknown shortcut got err %v, want %v", err, abi.ErrorItemNotFound)
	}
}

func TestInstallConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.installAES(t, 1, nil)
	sc := &Shortcut{Handle: 2, Session: session, Command: command, HWA: hwa.AES2, Key: k1}
	if err := f.reg.Install(sc, &hwa.AESState{}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate Install got err %v, want %v", err, ErrDuplicate)
	}
	sc = &Shortcut{Handle: 3, Session: session, Command: command + 1, HWA: hwa.DES, Key: k1}
	if err := f.reg.Install(sc, &hwa.AESState{}); !errors.Is(err, abi.ErrorBadParameters) {
		t.Errorf("Install with mismatched state got err %v, want %v", err, abi.ErrorBadParameters)
	}
}

func TestCloseAndDrain(t *testing.T) {
	f := newFixture(t, nil)
	f.installAES(t, 1, nil)
	f.ctl.SetKey(hwa.AES1, k1)
	f.reg.Close()
	if _, err := f.reg.TryUpdate(context.Background(), nil, tempOp(make([]byte, 16), make([]byte, 16))); !errors.Is(err, ErrInapplicable) {
		t.Errorf("TryUpdate on closed registry got err %v, want %v", err, ErrInapplicable)
	}
	if err := f.reg.Install(&Shortcut{Handle: 4, HWA: hwa.AES1}, &hwa.AESState{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Install on closed registry got err %v, want %v", err, ErrClosed)
	}
	if got := f.reg.Drain(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Drain = %v, want [1]", got)
	}
}
