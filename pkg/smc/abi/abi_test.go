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
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

func newL1(t *testing.T) *L1 {
	t.Helper()
	// Back the page with uint64s so that it is 8-byte aligned.
	words := make([]uint64, L1Size/8)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), L1Size)
	l, err := NewL1(b)
	if err != nil {
		t.Fatalf("NewL1: %v", err)
	}
	return l
}

func TestCommandEncoding(t *testing.T) {
	for _, c := range []Command{
		{OperationID: 7, Body: &CreateContextBody{ScratchAddr: 0x7f0000001000, ScratchSize: 8192}},
		{Context: 3, OperationID: 8, Body: &OpenSessionBody{
			Timeout: InfiniteTimeout,
			Login:   4,
			UUID:    [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		}},
		{Context: 3, OperationID: 9, Body: &InvokeBody{
			Session:    11,
			Command:    0x20,
			ParamTypes: PackParamTypes([NumParams]ParamType{ParamValueInput, ParamMemrefInput, ParamMemrefOutput, ParamNone}),
			Timeout:    1234,
			Params:     [NumParams]Param{{A: 1, B: 2}, {A: 5, B: 0, C: 32}, {A: 5, B: 32, C: 32}},
		}},
		{Context: 3, OperationID: 10, Body: &CancelBody{Session: 11, Target: 9}},
		{Context: 3, OperationID: 11, Body: &DestroyContextBody{}},
		{OperationID: 12, Body: &ManagementBody{Command: MgmtHibernate}},
	} {
		t.Run(c.Type().String(), func(t *testing.T) {
			slot := make([]byte, CommandSlotSize)
			c.MarshalBytes(slot)
			var got Command
			if err := got.UnmarshalBytes(slot); err != nil {
				t.Fatalf("UnmarshalBytes: %v", err)
			}
			if diff := cmp.Diff(c, got); diff != "" {
				t.Errorf("decoded command mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandUnknownType(t *testing.T) {
	slot := make([]byte, CommandSlotSize)
	slot[0] = 0x33
	var c Command
	if err := c.UnmarshalBytes(slot); !errors.Is(err, ErrorBadFormat) {
		t.Errorf("UnmarshalBytes got err %v, want %v", err, ErrorBadFormat)
	}
}

func TestAnswerEncoding(t *testing.T) {
	invoke := Answer{Type: MsgInvoke, Origin: OriginTrustedApp, Code: ErrorShortBuffer, OperationID: 1 << 40, Outputs: [NumParams]uint32{1, 2, 3, 4}}
	open := Answer{Type: MsgOpenSession, Origin: OriginTEE, OperationID: 2, Handle: 99}
	for _, a := range []Answer{invoke, open} {
		slot := make([]byte, AnswerSlotSize)
		a.MarshalBytes(slot)
		var got Answer
		if err := got.UnmarshalBytes(slot); err != nil {
			t.Fatalf("UnmarshalBytes: %v", err)
		}
		if diff := cmp.Diff(a, got); diff != "" {
			t.Errorf("decoded answer mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestParamTypes(t *testing.T) {
	types := [NumParams]ParamType{ParamTempInOut, ParamValueOutput, ParamNone, ParamMemrefInput}
	if got := UnpackParamTypes(PackParamTypes(types)); got != types {
		t.Errorf("UnpackParamTypes(PackParamTypes(%v)) = %v", types, got)
	}
	for _, tc := range []struct {
		p                   ParamType
		value, temp, memref bool
		input, output       bool
	}{
		{p: ParamNone},
		{p: ParamValueInput, value: true, input: true},
		{p: ParamValueOutput, value: true, output: true},
		{p: ParamTempInOut, temp: true, input: true, output: true},
		{p: ParamMemrefOutput, memref: true, output: true},
		{p: ParamMemrefInput, memref: true, input: true},
	} {
		if tc.p.IsValue() != tc.value || tc.p.IsTemp() != tc.temp || tc.p.IsMemref() != tc.memref ||
			tc.p.IsInput() != tc.input || tc.p.IsOutput() != tc.output {
			t.Errorf("classification of %#x is wrong", tc.p)
		}
		var flags uint32
		if tc.input {
			flags |= ShmInput
		}
		if tc.output {
			flags |= ShmOutput
		}
		if got := ShmFlagsFor(tc.p); got != flags {
			t.Errorf("ShmFlagsFor(%#x) = %#x, want %#x", tc.p, got, flags)
		}
	}
}

func TestCryptoCommand(t *testing.T) {
	w := CryptoCommand(FamilyLockSuspend, HWAAES1|HWASHA, ActionSuspend|ActionUninstall)
	family, hwas, actions := DecodeCryptoCommand(w)
	if family != FamilyLockSuspend || hwas != HWAAES1|HWASHA || actions != ActionSuspend|ActionUninstall {
		t.Errorf("DecodeCryptoCommand(%#x) = %#x, %v, %#x", w, family, hwas, actions)
	}
	if got, want := (HWAAES1 | HWASHA).String(), "aes1|sha"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestRPCParams(t *testing.T) {
	buf := make([]byte, L0Size)
	in := InstallParams{Context: 1, Session: 2, Command: 3, HWA: HWADES, Ctrl: 0x12, Key: 0xabc, State: []byte{1, 2, 3}}
	n, err := in.MarshalBytes(buf)
	if err != nil {
		t.Fatalf("MarshalBytes: %v", err)
	}
	var out InstallParams
	if err := out.UnmarshalBytes(buf[:n]); err != nil {
		t.Fatalf("UnmarshalBytes: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("install params mismatch (-want +got):\n%s", diff)
	}
	if err := out.UnmarshalBytes(buf[:n-1]); !errors.Is(err, ErrorBadFormat) {
		t.Errorf("truncated UnmarshalBytes got err %v, want %v", err, ErrorBadFormat)
	}

	big := TraceParams{Line: make([]byte, L0Size)}
	if _, err := big.MarshalBytes(buf); !errors.Is(err, ErrorShortBuffer) {
		t.Errorf("oversized MarshalBytes got err %v, want %v", err, ErrorShortBuffer)
	}
}

func TestErrorCode(t *testing.T) {
	if Success.Err() != nil {
		t.Errorf("Success.Err() = %v", Success.Err())
	}
	wrapped := errors.Join(errors.New("context"), ErrorBusy)
	if got := CodeOf(wrapped); got != ErrorBusy {
		t.Errorf("CodeOf = %v, want %v", got, ErrorBusy)
	}
	if got := CodeOf(errors.New("plain")); got != ErrorGeneric {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrorGeneric)
	}
	if got := VersionMajorOf(MakeVersion(3, 9)); got != 3 {
		t.Errorf("VersionMajorOf = %d, want 3", got)
	}
}

func TestRings(t *testing.T) {
	l := newL1(t)
	for i := uint32(0); i < 2*RingCapacity; i++ {
		l.CommandSlot(i)[0] = byte(i)
	}
	if got := l.CommandSlot(3)[0]; got != byte(RingCapacity+3) {
		t.Errorf("command slot 3 = %d, want %d", got, RingCapacity+3)
	}
	last := l.AnswerSlot(RingCapacity - 1)
	if &last[AnswerSlotSize-1] != &l.b[L1Size-1] {
		t.Errorf("last answer slot does not end the page")
	}
}

// TestTimeSync checks that 64-bit time values split across two words are
// never observed torn.
func TestTimeSync(t *testing.T) {
	l := newL1(t)
	const iterations = 10000
	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				v := l.ReadTime(Secure)
				if uint32(v) != uint32(v>>32) {
					t.Errorf("torn read %#x", v)
					return
				}
			}
		}()
	}
	for i := uint64(1); i <= iterations; i++ {
		l.PublishTime(Secure, i<<32|i)
	}
	close(done)
	wg.Wait()
	if got := l.ReadTime(Secure); got != iterations<<32|iterations {
		t.Errorf("ReadTime = %#x", got)
	}
	if got := l.ReadTime(Normal); got != 0 {
		t.Errorf("normal clock = %#x, want 0", got)
	}
}
