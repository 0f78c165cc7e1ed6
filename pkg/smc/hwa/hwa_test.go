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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"hash"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"splitworld.dev/smc/pkg/smc/abi"
)

var (
	aesKey  = []byte("0123456789abcdef")
	des3Key = []byte("0123456789abcdefghijklmn")
)

func testOptions(dmaThreshold int) Options {
	opts := DefaultOptions()
	opts.DMAThreshold = dmaThreshold
	return opts
}

func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

// TestCipherUpdates checks that a cipher operation split into several
// updates carrying their state produces the same output as a single pass of
// the reference implementation, through both the register and DMA paths.
func TestCipherUpdates(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	aesBlock, _ := aes.NewCipher(aesKey)
	desBlock, _ := des.NewTripleDESCipher(des3Key)
	iv := randBytes(r, 16)
	plain := randBytes(r, 160)

	for _, tc := range []struct {
		name string
		id   ID
		ctrl uint32
		ref  func() []byte
	}{
		{
			name: "aes-cbc-encrypt",
			id:   AES1,
			ctrl: CtrlModeCBC | CtrlEncrypt,
			ref: func() []byte {
				out := make([]byte, len(plain))
				cipher.NewCBCEncrypter(aesBlock, iv).CryptBlocks(out, plain)
				return out
			},
		},
		{
			name: "aes-cbc-decrypt",
			id:   AES2,
			ctrl: CtrlModeCBC,
			ref: func() []byte {
				out := make([]byte, len(plain))
				cipher.NewCBCDecrypter(aesBlock, iv).CryptBlocks(out, plain)
				return out
			},
		},
		{
			name: "aes-ctr",
			id:   AES1,
			ctrl: CtrlModeCTR | CtrlEncrypt,
			ref: func() []byte {
				out := make([]byte, len(plain))
				cipher.NewCTR(aesBlock, iv).XORKeyStream(out, plain)
				return out
			},
		},
		{
			name: "aes-ecb",
			id:   AES1,
			ctrl: CtrlModeECB | CtrlEncrypt,
			ref: func() []byte {
				out := make([]byte, len(plain))
				for i := 0; i < len(plain); i += 16 {
					aesBlock.Encrypt(out[i:], plain[i:])
				}
				return out
			},
		},
		{
			name: "3des-cbc-encrypt",
			id:   DES,
			ctrl: CtrlModeCBC | CtrlEncrypt,
			ref: func() []byte {
				out := make([]byte, len(plain))
				cipher.NewCBCEncrypter(desBlock, iv[:8]).CryptBlocks(out, plain)
				return out
			},
		},
	} {
		for _, threshold := range []int{0, 2} {
			hw := NewHardware(testOptions(threshold))
			key := aesKey
			if tc.id == DES {
				key = des3Key
			}
			if err := hw.LoadKey(tc.id, 7, key); err != nil {
				t.Fatalf("LoadKey: %v", err)
			}
			st, err := NewState(tc.id.Kind(), tc.ctrl)
			if err != nil {
				t.Fatalf("NewState: %v", err)
			}
			switch s := st.(type) {
			case *AESState:
				copy(s.IV[:], iv)
			case *DESState:
				copy(s.IV[:], iv)
			}
			e := hw.Engine(tc.id)
			got := make([]byte, len(plain))
			// Split at a block boundary that differs per block size.
			split := 3 * tc.id.BlockSize()
			for _, part := range [][2]int{{0, split}, {split, len(plain)}} {
				n, err := e.Update(st, tc.ctrl, plain[part[0]:part[1]], got[part[0]:part[1]])
				if err != nil {
					t.Fatalf("%s: Update: %v", tc.name, err)
				}
				if n != part[1]-part[0] {
					t.Errorf("%s: Update wrote %d bytes, want %d", tc.name, n, part[1]-part[0])
				}
			}
			if want := tc.ref(); !bytes.Equal(got, want) {
				t.Errorf("%s (dma threshold %d): output mismatch", tc.name, threshold)
			}
			if threshold > 0 && hw.Stats(tc.id).DMATransfers == 0 {
				t.Errorf("%s: no DMA transfer with threshold %d", tc.name, threshold)
			}
		}
	}
}

// TestDigestSnapshotRoundTrip checks that digest states transferred through
// their wire encoding resume exactly where they were suspended.
func TestDigestSnapshotRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for _, tc := range []struct {
		ctrl uint32
		ref  func() hash.Hash
	}{
		{CtrlDigestMD5, md5.New},
		{CtrlDigestSHA1, sha1.New},
		{CtrlDigestSHA224, sha256.New224},
		{CtrlDigestSHA256, sha256.New},
	} {
		hw := NewHardware(testOptions(3))
		e := hw.Engine(SHA)
		st, err := NewState(KindDigest, tc.ctrl)
		if err != nil {
			t.Fatalf("NewState: %v", err)
		}
		ref := tc.ref()
		for i := 0; i < 6; i++ {
			chunk := randBytes(r, r.Intn(300))
			ref.Write(chunk)
			if _, err := e.Update(st, tc.ctrl, chunk, nil); err != nil {
				t.Fatalf("%s: Update: %v", DigestName(tc.ctrl), err)
			}
			resumed, err := UnmarshalState(MarshalState(st))
			if err != nil {
				t.Fatalf("%s: UnmarshalState: %v", DigestName(tc.ctrl), err)
			}
			if diff := cmp.Diff(st, resumed); diff != "" {
				t.Fatalf("%s: resumed state mismatch (-want +got):\n%s", DigestName(tc.ctrl), diff)
			}
			st = resumed
		}
		got, err := st.(*DigestState).Sum()
		if err != nil {
			t.Fatalf("Sum: %v", err)
		}
		if want := ref.Sum(nil); !bytes.Equal(got, want) {
			t.Errorf("%s: digest %x, want %x", DigestName(tc.ctrl), got, want)
		}
	}
}

func TestCipherSnapshotRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		a := &AESState{}
		d := &DESState{}
		r.Read(a.IV[:])
		r.Read(d.IV[:])
		for _, st := range []OperationState{a, d} {
			got, err := UnmarshalState(MarshalState(st))
			if err != nil {
				t.Fatalf("UnmarshalState: %v", err)
			}
			if diff := cmp.Diff(st, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		}
	}
	if _, err := UnmarshalState([]byte{byte(KindAES), 1, 2}); !errors.Is(err, abi.ErrorBadFormat) {
		t.Errorf("short AES state got err %v, want %v", err, abi.ErrorBadFormat)
	}
}

func TestCloneState(t *testing.T) {
	st, err := NewState(KindDigest, CtrlDigestSHA256)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	clone := CloneState(st).(*DigestState)
	clone.H[0] ^= 1
	if st.(*DigestState).H[0] == clone.H[0] {
		t.Errorf("CloneState shares chaining words with the original")
	}
}

func TestUpdateValidation(t *testing.T) {
	hw := NewHardware(DefaultOptions())
	e := hw.Engine(AES1)
	st := &AESState{}
	if _, err := e.Update(st, CtrlModeCBC, make([]byte, 16), make([]byte, 16)); !errors.Is(err, ErrNoKey) {
		t.Errorf("Update without key got err %v, want %v", err, ErrNoKey)
	}
	if err := hw.LoadKey(AES1, 1, aesKey); err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if _, err := e.Update(st, CtrlModeCBC, make([]byte, 15), make([]byte, 16)); !errors.Is(err, abi.ErrorBadParameters) {
		t.Errorf("misaligned Update got err %v, want %v", err, abi.ErrorBadParameters)
	}
	if _, err := e.Update(st, CtrlModeCBC, make([]byte, 32), make([]byte, 16)); !errors.Is(err, abi.ErrorShortBuffer) {
		t.Errorf("short output Update got err %v, want %v", err, abi.ErrorShortBuffer)
	}
	if _, err := e.Update(&DESState{}, CtrlModeCBC, make([]byte, 16), make([]byte, 16)); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("DES state on AES got err %v, want %v", err, ErrStateMismatch)
	}
	if err := hw.LoadKey(SHA, 1, aesKey); !errors.Is(err, abi.ErrorNotSupported) {
		t.Errorf("LoadKey(SHA) got err %v, want %v", err, abi.ErrorNotSupported)
	}
	if _, ok := hw.LoadedKey(AES2); ok {
		t.Errorf("AES2 reports a loaded key")
	}
}

func TestWedgedEngineIsReset(t *testing.T) {
	opts := DefaultOptions()
	opts.Timeout = 5 * time.Millisecond
	hw := NewHardware(opts)
	if err := hw.LoadKey(AES1, 1, aesKey); err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	e := hw.Engine(AES1)
	buf := make([]byte, 64)
	hw.SetWedged(AES1, true)
	if _, err := e.Update(&AESState{}, CtrlModeCBC|CtrlEncrypt, buf, buf); !errors.Is(err, ErrAcceleratorTimeout) {
		t.Fatalf("Update on wedged engine got err %v, want %v", err, ErrAcceleratorTimeout)
	}
	stats := hw.Stats(AES1)
	if stats.Timeouts != 1 || stats.Resets != 1 {
		t.Errorf("stats after timeout = %+v", stats)
	}
	if _, err := e.Update(&AESState{}, CtrlModeCBC|CtrlEncrypt, buf, buf); err != nil {
		t.Errorf("Update after reset: %v", err)
	}
	if key, ok := hw.LoadedKey(AES1); !ok || key != 1 {
		t.Errorf("key slot after reset = %d, %t", key, ok)
	}
}

func TestTableKeys(t *testing.T) {
	hw := NewHardware(DefaultOptions())
	table, ctl, err := NewTable(hw.Engines())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if table.Usable(AES1, 5) || table.Usable(SHA, 0) {
		t.Fatalf("fresh table has usable accelerators")
	}
	ctl.SetKey(AES1, 5)
	ctl.SetPublic(true)
	if !table.Usable(AES1, 5) || table.Usable(AES1, 6) || table.Usable(AES2, 5) || !table.Usable(SHA, 0) {
		t.Errorf("usability after SetKey is wrong")
	}
	if table.Usable(AES1, NoKey) {
		t.Errorf("NoKey is usable")
	}
	ctl.ClearKeys(abi.HWAAES1 | abi.HWASHA)
	if table.Usable(AES1, 5) || table.Public() {
		t.Errorf("ClearKeys left accelerators usable")
	}

	ctl.Lock(abi.HWAAES1 | abi.HWADES)
	if !table.Locked(AES1) || !table.Locked(DES) || table.Locked(AES2) {
		t.Errorf("Lock did not lock exactly the named accelerators")
	}
	if table.TryLock(DES) {
		t.Errorf("TryLock succeeded on a held accelerator")
	}
	if !ctl.Holds(AES1) || ctl.Holds(AES2) {
		t.Errorf("Holds does not match the locked accelerators")
	}
	ctl.Unlock(abi.HWAAES1 | abi.HWADES | abi.HWASHA)
	if table.Locked(AES1) || table.Locked(DES) || ctl.Holds(AES1) {
		t.Errorf("Unlock left accelerators locked")
	}

	// A stray unlock must not release the lock of a shortcut update.
	table.Lock(AES2)
	ctl.Unlock(abi.HWAAES2)
	if !table.Locked(AES2) {
		t.Fatalf("secure world unlock released a lock it does not hold")
	}
	table.Unlock(AES2)

	if _, _, err := NewTable(hw.Engines()[:2]); err == nil {
		t.Errorf("NewTable with missing engines succeeded")
	}
}

// TestTableSerializesEngine checks that updates issued by many goroutines
// under the accelerator lock never overlap on the engine.
func TestTableSerializesEngine(t *testing.T) {
	opts := DefaultOptions()
	opts.Latency = 20 * time.Microsecond
	hw := NewHardware(opts)
	table, _, err := NewTable(hw.Engines())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if err := hw.LoadKey(AES2, 1, aesKey); err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			st := &AESState{}
			buf := make([]byte, 32)
			for j := 0; j < 50; j++ {
				table.Lock(AES2)
				_, err := table.Engine(AES2).Update(st, CtrlModeCBC|CtrlEncrypt, buf, buf)
				table.Unlock(AES2)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := hw.Stats(AES2); got.Overlaps != 0 || got.Updates != 400 {
		t.Errorf("stats = %+v, want 400 updates and no overlaps", got)
	}
}

func TestIDs(t *testing.T) {
	if diff := cmp.Diff([]ID{AES1, DES, SHA}, IDs(abi.HWAAES1|abi.HWADES|abi.HWASHA)); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	if id, err := FromBit(abi.HWAAES2); err != nil || id != AES2 {
		t.Errorf("FromBit(AES2) = %v, %v", id, err)
	}
	if _, err := FromBit(abi.HWAAES1 | abi.HWAAES2); err == nil {
		t.Errorf("FromBit accepted two accelerators")
	}
}
