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

package cmd

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/smc/sim"
	"splitworld.dev/smc/smcd/config"
)

// Selftest implements subcommands.Command for the "selftest" command.
type Selftest struct{}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string {
	return "check fast path execution and fallback end to end"
}

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string {
	return `selftest - run crypto operations against a simulated secure world and
exit non-zero if any check fails.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Selftest) SetFlags(*flag.FlagSet) {}

var selfTests = []struct {
	name string
	fn   func(context.Context, *monitor) error
}{
	{"fast path update", checkFastPath},
	{"key mismatch fallback", checkFallback},
	{"digest", checkDigest},
}

// Execute implements subcommands.Command.Execute.
func (*Selftest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	status := subcommands.ExitSuccess
	for _, tc := range selfTests {
		m, err := startMonitor(conf)
		if err != nil {
			Fatalf("starting secure world: %v", err)
		}
		err = tc.fn(ctx, m)
		if cerr := m.close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			fmt.Fprintf(os.Stdout, "FAIL %s: %v\n", tc.name, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(os.Stdout, "ok   %s\n", tc.name)
	}
	return status
}

const (
	selfKey1    = 0x11
	selfKey2    = 0x12
	selfCommand = 0x40
)

var (
	selfAESKey1 = []byte("selftest key one")
	selfAESKey2 = []byte("selftest key two")
)

func encryptCBC(key, iv, src []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return dst
}

// startCBC opens a session encrypting with key under AES1.
func startCBC(ctx context.Context, m *monitor, handle uint32, key, iv []byte) (*session, uint32, error) {
	s, err := m.openSession(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := s.setKey(ctx, handle, key); err != nil {
		return nil, 0, err
	}
	sc, err := s.start(ctx, hwa.AES1, hwa.CtrlModeCBC|hwa.CtrlEncrypt, selfCommand, handle, iv)
	if err != nil {
		return nil, 0, err
	}
	if sc == abi.NoShortcut {
		return nil, 0, fmt.Errorf("no shortcut installed")
	}
	return s, sc, nil
}

func checkFastPath(ctx context.Context, m *monitor) error {
	iv := make([]byte, aes.BlockSize)
	s, sc, err := startCBC(ctx, m, selfKey1, selfAESKey1, iv)
	if err != nil {
		return err
	}
	before := m.dev.Stats()
	src := bytes.Repeat([]byte{0xa5}, 32)
	dst := make([]byte, len(src))
	if err := s.update(ctx, selfCommand, src, dst); err != nil {
		return err
	}
	after := m.dev.Stats()
	if n := after.FastPath.Updates - before.FastPath.Updates; n != 1 {
		return fmt.Errorf("%d fast path updates, want 1", n)
	}
	if n := after.Channel.CommandsSent - before.Channel.CommandsSent; n != 0 {
		return fmt.Errorf("fast path update sent %d commands", n)
	}
	if want := encryptCBC(selfAESKey1, iv, src); !bytes.Equal(dst, want) {
		return fmt.Errorf("ciphertext %x, want %x", dst, want)
	}
	info, ok := s.conn.Shortcuts().Lookup(sc)
	if !ok {
		return fmt.Errorf("shortcut %d missing", sc)
	}
	if info.UseCount != 0 {
		return fmt.Errorf("use count %d after update", info.UseCount)
	}
	return s.finish(ctx, selfCommand)
}

func checkFallback(ctx context.Context, m *monitor) error {
	iv := make([]byte, aes.BlockSize)
	a, _, err := startCBC(ctx, m, selfKey1, selfAESKey1, iv)
	if err != nil {
		return err
	}
	// Another operation loads a different key into AES1.
	if _, _, err := startCBC(ctx, m, selfKey2, selfAESKey2, iv); err != nil {
		return err
	}
	if key := m.dev.Table().CurrentKey(hwa.AES1); key != selfKey2 {
		return fmt.Errorf("AES1 key context %#x, want %#x", key, selfKey2)
	}
	before := m.dev.Stats().FastPath
	src := bytes.Repeat([]byte{0x3c}, 32)
	dst := make([]byte, len(src))
	if err := a.update(ctx, selfCommand, src, dst); err != nil {
		return err
	}
	after := m.dev.Stats().FastPath
	if after.Updates != before.Updates || after.Fallbacks != before.Fallbacks+1 {
		return fmt.Errorf("fast path stats %+v after %+v, want one fallback", after, before)
	}
	if want := encryptCBC(selfAESKey1, iv, src); !bytes.Equal(dst, want) {
		return fmt.Errorf("ciphertext %x, want %x", dst, want)
	}
	return nil
}

func checkDigest(ctx context.Context, m *monitor) error {
	s, err := m.openSession(ctx)
	if err != nil {
		return err
	}
	if _, err := s.start(ctx, hwa.SHA, hwa.CtrlDigestSHA256, selfCommand, hwa.NoKey, nil); err != nil {
		return err
	}
	msg := []byte("split world digest selftest")
	if err := s.invoke(ctx, selfCommand, &[abi.NumParams]cus.Param{{Type: abi.ParamTempInput, Temp: msg}}); err != nil {
		return err
	}
	sum := make([]byte, sha256.Size)
	if err := s.invoke(ctx, sim.CmdFinish, &[abi.NumParams]cus.Param{
		{Type: abi.ParamValueInput, A: selfCommand},
		{Type: abi.ParamTempOutput, Temp: sum},
	}); err != nil {
		return err
	}
	if want := sha256.Sum256(msg); !bytes.Equal(sum, want[:]) {
		return fmt.Errorf("digest %x, want %x", sum, want)
	}
	return nil
}
