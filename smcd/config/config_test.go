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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"splitworld.dev/smc/pkg/smc/abi"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// "--root" is always set to something different than the default.
	c.RootDir = ""
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if got, want := c.SimOptions().Version, abi.Version(); got != want {
		t.Errorf("simulated version = %#x, want %#x", got, want)
	}
}

func TestFromFlags(t *testing.T) {
	fs := newFlags(t)
	for name, value := range map[string]string{
		"root":          "some-path",
		"debug":         "true",
		"hwa-timeout":   "1s",
		"dma-threshold": "8",
		"sw-version":    "2.7",
	} {
		if err := fs.Set(name, value); err != nil {
			t.Fatalf("Flag set: %v", err)
		}
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		RootDir:      "some-path",
		LogFormat:    "text",
		Debug:        true,
		CommandSlots: abi.RingCapacity,
		DMAThreshold: 8,
		HWATimeout:   time.Second,
		TraceRate:    10 * time.Millisecond,
		SWVersion:    "2.7",
		ScratchSize:  64 << 10,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if got := c.HardwareOptions(); got.DMAThreshold != 8 || got.Timeout != time.Second {
		t.Errorf("hardware options = %+v", got)
	}
	if got := c.SimOptions(); got.Version != abi.MakeVersion(2, 7) || !got.Trace {
		t.Errorf("sim options = %+v", got)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	fs := newFlags(t)
	fs.Set("root", "some-path")
	fs.Set("debug", "true")
	fs.Set("trace-rate", "10ms") // Matches default value.
	fs.Set("sim-latency", "250us")
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, f := range c.ToFlags() {
		name, value, _ := strings.Cut(f, "=")
		got[name] = value
	}
	want := map[string]string{
		"--root":        "some-path",
		"--debug":       "true",
		"--sim-latency": "250µs",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value string
	}{
		{name: "command-slots", value: "64"},
		{name: "dma-threshold", value: "0"},
		{name: "hwa-timeout", value: "0s"},
		{name: "shm-scratch-size", value: "100"},
		{name: "sw-version", value: "two"},
		{name: "sw-version", value: "2.x"},
		{name: "log-format", value: "yaml"},
	} {
		t.Run(tc.name+"="+tc.value, func(t *testing.T) {
			fs := newFlags(t)
			if err := fs.Set(tc.name, tc.value); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(fs); err == nil {
				t.Errorf("NewFromFlags succeeded with --%s=%s", tc.name, tc.value)
			}
		})
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smcd.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
[flags]
debug = "true"
dma-threshold = "16"
log-format = "json"
`)
	fs := newFlags(t)
	fs.Set("config", path)
	// The command line wins over the file.
	fs.Set("dma-threshold", "2")
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Debug || c.LogFormat != "json" || c.DMAThreshold != 2 {
		t.Errorf("config = %+v, want debug, json and dma-threshold 2", c)
	}
	if c.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", c.ConfigFile, path)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for name, content := range map[string]string{
		"unknown flag":  "[flags]\nno-such-flag = \"1\"\n",
		"unknown key":   "[other]\nx = 1\n",
		"invalid value": "[flags]\ndma-threshold = \"many\"\n",
		"syntax":        "[flags\n",
	} {
		t.Run(name, func(t *testing.T) {
			fs := newFlags(t)
			fs.Set("config", writeFile(t, content))
			if _, err := NewFromFlags(fs); err == nil {
				t.Errorf("NewFromFlags succeeded")
			}
		})
	}
}
