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

// Package config provides basic infrastructure to set configuration settings
// for smcd. Each setting that can be changed from the command line must have
// a flag registered in flags.go and a field in Config tagged with the flag
// name.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/device"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/smc/sim"
)

// Config holds configuration that is not part of the client API. All fields
// tagged with `flag` are set from the command line and from the [flags]
// table of the configuration file.
type Config struct {
	// RootDir is the runtime root directory. It holds the lock file that
	// keeps one coordinator per secure monitor.
	RootDir string `flag:"root"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// ConfigFile is the TOML file the flag overrides were loaded from.
	ConfigFile string `flag:"config"`

	// CommandSlots is the capacity of the command ring. The ring geometry
	// is fixed by the L1 layout; the flag only documents it.
	CommandSlots int `flag:"command-slots"`

	// DMAThreshold is the number of blocks from which accelerator updates
	// use the DMA channel.
	DMAThreshold int `flag:"dma-threshold"`

	// HWATimeout bounds each accelerator readiness poll.
	HWATimeout time.Duration `flag:"hwa-timeout"`

	// TraceRate is the minimum interval between forwarded secure world
	// trace lines.
	TraceRate time.Duration `flag:"trace-rate"`

	// SWVersion is the protocol version reported by the simulated secure
	// world, as "major.minor".
	SWVersion string `flag:"sw-version"`

	// ScratchSize is the size of the scratch area of each device context.
	ScratchSize int `flag:"shm-scratch-size"`

	// SimLatency is the time the simulated secure world spends on each
	// command.
	SimLatency time.Duration `flag:"sim-latency"`

	// IRQEnable keeps interrupts enabled during call gate invocations.
	IRQEnable bool `flag:"irq-enable"`
}

func (c *Config) validate() error {
	if err := log.ValidFormat(c.LogFormat); err != nil {
		return err
	}
	if c.CommandSlots != abi.RingCapacity {
		return fmt.Errorf("command-slots must be %d, got %d", abi.RingCapacity, c.CommandSlots)
	}
	if c.DMAThreshold < 1 {
		return fmt.Errorf("dma-threshold must be positive, got %d", c.DMAThreshold)
	}
	if c.HWATimeout <= 0 {
		return fmt.Errorf("hwa-timeout must be positive, got %v", c.HWATimeout)
	}
	if c.TraceRate < 0 {
		return fmt.Errorf("trace-rate must not be negative, got %v", c.TraceRate)
	}
	if c.ScratchSize < 4096 {
		return fmt.Errorf("shm-scratch-size must be at least 4096, got %d", c.ScratchSize)
	}
	if c.SimLatency < 0 {
		return fmt.Errorf("sim-latency must not be negative, got %v", c.SimLatency)
	}
	if _, err := ParseVersion(c.SWVersion); err != nil {
		return err
	}
	return nil
}

// ParseVersion parses a "major.minor" protocol version.
func ParseVersion(s string) (uint32, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("invalid version %q, must be major.minor", s)
	}
	ma, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %v", s, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %v", s, err)
	}
	return abi.MakeVersion(uint32(ma), uint32(mi)), nil
}

// HardwareOptions returns the accelerator engine options.
func (c *Config) HardwareOptions() hwa.Options {
	opts := hwa.DefaultOptions()
	opts.DMAThreshold = c.DMAThreshold
	opts.Timeout = c.HWATimeout
	return opts
}

// DeviceOptions returns the device options.
func (c *Config) DeviceOptions() device.Options {
	opts := device.DefaultOptions()
	opts.RPC.TraceEvery = c.TraceRate
	opts.ScratchSize = c.ScratchSize
	opts.IRQEnable = c.IRQEnable
	return opts
}

// SimOptions returns the options of the simulated secure world.
func (c *Config) SimOptions() sim.Options {
	opts := sim.DefaultOptions()
	// Validated already.
	opts.Version, _ = ParseVersion(c.SWVersion)
	opts.Latency = c.SimLatency
	opts.Trace = c.Debug
	return opts
}

// Log logs the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
}
