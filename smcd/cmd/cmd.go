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

// Package cmd holds implementations of the smcd commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"splitworld.dev/smc/pkg/cleanup"
	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/smc/cus"
	"splitworld.dev/smc/pkg/smc/device"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/smc/sim"
	"splitworld.dev/smc/smcd/config"
)

// Fatalf logs to stderr and the log, then exits.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL: "+format, args...)
	os.Exit(128)
}

// monitor is a simulated secure monitor and the device driving it.
type monitor struct {
	hw  *hwa.Hardware
	sim *sim.Monitor
	dev *device.Device
}

// startMonitor starts a simulated secure world and performs the init
// handshake with it.
func startMonitor(conf *config.Config) (*monitor, error) {
	hw := hwa.NewHardware(conf.HardwareOptions())
	m := sim.New(hw, conf.SimOptions())
	cu := cleanup.Make(m.Close)
	defer cu.Clean()

	d, err := device.New(m, hw.Engines(), conf.DeviceOptions())
	if err != nil {
		return nil, err
	}
	m.SetInterrupt(d.Interrupt)
	cu.Add(func() { d.Close(context.Background()) })
	if err := d.Start(); err != nil {
		return nil, err
	}
	cu.Release()
	return &monitor{hw: hw, sim: m, dev: d}, nil
}

// close shuts the secure world down.
func (m *monitor) close(ctx context.Context) error {
	err := m.dev.Close(ctx)
	m.sim.Close()
	return err
}

// session is a device connection with one crypto service session.
type session struct {
	conn   *device.Connection
	handle uint32
}

func (m *monitor) openSession(ctx context.Context) (*session, error) {
	c, err := m.dev.Open()
	if err != nil {
		return nil, err
	}
	if err := c.CreateContext(ctx); err != nil {
		c.Close(ctx)
		return nil, err
	}
	h, err := c.OpenSession(ctx, sim.CryptoServiceUUID, 0, [16]byte{})
	if err != nil {
		c.Close(ctx)
		return nil, err
	}
	return &session{conn: c, handle: h}, nil
}

func (s *session) close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *session) invoke(ctx context.Context, command uint32, params *[abi.NumParams]cus.Param) error {
	a, err := s.conn.InvokeCommand(ctx, s.handle, command, params)
	if err != nil {
		return err
	}
	if err := a.Code.Err(); err != nil {
		return fmt.Errorf("command %#x (origin %d): %w", command, a.Origin, err)
	}
	return nil
}

func (s *session) setKey(ctx context.Context, handle uint32, key []byte) error {
	return s.invoke(ctx, sim.CmdSetKey, &[abi.NumParams]cus.Param{
		{Type: abi.ParamValueInput, A: handle},
		{Type: abi.ParamTempInput, Temp: key},
	})
}

// start starts an operation under command and returns its shortcut.
func (s *session) start(ctx context.Context, id hwa.ID, ctrl, command, key uint32, iv []byte) (uint32, error) {
	params := [abi.NumParams]cus.Param{
		{Type: abi.ParamValueInput, A: uint32(id.Bit()), B: ctrl},
		{Type: abi.ParamValueInput, A: command, B: key},
		{},
		{Type: abi.ParamValueOutput},
	}
	if iv != nil {
		params[2] = cus.Param{Type: abi.ParamTempInput, Temp: iv}
	}
	if err := s.invoke(ctx, sim.CmdStart, &params); err != nil {
		return 0, err
	}
	return params[3].A, nil
}

func (s *session) update(ctx context.Context, command uint32, src, dst []byte) error {
	return s.invoke(ctx, command, &[abi.NumParams]cus.Param{
		{Type: abi.ParamTempInput, Temp: src},
		{Type: abi.ParamTempOutput, Temp: dst},
	})
}

func (s *session) finish(ctx context.Context, command uint32) error {
	return s.invoke(ctx, sim.CmdFinish, &[abi.NumParams]cus.Param{
		{Type: abi.ParamValueInput, A: command},
	})
}
