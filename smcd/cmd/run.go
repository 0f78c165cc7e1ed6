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
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/power"
	"splitworld.dev/smc/smcd/config"
)

// lockFilename is the name of the coordinator lock file in the root
// directory.
const lockFilename = "smcd.lock"

// Run implements subcommands.Command for the "run" command.
type Run struct {
	shutdownTimeout time.Duration
	statsInterval   time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the coordinator of a simulated secure monitor until signalled"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - start the secure world and serve it until SIGINT or SIGTERM.
SIGUSR1 hibernates a running secure world and resumes a hibernated one.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&r.shutdownTimeout, "shutdown-timeout", 5*time.Second, "bound on the power down sequence.")
	f.DurationVar(&r.statsInterval, "stats-interval", 0, "interval between logged channel statistics. Zero disables them.")
}

// lockRoot takes the coordinator lock in rootDir. Only one coordinator may
// drive a secure monitor.
func lockRoot(rootDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(rootDir, 0711); err != nil {
		return nil, fmt.Errorf("error creating root directory %q: %v", rootDir, err)
	}
	path := filepath.Join(rootDir, lockFilename)
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error acquiring lock on %q: %v", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another coordinator holds %q", path)
	}
	return l, nil
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	l, err := lockRoot(conf.RootDir)
	if err != nil {
		Fatalf("%v", err)
	}
	defer l.Unlock()

	m, err := startMonitor(conf)
	if err != nil {
		Fatalf("starting secure world: %v", err)
	}
	log.Infof("Secure world running, protocol %s", conf.SWVersion)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1)
	defer signal.Stop(sigs)

	var tick <-chan time.Time
	if r.statsInterval > 0 {
		t := time.NewTicker(r.statsInterval)
		defer t.Stop()
		tick = t.C
	}

	status := subcommands.ExitSuccess
loop:
	for {
		select {
		case sig := <-sigs:
			if sig != unix.SIGUSR1 {
				log.Infof("Received %v, shutting down", sig)
				break loop
			}
			if err := r.togglePower(ctx, m.dev.Power()); err != nil {
				log.Warningf("Power transition failed: %v", err)
			}
		case <-m.dev.Dead():
			log.Warningf("Secure world terminated: %v", m.dev.Channel().Err())
			status = subcommands.ExitFailure
			break loop
		case <-tick:
			s := m.dev.Stats()
			log.Infof("Channel %+v, RPC %+v, fast path %+v", s.Channel, s.RPC, s.FastPath)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
	defer cancel()
	if err := m.close(sctx); err != nil {
		log.Warningf("Shutdown: %v", err)
		status = subcommands.ExitFailure
	}
	return status
}

func (r *Run) togglePower(ctx context.Context, p *power.Coordinator) error {
	tctx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
	defer cancel()
	switch p.State() {
	case power.StateActive:
		log.Infof("Hibernating secure world")
		return p.Hibernate(tctx)
	case power.StateStopped:
		log.Infof("Resuming secure world")
		return p.Resume(tctx)
	default:
		return fmt.Errorf("power state %v: %w", p.State(), power.ErrState)
	}
}
