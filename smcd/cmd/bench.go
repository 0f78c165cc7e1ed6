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
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"splitworld.dev/smc/pkg/log"
	"splitworld.dev/smc/pkg/smc/hwa"
	"splitworld.dev/smc/pkg/smc/sim"
	"splitworld.dev/smc/smcd/config"
)

const (
	benchKey     = 0x100
	benchCommand = 0x40
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	workers int
	ops     int
	size    int
	churn   time.Duration
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "measure fast path and secure world crypto updates"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [flags] - run concurrent AES updates while the secure world
suspends and resumes their shortcuts, then print fast and slow path counts.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.workers, "workers", 4, "number of concurrent clients.")
	f.IntVar(&b.ops, "ops", 1000, "number of updates per client.")
	f.IntVar(&b.size, "size", 256, "bytes per update, a multiple of 16.")
	f.DurationVar(&b.churn, "churn", time.Millisecond, "interval between secure world suspend/resume cycles. Zero disables them.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || b.workers < 1 || b.ops < 1 || b.size < 16 || b.size%16 != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := startMonitor(conf)
	if err != nil {
		Fatalf("starting secure world: %v", err)
	}
	defer m.close(context.Background())

	res, err := b.run(ctx, m)
	if err != nil {
		Fatalf("bench: %v", err)
	}
	fmt.Fprintf(os.Stdout, "updates: %d in %v (%.0f/s)\n", res.total, res.elapsed, float64(res.total)/res.elapsed.Seconds())
	fmt.Fprintf(os.Stdout, "fast path: %d, secure world: %d, suspend cycles: %d\n", res.fast, res.slow, res.cycles)
	return subcommands.ExitSuccess
}

type benchResult struct {
	total   int
	fast    uint64
	slow    uint64
	cycles  int
	elapsed time.Duration
}

func (b *Bench) run(ctx context.Context, m *monitor) (benchResult, error) {
	sessions := make([]*session, b.workers)
	shortcuts := make([]uint32, b.workers)
	ids := make([]hwa.ID, b.workers)
	defer func() {
		for _, s := range sessions {
			if s != nil {
				s.close(context.Background())
			}
		}
	}()
	key := []byte("smcd bench key!!")
	iv := make([]byte, 16)
	for i := range sessions {
		s, err := m.openSession(ctx)
		if err != nil {
			return benchResult{}, err
		}
		sessions[i] = s
		if i == 0 {
			if err := s.setKey(ctx, benchKey, key); err != nil {
				return benchResult{}, err
			}
		}
		// Spread the clients over both AES accelerators.
		ids[i] = hwa.AES1 + hwa.ID(i%2)
		if shortcuts[i], err = s.start(ctx, ids[i], hwa.CtrlModeCBC|hwa.CtrlEncrypt, benchCommand, benchKey, iv); err != nil {
			return benchResult{}, err
		}
	}
	before := m.dev.Stats().FastPath

	stop := make(chan struct{})
	cycles := 0
	var churn errgroup.Group
	if b.churn > 0 {
		churn.Go(func() error {
			t := time.NewTicker(b.churn)
			defer t.Stop()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return nil
				case <-t.C:
				}
				id, sc := ids[i%b.workers], shortcuts[i%b.workers]
				if sc == 0 {
					continue
				}
				err := <-m.sim.Do(func(w *sim.World) error {
					st, err := w.LockSuspend(id.Bit(), sc, false)
					if err != nil {
						return err
					}
					return w.ResumeUnlock(id.Bit(), sc, st)
				})
				if err != nil {
					return err
				}
				cycles++
			}
		})
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			src := make([]byte, b.size)
			dst := make([]byte, b.size)
			for i := 0; i < b.ops; i++ {
				if err := s.update(gctx, benchCommand, src, dst); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	close(stop)
	if cerr := churn.Wait(); cerr != nil && err == nil {
		err = fmt.Errorf("suspend cycle: %w", cerr)
	}
	if err != nil {
		return benchResult{}, err
	}
	after := m.dev.Stats().FastPath
	// Operations end once nothing suspends their shortcuts any more.
	for _, s := range sessions {
		if err := s.finish(ctx, benchCommand); err != nil {
			return benchResult{}, err
		}
	}

	res := benchResult{
		total:   b.workers * b.ops,
		fast:    after.Updates - before.Updates,
		cycles:  cycles,
		elapsed: elapsed,
	}
	res.slow = uint64(res.total) - res.fast
	log.Infof("Bench: %d updates, %d on the fast path", res.total, res.fast)
	return res, nil
}
