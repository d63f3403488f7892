// Copyright 2026 The gVisor Authors.
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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/config"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts    stressOpts
	metrics bool
}

type stressOpts struct {
	procs    int
	pages    int
	accesses int
	seed     int64
}

// stressResult summarizes a stress run.
type stressResult struct {
	accesses uint64
	killed   int
	exited   int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "fault concurrently from many forked processes"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - forks -procs children of a process with -pages pages and has
each child touch random pages concurrently. Children killed by the
memory-pressure policy are counted, not treated as failures.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.procs, "procs", 8, "number of child processes.")
	f.IntVar(&s.opts.pages, "pages", 64, "size of the shared heap in pages.")
	f.IntVar(&s.opts.accesses, "accesses", 1000, "number of accesses per process.")
	f.Int64Var(&s.opts.seed, "seed", 1, "random seed.")
	f.BoolVar(&s.metrics, "metrics", true, "print metrics in Prometheus format at the end.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.opts.procs <= 0 || s.opts.pages <= 0 || s.opts.accesses < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	res, err := stress(ctx, conf, s.opts)
	if err != nil {
		return Errorf("stress: %v", err)
	}
	fmt.Printf("%d accesses, %d processes killed, %d exited\n", res.accesses, res.killed, res.exited)
	if s.metrics {
		if err := metric.WritePrometheus(os.Stdout); err != nil {
			return Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

func stress(ctx context.Context, conf *config.Config, opts stressOpts) (stressResult, error) {
	var res stressResult
	k, err := boot(conf)
	if err != nil {
		return res, err
	}
	defer k.Destroy(ctx)

	parent, err := k.NewProcess()
	if err != nil {
		return res, err
	}
	length := uint64(opts.pages) * hostarch.PageSize
	base, err := parent.MemoryManager().MMap(ctx, mm.MMapOpts{
		Length:   length,
		Perms:    hostarch.ReadWrite,
		Strategy: mm.AllocationStrategy(conf.Strategy),
		Name:     "[heap]",
	})
	if err != nil {
		return res, fmt.Errorf("mapping heap: %w", err)
	}
	// Touch half of the heap so the children share some frames.
	for i := 0; i < opts.pages; i += 2 {
		if err := parent.Access(ctx, base+hostarch.Addr(i)*hostarch.PageSize, hostarch.Write); err != nil {
			return res, err
		}
	}

	children := make([]*kernel.Process, 0, opts.procs)
	for i := 0; i < opts.procs; i++ {
		c, err := parent.Fork(ctx)
		if err != nil {
			return res, fmt.Errorf("fork %d: %w", i, err)
		}
		children = append(children, c)
	}
	parent.Exit(ctx)

	var accesses atomic.Uint64
	killed := make([]bool, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range children {
		rng := rand.New(rand.NewSource(opts.seed + int64(i)))
		g.Go(func() error {
			for n := 0; n < opts.accesses; n++ {
				addr := base + hostarch.Addr(rng.Intn(int(length)))
				at := hostarch.Read
				if rng.Intn(2) == 0 {
					at = hostarch.Write
				}
				err := c.Access(gctx, addr, at)
				var ke *kernel.KilledError
				switch {
				case errors.As(err, &ke):
					log.Infof("%v killed by %v after %d accesses", c, ke.Signal, n)
					killed[i] = true
					return nil
				case err != nil:
					return fmt.Errorf("%v: access %d to %v: %w", c, n, addr, err)
				}
				accesses.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	res.accesses = accesses.Load()
	for i, c := range children {
		if killed[i] {
			res.killed++
			continue
		}
		c.Exit(ctx)
		res.exited++
	}
	return res, nil
}
