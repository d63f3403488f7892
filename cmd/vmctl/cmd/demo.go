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
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/config"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/memmap"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "walk through a fork and its copy-on-write faults"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [-metrics] - builds a process with heap, stack and file mappings, forks
it, writes from both sides and prints the maps and usage of each process.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.metrics, "metrics", false, "print metrics in Prometheus format at the end.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := demo(ctx, conf, os.Stdout); err != nil {
		return Errorf("demo: %v", err)
	}
	if d.metrics {
		if err := metric.WritePrometheus(os.Stdout); err != nil {
			return Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

const demoFile = "The quick brown fox jumps over the lazy dog.\n"

func demo(ctx context.Context, conf *config.Config, w io.Writer) error {
	k, err := boot(conf)
	if err != nil {
		return err
	}
	defer k.Destroy(ctx)

	parent, err := k.NewProcess()
	if err != nil {
		return err
	}
	m := parent.MemoryManager()
	strategy := mm.AllocationStrategy(conf.Strategy)
	heap, err := m.MMap(ctx, mm.MMapOpts{Length: 4 * hostarch.PageSize, Perms: hostarch.ReadWrite, Strategy: strategy, Name: "[heap]"})
	if err != nil {
		return fmt.Errorf("mapping heap: %w", err)
	}
	if _, err := m.MMap(ctx, mm.MMapOpts{Length: 2 * hostarch.PageSize, Kind: mm.Stack, Perms: hostarch.ReadWrite, Strategy: strategy}); err != nil {
		return fmt.Errorf("mapping stack: %w", err)
	}
	file := memmap.NewBytesFile("/demo.txt", []byte(demoFile))
	text, err := m.MMap(ctx, mm.MMapOpts{Length: hostarch.PageSize, Kind: mm.FileBacked, Mappable: file, Perms: hostarch.Read})
	if err != nil {
		return fmt.Errorf("mapping file: %w", err)
	}

	if _, err := parent.CopyOut(ctx, heap, []byte("written by the parent")); err != nil {
		return err
	}
	child, err := parent.Fork(ctx)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	if _, err := child.CopyOut(ctx, heap, []byte("written by the child ")); err != nil {
		return err
	}

	for _, p := range []*kernel.Process{parent, child} {
		heapData := make([]byte, 21)
		if _, err := p.CopyIn(ctx, heap, heapData); err != nil {
			return err
		}
		textData := make([]byte, len(demoFile)-1)
		if _, err := p.CopyIn(ctx, text, textData); err != nil {
			return err
		}
		fmt.Fprintf(w, "== %v (parent %d) ==\n", p, p.Parent())
		fmt.Fprintf(w, "heap: %q\n", heapData)
		fmt.Fprintf(w, "file: %q\n", textData)
		pm := p.MemoryManager()
		if err := pm.WriteMaps(w); err != nil {
			return err
		}
		u := pm.Usage()
		fmt.Fprintf(w, "virtual %d kB, resident %d kB, shared %d kB, dirty %d kB\n\n", u.Virtual>>10, u.Resident>>10, u.Shared>>10, u.Dirty>>10)
	}
	writeStats(w, k.MemoryFile().Stats())
	return nil
}
