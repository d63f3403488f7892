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
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/usage"
)

// MemInfo implements subcommands.Command for the "meminfo" command.
type MemInfo struct{}

// Name implements subcommands.Command.Name.
func (*MemInfo) Name() string {
	return "meminfo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MemInfo) Synopsis() string {
	return "boot the configured memory map and print allocator state"
}

// Usage implements subcommands.Command.Usage.
func (*MemInfo) Usage() string {
	return "meminfo - prints the usable memory ranges and frame counts of a freshly booted kernel.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*MemInfo) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (m *MemInfo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := memInfo(ctx, conf, os.Stdout); err != nil {
		return Errorf("meminfo: %v", err)
	}
	return subcommands.ExitSuccess
}

func memInfo(ctx context.Context, conf *config.Config, w io.Writer) error {
	k, err := boot(conf)
	if err != nil {
		return err
	}
	defer k.Destroy(ctx)

	mf := k.MemoryFile()
	fmt.Fprintf(w, "CPUs:           %d\n", k.Machine().NumCPUs())
	for _, r := range mf.Ranges() {
		fmt.Fprintf(w, "Usable:         %#x-%#x\n", r.Start, r.End())
	}
	writeStats(w, mf.Stats())
	return nil
}

// writeStats prints allocator statistics in the style of /proc/meminfo.
func writeStats(w io.Writer, s pgalloc.Stats) {
	kb := func(frames uint64) uint64 { return frames * hostarch.PageSize >> 10 }
	fmt.Fprintf(w, "MemTotal:       %8d kB\n", kb(s.TotalFrames))
	fmt.Fprintf(w, "MemFree:        %8d kB\n", kb(s.FreeFrames))
	fmt.Fprintf(w, "Committed:      %8d kB\n", kb(s.CommittedFrames))
	for kind := usage.MemoryKind(0); kind < usage.NumMemoryKinds; kind++ {
		fmt.Fprintf(w, "%-15s %8d kB\n", kind.String()+":", s.Usage[kind]>>10)
	}
}
