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

// Package cmd holds the vmctl subcommands.
package cmd

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/config"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sync"
)

// Errorf logs and prints an error, and returns the failure status.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "vmctl: %s\n", msg)
	return subcommands.ExitFailure
}

// Fatalf logs and prints an error, then exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

var (
	registerGauges sync.Once

	// gaugeKernel is the kernel reported by the gauges.
	gaugeKernel atomic.Pointer[kernel.Kernel]
)

// boot starts a kernel described by conf and points the allocator gauges at
// it.
func boot(conf *config.Config) (*kernel.Kernel, error) {
	k, err := kernel.New(conf.KernelConfig())
	if err != nil {
		return nil, err
	}
	gaugeKernel.Store(k)
	registerGauges.Do(func() {
		metric.MustRegisterCustomUint64Metric("/memory/free_frames", false /* cumulative */, "Number of free physical frames.", func() uint64 {
			if k := gaugeKernel.Load(); k != nil {
				return k.MemoryFile().Stats().FreeFrames
			}
			return 0
		})
		metric.MustRegisterCustomUint64Metric("/memory/committed_frames", false /* cumulative */, "Number of free frames promised to reservations.", func() uint64 {
			if k := gaugeKernel.Load(); k != nil {
				return k.MemoryFile().Stats().CommittedFrames
			}
			return 0
		})
		metric.MustRegisterCustomUint64Metric("/kernel/processes", false /* cumulative */, "Number of live processes.", func() uint64 {
			if k := gaugeKernel.Load(); k != nil {
				return uint64(len(k.Processes()))
			}
			return 0
		})
	})
	return k, nil
}
