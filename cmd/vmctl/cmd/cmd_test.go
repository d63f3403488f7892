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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"gvisor.dev/vmcore/pkg/config"
	"gvisor.dev/vmcore/pkg/metric"
)

// testConfig returns a configuration with frames frames of memory.
func testConfig(frames uint64) *config.Config {
	c := config.Default()
	c.Memory = config.MemoryMap{
		{Start: 0, Length: 0x100000, Reserved: true},
		{Start: 0x100000, Length: frames << 12},
	}
	c.OOMRetries = 1
	c.OOMInitialInterval = time.Millisecond
	c.OOMMaxInterval = time.Millisecond
	return c
}

func TestMemInfo(t *testing.T) {
	var buf bytes.Buffer
	if err := memInfo(context.Background(), testConfig(256), &buf); err != nil {
		t.Fatalf("memInfo: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"CPUs:           2\n",
		"Usable:         0x100000-0x200000\n",
		"MemTotal:           1024 kB\n",
		"MemFree:            1024 kB\n",
		"anonymous:             0 kB\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("meminfo output missing %q:\n%s", want, out)
		}
	}
}

func TestMemInfoBadConfig(t *testing.T) {
	c := testConfig(256)
	c.Memory = c.Memory[:1]
	if err := memInfo(context.Background(), c, new(bytes.Buffer)); err == nil {
		t.Errorf("memInfo with only reserved memory succeeded")
	}
}

func TestDemo(t *testing.T) {
	var buf bytes.Buffer
	if err := demo(context.Background(), testConfig(64), &buf); err != nil {
		t.Fatalf("demo: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"== process 1 (parent 0) ==\nheap: \"written by the parent\"\n",
		"== process 2 (parent 1) ==\nheap: \"written by the child \"\n",
		"file: \"The quick brown fox jumps over the lazy dog.\"\n",
		"[heap]\n",
		"[stack]\n",
		"/demo.txt\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("demo output missing %q:\n%s", want, out)
		}
	}
}

func TestStress(t *testing.T) {
	res, err := stress(context.Background(), testConfig(256), stressOpts{procs: 4, pages: 16, accesses: 200, seed: 1})
	if err != nil {
		t.Fatalf("stress: %v", err)
	}
	want := stressResult{accesses: 800, exited: 4}
	if res != want {
		t.Errorf("stress = %+v, want %+v", res, want)
	}
}

func TestStressUnderPressure(t *testing.T) {
	res, err := stress(context.Background(), testConfig(16), stressOpts{procs: 4, pages: 16, accesses: 1000, seed: 1})
	if err != nil {
		t.Fatalf("stress: %v", err)
	}
	if res.killed == 0 || res.killed+res.exited != 4 {
		t.Errorf("stress = %+v, want some of 4 processes killed", res)
	}

	var buf bytes.Buffer
	if err := metric.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	for _, want := range []string{"kernel_oom_kills", "memory_free_frames", "kernel_processes"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
