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

// Package config holds the configuration of a vmcore kernel. A Config is
// loaded from a TOML or YAML file and overridden by command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Config holds the configuration of a kernel.
//
// Fields with a flag tag can be set from the command line. Follow the same
// pattern when adding new fields.
type Config struct {
	// LogLevel is the minimum level logged: warning, info or debug.
	LogLevel string `flag:"log-level" toml:"log_level" yaml:"log_level"`

	// LogFormat is the log output format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// CPUs is the number of CPUs.
	CPUs int `flag:"cpus" toml:"cpus" yaml:"cpus"`

	// DecommitOnFree releases host memory backing freed frames.
	DecommitOnFree bool `flag:"decommit-on-free" toml:"decommit_on_free" yaml:"decommit_on_free"`

	// Strategy is the allocation strategy of regions that do not name one.
	Strategy Strategy `flag:"strategy" toml:"strategy" yaml:"strategy"`

	// Memory is the physical memory map.
	Memory MemoryMap `flag:"memory" toml:"memory" yaml:"memory"`

	// OOMRetries is the number of times an out-of-memory fault is retried
	// before the process is killed.
	OOMRetries uint64 `flag:"oom-retries" toml:"oom_retries" yaml:"oom_retries"`

	// OOMInitialInterval is the first delay between retries.
	OOMInitialInterval time.Duration `flag:"oom-initial-interval" toml:"oom_initial_interval" yaml:"oom_initial_interval"`

	// OOMMaxInterval caps the delay between retries.
	OOMMaxInterval time.Duration `flag:"oom-max-interval" toml:"oom_max_interval" yaml:"oom_max_interval"`

	// OOMReclaimBatch is the number of frames reclaimed before each retry.
	OOMReclaimBatch uint64 `flag:"oom-reclaim-batch" toml:"oom_reclaim_batch" yaml:"oom_reclaim_batch"`
}

// Default returns the configuration used when nothing is specified: two
// CPUs and 64MiB of memory above the first megabyte.
func Default() *Config {
	oom := kernel.DefaultOOMPolicy()
	return &Config{
		LogLevel:           "info",
		LogFormat:          "text",
		CPUs:               2,
		Strategy:           Strategy(mm.None),
		Memory:             MemoryMap{{Start: 0x100000, Length: 64 << 20}},
		OOMRetries:         oom.MaxRetries,
		OOMInitialInterval: oom.InitialInterval,
		OOMMaxInterval:     oom.MaxInterval,
		OOMReclaimBatch:    oom.ReclaimBatch,
	}
}

// Load reads a configuration file on top of the defaults. The format is
// chosen by extension: .toml, or .yaml and .yml.
func Load(path string) (*Config, error) {
	c := Default()
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("unknown keys in %q: %v", path, keys)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown configuration format %q of %q", ext, path)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	return c, nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks that c describes a kernel that can boot.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("invalid CPU count %d", c.CPUs)
	}
	if len(c.Memory) == 0 {
		return fmt.Errorf("empty memory map")
	}
	usable := false
	for _, r := range c.Memory {
		if r.Length == 0 || r.Start%hostarch.PageSize != 0 || r.Length%hostarch.PageSize != 0 {
			return fmt.Errorf("memory range %v is empty or not page aligned", r)
		}
		if r.Start+r.Length < r.Start {
			return fmt.Errorf("memory range %v overflows", r)
		}
		usable = usable || !r.Reserved
	}
	if !usable {
		return fmt.Errorf("memory map %v has no usable memory", c.Memory)
	}
	switch mm.AllocationStrategy(c.Strategy) {
	case mm.None, mm.Reserve, mm.AllocateNow:
	default:
		return fmt.Errorf("invalid allocation strategy %v", c.Strategy)
	}
	if c.OOMInitialInterval < 0 || c.OOMMaxInterval < c.OOMInitialInterval {
		return fmt.Errorf("invalid OOM retry intervals %v, %v", c.OOMInitialInterval, c.OOMMaxInterval)
	}
	if c.OOMReclaimBatch == 0 {
		return fmt.Errorf("OOM reclaim batch must be positive")
	}
	return nil
}

// KernelConfig returns the kernel configuration described by c.
func (c *Config) KernelConfig() kernel.Config {
	memoryMap := make([]pgalloc.MemoryRange, 0, len(c.Memory))
	for _, r := range c.Memory {
		kind := pgalloc.Usable
		if r.Reserved {
			kind = pgalloc.Reserved
		}
		memoryMap = append(memoryMap, pgalloc.MemoryRange{Start: r.Start, Length: r.Length, Kind: kind})
	}
	return kernel.Config{
		MemoryMap:      memoryMap,
		NumCPUs:        c.CPUs,
		DecommitOnFree: c.DecommitOnFree,
		OOM: kernel.OOMPolicy{
			MaxRetries:      c.OOMRetries,
			InitialInterval: c.OOMInitialInterval,
			MaxInterval:     c.OOMMaxInterval,
			ReclaimBatch:    c.OOMReclaimBatch,
		},
	}
}

// Strategy is an mm.AllocationStrategy that can be named in configuration
// files and flags.
type Strategy mm.AllocationStrategy

// String implements flag.Value.String.
func (s Strategy) String() string {
	return mm.AllocationStrategy(s).String()
}

// Get implements flag.Getter.Get.
func (s *Strategy) Get() any {
	return *s
}

// Set implements flag.Value.Set.
func (s *Strategy) Set(v string) error {
	for _, st := range []mm.AllocationStrategy{mm.None, mm.Reserve, mm.AllocateNow} {
		if v == st.String() {
			*s = Strategy(st)
			return nil
		}
	}
	return fmt.Errorf("invalid allocation strategy %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(mm.AllocationStrategy(s).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

// MemoryRange is a range of physical memory.
type MemoryRange struct {
	Start    uint64 `toml:"start" yaml:"start"`
	Length   uint64 `toml:"length" yaml:"length"`
	Reserved bool   `toml:"reserved" yaml:"reserved"`
}

// String implements fmt.Stringer.String.
func (r MemoryRange) String() string {
	s := fmt.Sprintf("%#x:%s", r.Start, formatSize(r.Length))
	if r.Reserved {
		s += ":reserved"
	}
	return s
}

// MemoryMap is a physical memory map. As a flag it is written as a comma
// separated list of start:length[:reserved] ranges, where length may carry
// a K, M or G suffix.
type MemoryMap []MemoryRange

// String implements flag.Value.String.
func (m MemoryMap) String() string {
	parts := make([]string, 0, len(m))
	for _, r := range m {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// Get implements flag.Getter.Get.
func (m *MemoryMap) Get() any {
	return *m
}

// Set implements flag.Value.Set.
func (m *MemoryMap) Set(v string) error {
	var ranges MemoryMap
	for _, part := range strings.Split(v, ",") {
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return fmt.Errorf("invalid memory range %q", part)
		}
		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid memory range start %q: %w", fields[0], err)
		}
		length, err := parseSize(fields[1])
		if err != nil {
			return err
		}
		r := MemoryRange{Start: start, Length: length}
		if len(fields) == 3 {
			if fields[2] != "reserved" {
				return fmt.Errorf("invalid memory range type %q", fields[2])
			}
			r.Reserved = true
		}
		ranges = append(ranges, r)
	}
	*m = ranges
	return nil
}

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

func parseSize(s string) (uint64, error) {
	shift := uint(0)
	num := s
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			num, shift = strings.TrimSuffix(s, sfx.suffix), sfx.shift
			break
		}
	}
	v, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v<<shift>>shift != v {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return v << shift, nil
}

func formatSize(v uint64) string {
	for _, sfx := range sizeSuffixes {
		if v != 0 && v%(1<<sfx.shift) == 0 {
			return fmt.Sprintf("%d%s", v>>sfx.shift, sfx.suffix)
		}
	}
	return strconv.FormatUint(v, 10)
}
