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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers the flags that populate a Config, with defaults
// taken from Default. The "config" flag names a file loaded before the
// other flags are applied.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()
	flagSet.String("config", "", "path to a TOML or YAML configuration file.")

	// Logging.
	flagSet.String("log-level", def.LogLevel, "minimum log level: warning, info or debug.")
	flagSet.String("log-format", def.LogFormat, "log format: text, json or logrus.")

	// Machine.
	flagSet.Int("cpus", def.CPUs, "number of CPUs.")
	flagSet.Var(&def.Memory, "memory", "physical memory map as comma-separated start:length[:reserved] ranges, e.g. 0x100000:64M.")
	flagSet.Bool("decommit-on-free", def.DecommitOnFree, "release host memory backing freed frames.")
	flagSet.Var(&def.Strategy, "strategy", "default allocation strategy: none, reserve or allocate-now.")

	// Memory pressure.
	flagSet.Uint64("oom-retries", def.OOMRetries, "number of retries of a fault that ran out of memory before the process is killed.")
	flagSet.Duration("oom-initial-interval", def.OOMInitialInterval, "delay before the second retry of an out-of-memory fault.")
	flagSet.Duration("oom-max-interval", def.OOMMaxInterval, "maximum delay between retries of an out-of-memory fault.")
	flagSet.Uint64("oom-reclaim-batch", def.OOMReclaimBatch, "number of frames reclaimed before each retry.")
}

// NewFromFlags creates a Config from the file named by the "config" flag,
// or the defaults, overridden by every flag set on the command line.
// flagSet must have been registered with RegisterFlags and parsed.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		var err error
		if conf, err = Load(path); err != nil {
			return nil, err
		}
	}

	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		if err == nil && fl.Name != "config" {
			err = conf.set(fl)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// set copies the value of fl into the field tagged with its name.
func (c *Config) set(fl *flag.Flag) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); !ok || name != fl.Name {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("flag %q has no getter", fl.Name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
		return nil
	}
	return fmt.Errorf("flag %q does not configure any field", fl.Name)
}

// ToFlags returns the flags that reproduce c, omitting those at their
// default values.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if val := getVal(obj.Field(i)); val != fl.DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
		}
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
