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

// Binary vmctl boots a simulated kernel and exercises its virtual memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/vmcore/cmd/vmctl/cmd"
	"gvisor.dev/vmcore/pkg/config"
	"gvisor.dev/vmcore/pkg/log"
)

var logFile = flag.String("log", "", "file path where logs are written, default is stderr.")

func main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := log.OpenFile(*logFile)
		if err != nil {
			cmd.Fatalf("opening log file %q: %v", *logFile, err)
		}
		out = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, out))
	level, _ := log.ParseLevel(conf.LogLevel)
	log.SetLevel(level)

	log.Infof("vmctl %s, %s, %d host CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Debugf("Config flags: %v", conf.ToFlags())

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by vmctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.MemInfo), "")
	cb(new(cmd.Demo), "")
	cb(new(cmd.Stress), "")
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	case "logrus":
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(logrus.DebugLevel)
		return log.LogrusEmitter{Logger: l, Fields: logrus.Fields{"component": "vmctl"}}
	}
	panic(fmt.Sprintf("invalid log format %q", format))
}
