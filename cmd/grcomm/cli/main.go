// Copyright 2026 The grcomm Authors.
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

// Package cli is the main entrypoint for grcomm.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/cmd/grcomm/cmd"
	"grcomm.dev/grcomm/pkg/comm"
)

// version is set at link time.
var version = "dev"

var (
	configPath  = flag.String("config", "", "path to the device configuration file. A built-in two VM configuration is used if empty.")
	debug       = flag.Bool("debug", false, "enable debug logging.")
	logFormat   = flag.String("log-format", "text", "log format: text (default) or json.")
	logFilename = flag.String("log", "", "file path where logs are appended. Logs go to stderr if empty.")
	showVersion = flag.Bool("version", false, "show version and exit.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "grcomm version %s\n", version)
		os.Exit(0)
	}

	var logFile io.Writer = os.Stderr
	if *logFilename != "" {
		f, err := os.OpenFile(*logFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logFilename, err)
		}
		logFile = f
	}
	log.SetTarget(newEmitter(*logFormat, logFile))
	if *debug {
		log.SetLevel(log.Debug)
	}

	conf := cmd.DefaultConfig()
	if *configPath != "" {
		var err error
		if conf, err = comm.LoadConfig(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}

	const delimString = `**************** grcomm ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Infof("Config: vmid %v, %d queues, %d bus nodes, send timeout %v", conf.VMID, len(conf.Queues), len(conf.Bus), conf.SendTimeout)
	log.Infof(delimString)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	subcmdCode := subcommands.Execute(ctx, conf)
	stop()
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by grcomm.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	// Queue commands.
	cb(new(cmd.Loopback), "")
	cb(new(cmd.Echo), "")
	cb(new(cmd.Config), "")

	// Drivers built on the queues.
	const driverGroup = "drivers"
	cb(new(cmd.Cascade), driverGroup)
	cb(new(cmd.BPMP), driverGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{&log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
