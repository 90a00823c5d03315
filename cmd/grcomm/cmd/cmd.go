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

// Package cmd holds implementations of the grcomm commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/comm"
	"grcomm.dev/grcomm/pkg/ivc"
)

// ErrorLogger is where error messages are written to.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...interface{}) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
	os.Exit(128)
}

// failure reports err, naming its errno when it has one, and returns
// subcommands.ExitFailure.
func failure(err error, format string, args ...interface{}) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	if e, ok := err.(*errors.Error); ok {
		msg = fmt.Sprintf("%s: %v (%s)", msg, err, unix.ErrnoName(linuxerr.ToUnix(e)))
	} else {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	log.Warningf("%s", msg)
	fmt.Fprintln(ErrorLogger, msg)
	return subcommands.ExitFailure
}

// uintFlags can be used with uint32 flags that appear multiple times.
type uintFlags []uint32

// String implements flag.Value.
func (i *uintFlags) String() string {
	return fmt.Sprintf("%v", *i)
}

// Get implements flag.Getter.
func (i *uintFlags) Get() interface{} {
	return i
}

// Set implements flag.Value.
func (i *uintFlags) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid flag value: %v", err)
	}
	*i = append(*i, uint32(v))
	return nil
}

// DefaultConfig returns the configuration used when no configuration file
// is given: VM 1 talks to VM 2 over queue 0, and queue 1 is local only.
func DefaultConfig() *comm.Config {
	cfg := comm.DefaultConfig(1)
	cfg.Queues = []comm.QueueConfig{
		{Index: 0, Transports: []comm.TransportConfig{{Node: "gr0", Instance: 0}}},
		{Index: 1},
	}
	cfg.Bus = []ivc.NodeConfig{{
		Name:      "gr0",
		VMs:       [2]ivc.VMID{1, 2},
		Instances: 1,
		Frames:    8,
		FrameSize: 128,
	}}
	return &cfg
}

// remoteLink describes the first transport configured for a queue.
type remoteLink struct {
	transport comm.TransportConfig
	node      ivc.NodeConfig
	peer      ivc.VMID
}

// findLink returns the first transport of queue idx whose node is on the
// configured bus and connects the local VM.
func findLink(conf *comm.Config, idx comm.QueueIndex) (remoteLink, error) {
	for _, q := range conf.Queues {
		if q.Index != idx {
			continue
		}
		for _, t := range q.Transports {
			for _, n := range conf.Bus {
				if n.Name != t.Node {
					continue
				}
				switch conf.VMID {
				case n.VMs[0]:
					return remoteLink{transport: t, node: n, peer: n.VMs[1]}, nil
				case n.VMs[1]:
					return remoteLink{transport: t, node: n, peer: n.VMs[0]}, nil
				}
			}
		}
		return remoteLink{}, fmt.Errorf("queue %d has no transport to VM %v on the bus", idx, conf.VMID)
	}
	return remoteLink{}, fmt.Errorf("queue %d is not configured", idx)
}

// parseWords parses 32-bit words written in any base strconv accepts.
func parseWords(args []string) ([]uint32, error) {
	words := make([]uint32, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid word %q: %v", a, err)
		}
		words = append(words, uint32(v))
	}
	return words, nil
}
