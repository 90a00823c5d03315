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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/comm"
	"grcomm.dev/grcomm/pkg/ivc"
)

// Loopback implements subcommands.Command for the "loopback" command.
type Loopback struct {
	queue     uint
	count     int
	frameSize int
	elements  int
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "send messages to the local VM and read them back"
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [flags] - sends numbered messages to the local VM on a queue and checks they are received in order.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.UintVar(&l.queue, "queue", 1, "queue index.")
	f.IntVar(&l.count, "count", 16, "number of messages.")
	f.IntVar(&l.frameSize, "frame-size", 64, "queue frame size in bytes.")
	f.IntVar(&l.elements, "elements", 4, "pre-allocated queue elements.")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*comm.Config)

	bus, err := ivc.NewBus(conf.Bus...)
	if err != nil {
		Fatalf("error creating bus: %v", err)
	}
	c := comm.New(bus, *conf)
	defer c.Close()

	idx := comm.QueueIndex(l.queue)
	if err := c.Init(comm.CtxClient, l.elements, []int{l.frameSize}, idx, 1); err != nil {
		return failure(err, "initializing queue %d", idx)
	}

	for i := 0; i < l.count; i++ {
		if err := ctx.Err(); err != nil {
			return failure(err, "loopback")
		}
		want := fmt.Sprintf("message %d", i)
		if err := c.Send(comm.CtxClient, comm.Self, idx, []byte(want)); err != nil {
			return failure(err, "sending %q", want)
		}
		e, err := c.Recv(comm.CtxClient, idx)
		if err != nil {
			return failure(err, "receiving %q", want)
		}
		got := string(bytes.TrimRight(e.Data(), "\x00"))
		e.Release()
		if got != want {
			Fatalf("message out of order: got %q, want %q", got, want)
		}
		log.Debugf("loopback: %q", got)
	}

	s, err := c.Stats(comm.CtxClient, idx)
	if err != nil {
		return failure(err, "reading queue %d stats", idx)
	}
	fmt.Printf("queue %d: %d messages looped back, %d elements, %d free\n", idx, l.count, s.Total, s.Free)
	return subcommands.ExitSuccess
}
