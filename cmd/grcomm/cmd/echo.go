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
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/comm"
	"grcomm.dev/grcomm/pkg/ivc"
)

// Echo implements subcommands.Command for the "echo" command.
type Echo struct {
	queue     uint
	count     int
	frameSize int
	elements  int
}

// Name implements subcommands.Command.Name.
func (*Echo) Name() string {
	return "echo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Echo) Synopsis() string {
	return "exchange messages with an echo server in the peer VM"
}

// Usage implements subcommands.Command.Usage.
func (*Echo) Usage() string {
	return `echo [flags] - runs the peer VM of the queue's first transport as an echo server and times round trips to it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Echo) SetFlags(f *flag.FlagSet) {
	f.UintVar(&e.queue, "queue", 0, "queue index.")
	f.IntVar(&e.count, "count", 8, "number of round trips.")
	f.IntVar(&e.frameSize, "frame-size", 0, "queue frame size in bytes. The channel frame size is used if zero.")
	f.IntVar(&e.elements, "elements", 4, "pre-allocated queue elements.")
}

// Execute implements subcommands.Command.Execute.
func (e *Echo) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*comm.Config)
	idx := comm.QueueIndex(e.queue)

	link, err := findLink(conf, idx)
	if err != nil {
		Fatalf("%v", err)
	}
	frameSize := e.frameSize
	if frameSize == 0 {
		frameSize = link.node.FrameSize
	}

	bus, err := ivc.NewBus(conf.Bus...)
	if err != nil {
		Fatalf("error creating bus: %v", err)
	}

	// Both ends only bind the chosen transport.
	queues := []comm.QueueConfig{{Index: idx, Transports: []comm.TransportConfig{link.transport}}}
	localConf := *conf
	localConf.Queues = queues
	peerConf := *conf
	peerConf.VMID = link.peer
	peerConf.Queues = queues

	local := comm.New(bus, localConf)
	defer local.Close()
	peer := comm.New(bus, peerConf)
	served := make(chan struct{})
	defer func() {
		peer.Close()
		<-served
	}()

	if err := peer.Init(comm.CtxClient, e.elements, []int{frameSize}, idx, 1); err != nil {
		close(served)
		return failure(err, "initializing queue %d in VM %v", idx, link.peer)
	}
	go func() {
		defer close(served)
		serveEcho(peer, idx)
	}()
	if err := local.Init(comm.CtxClient, e.elements, []int{frameSize}, idx, 1); err != nil {
		return failure(err, "initializing queue %d in VM %v", idx, conf.VMID)
	}

	var total, lo, hi time.Duration
	for i := 0; i < e.count; i++ {
		if err := ctx.Err(); err != nil {
			return failure(err, "echo")
		}
		want := fmt.Sprintf("ping %d from %v", i, conf.VMID)
		start := time.Now()
		el, err := local.SendRecv(comm.CtxClient, link.peer, idx, []byte(want))
		if err != nil {
			return failure(err, "round trip %d", i)
		}
		rtt := time.Since(start)
		got := string(bytes.TrimRight(el.Data(), "\x00"))
		from := el.Sender()
		el.Release()
		if got != want || from != link.peer {
			Fatalf("unexpected echo: got %q from %v, want %q from %v", got, from, want, link.peer)
		}

		total += rtt
		if i == 0 || rtt < lo {
			lo = rtt
		}
		if rtt > hi {
			hi = rtt
		}
	}
	if e.count > 0 {
		fmt.Printf("%d round trips to VM %v over %s/%d: min %v, avg %v, max %v\n",
			e.count, link.peer, link.transport.Node, link.transport.Instance, lo, total/time.Duration(e.count), hi)
	}
	return subcommands.ExitSuccess
}

// serveEcho sends every message received on idx back to its sender until
// the queue is torn down.
func serveEcho(c *comm.Comm, idx comm.QueueIndex) {
	for {
		el, err := c.Recv(comm.CtxClient, idx)
		if err != nil {
			log.Debugf("echo: server stopped: %v", err)
			return
		}
		from := el.Sender()
		payload := append([]byte(nil), el.Data()...)
		el.Release()
		if err := c.Send(comm.CtxClient, from, idx, payload); err != nil {
			log.Warningf("echo: reply to %v: %v", from, err)
		}
	}
}
