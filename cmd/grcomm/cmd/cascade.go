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
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/comm"
	"grcomm.dev/grcomm/pkg/ivc"
	"grcomm.dev/grcomm/pkg/syncpt"
)

// The cascade command runs on its own bus node.
const (
	cascadeNode     = "host1x"
	cascadeDeadline = 5 * time.Second

	cmdQueue  comm.QueueIndex = 0
	intrQueue comm.QueueIndex = 1

	hostCounter  uint32 = 0
	counterLimit uint32 = 64
)

// Cascade implements subcommands.Command for the "cascade" command.
type Cascade struct {
	counters   uintFlags
	increments uint
	serverVMID uint
	workers    int
}

// Name implements subcommands.Command.Name.
func (*Cascade) Name() string {
	return "cascade"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Cascade) Synopsis() string {
	return "wait on sync point thresholds served by a simulated host"
}

// Usage implements subcommands.Command.Usage.
func (*Cascade) Usage() string {
	return `cascade [flags] - starts a sync point host in the server VM, arms a threshold on each counter and increments the counters until every interrupt has been delivered.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Cascade) SetFlags(f *flag.FlagSet) {
	f.Var(&c.counters, "counter", "counter to wait on. Can be repeated. Defaults to 1, 2 and 3.")
	f.UintVar(&c.increments, "increments", 3, "increments needed to reach each threshold.")
	f.UintVar(&c.serverVMID, "server-vmid", 2, "VM id of the simulated host.")
	f.IntVar(&c.workers, "workers", syncpt.DefaultWorkers, "concurrent threshold handlers.")
}

// Execute implements subcommands.Command.Execute.
func (c *Cascade) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*comm.Config)
	server := ivc.VMID(c.serverVMID)
	if server == conf.VMID || server == comm.Self {
		Fatalf("invalid server VM id %v", server)
	}
	counters := []uint32(c.counters)
	if len(counters) == 0 {
		counters = []uint32{1, 2, 3}
	}
	for _, id := range counters {
		if id == hostCounter {
			Fatalf("counter %d is reserved for the host", id)
		}
	}

	bus, err := ivc.NewBus(ivc.NodeConfig{
		Name:      cascadeNode,
		VMs:       [2]ivc.VMID{conf.VMID, server},
		Instances: 2,
		Frames:    8,
		FrameSize: syncpt.CommandSize,
	})
	if err != nil {
		Fatalf("error creating bus: %v", err)
	}
	newComm := func(vmid ivc.VMID) (*comm.Comm, error) {
		cfg := *conf
		cfg.VMID = vmid
		cfg.Queues = []comm.QueueConfig{
			{Index: cmdQueue, Transports: []comm.TransportConfig{{Node: cascadeNode, Instance: 0}}},
			{Index: intrQueue, Transports: []comm.TransportConfig{{Node: cascadeNode, Instance: 1}}},
		}
		cm := comm.New(bus, cfg)
		if err := cm.Init(comm.CtxClient, 4, []int{syncpt.CommandSize, syncpt.MsgSize}, cmdQueue, 2); err != nil {
			cm.Close()
			return nil, err
		}
		return cm, nil
	}

	hostComm, err := newComm(server)
	if err != nil {
		return failure(err, "initializing host queues")
	}
	h := syncpt.NewHost(hostComm, comm.CtxClient, cmdQueue, intrQueue)
	served := make(chan error, 1)
	go func() { served <- h.Serve() }()
	defer func() {
		hostComm.Close()
		if err := <-served; err != nil {
			log.Warningf("cascade: host: %v", err)
		}
	}()

	client, err := newComm(conf.VMID)
	if err != nil {
		return failure(err, "initializing client queues")
	}
	defer client.Close()

	fired := make(chan uint32, len(counters))
	patched := make(chan struct{}, 1)
	cs, err := syncpt.New(client, syncpt.Config{
		Ctx:         comm.CtxClient,
		Queue:       intrQueue,
		Base:        0,
		Limit:       counterLimit,
		HostCounter: hostCounter,
		Workers:     c.workers,
	}, syncpt.NewCommController(client, comm.CtxClient, cmdQueue, uint64(conf.VMID)), syncpt.Handlers{
		Threshold: func(id uint32) { fired <- id },
		PatchCheck: func() {
			select {
			case patched <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return failure(err, "creating cascade")
	}
	if err := cs.Start(); err != nil {
		return failure(err, "starting cascade")
	}
	defer func() {
		if err := cs.Stop(); err != nil {
			log.Warningf("cascade: stop: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, cascadeDeadline)
	defer cancel()
	for _, id := range counters {
		thresh := h.Value(id) + uint32(c.increments)
		if err := cs.SetThreshold(id, thresh); err != nil {
			return failure(err, "arming counter %d", id)
		}
		for i := uint(0); i < c.increments; i++ {
			h.Incr(id)
		}
		select {
		case got := <-fired:
			cached, _ := cs.MinCached(got)
			fmt.Printf("counter %d reached %d\n", got, cached)
		case <-ctx.Done():
			return failure(ctx.Err(), "waiting for counter %d", id)
		}
	}

	h.Incr(hostCounter)
	select {
	case <-patched:
	case <-ctx.Done():
		return failure(ctx.Err(), "waiting for the host counter")
	}

	s := cs.Stats()
	fmt.Printf("%d interrupts received, %d coalesced, %d dropped\n", s.Received, s.Coalesced, s.Dropped)
	return subcommands.ExitSuccess
}
