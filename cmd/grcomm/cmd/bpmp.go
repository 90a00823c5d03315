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
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/bpmp"
)

// BPMP implements subcommands.Command for the "bpmp" command.
type BPMP struct {
	tag       string
	timeout   time.Duration
	bootDelay time.Duration
	threaded  bool
	count     int
}

// Name implements subcommands.Command.Name.
func (*BPMP) Name() string {
	return "bpmp"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*BPMP) Synopsis() string {
	return "issue requests to a simulated power management co-processor"
}

// Usage implements subcommands.Command.Usage.
func (*BPMP) Usage() string {
	return `bpmp [flags] <request> [args...] - boots simulated firmware, waits for it to come online and issues one request.

Requests:
  ping                  ping the firmware and print round trip times.
  tag                   print the firmware tag.
  trace [<clr> <set>]   clear then set trace mask bits and print the new mask.
  trace-dump            trace -count pings and print the firmware trace.
  reset                 reset the firmware, attach again and print the tag.
  poke <mrq> [words]    send raw request words and print the response words.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *BPMP) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.tag, "tag", "grcomm-sim", "firmware tag.")
	f.DurationVar(&b.timeout, "timeout", bpmp.DefaultTimeout, "transaction timeout.")
	f.DurationVar(&b.bootDelay, "boot-delay", 10*time.Millisecond, "time before the firmware comes online.")
	f.BoolVar(&b.threaded, "threaded", false, "sleep on the completion doorbell instead of polling.")
	f.IntVar(&b.count, "count", 4, "number of pings.")
}

// threadedCaller issues every request with ThreadedRPC.
type threadedCaller struct {
	ctx context.Context
	m   *bpmp.Mailbox
}

// RPC implements bpmp.Caller.RPC.
func (t threadedCaller) RPC(mrq int32, ob, ib []byte) (int, error) {
	return t.m.ThreadedRPC(t.ctx, mrq, ob, ib)
}

// Execute implements subcommands.Command.Execute.
func (b *BPMP) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	slot := bpmp.NewSlot()
	fw := bpmp.NewFirmware(slot, b.tag)
	defer boot(fw, b.bootDelay)()

	m := bpmp.NewMailbox(slot, b.timeout)
	if err := attach(ctx, m, b.timeout); err != nil {
		return failure(err, "attaching to firmware")
	}
	defer m.Detach()

	var c bpmp.Caller = m
	if b.threaded {
		c = threadedCaller{ctx: ctx, m: m}
	}

	req, rest := f.Arg(0), f.Args()[1:]
	switch req {
	case "ping":
		for i := 0; i < b.count; i++ {
			challenge := uint32(i + 1)
			rtt, err := bpmp.Ping(c, challenge)
			if err != nil {
				return failure(err, "ping %d", challenge)
			}
			fmt.Printf("pong %d: %v\n", challenge, rtt)
		}

	case "tag":
		tag, err := bpmp.QueryTag(c)
		if err != nil {
			return failure(err, "querying tag")
		}
		fmt.Println(tag)

	case "trace":
		words, err := parseWords(rest)
		if err != nil || (len(words) != 0 && len(words) != 2) {
			f.Usage()
			return subcommands.ExitUsageError
		}
		var clr, set uint32
		if len(words) == 2 {
			clr, set = words[0], words[1]
		}
		mask, err := bpmp.ModifyTraceMask(c, clr, set)
		if err != nil {
			return failure(err, "modifying trace mask")
		}
		fmt.Printf("trace mask %#x\n", mask)

	case "poke":
		if len(rest) < 1 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		mrq, err := strconv.ParseInt(rest[0], 0, 32)
		if err != nil {
			Fatalf("invalid request code %q: %v", rest[0], err)
		}
		words, err := parseWords(rest[1:])
		if err != nil {
			Fatalf("%v", err)
		}
		out, err := bpmp.Poke(c, int32(mrq), words)
		if err != nil {
			return failure(err, "mrq %d", mrq)
		}
		for i, w := range out {
			fmt.Printf("word %d: %#08x\n", i, w)
		}

	case "trace-dump":
		if _, err := bpmp.ModifyTraceMask(c, 0, bpmp.TraceRequests); err != nil {
			return failure(err, "enabling request tracing")
		}
		for i := 0; i < b.count; i++ {
			if _, err := bpmp.Ping(c, uint32(i+1)); err != nil {
				return failure(err, "ping %d", i+1)
			}
		}
		trace, err := bpmp.DumpTrace(c)
		if err != nil {
			return failure(err, "dumping trace")
		}
		fmt.Print(string(trace))

	case "reset":
		m.Detach()
		fw.Reset()
		if err := attach(ctx, m, b.timeout); err != nil {
			return failure(err, "attaching after reset")
		}
		tag, err := bpmp.QueryTag(c)
		if err != nil {
			return failure(err, "querying tag")
		}
		fmt.Printf("%s reset\n", tag)

	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	log.Debugf("bpmp: firmware handled %d requests", fw.Handled())
	return subcommands.ExitSuccess
}

// boot brings fw online after delay. The returned function cancels a pending
// boot, waits for one already running and stops fw.
func boot(fw *bpmp.Firmware, delay time.Duration) func() {
	booted := make(chan struct{})
	t := time.AfterFunc(delay, func() {
		defer close(booted)
		fw.Start()
	})
	return func() {
		if !t.Stop() {
			<-booted
		}
		fw.Stop()
	}
}

// attach retries m.Attach until the firmware is online or timeout expires.
func attach(ctx context.Context, m *bpmp.Mailbox, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = timeout
	op := func() error {
		err := m.Attach()
		if err != nil {
			log.Debugf("bpmp: firmware not ready: %v", err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
