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

// Package comm implements the graphics virtualization communication
// framework: fixed-frame message queues shared between VMs over ivc
// channels.
//
// A Comm owns a set of queues, each identified by a virtual context and a
// queue index. Messages sent to Self are appended to the local queue directly;
// messages sent to a remote VM are written to the ivc channel configured for
// that queue and peer, and picked up on the other side by a receive pump that
// moves every inbound frame into a pooled Element on the matching queue.
//
// Usage:
//
//	c := comm.New(bus, cfg)
//	if err := c.Init(comm.CtxClient, 16, []int{64}, 0, 1); err != nil {
//		...
//	}
//	defer c.Deinit(comm.CtxClient, 0, 1)
//
//	if err := c.Send(comm.CtxClient, server, 0, req); err != nil {
//		...
//	}
//	e, err := c.Recv(comm.CtxClient, 0)
//	...
//	e.Release()
//
// Errors are linuxerr values: EINVAL for configuration errors, ENOMEM for
// element exhaustion, ETIMEDOUT when a peer does not drain its channel in
// time and EIO for transport faults. None of them are retried internally.
//
// Teardown is only safe once the caller has quiesced every producer and
// consumer of the torn-down queues; there is no reference counting of
// in-flight operations.
package comm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"grcomm.dev/grcomm/pkg/ivc"
)

// Ctx identifies a virtual context: an independent communication domain
// sharing the transport infrastructure with other contexts.
type Ctx uint32

// Virtual contexts used by the graphics drivers.
const (
	CtxClient Ctx = 0
	CtxServer Ctx = 1
)

// QueueIndex selects one logical channel within a context.
type QueueIndex uint32

// Self is the peer id addressing the local VM.
const Self ivc.VMID = 0xff

// QueueID identifies a queue.
type QueueID struct {
	Ctx   Ctx
	Index QueueIndex
}

// String implements fmt.Stringer.
func (id QueueID) String() string {
	return fmt.Sprintf("%d/%d", id.Ctx, id.Index)
}

// TargetID identifies the transport used to send on a queue to a peer.
type TargetID struct {
	Ctx   Ctx
	Queue QueueIndex
	Peer  ivc.VMID
}

func (a TargetID) less(b TargetID) bool {
	if a.Ctx != b.Ctx {
		return a.Ctx < b.Ctx
	}
	if a.Queue != b.Queue {
		return a.Queue < b.Queue
	}
	return a.Peer < b.Peer
}

// Comm is a communication context registry. It owns queues and the
// transports bound to them.
type Comm struct {
	res ivc.Reserver
	cfg Config

	// pumpLog rate limits per-frame pump failures.
	pumpLog log.Logger

	// serverVMID is the peer of the most recently set up transport.
	serverVMID atomic.Uint32

	// irqs maps ivc.IRQ to *adapter. It is read from channel notifications,
	// which must never block, so it does not live under mu. Writers hold mu.
	irqs sync.Map

	// mu protects the tables below. They are only mutated by Init, Deinit
	// and Close; every other operation takes a read lock.
	mu      sync.RWMutex
	queues  map[QueueID]*Queue
	targets map[TargetID]*adapter

	// index orders targets so that a queue range can be torn down with a
	// single range scan.
	index *btree.BTreeG[TargetID]
}

// New returns an empty registry reserving transports from res. Defaults are
// applied to unset fields of cfg.
func New(res ivc.Reserver, cfg Config) *Comm {
	cfg.setDefaults()
	return &Comm{
		res:     res,
		cfg:     cfg,
		pumpLog: log.BasicRateLimitedLogger(time.Second),
		queues:  make(map[QueueID]*Queue),
		targets: make(map[TargetID]*adapter),
		index:   btree.NewG(8, TargetID.less),
	}
}

// VMID returns the local VM id.
func (c *Comm) VMID() ivc.VMID {
	return c.cfg.VMID
}

// ServerVMID returns the peer of the most recently set up transport. In a
// client VM this is the server VM.
func (c *Comm) ServerVMID() ivc.VMID {
	return ivc.VMID(c.serverVMID.Load())
}

// Close tears down every context. Like Deinit, it requires quiesced callers.
func (c *Comm) Close() {
	c.mu.Lock()
	var adapters []*adapter
	c.index.Ascend(func(id TargetID) bool {
		adapters = append(adapters, c.targets[id])
		return true
	})
	for _, a := range adapters {
		c.unregisterLocked(a)
	}
	for id, q := range c.queues {
		q.drain()
		delete(c.queues, id)
	}
	c.mu.Unlock()

	for _, a := range adapters {
		c.teardown(a)
	}
}

// Stats returns element accounting for a queue.
func (c *Comm) Stats(vctx Ctx, idx QueueIndex) (QueueStats, error) {
	q, err := c.queue(vctx, idx)
	if err != nil {
		return QueueStats{}, err
	}
	return q.Stats(), nil
}
