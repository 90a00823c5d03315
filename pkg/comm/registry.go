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

package comm

import (
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/ivc"
)

// Init creates queues [start, start+n) of context vctx, each holding elems
// pre-allocated elements of frameSizes[i-start] bytes, and sets up every
// transport configured for those queues.
//
// On failure nothing created by this call survives: queues are drained,
// pumps are stopped and channels are released, in reverse order of
// creation.
func (c *Comm) Init(vctx Ctx, elems int, frameSizes []int, start QueueIndex, n int) error {
	if n <= 0 || len(frameSizes) != n || elems < 0 {
		log.Warningf("comm: init ctx %d: invalid arguments: %d queues, %d frame sizes, %d elements", vctx, n, len(frameSizes), elems)
		return linuxerr.EINVAL
	}
	for i, size := range frameSizes {
		if size <= 0 {
			log.Warningf("comm: init ctx %d: queue %d has frame size %d", vctx, start+QueueIndex(i), size)
			return linuxerr.EINVAL
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	queues := make([]*Queue, n)
	for i := range queues {
		id := QueueID{Ctx: vctx, Index: start + QueueIndex(i)}
		if old, ok := c.queues[id]; ok && old.Valid() {
			return linuxerr.EEXIST
		}
		q, err := newQueue(id, frameSizes[i], elems, c.cfg.MaxElements)
		if err != nil {
			return err
		}
		c.queues[id] = q
		cu.Add(func() {
			q.drain()
			delete(c.queues, id)
		})
		queues[i] = q
	}

	for _, q := range queues {
		transports, ok := c.cfg.transports(q.id.Index)
		if !ok {
			log.Warningf("comm: init ctx %d: no transport configuration for queue %d", vctx, q.id.Index)
			return linuxerr.EINVAL
		}
		for _, t := range transports {
			a, err := c.setupTransportLocked(q, t)
			if err != nil {
				log.Warningf("comm: init ctx %d: queue %d: transport %s/%d: %v", vctx, q.id.Index, t.Node, t.Instance, err)
				return err
			}
			cu.Add(func() {
				c.unregisterLocked(a)
				c.teardown(a)
			})
		}
	}

	cu.Release()
	log.Debugf("comm: ctx %d: queues [%d, %d) ready", vctx, start, start+QueueIndex(n))
	return nil
}

// setupTransportLocked reserves t for q, registers it and starts its pump.
//
// Preconditions: c.mu must be locked.
func (c *Comm) setupTransportLocked(q *Queue, t TransportConfig) (*adapter, error) {
	ch, err := c.res.Reserve(t.Node, t.Instance, c.cfg.VMID, ivc.Ops{
		Rx: c.notifyRx,
		Tx: c.notifyTx,
	})
	if err != nil {
		return nil, err
	}
	if ch.FrameSize() < q.frameSize {
		log.Warningf("comm: channel frame size %d is smaller than queue %v frame size %d", ch.FrameSize(), q.id, q.frameSize)
		c.res.Unreserve(ch)
		return nil, linuxerr.ENOMEM
	}

	id := TargetID{Ctx: q.id.Ctx, Queue: q.id.Index, Peer: ch.PeerVMID()}
	if _, ok := c.targets[id]; ok {
		c.res.Unreserve(ch)
		return nil, linuxerr.EEXIST
	}
	if _, ok := c.irqs.Load(ch.IRQ()); ok {
		c.res.Unreserve(ch)
		return nil, linuxerr.EEXIST
	}

	a := newAdapter(id, ch, q, c.cfg.PollInterval, c.pumpLog)
	c.targets[id] = a
	c.irqs.Store(ch.IRQ(), a)
	c.index.ReplaceOrInsert(id)
	c.serverVMID.Store(uint32(id.Peer))
	a.start()
	return a, nil
}

// Preconditions: c.mu must be locked.
func (c *Comm) unregisterLocked(a *adapter) {
	delete(c.targets, a.id)
	c.irqs.Delete(a.ch.IRQ())
	c.index.Delete(a.id)
}

// teardown stops a's pump and releases its channel. a must already be
// unregistered.
func (c *Comm) teardown(a *adapter) {
	a.shutdown()
	c.res.Unreserve(a.ch)
}

// Deinit tears down queues [start, start+n) of context vctx and every
// transport bound to them. It returns EINVAL if none of these queues was
// initialized.
//
// Preconditions: no goroutine is sending to or receiving from the queues.
func (c *Comm) Deinit(vctx Ctx, start QueueIndex, n int) error {
	if n <= 0 {
		return linuxerr.EINVAL
	}
	end := start + QueueIndex(n)

	c.mu.Lock()
	found := false
	for idx := start; idx < end; idx++ {
		id := QueueID{Ctx: vctx, Index: idx}
		q, ok := c.queues[id]
		if !ok {
			continue
		}
		found = true
		q.drain()
		delete(c.queues, id)
	}
	if !found {
		c.mu.Unlock()
		log.Warningf("comm: deinit ctx %d: queues [%d, %d) were never initialized", vctx, start, end)
		return linuxerr.EINVAL
	}

	var adapters []*adapter
	c.index.AscendRange(TargetID{Ctx: vctx, Queue: start}, TargetID{Ctx: vctx, Queue: end}, func(id TargetID) bool {
		adapters = append(adapters, c.targets[id])
		return true
	})
	for _, a := range adapters {
		c.unregisterLocked(a)
	}
	c.mu.Unlock()

	for _, a := range adapters {
		c.teardown(a)
	}
	log.Debugf("comm: ctx %d: queues [%d, %d) torn down, %d transports released", vctx, start, end, len(adapters))
	return nil
}

// queue returns a valid queue.
func (c *Comm) queue(vctx Ctx, idx QueueIndex) (*Queue, error) {
	c.mu.RLock()
	q, ok := c.queues[QueueID{Ctx: vctx, Index: idx}]
	c.mu.RUnlock()
	if !ok || !q.Valid() {
		return nil, linuxerr.EINVAL
	}
	return q, nil
}

// lookupTarget returns the transport used to send on a queue to a peer.
func (c *Comm) lookupTarget(id TargetID) *adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targets[id]
}

// lookupIRQ returns the transport owning an interrupt line. It does not
// block.
func (c *Comm) lookupIRQ(irq ivc.IRQ) *adapter {
	v, ok := c.irqs.Load(irq)
	if !ok {
		return nil
	}
	return v.(*adapter)
}

func (c *Comm) notifyRx(ch ivc.Channel) {
	if a := c.lookupIRQ(ch.IRQ()); a != nil {
		wake(a.rxReady)
	}
}

func (c *Comm) notifyTx(ch ivc.Channel) {
	if a := c.lookupIRQ(ch.IRQ()); a != nil {
		wake(a.txReady)
	}
}
