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
	"time"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/ivc"
)

// Send sends payload to peer on queue idx of context vctx. payload must fit
// in the queue's frame.
//
// If peer is Self the message is queued locally. Otherwise it is written to
// the transport configured for (vctx, idx, peer); if that transport stays
// full for longer than the configured send timeout, Send returns ETIMEDOUT.
func (c *Comm) Send(vctx Ctx, peer ivc.VMID, idx QueueIndex, payload []byte) error {
	q, err := c.queue(vctx, idx)
	if err != nil {
		return err
	}
	if len(payload) > q.frameSize {
		log.Warningf("comm: send on %v: %d byte payload exceeds frame size %d", q.id, len(payload), q.frameSize)
		return linuxerr.EINVAL
	}
	if peer == Self {
		return q.add(Self, payload)
	}

	a := c.lookupTarget(TargetID{Ctx: vctx, Queue: idx, Peer: peer})
	if a == nil {
		log.Warningf("comm: send on %v: no transport to %v", q.id, peer)
		return linuxerr.EINVAL
	}
	return a.write(payload, c.cfg.SendTimeout)
}

// write writes one frame, waiting up to timeout for the channel to have room.
func (a *adapter) write(payload []byte, timeout time.Duration) error {
	var t *time.Timer
	for {
		if a.ch.CanWrite() {
			n, err := a.ch.Write(payload)
			switch {
			case err == nil && n == len(payload):
				if t != nil {
					t.Stop()
				}
				return nil
			case err == nil:
				log.Warningf("comm: send on %v to %v: short write: %d of %d bytes", a.q.id, a.id.Peer, n, len(payload))
				return linuxerr.EIO
			case !linuxerr.Equals(linuxerr.EAGAIN, err):
				log.Warningf("comm: send on %v to %v: %v", a.q.id, a.id.Peer, err)
				return linuxerr.EIO
			}
			// Lost a race with another writer; wait for room again.
		}
		if t == nil {
			t = time.NewTimer(timeout)
		}
		select {
		case <-a.txReady:
		case <-t.C:
			log.Warningf("comm: send on %v to %v: timeout waiting for buffer", a.q.id, a.id.Peer)
			return linuxerr.ETIMEDOUT
		}
	}
}

// Recv blocks until a message is pending on queue idx of context vctx and
// returns it. The caller must Release the element.
//
// Recv has no timeout. A consumer that needs to be stopped must be sent a
// message it understands as a stop request.
func (c *Comm) Recv(vctx Ctx, idx QueueIndex) (*Element, error) {
	q, err := c.queue(vctx, idx)
	if err != nil {
		return nil, err
	}
	return q.recv()
}

// SendRecv sends payload to peer on queue idx and waits for the next message
// on the same queue, which is taken as the reply.
//
// Round trips on one queue are serialized, so concurrent SendRecv callers
// cannot steal each other's replies. Nothing else pairs a reply with its
// request: callers must not Recv on a queue used for round trips.
func (c *Comm) SendRecv(vctx Ctx, peer ivc.VMID, idx QueueIndex, payload []byte) (*Element, error) {
	q, err := c.queue(vctx, idx)
	if err != nil {
		return nil, err
	}
	q.respMu.Lock()
	defer q.respMu.Unlock()
	if err := c.Send(vctx, peer, idx, payload); err != nil {
		return nil, err
	}
	return q.recv()
}
