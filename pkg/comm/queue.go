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
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"grcomm.dev/grcomm/pkg/ivc"
)

// Element is one received message. It is borrowed from its queue by Recv and
// must be returned with Release; it must not be used afterwards.
type Element struct {
	q      *Queue
	sender ivc.VMID
	n      int
	buf    []byte

	// borrowed is protected by q.mu.
	borrowed bool
}

// Data returns the message payload.
func (e *Element) Data() []byte {
	return e.buf[:e.n]
}

// Sender returns the VM the message came from, or Self.
func (e *Element) Sender() ivc.VMID {
	return e.sender
}

// Release returns e to its queue's free list.
func (e *Element) Release() {
	e.q.release(e)
}

// QueueStats is a snapshot of a queue's element accounting.
type QueueStats struct {
	// Total is the number of elements owned by the queue.
	Total int

	// Free is the number of elements on the free list.
	Free int

	// Pending is the number of received elements not yet consumed.
	Pending int

	// Borrowed is the number of elements held by consumers.
	Borrowed int
}

// Queue is a single logical message channel.
//
// pending is FIFO: elements are appended at the tail and popped at the head.
// free is a stack. Every element owned by the queue is in exactly one of
// pending, free, or borrowed by a consumer.
type Queue struct {
	id        QueueID
	frameSize int
	maxElems  int

	// respMu serializes request/response round trips on the queue.
	respMu sync.Mutex

	mu sync.Mutex

	// avail is signalled whenever pending grows. Receivers wait on it while
	// pending is empty, so the number of pending elements is the number of
	// receivers that may proceed.
	avail *sync.Cond

	// The fields below are protected by mu.
	pending  []*Element
	free     []*Element
	total    int
	borrowed int
	valid    bool
}

func newQueue(id QueueID, frameSize, elems, maxElems int) (*Queue, error) {
	if maxElems > 0 && elems > maxElems {
		log.Warningf("comm: queue %v: %d elements requested, limit is %d", id, elems, maxElems)
		return nil, linuxerr.ENOMEM
	}
	q := &Queue{
		id:        id,
		frameSize: frameSize,
		maxElems:  maxElems,
		free:      make([]*Element, 0, elems),
		valid:     true,
	}
	q.avail = sync.NewCond(&q.mu)
	for i := 0; i < elems; i++ {
		q.free = append(q.free, q.newElementLocked())
	}
	return q, nil
}

// Preconditions: q.mu must be locked, or q must not be shared yet.
func (q *Queue) newElementLocked() *Element {
	q.total++
	return &Element{
		q:   q,
		buf: make([]byte, q.frameSize),
	}
}

// acquireLocked returns a free element, allocating one if the free list is
// empty.
//
// Preconditions: q.mu must be locked.
func (q *Queue) acquireLocked() (*Element, error) {
	if n := len(q.free); n > 0 {
		e := q.free[n-1]
		q.free[n-1] = nil
		q.free = q.free[:n-1]
		return e, nil
	}
	if q.maxElems > 0 && q.total >= q.maxElems {
		return nil, linuxerr.ENOMEM
	}
	return q.newElementLocked(), nil
}

// Preconditions: q.mu must be locked.
func (q *Queue) pushLocked(e *Element) {
	q.pending = append(q.pending, e)
	q.avail.Signal()
}

// add queues a copy of payload sent by sender.
func (q *Queue) add(sender ivc.VMID, payload []byte) error {
	if len(payload) > q.frameSize {
		return linuxerr.EINVAL
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.valid {
		return linuxerr.EINVAL
	}
	e, err := q.acquireLocked()
	if err != nil {
		return err
	}
	e.sender = sender
	e.n = copy(e.buf, payload)
	q.pushLocked(e)
	return nil
}

// addFrom reads one frame from ch directly into a pooled element and queues
// it.
func (q *Queue) addFrom(sender ivc.VMID, ch ivc.Channel) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.valid {
		return linuxerr.EINVAL
	}
	e, err := q.acquireLocked()
	if err != nil {
		return err
	}
	n, err := ch.Read(e.buf)
	if err != nil || n != q.frameSize {
		q.free = append(q.free, e)
		if err != nil {
			return err
		}
		return linuxerr.EIO
	}
	e.sender = sender
	e.n = n
	q.pushLocked(e)
	return nil
}

// recv blocks until an element is pending and pops it.
func (q *Queue) recv() (*Element, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.valid && len(q.pending) == 0 {
		q.avail.Wait()
	}
	if !q.valid {
		return nil, linuxerr.EINVAL
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	e.borrowed = true
	q.borrowed++
	return e, nil
}

func (q *Queue) release(e *Element) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !e.borrowed {
		panic(fmt.Sprintf("comm: queue %v: releasing an element that is not borrowed", q.id))
	}
	e.borrowed = false
	q.borrowed--
	if !q.valid {
		// The queue was torn down under the consumer; let the element go.
		q.total--
		return
	}
	q.free = append(q.free, e)
}

// drain invalidates the queue and drops every free and pending element.
// Receivers blocked in recv wake up with EINVAL.
func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.valid = false
	q.total -= len(q.free) + len(q.pending)
	q.free = nil
	q.pending = nil
	q.avail.Broadcast()
}

// Valid returns true if the queue has not been torn down.
func (q *Queue) Valid() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.valid
}

// FrameSize returns the queue's fixed frame size.
func (q *Queue) FrameSize() int {
	return q.frameSize
}

// Stats returns a snapshot of the queue's element accounting.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Total:    q.total,
		Free:     len(q.free),
		Pending:  len(q.pending),
		Borrowed: q.borrowed,
	}
}
