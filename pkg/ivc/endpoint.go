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

package ivc

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// ring is one direction of a channel instance: a fixed array of frames, a
// ring of filled frame indices and a ring of free frame indices.
//
// filled is produced by the writing end and consumed by the reading end;
// free is the other way around. Each end serializes its own side, so both
// rings are single-producer single-consumer.
type ring struct {
	frames [][]byte
	filled *lfq.SPSC[int]
	free   *lfq.SPSC[int]

	// queued counts frames handed to the reader and not yet released. It is
	// incremented after a frame is published and decremented after it is
	// returned to the free ring.
	queued atomic.Int32
}

func newRing(frames, frameSize int) *ring {
	r := &ring{
		frames: make([][]byte, frames),
		filled: lfq.NewSPSC[int](frames),
		free:   lfq.NewSPSC[int](frames),
	}
	for i := range r.frames {
		r.frames[i] = make([]byte, frameSize)
		idx := i
		if err := r.free.Enqueue(&idx); err != nil {
			panic("ivc: free ring smaller than frame count")
		}
	}
	return r
}

// drain returns every filled frame to the free ring and reports how many
// were dropped.
//
// Preconditions: the caller must hold the reading end's rmu.
func (r *ring) drain() int {
	n := 0
	for {
		idx, err := r.filled.Dequeue()
		if err != nil {
			return n
		}
		if err := r.free.Enqueue(&idx); err != nil {
			panic("ivc: free ring overflow")
		}
		r.queued.Add(-1)
		n++
	}
}

// Endpoint is one end of a channel instance on a Bus. It implements Channel.
type Endpoint struct {
	node      string
	inst      uint32
	vmid      VMID
	peer      VMID
	irq       IRQ
	frameSize int

	// tx is written by this end, rx is read by this end.
	tx *ring
	rx *ring

	// peerEnd is the other end of the instance. Immutable.
	peerEnd *Endpoint

	// wmu serializes writers, rmu serializes readers.
	wmu sync.Mutex
	rmu sync.Mutex

	// ops is nil while the end is not reserved.
	ops atomic.Pointer[Ops]

	// reserved is protected by Bus.mu.
	reserved bool

	written atomix.Uint64
	read    atomix.Uint64
}

// CanWrite implements Channel.CanWrite.
func (e *Endpoint) CanWrite() bool {
	return int(e.tx.queued.Load()) < len(e.tx.frames)
}

// CanRead implements Channel.CanRead.
func (e *Endpoint) CanRead() bool {
	return e.rx.queued.Load() > 0
}

// Write implements Channel.Write.
func (e *Endpoint) Write(p []byte) (int, error) {
	if len(p) > e.frameSize {
		return 0, linuxerr.E2BIG
	}

	e.wmu.Lock()
	idx, err := e.tx.free.Dequeue()
	if err != nil {
		e.wmu.Unlock()
		if iox.IsWouldBlock(err) {
			return 0, linuxerr.EAGAIN
		}
		log.Warningf("ivc: %s/%d: free ring: %v", e.node, e.inst, err)
		return 0, linuxerr.EIO
	}
	f := e.tx.frames[idx]
	n := copy(f, p)
	clear(f[n:])
	if err := e.tx.filled.Enqueue(&idx); err != nil {
		// Cannot happen: there are never more filled indices than frames.
		panic("ivc: filled ring overflow")
	}
	e.tx.queued.Add(1)
	e.wmu.Unlock()

	e.written.Add(1)
	e.peerEnd.notify(false)
	return n, nil
}

// Read implements Channel.Read.
func (e *Endpoint) Read(p []byte) (int, error) {
	e.rmu.Lock()
	idx, err := e.rx.filled.Dequeue()
	if err != nil {
		e.rmu.Unlock()
		if iox.IsWouldBlock(err) {
			return 0, linuxerr.EAGAIN
		}
		log.Warningf("ivc: %s/%d: filled ring: %v", e.node, e.inst, err)
		return 0, linuxerr.EIO
	}
	n := copy(p, e.rx.frames[idx])
	if err := e.rx.free.Enqueue(&idx); err != nil {
		panic("ivc: free ring overflow")
	}
	e.rx.queued.Add(-1)
	e.rmu.Unlock()

	e.read.Add(1)
	e.peerEnd.notify(true)
	return n, nil
}

// notify delivers an edge to this end: tx is true when a frame was released
// by the peer (this end may write), false when the peer published a frame.
func (e *Endpoint) notify(tx bool) {
	ops := e.ops.Load()
	if ops == nil {
		return
	}
	if tx {
		if ops.Tx != nil {
			ops.Tx(e)
		}
		return
	}
	if ops.Rx != nil {
		ops.Rx(e)
	}
}

// FrameSize implements Channel.FrameSize.
func (e *Endpoint) FrameSize() int {
	return e.frameSize
}

// PeerVMID implements Channel.PeerVMID.
func (e *Endpoint) PeerVMID() VMID {
	return e.peer
}

// IRQ implements Channel.IRQ.
func (e *Endpoint) IRQ() IRQ {
	return e.irq
}

// Stats returns the number of frames written and read through this end.
func (e *Endpoint) Stats() (written, read uint64) {
	return e.written.Load(), e.read.Load()
}
