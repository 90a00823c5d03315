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

package bpmp

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/binary"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

const (
	// TraceRequests is the trace mask bit that records every served request
	// in the trace buffer.
	TraceRequests uint32 = 1 << 0

	// traceBufSize bounds the trace buffer. Records that do not fit are
	// dropped.
	traceBufSize = 16 << 10

	// traceChunk is the number of trace bytes one MRQWriteTrace response
	// carries, after its length and eof words.
	traceChunk = MsgDataSize - 8
)

// Handler serves one request code. It reads the request payload from req,
// writes its response payload to resp and returns zero or a negated errno.
type Handler func(req, resp []byte) int32

// Firmware is an in-process co-processor serving a Slot.
//
// It answers MRQPing and MRQThreadedPing with the challenge shifted left by
// one, MRQQueryTag with its tag, MRQTraceModify by updating its trace mask
// and MRQWriteTrace by handing out its trace buffer. More request codes can
// be served with Register.
type Firmware struct {
	slot *Slot
	tag  string

	handled atomic.Uint64

	mu sync.Mutex

	// The fields below are protected by mu.
	handlers  [NumMRQs]Handler
	traceMask uint32
	trace     []byte
	stop      chan struct{}
	done      chan struct{}
}

// NewFirmware returns stopped firmware for slot. tag is truncated to
// MsgDataSize bytes.
func NewFirmware(slot *Slot, tag string) *Firmware {
	f := &Firmware{
		slot: slot,
		tag:  tag,
	}
	f.handlers[MRQPing] = pong
	f.handlers[MRQThreadedPing] = pong
	f.handlers[MRQQueryTag] = f.queryTag
	f.handlers[MRQTraceModify] = f.traceModify
	f.handlers[MRQWriteTrace] = f.writeTrace
	return f
}

// Register serves mrq with h, replacing any previous handler.
func (f *Firmware) Register(mrq int32, h Handler) error {
	idx := MRQIndex(mrq)
	if idx >= NumMRQs {
		return linuxerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[idx] = h
	return nil
}

// Start brings the firmware online.
func (f *Firmware) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		return
	}
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.serve(f.stop, f.done)
	f.slot.online.Store(true)
}

// Stop takes the firmware offline. A request being served is completed
// first; requests posted later are left unanswered.
func (f *Firmware) Stop() {
	f.mu.Lock()
	stop, done := f.stop, f.done
	f.stop, f.done = nil, nil
	f.mu.Unlock()
	if stop == nil {
		return
	}
	f.slot.online.Store(false)
	close(stop)
	<-done
}

// Reset restarts the firmware. The slot is released and the trace mask and
// trace buffer are cleared; registered handlers are kept. A request being
// served when Reset is called is lost.
func (f *Firmware) Reset() {
	f.Stop()
	f.mu.Lock()
	f.traceMask = 0
	f.trace = nil
	f.mu.Unlock()
	f.slot.store(slotFree)
	clearRing(f.slot.doorbell)
	clearRing(f.slot.done)
	log.Infof("bpmp: firmware %q reset", f.tag)
	f.Start()
}

// Handled returns the number of requests served.
func (f *Firmware) Handled() uint64 {
	return f.handled.Load()
}

// TraceMask returns the current trace mask.
func (f *Firmware) TraceMask() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.traceMask
}

func (f *Firmware) serve(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-f.slot.doorbell:
		}
		if f.slot.load() == slotRequest {
			f.dispatch()
		}
	}
}

func (f *Firmware) dispatch() {
	var req Message
	req.Unmarshal(f.slot.buf[:])

	var h Handler
	idx := MRQIndex(req.Code)
	f.mu.Lock()
	if idx < NumMRQs {
		h = f.handlers[idx]
	}
	trace := f.traceMask&TraceRequests != 0 && idx != MRQWriteTrace
	f.mu.Unlock()

	var resp Message
	if h == nil {
		log.Warningf("bpmp: firmware: no handler for mrq %d", req.Code)
		resp.Code = -int32(linuxerr.ToUnix(linuxerr.ENODEV))
	} else {
		resp.Code = h(req.Data[:], resp.Data[:])
	}
	if resp.Code != 0 {
		resp.Flags |= FlagError
	}
	if trace {
		f.appendTrace(fmt.Sprintf("mrq %d: %d\n", req.Code, resp.Code))
	}
	f.handled.Add(1)

	if req.Flags&FlagDoAck == 0 {
		f.slot.store(slotFree)
	} else {
		resp.MarshalTo(f.slot.buf[:])
		f.slot.store(slotResponse)
	}
	ring(f.slot.done)
}

func pong(req, resp []byte) int32 {
	challenge := binary.LittleEndian.Uint32(req)
	binary.LittleEndian.PutUint32(resp, challenge<<1)
	return 0
}

func (f *Firmware) queryTag(req, resp []byte) int32 {
	copy(resp, f.tag)
	return 0
}

func (f *Firmware) traceModify(req, resp []byte) int32 {
	clr := binary.LittleEndian.Uint32(req[0:])
	set := binary.LittleEndian.Uint32(req[4:])
	f.mu.Lock()
	f.traceMask = f.traceMask&^clr | set
	mask := f.traceMask
	f.mu.Unlock()
	binary.LittleEndian.PutUint32(resp, mask)
	return 0
}

func (f *Firmware) appendTrace(rec string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.trace)+len(rec) > traceBufSize {
		return
	}
	f.trace = append(f.trace, rec...)
}

// writeTrace hands out the oldest traceChunk bytes of the trace buffer. The
// response holds the byte count, an eof word set once the buffer is empty,
// and the bytes.
func (f *Firmware) writeTrace(req, resp []byte) int32 {
	f.mu.Lock()
	n := copy(resp[8:], f.trace)
	f.trace = f.trace[n:]
	eof := len(f.trace) == 0
	if eof {
		f.trace = nil
	}
	f.mu.Unlock()
	binary.LittleEndian.PutUint32(resp[0:], uint32(n))
	if eof {
		binary.LittleEndian.PutUint32(resp[4:], 1)
	}
	return 0
}
