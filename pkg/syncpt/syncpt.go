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

// Package syncpt implements the client side of virtualized syncpoint
// interrupts.
//
// Syncpoints are 32-bit hardware counters. The server VM owns the hardware
// and, whenever a counter reaches a threshold the client asked for, sends a
// Msg on the client's interrupt queue. A Cascade consumes that queue: it
// records the threshold reached, handles the host counter in line and fans
// every other counter out to a bounded pool of workers.
package syncpt

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"grcomm.dev/grcomm/pkg/comm"
)

// DefaultWorkers is the default size of the worker pool.
const DefaultWorkers = 4

// Config configures a Cascade.
type Config struct {
	// Ctx and Queue select the interrupt queue. It must be initialized
	// before Start and outlive Stop.
	Ctx   comm.Ctx
	Queue comm.QueueIndex

	// Base and Limit bound the counter ids owned by this VM: [Base, Limit).
	Base  uint32
	Limit uint32

	// HostCounter is the counter incremented by the host itself. It must be
	// in [Base, Limit).
	HostCounter uint32

	// Workers bounds the number of work items running at once.
	Workers int
}

// Handlers are the consumers of counter interrupts.
type Handlers struct {
	// Threshold runs on a worker goroutine after counter id reached a
	// threshold. It is never run concurrently with itself for the same id.
	// Interrupts raised while a call is pending are coalesced into it.
	Threshold func(id uint32)

	// PatchCheck runs on the cascade goroutine when the host counter fires.
	// It may be nil.
	PatchCheck func()
}

// State is the lifecycle state of a Cascade.
type State int32

// Cascade states.
const (
	Idle State = iota
	Starting
	Running
	Stopping
	Terminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats counts interrupts seen by a Cascade.
type Stats struct {
	// Received is the number of threshold messages for valid counters.
	Received uint64

	// Dropped is the number of malformed or out of range messages.
	Dropped uint64

	// Coalesced is the number of interrupts folded into an already pending
	// work item.
	Coalesced uint64
}

// counter is the cascade state of one counter id.
type counter struct {
	// minCached is the last threshold reported for the counter.
	minCached atomic.Uint32

	// lastIntr is the arrival time of the last interrupt, in Unix
	// nanoseconds.
	lastIntr atomic.Int64

	// queued and running are protected by Cascade.mu.
	queued  bool
	running bool
}

// Cascade dispatches syncpoint interrupts received on a comm queue.
type Cascade struct {
	c   *comm.Comm
	cfg Config
	ctl Controller
	h   Handlers

	counters []counter

	received  atomic.Uint64
	dropped   atomic.Uint64
	coalesced atomic.Uint64

	mu sync.Mutex

	// The fields below are protected by mu.
	state   State
	done    chan struct{}
	workers *errgroup.Group
}

// New returns a stopped cascade for the interrupt queue selected by cfg.
func New(c *comm.Comm, cfg Config, ctl Controller, h Handlers) (*Cascade, error) {
	if cfg.Base >= cfg.Limit {
		log.Warningf("syncpt: empty counter range [%d, %d)", cfg.Base, cfg.Limit)
		return nil, linuxerr.EINVAL
	}
	if cfg.HostCounter < cfg.Base || cfg.HostCounter >= cfg.Limit {
		log.Warningf("syncpt: host counter %d outside [%d, %d)", cfg.HostCounter, cfg.Base, cfg.Limit)
		return nil, linuxerr.EINVAL
	}
	if h.Threshold == nil {
		return nil, linuxerr.EINVAL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Cascade{
		c:        c,
		cfg:      cfg,
		ctl:      ctl,
		h:        h,
		counters: make([]counter, cfg.Limit-cfg.Base),
	}, nil
}

// counter returns the state of id, or nil if id is out of range.
func (cs *Cascade) counter(id uint32) *counter {
	if id < cs.cfg.Base || id >= cs.cfg.Limit {
		return nil
	}
	return &cs.counters[id-cs.cfg.Base]
}

// Start disables every counter interrupt, starts the receive loop and
// enables the host counter interrupt.
func (cs *Cascade) Start() error {
	cs.mu.Lock()
	prev := cs.state
	if prev != Idle && prev != Terminated {
		cs.mu.Unlock()
		return linuxerr.EBUSY
	}
	cs.state = Starting
	cs.mu.Unlock()

	cu := cleanup.Make(func() {
		cs.setState(prev)
	})
	defer cu.Clean()

	if err := cs.ctl.DisableAllIntrs(); err != nil {
		log.Warningf("syncpt: cannot disable interrupts: %v", err)
		return err
	}

	g := &errgroup.Group{}
	g.SetLimit(cs.cfg.Workers)
	done := make(chan struct{})
	cs.mu.Lock()
	cs.workers = g
	cs.done = done
	cs.mu.Unlock()
	go cs.loop(g, done)
	cu.Add(func() {
		if cs.abort() == nil {
			<-done
		}
		g.Wait()
	})

	if err := cs.ctl.SetThreshold(cs.cfg.HostCounter, 1); err != nil {
		log.Warningf("syncpt: cannot enable host counter %d: %v", cs.cfg.HostCounter, err)
		return err
	}

	cu.Release()
	cs.setState(Running)
	log.Debugf("syncpt: cascade running for counters [%d, %d)", cs.cfg.Base, cs.cfg.Limit)
	return nil
}

// Stop disables the host counter interrupt, stops the receive loop and waits
// for every scheduled work item to finish.
func (cs *Cascade) Stop() error {
	cs.mu.Lock()
	if cs.state != Running {
		cs.mu.Unlock()
		return linuxerr.EINVAL
	}
	cs.state = Stopping
	done, g := cs.done, cs.workers
	cs.mu.Unlock()

	if err := cs.ctl.DisableIntr(cs.cfg.HostCounter); err != nil {
		log.Warningf("syncpt: cannot disable host counter %d: %v", cs.cfg.HostCounter, err)
	}
	if err := cs.abort(); err != nil {
		if _, qerr := cs.c.Stats(cs.cfg.Ctx, cs.cfg.Queue); qerr == nil {
			// The loop is still running.
			cs.setState(Running)
			return err
		}
		// The queue is gone and the loop exits with it.
	}
	<-done
	g.Wait()

	cs.setState(Terminated)
	log.Debugf("syncpt: cascade terminated")
	return nil
}

// abort queues an abort message behind every pending interrupt.
func (cs *Cascade) abort() error {
	if err := cs.c.Send(cs.cfg.Ctx, comm.Self, cs.cfg.Queue, Msg{Event: EventAbort}.Marshal()); err != nil {
		log.Warningf("syncpt: cannot send abort: %v", err)
		return err
	}
	return nil
}

func (cs *Cascade) setState(s State) {
	cs.mu.Lock()
	cs.state = s
	cs.mu.Unlock()
}

// State returns the lifecycle state.
func (cs *Cascade) State() State {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// loop consumes the interrupt queue until it receives an abort message or
// the queue is torn down.
func (cs *Cascade) loop(g *errgroup.Group, done chan struct{}) {
	defer close(done)
	for {
		e, err := cs.c.Recv(cs.cfg.Ctx, cs.cfg.Queue)
		if err != nil {
			log.Warningf("syncpt: interrupt queue %d/%d: %v", cs.cfg.Ctx, cs.cfg.Queue, err)
			if linuxerr.Equals(linuxerr.EINVAL, err) {
				// The queue is gone; nothing more will arrive.
				return
			}
			continue
		}
		var m Msg
		if err := m.Unmarshal(e.Data()); err != nil {
			log.Warningf("syncpt: %d byte interrupt message from %v", len(e.Data()), e.Sender())
			cs.dropped.Add(1)
			e.Release()
			continue
		}
		e.Release()
		if m.Event == EventAbort {
			return
		}
		cs.handle(g, m)
	}
}

func (cs *Cascade) handle(g *errgroup.Group, m Msg) {
	sp := cs.counter(m.ID)
	if sp == nil {
		log.Warningf("syncpt: counter id %d is outside [%d, %d)", m.ID, cs.cfg.Base, cs.cfg.Limit)
		cs.dropped.Add(1)
		return
	}
	cs.received.Add(1)
	sp.lastIntr.Store(time.Now().UnixNano())
	updateMin(&sp.minCached, m.Thresh)

	if m.ID == cs.cfg.HostCounter {
		log.Infof("syncpt: host counter %d incremented", m.ID)
		if cs.h.PatchCheck != nil {
			cs.h.PatchCheck()
		}
		return
	}
	cs.schedule(g, m.ID, sp)
}

// updateMin raises v to thresh. Counters wrap, so thresh is newer if it is
// ahead of v by less than half the counter range.
func updateMin(v *atomic.Uint32, thresh uint32) {
	for {
		old := v.Load()
		if int32(thresh-old) <= 0 {
			return
		}
		if v.CompareAndSwap(old, thresh) {
			return
		}
	}
}

// schedule queues the work item of id unless it is already queued. g.Go
// blocks while the pool is full, which throttles the loop.
func (cs *Cascade) schedule(g *errgroup.Group, id uint32, sp *counter) {
	cs.mu.Lock()
	if sp.queued {
		cs.mu.Unlock()
		cs.coalesced.Add(1)
		return
	}
	sp.queued = true
	if sp.running {
		// The running worker picks it up.
		cs.mu.Unlock()
		return
	}
	sp.running = true
	cs.mu.Unlock()

	g.Go(func() error {
		cs.work(id, sp)
		return nil
	})
}

func (cs *Cascade) work(id uint32, sp *counter) {
	for {
		cs.mu.Lock()
		if !sp.queued {
			sp.running = false
			cs.mu.Unlock()
			return
		}
		sp.queued = false
		cs.mu.Unlock()
		cs.h.Threshold(id)
	}
}

// MinCached returns the last threshold reported for counter id.
func (cs *Cascade) MinCached(id uint32) (uint32, error) {
	sp := cs.counter(id)
	if sp == nil {
		return 0, linuxerr.EINVAL
	}
	return sp.minCached.Load(), nil
}

// LastInterrupt returns when counter id last interrupted, or the zero time.
func (cs *Cascade) LastInterrupt(id uint32) (time.Time, error) {
	sp := cs.counter(id)
	if sp == nil {
		return time.Time{}, linuxerr.EINVAL
	}
	ns := sp.lastIntr.Load()
	if ns == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, ns), nil
}

// Stats returns interrupt counts.
func (cs *Cascade) Stats() Stats {
	return Stats{
		Received:  cs.received.Load(),
		Dropped:   cs.dropped.Load(),
		Coalesced: cs.coalesced.Load(),
	}
}

// SetThreshold asks for an interrupt when counter id reaches thresh. It
// also enables the counter interrupt.
func (cs *Cascade) SetThreshold(id, thresh uint32) error {
	if cs.counter(id) == nil {
		return linuxerr.EINVAL
	}
	return cs.ctl.SetThreshold(id, thresh)
}

// DisableIntr disables the interrupt of counter id.
func (cs *Cascade) DisableIntr(id uint32) error {
	if cs.counter(id) == nil {
		return linuxerr.EINVAL
	}
	return cs.ctl.DisableIntr(id)
}

// DisableAllIntrs disables every counter interrupt of this VM.
func (cs *Cascade) DisableAllIntrs() error {
	return cs.ctl.DisableAllIntrs()
}
