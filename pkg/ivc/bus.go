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
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// NodeConfig describes one channel node on the bus: a set of channel
// instances connecting the same two VMs with the same geometry.
type NodeConfig struct {
	// Name is the node name transports refer to.
	Name string `toml:"name"`

	// VMs are the two VMs connected by every instance of the node.
	VMs [2]VMID `toml:"vms"`

	// Instances is the number of channel instances in the node.
	Instances int `toml:"instances"`

	// Frames is the number of frames per direction. It is rounded up to a
	// power of two.
	Frames int `toml:"frames"`

	// FrameSize is the size of a frame in bytes.
	FrameSize int `toml:"frame_size"`
}

func (cfg *NodeConfig) validate() error {
	switch {
	case cfg.Name == "":
		return fmt.Errorf("node has no name")
	case cfg.VMs[0] == cfg.VMs[1]:
		return fmt.Errorf("node %q connects %v to itself", cfg.Name, cfg.VMs[0])
	case cfg.Instances <= 0:
		return fmt.Errorf("node %q has %d instances", cfg.Name, cfg.Instances)
	case cfg.Frames < 2:
		return fmt.Errorf("node %q has %d frames, need at least 2", cfg.Name, cfg.Frames)
	case cfg.FrameSize <= 0:
		return fmt.Errorf("node %q has invalid frame size %d", cfg.Name, cfg.FrameSize)
	}
	return nil
}

// Bus is an in-process hypervisor connecting VMs through channel nodes. It
// implements Reserver.
type Bus struct {
	mu sync.Mutex

	// nodes is protected by mu.
	nodes map[string]*node

	// nextIRQ is protected by mu.
	nextIRQ IRQ
}

type node struct {
	cfg NodeConfig

	// ends holds both ends of every instance, indexed by side.
	ends [][2]*Endpoint
}

// NewBus returns a bus with the given nodes.
func NewBus(nodes ...NodeConfig) (*Bus, error) {
	b := &Bus{
		nodes:   make(map[string]*node),
		nextIRQ: 1,
	}
	for _, cfg := range nodes {
		if err := b.AddNode(cfg); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// AddNode adds a node to the bus.
func (b *Bus) AddNode(cfg NodeConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	frames := roundUpPow2(cfg.Frames)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[cfg.Name]; ok {
		return fmt.Errorf("node %q already exists", cfg.Name)
	}
	n := &node{
		cfg:  cfg,
		ends: make([][2]*Endpoint, cfg.Instances),
	}
	for i := range n.ends {
		ab := newRing(frames, cfg.FrameSize)
		ba := newRing(frames, cfg.FrameSize)
		a := &Endpoint{
			node:      cfg.Name,
			inst:      uint32(i),
			vmid:      cfg.VMs[0],
			peer:      cfg.VMs[1],
			irq:       b.allocIRQLocked(),
			frameSize: cfg.FrameSize,
			tx:        ab,
			rx:        ba,
		}
		z := &Endpoint{
			node:      cfg.Name,
			inst:      uint32(i),
			vmid:      cfg.VMs[1],
			peer:      cfg.VMs[0],
			irq:       b.allocIRQLocked(),
			frameSize: cfg.FrameSize,
			tx:        ba,
			rx:        ab,
		}
		a.peerEnd = z
		z.peerEnd = a
		n.ends[i] = [2]*Endpoint{a, z}
	}
	b.nodes[cfg.Name] = n
	log.Debugf("ivc: node %q: %d instances between %v and %v, %d frames of %d bytes", cfg.Name, cfg.Instances, cfg.VMs[0], cfg.VMs[1], frames, cfg.FrameSize)
	return nil
}

// Preconditions: b.mu must be locked.
func (b *Bus) allocIRQLocked() IRQ {
	irq := b.nextIRQ
	b.nextIRQ++
	return irq
}

// Reserve implements Reserver.Reserve.
func (b *Bus) Reserve(name string, inst uint32, vmid VMID, ops Ops) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[name]
	if !ok {
		log.Warningf("ivc: no node %q", name)
		return nil, linuxerr.ENOENT
	}
	if int(inst) >= len(n.ends) {
		log.Warningf("ivc: node %q has no instance %d", name, inst)
		return nil, linuxerr.EINVAL
	}
	var ep *Endpoint
	for _, e := range n.ends[inst] {
		if e.vmid == vmid {
			ep = e
		}
	}
	if ep == nil {
		log.Warningf("ivc: %v is not connected to node %q", vmid, name)
		return nil, linuxerr.EINVAL
	}
	if ep.reserved {
		return nil, linuxerr.EBUSY
	}
	// Frames left for a previous owner of this end are dropped. Frames it
	// wrote are dropped too unless the other end is still held.
	ep.rmu.Lock()
	dropped := ep.rx.drain()
	ep.rmu.Unlock()
	if peer := ep.peerEnd; !peer.reserved {
		peer.rmu.Lock()
		dropped += peer.rx.drain()
		peer.rmu.Unlock()
	}
	if dropped > 0 {
		log.Debugf("ivc: %s/%d: dropped %d stale frames", name, inst, dropped)
	}
	ep.reserved = true
	ep.ops.Store(&ops)
	return ep, nil
}

// Unreserve implements Reserver.Unreserve.
func (b *Bus) Unreserve(ch Channel) {
	ep, ok := ch.(*Endpoint)
	if !ok {
		panic(fmt.Sprintf("ivc: unreserving foreign channel %T", ch))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ep.reserved {
		panic(fmt.Sprintf("ivc: unreserving free channel %s/%d", ep.node, ep.inst))
	}
	ep.reserved = false
	ep.ops.Store(nil)
}

func roundUpPow2(n int) int {
	p := 2
	for p < n {
		p <<= 1
	}
	return p
}
