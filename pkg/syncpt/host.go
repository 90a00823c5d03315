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

package syncpt

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"grcomm.dev/grcomm/pkg/comm"
	"grcomm.dev/grcomm/pkg/ivc"
)

type intrKey struct {
	vm ivc.VMID
	id uint32
}

// Host is the server side of a CommController: it owns the counters, serves
// control commands from client VMs and raises their interrupts.
//
// An enabled interrupt fires once, when its counter reaches the threshold,
// and is then disabled until the client sets a new threshold.
type Host struct {
	c         *comm.Comm
	vctx      comm.Ctx
	cmdQueue  comm.QueueIndex
	intrQueue comm.QueueIndex

	mu sync.Mutex

	// values and intrs are protected by mu.
	values map[uint32]uint32
	intrs  map[intrKey]uint32
}

// NewHost returns a host receiving commands on cmdQueue and raising
// interrupts on intrQueue, both in context vctx.
func NewHost(c *comm.Comm, vctx comm.Ctx, cmdQueue, intrQueue comm.QueueIndex) *Host {
	return &Host{
		c:         c,
		vctx:      vctx,
		cmdQueue:  cmdQueue,
		intrQueue: intrQueue,
		values:    make(map[uint32]uint32),
		intrs:     make(map[intrKey]uint32),
	}
}

// Serve handles commands until the command queue is torn down.
func (h *Host) Serve() error {
	for {
		e, err := h.c.Recv(h.vctx, h.cmdQueue)
		if err != nil {
			if linuxerr.Equals(linuxerr.EINVAL, err) {
				return nil
			}
			return err
		}
		from := e.Sender()
		var cmd Command
		if err := cmd.Unmarshal(e.Data()); err != nil {
			log.Warningf("syncpt: host: %d byte command from %v", len(e.Data()), from)
			e.Release()
			continue
		}
		e.Release()

		fire, ret := h.handle(from, cmd)
		cmd.Ret = ret
		if err := h.c.Send(h.vctx, from, h.cmdQueue, cmd.Marshal()); err != nil {
			log.Warningf("syncpt: host: reply to %v: %v", from, err)
		}
		if fire != nil {
			h.raise(from, *fire)
		}
	}
}

// handle applies cmd from vm. It returns the interrupt to raise right away,
// if any.
func (h *Host) handle(vm ivc.VMID, cmd Command) (*Msg, int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch cmd.Cmd {
	case CmdSetThreshold:
		if v := h.values[cmd.ID]; reached(v, cmd.Thresh) {
			return &Msg{Event: EventThreshold, ID: cmd.ID, Thresh: v}, 0
		}
		h.intrs[intrKey{vm, cmd.ID}] = cmd.Thresh
	case CmdDisableIntr:
		delete(h.intrs, intrKey{vm, cmd.ID})
	case CmdDisableAllIntrs:
		for k := range h.intrs {
			if k.vm == vm {
				delete(h.intrs, k)
			}
		}
	default:
		log.Warningf("syncpt: host: unknown command %v from %v", cmd.Cmd, vm)
		return nil, -int32(linuxerr.ToUnix(linuxerr.EINVAL))
	}
	return nil, 0
}

// Incr increments counter id, raises every interrupt it satisfies and
// returns the new value.
func (h *Host) Incr(id uint32) uint32 {
	h.mu.Lock()
	h.values[id]++
	v := h.values[id]
	var fired []ivc.VMID
	for k, thresh := range h.intrs {
		if k.id == id && reached(v, thresh) {
			fired = append(fired, k.vm)
			delete(h.intrs, k)
		}
	}
	h.mu.Unlock()

	for _, vm := range fired {
		h.raise(vm, Msg{Event: EventThreshold, ID: id, Thresh: v})
	}
	return v
}

// Value returns the current value of counter id.
func (h *Host) Value(id uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values[id]
}

// Enabled returns the threshold of vm's interrupt on counter id, if enabled.
func (h *Host) Enabled(vm ivc.VMID, id uint32) (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	thresh, ok := h.intrs[intrKey{vm, id}]
	return thresh, ok
}

func (h *Host) raise(vm ivc.VMID, m Msg) {
	if err := h.c.Send(h.vctx, vm, h.intrQueue, m.Marshal()); err != nil {
		log.Warningf("syncpt: host: interrupt for counter %d to %v: %v", m.ID, vm, err)
	}
}

// reached reports whether v is at or past thresh, allowing for wrap.
func reached(v, thresh uint32) bool {
	return int32(v-thresh) >= 0
}
