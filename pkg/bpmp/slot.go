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
)

// slotState is the ownership state of a Slot.
//
// The CPU moves the slot from slotFree to slotRequest. The firmware moves it
// to slotResponse if the request asked for one, or straight back to slotFree
// otherwise. The CPU moves it from slotResponse to slotFree once it has read
// the response. buf belongs to whichever side the state designates: the CPU
// in slotFree and slotResponse, the firmware in slotRequest.
type slotState uint32

const (
	slotFree slotState = iota
	slotRequest
	slotResponse
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotRequest:
		return "request"
	case slotResponse:
		return "response"
	default:
		return fmt.Sprintf("slotState(%d)", uint32(s))
	}
}

// Slot is the mailbox area shared by the CPU and the co-processor firmware.
type Slot struct {
	state atomic.Uint32
	buf   [MsgSize]byte

	// online is set while firmware serves the slot.
	online atomic.Bool

	// doorbell is rung by the CPU after posting a request. done is rung by
	// the firmware after consuming one. Both have a capacity of one and are
	// never blocked on by the ringer.
	doorbell chan struct{}
	done     chan struct{}
}

// NewSlot returns a free slot with no firmware.
func NewSlot() *Slot {
	return &Slot{
		doorbell: make(chan struct{}, 1),
		done:     make(chan struct{}, 1),
	}
}

func (s *Slot) load() slotState {
	return slotState(s.state.Load())
}

// store publishes buf to the side that owns state st.
func (s *Slot) store(st slotState) {
	s.state.Store(uint32(st))
}

// Online returns true if firmware is serving the slot.
func (s *Slot) Online() bool {
	return s.online.Load()
}

func ring(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// clearRing drops a pending ring.
func clearRing(c chan struct{}) {
	select {
	case <-c:
	default:
	}
}
