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

// Package bpmp implements the CPU side of the boot and power management
// co-processor mailbox: a single shared record slot carrying one request
// and its response at a time.
//
// Every transaction holds the mailbox lock from the moment the request is
// written until the response has been read, so there is never more than one
// outstanding request. Post does not wait for the firmware; the transaction
// after it waits for the slot to be released instead. RPC spins on the slot
// and suits short requests; ThreadedRPC sleeps on the completion doorbell and
// can be cancelled.
package bpmp

import (
	"context"
	"time"

	"code.hybscloud.com/iox"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// DefaultTimeout bounds how long a transaction waits for the firmware.
const DefaultTimeout = time.Second

// Mailbox is the CPU end of a Slot.
type Mailbox struct {
	slot    *Slot
	timeout time.Duration

	mu sync.Mutex

	// attached is protected by mu.
	attached bool

	// stale is set when a transaction was abandoned with its request still
	// owned by the firmware. It is protected by mu.
	stale bool
}

// NewMailbox returns a detached mailbox on slot. A non-positive timeout
// selects DefaultTimeout.
func NewMailbox(slot *Slot, timeout time.Duration) *Mailbox {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Mailbox{
		slot:    slot,
		timeout: timeout,
	}
}

// Attach connects to the firmware. It returns ENODEV if no firmware serves
// the slot.
func (m *Mailbox) Attach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.slot.Online() {
		return linuxerr.ENODEV
	}
	m.attached = true
	log.Debugf("bpmp: mailbox attached")
	return nil
}

// Detach disconnects from the firmware. Later transactions fail with ENODEV
// until the next Attach.
func (m *Mailbox) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = false
	log.Debugf("bpmp: mailbox detached")
}

// Attached returns true if the mailbox is attached.
func (m *Mailbox) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// Post writes a request that has no response, rings the doorbell and
// returns without waiting for the firmware.
func (m *Mailbox) Post(mrq int32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginLocked(mrq, data, 0)
}

// RPC sends a request and spins until its response arrives. The response
// payload is copied to ib; RPC returns the number of bytes copied.
func (m *Mailbox) RPC(mrq int32, ob, ib []byte) (int, error) {
	if len(ib) > MsgDataSize {
		return 0, linuxerr.E2BIG
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(mrq, ob, FlagDoAck); err != nil {
		return 0, err
	}
	if !m.pollLocked(slotResponse) {
		m.abandonLocked(mrq)
		return 0, linuxerr.ETIMEDOUT
	}
	return m.finishLocked(mrq, ib)
}

// ThreadedRPC is like RPC, but sleeps until the firmware rings the
// completion doorbell. If ctx is done first, ThreadedRPC returns ctx.Err()
// and the response is discarded when it arrives.
func (m *Mailbox) ThreadedRPC(ctx context.Context, mrq int32, ob, ib []byte) (int, error) {
	if len(ib) > MsgDataSize {
		return 0, linuxerr.E2BIG
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked(mrq, ob, FlagDoAck); err != nil {
		return 0, err
	}

	t := time.NewTimer(m.timeout)
	defer t.Stop()
	for m.slot.load() != slotResponse {
		select {
		case <-m.slot.done:
		case <-ctx.Done():
			m.abandonLocked(mrq)
			return 0, ctx.Err()
		case <-t.C:
			m.abandonLocked(mrq)
			return 0, linuxerr.ETIMEDOUT
		}
	}
	return m.finishLocked(mrq, ib)
}

// beginLocked writes a request to the slot and rings the doorbell.
//
// Preconditions: m.mu must be locked.
func (m *Mailbox) beginLocked(mrq int32, ob []byte, flags int32) error {
	if !m.attached || !m.slot.Online() {
		return linuxerr.ENODEV
	}
	if len(ob) > MsgDataSize {
		log.Warningf("bpmp: mrq %d: %d byte request exceeds %d bytes", mrq, len(ob), MsgDataSize)
		return linuxerr.E2BIG
	}
	if err := m.acquireLocked(mrq); err != nil {
		return err
	}

	msg := Message{Code: mrq, Flags: flags}
	copy(msg.Data[:], ob)
	msg.MarshalTo(m.slot.buf[:])
	clearRing(m.slot.done)
	m.slot.store(slotRequest)
	ring(m.slot.doorbell)
	return nil
}

// pollLocked spins until the slot reaches want or the timeout expires.
//
// Preconditions: m.mu must be locked.
func (m *Mailbox) pollLocked(want slotState) bool {
	deadline := time.Now().Add(m.timeout)
	var bo iox.Backoff
	for m.slot.load() != want {
		if time.Now().After(deadline) {
			return false
		}
		bo.Wait()
	}
	return true
}

// finishLocked reads the response and frees the slot.
//
// Preconditions: m.mu must be locked; the slot is in slotResponse.
func (m *Mailbox) finishLocked(mrq int32, ib []byte) (int, error) {
	var resp Message
	resp.Unmarshal(m.slot.buf[:])
	m.slot.store(slotFree)
	if resp.Flags&FlagError != 0 {
		log.Warningf("bpmp: mrq %d: firmware error %d", mrq, resp.Code)
		return 0, linuxerr.EREMOTEIO
	}
	return copy(ib, resp.Data[:]), nil
}

// Preconditions: m.mu must be locked.
func (m *Mailbox) abandonLocked(mrq int32) {
	log.Warningf("bpmp: mrq %d: no response from firmware", mrq)
	m.stale = true
}

// acquireLocked waits for the firmware to release the slot, which it still
// holds after a Post or an abandoned transaction. The response of an
// abandoned transaction is discarded.
//
// Preconditions: m.mu must be locked.
func (m *Mailbox) acquireLocked(mrq int32) error {
	deadline := time.Now().Add(m.timeout)
	var bo iox.Backoff
	for {
		switch m.slot.load() {
		case slotFree:
			m.stale = false
			return nil
		case slotResponse:
			if m.stale {
				m.slot.store(slotFree)
				m.stale = false
				return nil
			}
		}
		if time.Now().After(deadline) {
			log.Warningf("bpmp: mrq %d: slot still %v", mrq, m.slot.load())
			return linuxerr.ETIMEDOUT
		}
		bo.Wait()
	}
}
