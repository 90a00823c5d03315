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

// Package ivc provides inter-VM communication channels: point-to-point,
// fixed-frame-size transports between two virtual machines, with edge
// notifications when a channel becomes readable or writable.
//
// A Channel is the contract consumed by higher layers. Bus is an in-process
// implementation of the hypervisor side, used to connect VMs that live in the
// same address space (tests, simulation, the grcomm tool).
package ivc

import "fmt"

// VMID identifies a virtual machine on the bus.
type VMID uint32

// IRQ identifies the notification line of one reserved channel end. IRQs are
// unique across a Bus.
type IRQ uint32

// Channel is one reserved end of an inter-VM channel.
//
// Frames are atomic: Write transfers at most one frame, Read returns at most
// one frame. Channels never retry internally; callers that need to wait for
// capacity use CanWrite/CanRead together with the Ops notifications.
type Channel interface {
	// CanWrite returns true if a frame can be written without blocking.
	CanWrite() bool

	// CanRead returns true if a frame is available.
	CanRead() bool

	// Write copies p into the next free frame and notifies the peer. It
	// returns the number of bytes transferred.
	Write(p []byte) (int, error)

	// Read copies the oldest pending frame into p and releases the frame back
	// to the writer. It returns the number of bytes transferred, which is
	// min(len(p), FrameSize()).
	Read(p []byte) (int, error)

	// FrameSize returns the size of a frame in bytes.
	FrameSize() int

	// PeerVMID returns the VM at the other end of the channel.
	PeerVMID() VMID

	// IRQ returns the notification line of this end.
	IRQ() IRQ
}

// Ops are the notification callbacks of a reserved channel end.
//
// Callbacks run on the goroutine that caused the event, which behaves like
// interrupt context: they must not block and must not call back into the
// channel.
type Ops struct {
	// Rx is called when the channel may have become readable.
	Rx func(ch Channel)

	// Tx is called when the channel may have become writable.
	Tx func(ch Channel)
}

// Reserver hands out channel ends. It is the hypervisor-facing dependency of
// the communication framework.
type Reserver interface {
	// Reserve reserves instance inst of node for vmid and installs ops.
	// The returned end starts with nothing to read; frames a previous owner
	// wrote survive only while the other end stays reserved.
	Reserve(node string, inst uint32, vmid VMID, ops Ops) (Channel, error)

	// Unreserve releases a channel previously returned by Reserve.
	// Notifications raised after Unreserve returns are not delivered.
	Unreserve(ch Channel)
}

// String implements fmt.Stringer.
func (v VMID) String() string {
	return fmt.Sprintf("vm%d", uint32(v))
}
