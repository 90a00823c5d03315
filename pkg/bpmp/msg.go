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
	"gvisor.dev/gvisor/pkg/binary"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

const (
	// MsgSize is the size of a mailbox record.
	MsgSize = 32

	// MsgDataSize is the payload capacity of a mailbox record.
	MsgDataSize = 24

	// NumMRQs is the number of request codes the firmware dispatches on.
	NumMRQs = 32

	// mrqAttrs are the attribute bits of a request code. They do not take
	// part in dispatch.
	mrqAttrs = 0xff000000
)

// Request codes.
const (
	MRQPing         int32 = 0
	MRQQueryTag     int32 = 1
	MRQTraceModify  int32 = 7
	MRQWriteTrace   int32 = 8
	MRQThreadedPing int32 = 9
)

// MRQIndex strips the attribute bits from a request code.
func MRQIndex(mrq int32) int32 {
	return int32(uint32(mrq) &^ mrqAttrs)
}

// Record flags.
const (
	// FlagDoAck asks the firmware for a response record.
	FlagDoAck int32 = 1 << 0

	// FlagError marks a response whose Code is a negated errno.
	FlagError int32 = 1 << 1
)

// Message is a mailbox record. In a request Code is the request code; in a
// response it is zero or, with FlagError, a negated errno.
//
// Wire format, little endian:
//
//	0   code   i32
//	4   flags  i32
//	8   data   [24]u8
type Message struct {
	Code  int32
	Flags int32
	Data  [MsgDataSize]byte
}

// MarshalTo encodes m into b, which must hold MsgSize bytes.
func (m *Message) MarshalTo(b []byte) {
	binary.Marshal(b[:0:MsgSize], binary.LittleEndian, m)
}

// Unmarshal decodes m from b.
func (m *Message) Unmarshal(b []byte) error {
	if len(b) < MsgSize {
		return linuxerr.EINVAL
	}
	binary.Unmarshal(b[:MsgSize], binary.LittleEndian, m)
	return nil
}
