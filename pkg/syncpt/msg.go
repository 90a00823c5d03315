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
	"fmt"

	"gvisor.dev/gvisor/pkg/binary"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// Event is the kind of an interrupt message.
type Event uint32

const (
	// EventThreshold reports that a counter reached its threshold.
	EventThreshold Event = 0

	// EventAbort asks the cascade loop to exit.
	EventAbort Event = 1
)

// String implements fmt.Stringer.
func (e Event) String() string {
	switch e {
	case EventThreshold:
		return "threshold"
	case EventAbort:
		return "abort"
	default:
		return fmt.Sprintf("Event(%d)", uint32(e))
	}
}

// MsgSize is the encoded size of a Msg.
const MsgSize = 12

// Msg is an interrupt message delivered on the interrupt queue.
//
// Wire format, little endian:
//
//	0   event   u32
//	4   id      u32
//	8   thresh  u32
type Msg struct {
	Event  Event
	ID     uint32
	Thresh uint32
}

// Marshal encodes m.
func (m Msg) Marshal() []byte {
	return binary.Marshal(make([]byte, 0, MsgSize), binary.LittleEndian, &m)
}

// Unmarshal decodes m from b. Bytes past MsgSize are ignored.
func (m *Msg) Unmarshal(b []byte) error {
	if len(b) < MsgSize {
		return linuxerr.EINVAL
	}
	binary.Unmarshal(b[:MsgSize], binary.LittleEndian, m)
	return nil
}

// Cmd is a control command understood by the interrupt controller.
type Cmd uint32

// Control commands.
const (
	CmdSetThreshold    Cmd = 1
	CmdDisableIntr     Cmd = 2
	CmdDisableAllIntrs Cmd = 3
)

// String implements fmt.Stringer.
func (c Cmd) String() string {
	switch c {
	case CmdSetThreshold:
		return "set-threshold"
	case CmdDisableIntr:
		return "disable-intr"
	case CmdDisableAllIntrs:
		return "disable-all-intrs"
	default:
		return fmt.Sprintf("Cmd(%d)", uint32(c))
	}
}

// CommandSize is the encoded size of a Command.
const CommandSize = 24

// Command is a control request, and, with Ret filled in, its reply.
//
// Wire format, little endian:
//
//	0   cmd     u32
//	4   ret     i32    zero or a negated errno
//	8   handle  u64
//	16  id      u32
//	20  thresh  u32
type Command struct {
	Cmd    Cmd
	Ret    int32
	Handle uint64
	ID     uint32
	Thresh uint32
}

// Marshal encodes c.
func (c Command) Marshal() []byte {
	return binary.Marshal(make([]byte, 0, CommandSize), binary.LittleEndian, &c)
}

// Unmarshal decodes c from b. Bytes past CommandSize are ignored.
func (c *Command) Unmarshal(b []byte) error {
	if len(b) < CommandSize {
		return linuxerr.EINVAL
	}
	binary.Unmarshal(b[:CommandSize], binary.LittleEndian, c)
	return nil
}
