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
	"bytes"
	"time"

	"gvisor.dev/gvisor/pkg/binary"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
)

// Caller issues request/response transactions. *Mailbox implements it.
type Caller interface {
	RPC(mrq int32, ob, ib []byte) (int, error)
}

// PokeWords is the number of 32-bit words in a request or response payload.
const PokeWords = MsgDataSize / 4

// Ping sends challenge to the firmware, checks the answer and returns the
// round trip time.
func Ping(c Caller, challenge uint32) (time.Duration, error) {
	var ob, ib [4]byte
	binary.LittleEndian.PutUint32(ob[:], challenge)
	start := time.Now()
	if _, err := c.RPC(MRQPing, ob[:], ib[:]); err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	if got, want := binary.LittleEndian.Uint32(ib[:]), challenge<<1; got != want {
		log.Warningf("bpmp: ping %#x: got %#x, want %#x", challenge, got, want)
		return 0, linuxerr.EIO
	}
	return rtt, nil
}

// QueryTag returns the firmware tag.
func QueryTag(c Caller) (string, error) {
	var ib [MsgDataSize]byte
	n, err := c.RPC(MRQQueryTag, nil, ib[:])
	if err != nil {
		return "", err
	}
	tag := ib[:n]
	if i := bytes.IndexByte(tag, 0); i >= 0 {
		tag = tag[:i]
	}
	return string(tag), nil
}

// ModifyTraceMask clears the bits of clr and sets the bits of set in the
// firmware trace mask, and returns the new mask. ModifyTraceMask(c, 0, 0)
// reads the mask.
func ModifyTraceMask(c Caller, clr, set uint32) (uint32, error) {
	var ob [8]byte
	var ib [4]byte
	binary.LittleEndian.PutUint32(ob[0:], clr)
	binary.LittleEndian.PutUint32(ob[4:], set)
	if _, err := c.RPC(MRQTraceModify, ob[:], ib[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(ib[:]), nil
}

// DumpTrace drains the firmware trace buffer with MRQWriteTrace requests
// until the firmware reports eof, and returns its contents.
func DumpTrace(c Caller) ([]byte, error) {
	var out []byte
	for {
		var ib [MsgDataSize]byte
		if _, err := c.RPC(MRQWriteTrace, nil, ib[:]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(ib[0:])
		if n > traceChunk {
			log.Warningf("bpmp: trace chunk of %d bytes", n)
			return nil, linuxerr.EIO
		}
		out = append(out, ib[8:8+n]...)
		if binary.LittleEndian.Uint32(ib[4:]) != 0 {
			return out, nil
		}
	}
}

// Poke sends an arbitrary request made of up to PokeWords words and returns
// the response words.
func Poke(c Caller, mrq int32, args []uint32) ([PokeWords]uint32, error) {
	var out [PokeWords]uint32
	if len(args) > PokeWords {
		return out, linuxerr.E2BIG
	}
	var ob, ib [MsgDataSize]byte
	for i, a := range args {
		binary.LittleEndian.PutUint32(ob[4*i:], a)
	}
	if _, err := c.RPC(mrq, ob[:], ib[:]); err != nil {
		return out, err
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(ib[4*i:])
	}
	return out, nil
}
