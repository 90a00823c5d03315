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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/binary"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

func TestEncodedSizes(t *testing.T) {
	if got := binary.Size(Msg{}); got != MsgSize {
		t.Errorf("binary.Size(Msg{}): got %d, want %d", got, MsgSize)
	}
	if got := binary.Size(Command{}); got != CommandSize {
		t.Errorf("binary.Size(Command{}): got %d, want %d", got, CommandSize)
	}
}

func TestMsgLayout(t *testing.T) {
	m := Msg{Event: EventAbort, ID: 0x0201, Thresh: 0x04030201}
	want := []byte{
		1, 0, 0, 0,
		0x01, 0x02, 0, 0,
		0x01, 0x02, 0x03, 0x04,
	}
	if diff := cmp.Diff(want, m.Marshal()); diff != "" {
		t.Errorf("Marshal(): (-want +got):\n%s", diff)
	}

	// Trailing frame padding is ignored.
	var got Msg
	if err := got.Unmarshal(append(want, 0xff, 0xff)); err != nil {
		t.Fatalf("Unmarshal(): %v", err)
	}
	if got != m {
		t.Errorf("Unmarshal(): got %+v, want %+v", got, m)
	}
	if err := got.Unmarshal(want[:MsgSize-1]); err != linuxerr.EINVAL {
		t.Errorf("Unmarshal() of a short message: got %v, want %v", err, linuxerr.EINVAL)
	}
}

func TestCommandLayout(t *testing.T) {
	c := Command{Cmd: CmdDisableIntr, Ret: -22, Handle: 0x0807060504030201, ID: 9, Thresh: 1}
	want := []byte{
		2, 0, 0, 0,
		0xea, 0xff, 0xff, 0xff,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		9, 0, 0, 0,
		1, 0, 0, 0,
	}
	b := c.Marshal()
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("Marshal(): (-want +got):\n%s", diff)
	}
	if len(b) != CommandSize {
		t.Errorf("Marshal(): got %d bytes, want %d", len(b), CommandSize)
	}

	var got Command
	if err := got.Unmarshal(want); err != nil {
		t.Fatalf("Unmarshal(): %v", err)
	}
	if got != c {
		t.Errorf("Unmarshal(): got %+v, want %+v", got, c)
	}
	if err := got.Unmarshal(want[:CommandSize-1]); err != linuxerr.EINVAL {
		t.Errorf("Unmarshal() of a short command: got %v, want %v", err, linuxerr.EINVAL)
	}
}

func TestReached(t *testing.T) {
	for _, tc := range []struct {
		v, thresh uint32
		want      bool
	}{
		{v: 0, thresh: 1, want: false},
		{v: 1, thresh: 1, want: true},
		{v: 5, thresh: 1, want: true},
		{v: 0xfffffffe, thresh: 2, want: false},
		{v: 2, thresh: 0xfffffffe, want: true},
	} {
		if got := reached(tc.v, tc.thresh); got != tc.want {
			t.Errorf("reached(%#x, %#x): got %v, want %v", tc.v, tc.thresh, got, tc.want)
		}
	}
}
