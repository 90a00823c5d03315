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

package comm

import (
	"bytes"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"grcomm.dev/grcomm/pkg/ivc"
)

const (
	clientVM ivc.VMID = 1
	serverVM ivc.VMID = 2
)

func newBus(t *testing.T, frames, frameSize int) *ivc.Bus {
	t.Helper()
	b, err := ivc.NewBus(ivc.NodeConfig{
		Name:      "gr",
		VMs:       [2]ivc.VMID{clientVM, serverVM},
		Instances: 2,
		Frames:    frames,
		FrameSize: frameSize,
	})
	if err != nil {
		t.Fatalf("NewBus(): %v", err)
	}
	return b
}

// remoteConfig binds queue 0 to instance 0 of node "gr".
func remoteConfig(vmid ivc.VMID) Config {
	cfg := DefaultConfig(vmid)
	cfg.Queues = []QueueConfig{{
		Index:      0,
		Transports: []TransportConfig{{Node: "gr", Instance: 0}},
	}}
	return cfg
}

// newLocal returns a Comm with local-only queues [0, n) of frameSize bytes.
func newLocal(t *testing.T, cfg Config, elems, frameSize, n int) *Comm {
	t.Helper()
	for i := 0; i < n; i++ {
		cfg.Queues = append(cfg.Queues, QueueConfig{Index: QueueIndex(i)})
	}
	c := New(nil, cfg)
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = frameSize
	}
	if err := c.Init(CtxClient, elems, sizes, 0, n); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func checkConserved(t *testing.T, c *Comm, idx QueueIndex) QueueStats {
	t.Helper()
	s, err := c.Stats(CtxClient, idx)
	if err != nil {
		t.Fatalf("Stats(): %v", err)
	}
	if s.Free+s.Pending+s.Borrowed != s.Total {
		t.Errorf("Stats(): %+v: free+pending+borrowed != total", s)
	}
	return s
}

func TestLoopbackFIFO(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 4, 16, 1)

	const n = 10
	for i := 0; i < n; i++ {
		if err := c.Send(CtxClient, Self, 0, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		e, err := c.Recv(CtxClient, 0)
		if err != nil {
			t.Fatalf("Recv(%d): %v", i, err)
		}
		if got, want := string(e.Data()), fmt.Sprintf("msg-%d", i); got != want {
			t.Errorf("Recv(%d): got %q, want %q", i, got, want)
		}
		if got := e.Sender(); got != Self {
			t.Errorf("Sender(): got %v, want %v", got, Self)
		}
		e.Release()
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 2, 8, 2)

	if err := c.Send(CtxClient, Self, 1, []byte("one")); err != nil {
		t.Fatalf("Send(1): %v", err)
	}
	if err := c.Send(CtxClient, Self, 0, []byte("zero")); err != nil {
		t.Fatalf("Send(0): %v", err)
	}
	for idx, want := range []string{"zero", "one"} {
		e, err := c.Recv(CtxClient, QueueIndex(idx))
		if err != nil {
			t.Fatalf("Recv(%d): %v", idx, err)
		}
		if got := string(e.Data()); got != want {
			t.Errorf("Recv(%d): got %q, want %q", idx, got, want)
		}
		e.Release()
	}
}

func TestPoolConservation(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 4, 16, 1)

	if s := checkConserved(t, c, 0); s.Total != 4 || s.Free != 4 {
		t.Errorf("Stats() after Init: got %+v, want 4 free elements", s)
	}

	// Sending past the pre-allocated count grows the pool.
	for i := 0; i < 6; i++ {
		if err := c.Send(CtxClient, Self, 0, []byte{byte(i)}); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
		checkConserved(t, c, 0)
	}
	var held []*Element
	for i := 0; i < 6; i++ {
		e, err := c.Recv(CtxClient, 0)
		if err != nil {
			t.Fatalf("Recv(%d): %v", i, err)
		}
		held = append(held, e)
		checkConserved(t, c, 0)
	}
	if s := checkConserved(t, c, 0); s.Borrowed != 6 || s.Pending != 0 {
		t.Errorf("Stats() with all borrowed: got %+v", s)
	}
	for _, e := range held {
		e.Release()
		checkConserved(t, c, 0)
	}
	if s := checkConserved(t, c, 0); s.Total != 6 || s.Free != 6 {
		t.Errorf("Stats() after release: got %+v, want 6 free elements", s)
	}
}

func TestLoopbackSendRecv(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 1, 32, 1)

	e, err := c.SendRecv(CtxClient, Self, 0, []byte("ping"))
	if err != nil {
		t.Fatalf("SendRecv(): %v", err)
	}
	defer e.Release()
	if got, want := string(e.Data()), "ping"; got != want {
		t.Errorf("SendRecv(): got %q, want %q", got, want)
	}
}

func TestSendErrors(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 1, 4, 1)

	for _, tc := range []struct {
		name    string
		peer    ivc.VMID
		idx     QueueIndex
		payload []byte
	}{
		{name: "oversized", peer: Self, idx: 0, payload: []byte("too long")},
		{name: "unknown queue", peer: Self, idx: 7, payload: []byte("x")},
		{name: "unknown peer", peer: serverVM, idx: 0, payload: []byte("x")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.Send(CtxClient, tc.peer, tc.idx, tc.payload); err != linuxerr.EINVAL {
				t.Errorf("Send(): got %v, want %v", err, linuxerr.EINVAL)
			}
		})
	}
	if _, err := c.Recv(CtxServer, 0); err != linuxerr.EINVAL {
		t.Errorf("Recv() on uninitialized context: got %v, want %v", err, linuxerr.EINVAL)
	}
}

func TestMaxElements(t *testing.T) {
	cfg := DefaultConfig(clientVM)
	cfg.MaxElements = 2
	cfg.Queues = []QueueConfig{{Index: 0}}
	c := New(nil, cfg)
	defer c.Close()

	if err := c.Init(CtxClient, 3, []int{8}, 0, 1); err != linuxerr.ENOMEM {
		t.Fatalf("Init() over the element limit: got %v, want %v", err, linuxerr.ENOMEM)
	}
	if err := c.Init(CtxClient, 1, []int{8}, 0, 1); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Send(CtxClient, Self, 0, []byte{byte(i)}); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	if err := c.Send(CtxClient, Self, 0, []byte{2}); err != linuxerr.ENOMEM {
		t.Errorf("Send() with exhausted pool: got %v, want %v", err, linuxerr.ENOMEM)
	}
	if s := checkConserved(t, c, 0); s.Total != 2 || s.Pending != 2 {
		t.Errorf("Stats(): got %+v, want 2 pending elements", s)
	}
}

func TestReleaseTwicePanics(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 1, 8, 1)
	if err := c.Send(CtxClient, Self, 0, []byte("x")); err != nil {
		t.Fatalf("Send(): %v", err)
	}
	e, err := c.Recv(CtxClient, 0)
	if err != nil {
		t.Fatalf("Recv(): %v", err)
	}
	e.Release()

	defer func() {
		if recover() == nil {
			t.Errorf("second Release() did not panic")
		}
	}()
	e.Release()
}

func TestRecvWokenByDeinit(t *testing.T) {
	cfg := DefaultConfig(clientVM)
	cfg.Queues = []QueueConfig{{Index: 0}}
	c := New(nil, cfg)
	if err := c.Init(CtxClient, 1, []int{8}, 0, 1); err != nil {
		t.Fatalf("Init(): %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Recv(CtxClient, 0)
		errs <- err
	}()
	// Give the receiver a chance to block.
	time.Sleep(10 * time.Millisecond)
	if err := c.Deinit(CtxClient, 0, 1); err != nil {
		t.Fatalf("Deinit(): %v", err)
	}
	select {
	case err := <-errs:
		if err != linuxerr.EINVAL {
			t.Errorf("Recv(): got %v, want %v", err, linuxerr.EINVAL)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Recv() still blocked after Deinit")
	}
}

func TestInitTwice(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 1, 8, 2)

	if err := c.Init(CtxClient, 1, []int{8}, 1, 1); err != linuxerr.EEXIST {
		t.Errorf("Init() of an existing queue: got %v, want %v", err, linuxerr.EEXIST)
	}
	// The failed call must not disturb the existing queues.
	for idx := QueueIndex(0); idx < 2; idx++ {
		if _, err := c.Stats(CtxClient, idx); err != nil {
			t.Errorf("Stats(%d): %v", idx, err)
		}
	}
	// The same indices in another context are distinct queues.
	if err := c.Init(CtxServer, 1, []int{8}, 1, 1); err != nil {
		t.Errorf("Init() in another context: %v", err)
	}
}

func TestInitArguments(t *testing.T) {
	cfg := DefaultConfig(clientVM)
	cfg.Queues = []QueueConfig{{Index: 0}}
	c := New(nil, cfg)
	defer c.Close()

	for _, tc := range []struct {
		name  string
		elems int
		sizes []int
		start QueueIndex
		n     int
	}{
		{name: "no queues", elems: 1, sizes: nil, n: 0},
		{name: "size mismatch", elems: 1, sizes: []int{8, 8}, n: 1},
		{name: "zero frame", elems: 1, sizes: []int{0}, n: 1},
		{name: "negative elements", elems: -1, sizes: []int{8}, n: 1},
		{name: "unconfigured queue", elems: 1, sizes: []int{8}, start: 5, n: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.Init(CtxClient, tc.elems, tc.sizes, tc.start, tc.n); err != linuxerr.EINVAL {
				t.Errorf("Init(): got %v, want %v", err, linuxerr.EINVAL)
			}
		})
	}
}

func TestDeinitUninitialized(t *testing.T) {
	c := newLocal(t, DefaultConfig(clientVM), 1, 8, 1)

	if err := c.Deinit(CtxClient, 4, 2); err != linuxerr.EINVAL {
		t.Errorf("Deinit() of unknown range: got %v, want %v", err, linuxerr.EINVAL)
	}
	if err := c.Deinit(CtxClient, 0, 0); err != linuxerr.EINVAL {
		t.Errorf("Deinit() of empty range: got %v, want %v", err, linuxerr.EINVAL)
	}
	if err := c.Deinit(CtxClient, 0, 1); err != nil {
		t.Errorf("Deinit(): %v", err)
	}
	if err := c.Deinit(CtxClient, 0, 1); err != linuxerr.EINVAL {
		t.Errorf("second Deinit(): got %v, want %v", err, linuxerr.EINVAL)
	}
}

func TestRemoteEcho(t *testing.T) {
	b := newBus(t, 4, 64)
	client := New(b, remoteConfig(clientVM))
	server := New(b, remoteConfig(serverVM))
	if err := server.Init(CtxClient, 4, []int{64}, 0, 1); err != nil {
		t.Fatalf("server Init(): %v", err)
	}
	if err := client.Init(CtxClient, 4, []int{64}, 0, 1); err != nil {
		t.Fatalf("client Init(): %v", err)
	}
	if got := client.ServerVMID(); got != serverVM {
		t.Errorf("ServerVMID(): got %v, want %v", got, serverVM)
	}

	served := make(chan error, 1)
	go func() {
		for {
			e, err := server.Recv(CtxClient, 0)
			if err != nil {
				// Deinit wakes us up with EINVAL.
				served <- nil
				return
			}
			reply := append([]byte("re:"), bytes.TrimRight(e.Data(), "\x00")...)
			err = server.Send(CtxClient, e.Sender(), 0, reply)
			e.Release()
			if err != nil {
				served <- err
				return
			}
		}
	}()

	for i := 0; i < 20; i++ {
		req := fmt.Sprintf("req-%d", i)
		e, err := client.SendRecv(CtxClient, serverVM, 0, []byte(req))
		if err != nil {
			t.Fatalf("SendRecv(%d): %v", i, err)
		}
		if got, want := len(e.Data()), 64; got != want {
			t.Errorf("SendRecv(%d): got %d bytes, want a full %d byte frame", i, got, want)
		}
		if got, want := string(bytes.TrimRight(e.Data(), "\x00")), "re:"+req; got != want {
			t.Errorf("SendRecv(%d): got %q, want %q", i, got, want)
		}
		if got := e.Sender(); got != serverVM {
			t.Errorf("Sender(): got %v, want %v", got, serverVM)
		}
		e.Release()
	}

	if err := client.Deinit(CtxClient, 0, 1); err != nil {
		t.Errorf("client Deinit(): %v", err)
	}
	if err := server.Deinit(CtxClient, 0, 1); err != nil {
		t.Errorf("server Deinit(): %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("server: %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	// Nobody holds the server end, so the channel is never drained.
	b := newBus(t, 2, 16)
	c := New(b, remoteConfig(clientVM))
	defer c.Close()
	if err := c.Init(CtxClient, 1, []int{16}, 0, 1); err != nil {
		t.Fatalf("Init(): %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Send(CtxClient, serverVM, 0, []byte("fill")); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	start := time.Now()
	err := c.Send(CtxClient, serverVM, 0, []byte("stuck"))
	elapsed := time.Since(start)
	if err != linuxerr.ETIMEDOUT {
		t.Fatalf("Send() to a full channel: got %v, want %v", err, linuxerr.ETIMEDOUT)
	}
	if elapsed < DefaultSendTimeout || elapsed > DefaultSendTimeout+2*time.Second {
		t.Errorf("Send() timed out after %v, want about %v", elapsed, DefaultSendTimeout)
	}
}

func TestSendWaitsForRoom(t *testing.T) {
	b := newBus(t, 2, 16)
	c := New(b, remoteConfig(clientVM))
	defer c.Close()
	if err := c.Init(CtxClient, 1, []int{16}, 0, 1); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	peer, err := b.Reserve("gr", 0, serverVM, ivc.Ops{})
	if err != nil {
		t.Fatalf("Reserve(): %v", err)
	}
	defer b.Unreserve(peer)

	for i := 0; i < 2; i++ {
		if err := c.Send(CtxClient, serverVM, 0, []byte("fill")); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		buf := make([]byte, 16)
		peer.Read(buf)
	}()
	if err := c.Send(CtxClient, serverVM, 0, []byte("late")); err != nil {
		t.Errorf("Send() after the peer made room: %v", err)
	}
}

func TestInitRollback(t *testing.T) {
	b := newBus(t, 2, 16)
	cfg := DefaultConfig(clientVM)
	cfg.Queues = []QueueConfig{
		{Index: 0, Transports: []TransportConfig{{Node: "gr", Instance: 0}}},
		{Index: 1, Transports: []TransportConfig{{Node: "gr", Instance: 1}, {Node: "missing", Instance: 0}}},
	}
	c := New(b, cfg)
	defer c.Close()

	base := runtime.NumGoroutine()
	if err := c.Init(CtxClient, 2, []int{16, 16}, 0, 2); err != linuxerr.ENOENT {
		t.Fatalf("Init() with a missing node: got %v, want %v", err, linuxerr.ENOENT)
	}
	for idx := QueueIndex(0); idx < 2; idx++ {
		if _, err := c.Stats(CtxClient, idx); err != linuxerr.EINVAL {
			t.Errorf("Stats(%d) after failed Init: got %v, want %v", idx, err, linuxerr.EINVAL)
		}
	}
	// Both channels set up before the failure were released.
	for inst := uint32(0); inst < 2; inst++ {
		ch, err := b.Reserve("gr", inst, clientVM, ivc.Ops{})
		if err != nil {
			t.Errorf("Reserve(gr, %d) after failed Init: %v", inst, err)
			continue
		}
		b.Unreserve(ch)
	}
	waitGoroutines(t, base)
}

func TestInitFrameTooLarge(t *testing.T) {
	b := newBus(t, 2, 16)
	c := New(b, remoteConfig(clientVM))
	defer c.Close()

	if err := c.Init(CtxClient, 1, []int{32}, 0, 1); err != linuxerr.ENOMEM {
		t.Errorf("Init() with frames larger than the channel: got %v, want %v", err, linuxerr.ENOMEM)
	}
	ch, err := b.Reserve("gr", 0, clientVM, ivc.Ops{})
	if err != nil {
		t.Fatalf("Reserve() after failed Init: %v", err)
	}
	b.Unreserve(ch)
}

func TestTeardownGoroutines(t *testing.T) {
	b := newBus(t, 4, 32)
	cfg := DefaultConfig(clientVM)
	cfg.Queues = []QueueConfig{
		{Index: 0, Transports: []TransportConfig{{Node: "gr", Instance: 0}}},
		{Index: 1, Transports: []TransportConfig{{Node: "gr", Instance: 1}}},
	}
	c := New(b, cfg)

	base := runtime.NumGoroutine()
	for round := 0; round < 3; round++ {
		if err := c.Init(CtxClient, 2, []int{32, 32}, 0, 2); err != nil {
			t.Fatalf("Init(%d): %v", round, err)
		}
		if got := runtime.NumGoroutine(); got < base+2 {
			t.Errorf("NumGoroutine() after Init: got %d, want at least %d", got, base+2)
		}
		if err := c.Deinit(CtxClient, 0, 2); err != nil {
			t.Fatalf("Deinit(%d): %v", round, err)
		}
		waitGoroutines(t, base)
	}
}

func waitGoroutines(t *testing.T, base int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > base {
		if time.Now().After(deadline) {
			t.Fatalf("NumGoroutine(): got %d, want at most %d", runtime.NumGoroutine(), base)
		}
		time.Sleep(time.Millisecond)
	}
}

// shortChannel is a channel that transfers one byte less than asked.
type shortChannel struct {
	frameSize int
	readable  atomic.Bool
}

func (ch *shortChannel) CanWrite() bool { return true }
func (ch *shortChannel) CanRead() bool  { return ch.readable.Load() }
func (ch *shortChannel) FrameSize() int { return ch.frameSize }
func (ch *shortChannel) PeerVMID() ivc.VMID {
	return serverVM
}
func (ch *shortChannel) IRQ() ivc.IRQ { return 42 }

func (ch *shortChannel) Write(p []byte) (int, error) {
	return len(p) - 1, nil
}

func (ch *shortChannel) Read(p []byte) (int, error) {
	return len(p) - 1, nil
}

type shortReserver struct {
	ch       *shortChannel
	reserved atomic.Int32
}

func (r *shortReserver) Reserve(string, uint32, ivc.VMID, ivc.Ops) (ivc.Channel, error) {
	r.reserved.Add(1)
	return r.ch, nil
}

func (r *shortReserver) Unreserve(ivc.Channel) {
	r.reserved.Add(-1)
}

func TestShortTransfers(t *testing.T) {
	r := &shortReserver{ch: &shortChannel{frameSize: 16}}
	cfg := remoteConfig(clientVM)
	cfg.PollInterval = time.Millisecond
	c := New(r, cfg)
	if err := c.Init(CtxClient, 2, []int{16}, 0, 1); err != nil {
		t.Fatalf("Init(): %v", err)
	}

	if err := c.Send(CtxClient, serverVM, 0, []byte("abcd")); err != linuxerr.EIO {
		t.Errorf("Send() with a short write: got %v, want %v", err, linuxerr.EIO)
	}

	// A short read must not queue anything nor leak the element.
	q, err := c.queue(CtxClient, 0)
	if err != nil {
		t.Fatalf("queue(): %v", err)
	}
	if err := q.addFrom(serverVM, r.ch); err != linuxerr.EIO {
		t.Errorf("addFrom() with a short read: got %v, want %v", err, linuxerr.EIO)
	}
	// The pump hits the same fault repeatedly without leaking.
	r.ch.readable.Store(true)
	time.Sleep(20 * time.Millisecond)
	if s := checkConserved(t, c, 0); s.Pending != 0 || s.Free != 2 {
		t.Errorf("Stats() after short reads: got %+v, want 2 free elements", s)
	}

	if err := c.Deinit(CtxClient, 0, 1); err != nil {
		t.Fatalf("Deinit(): %v", err)
	}
	if got := r.reserved.Load(); got != 0 {
		t.Errorf("channels still reserved after Deinit: %d", got)
	}
}
