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
	"time"

	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/ivc"
)

// adapter binds one reserved ivc channel to the queue it serves.
type adapter struct {
	id   TargetID
	ch   ivc.Channel
	q    *Queue
	poll time.Duration
	warn log.Logger

	// txReady and rxReady are woken by the channel's notifications. They
	// have a capacity of one so that a wakeup is never lost and a notifier
	// never blocks.
	txReady chan struct{}
	rxReady chan struct{}

	// stop is closed to ask the pump to exit; done is closed by the pump on
	// exit.
	stop chan struct{}
	done chan struct{}
}

func newAdapter(id TargetID, ch ivc.Channel, q *Queue, poll time.Duration, warn log.Logger) *adapter {
	return &adapter{
		id:      id,
		ch:      ch,
		q:       q,
		poll:    poll,
		warn:    warn,
		txReady: make(chan struct{}, 1),
		rxReady: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func wake(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// pump moves inbound frames from the channel to the queue until stop is
// closed.
func (a *adapter) pump() {
	defer close(a.done)

	t := time.NewTimer(a.poll)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		if !a.ch.CanRead() {
			t.Reset(a.poll)
			select {
			case <-a.stop:
				return
			case <-a.rxReady:
			case <-t.C:
			}
			continue
		}

		if err := a.q.addFrom(a.id.Peer, a.ch); err != nil {
			a.warn.Warningf("comm: pump %v/%v: cannot add to queue: %v", a.q.id, a.id.Peer, err)
			// Back off for one cycle so that a persistent failure does
			// not spin.
			t.Reset(a.poll)
			select {
			case <-a.stop:
				return
			case <-t.C:
			}
		}
	}
}

// start runs the pump on its own goroutine.
func (a *adapter) start() {
	go a.pump()
}

// shutdown stops the pump and waits for it to exit. The channel is not
// released.
func (a *adapter) shutdown() {
	close(a.stop)
	<-a.done
}
