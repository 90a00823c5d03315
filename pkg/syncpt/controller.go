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
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"grcomm.dev/grcomm/pkg/comm"
	"grcomm.dev/grcomm/pkg/ivc"
)

// Controller programs counter interrupts on the VM that owns the hardware.
type Controller interface {
	// SetThreshold enables the interrupt of counter id, to fire once the
	// counter reaches thresh.
	SetThreshold(id, thresh uint32) error

	// DisableIntr disables the interrupt of counter id.
	DisableIntr(id uint32) error

	// DisableAllIntrs disables every counter interrupt of the caller.
	DisableAllIntrs() error
}

// CommController is a Controller that sends Commands to the server VM over
// a comm queue and waits for each reply.
type CommController struct {
	c      *comm.Comm
	vctx   comm.Ctx
	queue  comm.QueueIndex
	handle uint64

	// server is the VM commands are sent to. Zero means the comm's server
	// VM at the time of the call.
	server ivc.VMID
}

// NewCommController returns a controller sending commands on queue idx of
// context vctx. handle identifies the caller to the server.
func NewCommController(c *comm.Comm, vctx comm.Ctx, idx comm.QueueIndex, handle uint64) *CommController {
	return &CommController{
		c:      c,
		vctx:   vctx,
		queue:  idx,
		handle: handle,
	}
}

// SetServer pins the VM commands are sent to.
func (cc *CommController) SetServer(vmid ivc.VMID) {
	cc.server = vmid
}

// SetThreshold implements Controller.SetThreshold.
func (cc *CommController) SetThreshold(id, thresh uint32) error {
	return cc.do(Command{Cmd: CmdSetThreshold, ID: id, Thresh: thresh})
}

// DisableIntr implements Controller.DisableIntr.
func (cc *CommController) DisableIntr(id uint32) error {
	return cc.do(Command{Cmd: CmdDisableIntr, ID: id})
}

// DisableAllIntrs implements Controller.DisableAllIntrs.
func (cc *CommController) DisableAllIntrs() error {
	return cc.do(Command{Cmd: CmdDisableAllIntrs})
}

func (cc *CommController) do(cmd Command) error {
	cmd.Handle = cc.handle
	server := cc.server
	if server == 0 {
		server = cc.c.ServerVMID()
	}
	e, err := cc.c.SendRecv(cc.vctx, server, cc.queue, cmd.Marshal())
	if err != nil {
		log.Warningf("syncpt: %v id %d: %v", cmd.Cmd, cmd.ID, err)
		return err
	}
	defer e.Release()

	var reply Command
	if err := reply.Unmarshal(e.Data()); err != nil {
		log.Warningf("syncpt: %v id %d: %d byte reply", cmd.Cmd, cmd.ID, len(e.Data()))
		return linuxerr.EIO
	}
	if reply.Cmd != cmd.Cmd {
		log.Warningf("syncpt: %v id %d: reply to %v", cmd.Cmd, cmd.ID, reply.Cmd)
		return linuxerr.EIO
	}
	if reply.Ret != 0 {
		log.Warningf("syncpt: %v id %d: server error: %v", cmd.Cmd, cmd.ID, unix.Errno(-reply.Ret))
		return linuxerr.EIO
	}
	return nil
}
