/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// RegisterHandler binds fn to a user command. Under PolicyCallerChecked
// the handler table is frozen once the dispatcher runs, callers promise
// to register everything up front.
func (d *Duplex) RegisterHandler(cmd Command, fn HandlerFunc) error {
	if cmd < CmdUserBase || cmd == CmdTerminate {
		return fmt.Errorf("command %#04x is reserved for the protocol,%w", uint16(cmd), ErrConfig)
	}
	if fn == nil {
		return fmt.Errorf("nil handler for command %s,%w", cmd.String(), ErrConfig)
	}
	if d.conf.ThreadSafetyPolicy == PolicyCallerChecked && atomic.LoadUint32(&d.serving) != 0 {
		return fmt.Errorf("handler table is frozen while the dispatcher runs,%w", ErrConfig)
	}
	d.handlers.Set(cmd, fn)
	return nil
}

func (d *Duplex) UnregisterHandler(cmd Command) {
	d.handlers.Remove(cmd)
}

// Serve runs the device dispatch loop until the module terminates the
// session or the bridge goes down. Every dispatched user command
// produces exactly one response; control commands produce none.
func (d *Duplex) Serve() error {
	if d.role != RoleDevice {
		return fmt.Errorf("serve belongs to the device end,%w", ErrSessionState)
	}
	if s := d.sessionState(); s != stateRunning {
		return fmt.Errorf("serve in state %s, accept first,%w", s, ErrSessionState)
	}
	if !atomic.CompareAndSwapUint32(&d.serving, 0, 1) {
		return fmt.Errorf("dispatcher already running,%w", ErrSessionState)
	}
	defer atomic.StoreUint32(&d.serving, 0)

	for {
		if d.isDisabled() {
			return ErrBridgeDisabled
		}
		h, err := d.waitForCommand(d.recv, CmdAny, 0, false, 0)
		switch {
		case err == nil:
		case errors.Is(err, ErrEarlyOut):
			return nil
		case errors.Is(err, ErrTimeout):
			protocolLogger.tracef("dispatch idle, no command within the retry budget")
			continue
		default:
			return err
		}

		switch {
		case h.Command == CmdTerminate:
			return d.finishTermination()

		case h.Command == CmdDebugMessage:
			if err := d.consumeDebugMessage(h); err != nil {
				return err
			}

		case h.Command == CmdHeapAddSegment || h.Command == CmdHeapAlloc ||
			h.Command == CmdHeapDealloc || h.Command == CmdUnlinkHandle:
			if err := d.handleControl(h); err != nil {
				return err
			}

		case h.Command >= CmdUserBase:
			if err := d.dispatchOne(h); err != nil {
				return err
			}

		default:
			d.log.warnf("unknown command %s skipped", h.Command.String())
			if _, err := d.popCommand(d.recv); err != nil {
				return err
			}
		}
	}
}

// finishTermination drains in-flight handlers, acknowledges the
// terminate and leaves the loop.
func (d *Duplex) finishTermination() error {
	if _, err := d.popCommand(d.recv); err != nil {
		return err
	}
	d.setState(stateTerminating)
	d.dispatchWg.Wait()

	d.writerMu.Lock()
	err := d.pushHeader(d.send, Header{
		Command:    CmdAck,
		DataOffset: uint32(d.send.data.pos),
	})
	d.writerMu.Unlock()
	d.setState(stateClosed)
	if err != nil {
		return err
	}
	d.log.infof("session terminated by peer")
	return nil
}

// dispatchOne pulls one user command off the rings and runs its
// handler, inline or on the pool depending on the policy. The payload
// is consumed and the reader cursor published before the handler runs,
// a slow handler must not hold up the data channel.
func (d *Duplex) dispatchOne(h Header) error {
	if _, err := d.popCommand(d.recv); err != nil {
		return err
	}
	uid, err := d.pullCellTracked(d.recv)
	if err != nil {
		return err
	}

	var (
		args []byte
		bb   *bytebufferpool.ByteBuffer
	)
	if h.Flags.IsDataInSharedHeap() {
		ref, err := d.pullCellTracked(d.recv)
		if err != nil {
			return err
		}
		args, err = d.resolveHeapRef(HeapRef(ref))
		if err != nil {
			d.checkDataParity(d.recv, h)
			d.publishConsumed(d.recv)
			return d.respondAndCredit(uid, 1, []byte(err.Error()))
		}
	} else {
		bb = bytebufferpool.Get()
		args, err = d.pullBytesTracked(d.recv, bb.B[:0])
		if err != nil {
			bytebufferpool.Put(bb)
			return err
		}
	}
	d.checkDataParity(d.recv, h)
	d.publishConsumed(d.recv)

	fn, ok := d.handlers.Get(h.Command)
	if !ok {
		if bb != nil {
			bytebufferpool.Put(bb)
		}
		d.log.warnf("no handler for command %s", h.Command.String())
		return d.respondAndCredit(uid, 1, []byte(fmt.Sprintf("no handler for command %s", h.Command.String())))
	}

	task := func() {
		defer d.dispatchWg.Done()
		result, herr := fn(h.Command, args)
		status := uint32(0)
		payload := result
		if herr != nil {
			status = 1
			payload = []byte(herr.Error())
		}
		if err := d.respondAndCredit(uid, status, payload); err != nil {
			d.log.errorf("response for uid %d failed,%s", uid, err.Error())
		}
		// handlers may return a slice of args, the buffer goes back to
		// the pool only after the response left the data channel
		if bb != nil {
			bb.B = args
			bytebufferpool.Put(bb)
		}
	}

	d.dispatchWg.Add(1)
	if d.conf.ThreadSafetyPolicy == PolicyPool && d.pool != nil {
		if err := d.pool.Submit(task); err != nil {
			d.log.warnf("pool submit failed, running inline,%s", err.Error())
			task()
		}
		return nil
	}
	task()
	return nil
}

// respondAndCredit publishes the single response of a dispatched
// command and returns the flow credit the module spent on it.
func (d *Duplex) respondAndCredit(uid, status uint32, payload []byte) error {
	err := d.respond(uid, status, payload)
	d.postFlowCredit()
	return err
}

func (d *Duplex) respond(uid, status uint32, payload []byte) error {
	d.writerMu.Lock()
	defer d.writerMu.Unlock()
	if d.isDisabled() {
		return ErrBridgeDisabled
	}
	d.batchStart = int64(d.send.data.pos)
	if err := d.stageCell(d.send, status); err != nil {
		return err
	}
	if err := d.stageBytes(d.send, payload); err != nil {
		return err
	}
	return d.pushHeader(d.send, Header{
		Command:    CmdResponse,
		DataOffset: uint32(d.send.data.pos),
		PHandle:    uid,
	})
}

func (d *Duplex) postFlowCredit() {
	if !d.conf.FlowControlEnabled {
		return
	}
	if err := d.recv.flowSem.Post(1); err != nil {
		d.log.warnf("flow credit post failed,%s", err.Error())
	}
}

// pushControl publishes a protocol command that carries one payload
// cell and no correlation uid. Control commands are consumed by the
// peer's dispatch loop and never answered.
func (d *Duplex) pushControl(cmd Command, cell uint32) error {
	d.writerMu.Lock()
	defer d.writerMu.Unlock()
	if err := d.guardWritable(); err != nil {
		return err
	}
	d.batchStart = int64(d.send.data.pos)
	if err := d.stageCell(d.send, cell); err != nil {
		return err
	}
	return d.pushHeader(d.send, Header{
		Command:    cmd,
		DataOffset: uint32(d.send.data.pos),
	})
}

// handleControl consumes the payload cell of a protocol command and
// applies it to the heap or the object registry.
func (d *Duplex) handleControl(h Header) error {
	if _, err := d.popCommand(d.recv); err != nil {
		return err
	}
	cell, err := d.pullCellTracked(d.recv)
	if err != nil {
		return err
	}
	d.checkDataParity(d.recv, h)
	d.publishConsumed(d.recv)

	switch h.Command {
	case CmdHeapAddSegment:
		if d.heap == nil {
			d.log.warnf("heap segment %d announced but the shared heap is disabled", cell)
			return nil
		}
		if err := d.heap.attachSegment(cell); err != nil {
			d.log.errorf("heap segment %d attach failed,%s", cell, err.Error())
		}
	case CmdHeapAlloc:
		if d.heap != nil {
			d.heap.notePeerAlloc(HeapRef(cell))
		}
	case CmdHeapDealloc:
		if d.heap != nil {
			d.heap.releaseRef(HeapRef(cell))
		}
	case CmdUnlinkHandle:
		d.registry.release(cell)
	}
	return nil
}

func (d *Duplex) resolveHeapRef(ref HeapRef) ([]byte, error) {
	if d.heap == nil {
		return nil, fmt.Errorf("command references the shared heap but it is disabled,%w", ErrConfig)
	}
	return d.heap.bytesOf(ref)
}
