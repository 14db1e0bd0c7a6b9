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
	"fmt"
	"time"
)

// Call stages one user command on the module end. Between NewCall and
// Finish the call owns the writer side of the send channel: payload
// pushes stage cells behind the correlation uid, Finish publishes the
// header and releases the writer. Responses are matched back through
// the uid echoed in the response header.
type Call struct {
	d       *Duplex
	ch      *channel
	cmd     Command
	flags   Flags
	uid     uint32
	started time.Time

	finished bool
	blobOpen bool
}

// NewCall starts a user command. Under PolicySingle an overlapping call
// is refused instead of queued, one command may be in flight at a time.
// With flow control enabled the call first takes a flow credit, which
// the device returns once the command has been dispatched.
func (d *Duplex) NewCall(cmd Command) (*Call, error) {
	if d.role != RoleModule {
		return nil, fmt.Errorf("only the module end issues commands,%w", ErrSessionState)
	}
	if cmd < CmdUserBase || cmd == CmdTerminate {
		return nil, fmt.Errorf("command %#04x is reserved for the protocol,%w", uint16(cmd), ErrConfig)
	}
	if d.isDisabled() {
		return nil, ErrBridgeDisabled
	}

	tookCredit := false
	if d.conf.FlowControlEnabled {
		if err := waitSem(d.send.flowSem, d.conf.commandDeadline(), &d.earlyOut); err != nil {
			return nil, fmt.Errorf("flow control credit,%w", err)
		}
		tookCredit = true
	}
	rollbackCredit := func() {
		if tookCredit {
			if err := d.send.flowSem.Post(1); err != nil {
				d.log.warnf("flow credit rollback failed,%s", err.Error())
			}
		}
	}

	if d.conf.ThreadSafetyPolicy == PolicySingle {
		if !d.writerMu.TryLock() {
			rollbackCredit()
			return nil, fmt.Errorf("multiple active commands on a single threaded bridge,%w", ErrSessionState)
		}
	} else {
		d.writerMu.Lock()
	}

	if s := d.sessionState(); s != stateRunning {
		d.writerMu.Unlock()
		rollbackCredit()
		return nil, fmt.Errorf("bridge is %s,%w", s, ErrSessionState)
	}

	d.callActive = true
	d.batchStart = int64(d.send.data.pos)
	c := &Call{
		d:       d,
		ch:      d.send,
		cmd:     cmd,
		uid:     d.nextUID,
		started: time.Now(),
	}
	// the correlation uid always travels as the first data cell
	if err := d.stageCell(d.send, c.uid); err != nil {
		d.callActive = false
		d.writerMu.Unlock()
		rollbackCredit()
		return nil, err
	}
	d.mon.callStarted()
	return c, nil
}

// UID returns the correlation uid the response will echo.
func (c *Call) UID() uint32 { return c.uid }

// PushCell stages one raw cell of payload.
func (c *Call) PushCell(v uint32) error {
	if c.finished {
		return fmt.Errorf("call already finished,%w", ErrSessionState)
	}
	return c.d.stageCell(c.ch, v)
}

// PushBytes stages a size-prefixed payload.
func (c *Call) PushBytes(b []byte) error {
	if c.finished {
		return fmt.Errorf("call already finished,%w", ErrSessionState)
	}
	return c.d.stageBytes(c.ch, b)
}

// BeginBlob reserves n payload bytes in the data channel and returns
// the window so the caller can serialize into it without an extra copy.
// EndBlob commits the window before Finish publishes the command.
func (c *Call) BeginBlob(n uint32) ([]byte, error) {
	if c.finished {
		return nil, fmt.Errorf("call already finished,%w", ErrSessionState)
	}
	if c.blobOpen {
		return nil, fmt.Errorf("previous blob push was never committed,%w", ErrSessionState)
	}
	if err := c.d.syncData(c.ch, 1, false); err != nil {
		return nil, err
	}
	if _, err := c.ch.data.pushCell(n); err != nil {
		return nil, err
	}
	cells := cellsForBytes(n)
	if err := c.d.syncData(c.ch, cells, true); err != nil {
		return nil, err
	}
	buf, _, err := c.ch.data.beginPayload(n)
	if err != nil {
		return nil, err
	}
	c.blobOpen = true
	c.flags |= FlagDataIsReserved
	c.d.mon.cellsStaged(cells + 1)
	return buf, nil
}

func (c *Call) EndBlob() {
	if !c.blobOpen {
		return
	}
	c.ch.data.endPayload()
	c.blobOpen = false
}

// PushHeapRef stages a reference to a shared heap allocation instead of
// inline payload and marks the command accordingly.
func (c *Call) PushHeapRef(ref HeapRef) error {
	if err := c.PushCell(uint32(ref)); err != nil {
		return err
	}
	c.flags |= FlagDataInSharedHeap
	return nil
}

// Finish publishes the command header. The data offset recorded in the
// header is the writer cursor after the batch, the reader compares its
// own cursor against it after consuming the payload. The writer lock is
// released whatever the outcome.
func (c *Call) Finish() error {
	if c.finished {
		return fmt.Errorf("call already finished,%w", ErrSessionState)
	}
	c.finished = true
	if c.blobOpen {
		c.EndBlob()
	}

	err := c.d.pushHeader(c.ch, Header{
		Command:    c.cmd,
		Flags:      c.flags,
		DataOffset: uint32(c.ch.data.pos),
		PHandle:    c.uid,
	})
	c.d.nextUID++
	c.d.callActive = false
	c.d.writerMu.Unlock()
	return err
}

// WaitResponse blocks until the response carrying this call's uid
// arrives, appending its payload to dst. Debug messages and stale
// responses from abandoned calls are consumed along the way, this side
// is the only reader of the ring.
func (c *Call) WaitResponse(dst []byte) ([]byte, error) {
	if !c.finished {
		return nil, fmt.Errorf("call was not finished,%w", ErrSessionState)
	}
	d := c.d
	for {
		h, err := d.waitForCommand(d.recv, CmdAny, 0, false, 0)
		if err != nil {
			return nil, err
		}
		switch {
		case h.Command == CmdResponse && h.PHandle == c.uid:
			if _, err := d.popCommand(d.recv); err != nil {
				return nil, err
			}
			status, err := d.pullCellTracked(d.recv)
			if err != nil {
				return nil, err
			}
			payload, err := d.pullBytesTracked(d.recv, dst)
			if err != nil {
				return nil, err
			}
			d.checkDataParity(d.recv, h)
			d.publishConsumed(d.recv)
			d.mon.callFinished(time.Since(c.started))
			if status != 0 {
				return nil, fmt.Errorf("remote handler failed, %s", string(payload))
			}
			return payload, nil

		case h.Command == CmdResponse:
			d.log.warnf("different instance of a command detected, discarding response uid %d while waiting for %d",
				h.PHandle, c.uid)
			if err := d.discardIncoming(h); err != nil {
				return nil, err
			}

		case h.Command == CmdDebugMessage:
			if err := d.consumeDebugMessage(h); err != nil {
				return nil, err
			}

		case h.Command == CmdTerminate:
			if _, err := d.popCommand(d.recv); err != nil {
				return nil, err
			}
			d.setState(stateTerminating)
			return nil, fmt.Errorf("peer terminated the session,%w", ErrSessionState)

		default:
			d.log.warnf("unexpected command %s while waiting for a response", h.Command.String())
			if _, err := d.popCommand(d.recv); err != nil {
				return nil, err
			}
		}
	}
}

// Invoke runs one command round trip: stage the payload, publish the
// header, wait for the matching response. The header is published even
// when staging failed so the peer never sees a half written batch
// without its header.
func (d *Duplex) Invoke(cmd Command, payload []byte, dst []byte) ([]byte, error) {
	call, err := d.NewCall(cmd)
	if err != nil {
		return nil, err
	}
	// an empty payload still stages its size cell, the dispatcher always
	// consumes one size-prefixed payload per command
	if pushErr := call.PushBytes(payload); pushErr != nil {
		if err := call.Finish(); err != nil {
			d.log.warnf("finish after failed push,%s", err.Error())
		}
		return nil, pushErr
	}
	if err := call.Finish(); err != nil {
		return nil, err
	}
	return call.WaitResponse(dst)
}

// discardIncoming consumes the standard payload of a matched but
// unwanted response so the data cursors stay aligned.
func (d *Duplex) discardIncoming(h Header) error {
	if _, err := d.popCommand(d.recv); err != nil {
		return err
	}
	if _, err := d.pullCellTracked(d.recv); err != nil {
		return err
	}
	if _, err := d.pullBytesTracked(d.recv, nil); err != nil {
		return err
	}
	d.checkDataParity(d.recv, h)
	d.publishConsumed(d.recv)
	return nil
}

func (d *Duplex) consumeDebugMessage(h Header) error {
	if _, err := d.popCommand(d.recv); err != nil {
		return err
	}
	msg, err := d.pullBytesTracked(d.recv, nil)
	if err != nil {
		return err
	}
	d.checkDataParity(d.recv, h)
	d.publishConsumed(d.recv)
	d.log.infof("peer debug message, %s", string(msg))
	return nil
}
