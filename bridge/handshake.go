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
	"os"
)

// The handshake pushes a known cell through each data channel so both
// cursors advance in lockstep before user traffic starts:
//
//	module  Syn      data = module pid, header echoes it
//	device  Ack      data = device pid, header echoes it
//	module  Continue data = sync flags, device adopts them
//
// A header whose echo does not match its data cell means the command
// ring and the data channel disagree, the session is refused.

// Connect drives the module side of the handshake and moves the session
// to running.
func (d *Duplex) Connect() error {
	if d.role != RoleModule {
		return fmt.Errorf("connect belongs to the module end,%w", ErrSessionState)
	}
	if d.isDisabled() {
		return ErrBridgeDisabled
	}
	if !d.casState(stateDisconnected, stateSynSent) {
		return fmt.Errorf("connect in state %s,%w", d.sessionState(), ErrSessionState)
	}

	pid := uint32(os.Getpid())
	if err := d.pushHandshake(CmdSyn, pid, pid); err != nil {
		d.setState(stateDisconnected)
		return fmt.Errorf("syn push failed,%w: %s", ErrHandshake, err.Error())
	}
	protocolLogger.debugf("syn sent, pid %d", pid)

	h, err := d.waitForCommand(d.recv, CmdAck, d.conf.startupDeadline(), false, 0)
	if err != nil {
		d.setState(stateDisconnected)
		return fmt.Errorf("ack was not received,%w: %s", ErrHandshake, err.Error())
	}
	devicePid, err := d.consumeHandshake(h)
	if err != nil {
		d.setState(stateDisconnected)
		return err
	}
	d.setState(stateEstablished)

	flags := d.conf.SyncFlags()
	if err := d.pushHandshake(CmdContinue, flags, pid); err != nil {
		return fmt.Errorf("continue push failed,%w: %s", ErrHandshake, err.Error())
	}
	d.setState(stateRunning)
	d.log.infof("session established with device pid %d, sync flags %#x", devicePid, flags)
	return nil
}

// Accept drives the device side of the handshake. It blocks until the
// module connects or the startup budget runs out.
func (d *Duplex) Accept() error {
	if d.role != RoleDevice {
		return fmt.Errorf("accept belongs to the device end,%w", ErrSessionState)
	}
	if d.isDisabled() {
		return ErrBridgeDisabled
	}
	if s := d.sessionState(); s != stateDisconnected {
		return fmt.Errorf("accept in state %s,%w", s, ErrSessionState)
	}

	h, err := d.waitForCommand(d.recv, CmdSyn, d.conf.startupDeadline(), false, 0)
	if err != nil {
		return fmt.Errorf("syn was not received,%w: %s", ErrHandshake, err.Error())
	}
	modulePid, err := d.consumeHandshake(h)
	if err != nil {
		return err
	}
	if !d.casState(stateDisconnected, stateAckSent) {
		return fmt.Errorf("accept in state %s,%w", d.sessionState(), ErrSessionState)
	}

	pid := uint32(os.Getpid())
	if err := d.pushHandshake(CmdAck, pid, pid); err != nil {
		d.setState(stateDisconnected)
		return fmt.Errorf("ack push failed,%w: %s", ErrHandshake, err.Error())
	}
	protocolLogger.debugf("ack sent, pid %d", pid)

	hc, err := d.waitForCommand(d.recv, CmdContinue, d.conf.ackDeadline(), false, 0)
	if err != nil {
		d.setState(stateDisconnected)
		return fmt.Errorf("continue was not received,%w: %s", ErrHandshake, err.Error())
	}
	flags, err := d.consumeHandshakeCell(hc)
	if err != nil {
		d.setState(stateDisconnected)
		return err
	}
	if hc.PHandle != modulePid {
		d.setState(stateDisconnected)
		return fmt.Errorf("continue from pid %d, syn was from %d,%w", hc.PHandle, modulePid, ErrHandshake)
	}
	if err := d.conf.applySyncFlags(flags); err != nil {
		d.setState(stateDisconnected)
		return err
	}

	d.setState(stateRunning)
	d.log.infof("session established with module pid %d, sync flags %#x", modulePid, flags)
	return nil
}

// pushHandshake stages a single proof cell and publishes the command
// with echo in the header.
func (d *Duplex) pushHandshake(cmd Command, cell, echo uint32) error {
	d.writerMu.Lock()
	defer d.writerMu.Unlock()
	d.batchStart = int64(d.send.data.pos)
	if err := d.stageCell(d.send, cell); err != nil {
		return err
	}
	return d.pushHeader(d.send, Header{
		Command:    cmd,
		DataOffset: uint32(d.send.data.pos),
		PHandle:    echo,
	})
}

// consumeHandshake pops a handshake command, pulls its proof cell and
// verifies the header echo against it.
func (d *Duplex) consumeHandshake(h Header) (uint32, error) {
	cell, err := d.consumeHandshakeCell(h)
	if err != nil {
		return 0, err
	}
	if h.PHandle != cell {
		return 0, fmt.Errorf("command %s echoes %d but its data cell holds %d,%w",
			h.Command.String(), h.PHandle, cell, ErrHandshake)
	}
	return cell, nil
}

func (d *Duplex) consumeHandshakeCell(h Header) (uint32, error) {
	if _, err := d.popCommand(d.recv); err != nil {
		return 0, err
	}
	cell, err := d.pullCellTracked(d.recv)
	if err != nil {
		return 0, err
	}
	d.checkDataParity(d.recv, h)
	d.publishConsumed(d.recv)
	return cell, nil
}

// Terminate runs the shutdown exchange from the module end: drain the
// send ring, push Terminate, wait for the device's final Ack. The
// session ends up closed even when the device never answers.
func (d *Duplex) Terminate() error {
	if d.role != RoleModule {
		return fmt.Errorf("terminate belongs to the module end,%w", ErrSessionState)
	}
	if !d.casState(stateRunning, stateTerminating) {
		return fmt.Errorf("terminate in state %s,%w", d.sessionState(), ErrSessionState)
	}

	if err := d.ensureSendDrained(); err != nil {
		d.log.warnf("send ring was not drained before terminate,%s", err.Error())
	}

	d.writerMu.Lock()
	d.batchStart = int64(d.send.data.pos)
	err := d.pushHeader(d.send, Header{
		Command:    CmdTerminate,
		DataOffset: uint32(d.send.data.pos),
	})
	d.writerMu.Unlock()
	if err != nil {
		d.setState(stateClosed)
		return err
	}

	if _, err := d.waitForCommand(d.recv, CmdAck, d.conf.startupDeadline(), false, 0); err != nil {
		d.setState(stateClosed)
		return fmt.Errorf("final ack was not received,%w: %s", ErrHandshake, err.Error())
	}
	if _, err := d.popCommand(d.recv); err != nil {
		d.setState(stateClosed)
		return err
	}
	d.setState(stateClosed)
	d.log.infof("session terminated")
	return nil
}
