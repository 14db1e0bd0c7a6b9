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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
)

const drainPollInterval = 8 * time.Millisecond

type sessionState uint32

const (
	stateDisconnected sessionState = iota
	stateSynSent
	stateAckSent
	stateEstablished
	stateRunning
	stateTerminating
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateSynSent:
		return "syn-sent"
	case stateAckSent:
		return "ack-sent"
	case stateEstablished:
		return "established"
	case stateRunning:
		return "running"
	case stateTerminating:
		return "terminating"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// HandlerFunc consumes the payload of one dispatched command and
// returns the response payload. args is a view into a scratch buffer,
// copy it before retaining it beyond the call.
type HandlerFunc func(cmd Command, args []byte) ([]byte, error)

// Duplex is one end of a shared memory bridge: a pair of directed
// channels plus the session machinery on top of them. The module end
// creates the regions and drives the handshake, the device end opens
// them and serves dispatched commands.
type Duplex struct {
	conf *Config
	kind BridgeKind
	role Role
	log  *logger

	send *channel
	recv *channel

	// writerMu serializes command construction, the data channel only
	// tolerates one staged batch at a time
	writerMu   sync.Mutex
	callActive bool
	batchStart int64
	nextUID    uint32

	stateWord   uint32
	disabled    uint32
	earlyOut    uint32
	closed      uint32
	serving     uint32
	guardWarned int64

	handlers   cmap.ConcurrentMap[Command, HandlerFunc]
	dispatchWg sync.WaitGroup
	pool       *ants.Pool
	history    *commandHistory
	registry   *objectRegistry
	mon        *Monitor
	heap       *SharedHeap
}

func channelNames(token string, kind BridgeKind) (m2d, d2m string) {
	base := fmt.Sprintf("%s_%s", token, kind.String())
	return base + "_m2d", base + "_d2m"
}

// NewDuplex creates the module end of a bridge. Both channel regions
// are created and owned by this process; the peer finds them through
// OpenDuplex or inherits their descriptors through OpenDuplexFds.
func NewDuplex(conf *Config, kind BridgeKind) (*Duplex, error) {
	if !osSupported() {
		return nil, fmt.Errorf("%s,%w", runtime.GOOS, ErrOSNonSupported)
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	clientCC, serverCC := conf.channels(kind)
	m2dName, d2mName := channelNames(conf.Token, kind)

	send, err := createChannel(m2dName, clientCC, conf.QueueBackend, conf.MemMapType, conf.FlowControlDepth)
	if err != nil {
		return nil, err
	}
	recv, err := createChannel(d2mName, serverCC, conf.QueueBackend, conf.MemMapType, conf.FlowControlDepth)
	if err != nil {
		send.close()
		return nil, err
	}
	return assembleDuplex(conf, kind, RoleModule, send, recv)
}

// OpenDuplex attaches the device end to channel regions created by the
// module. The module may still be publishing the regions, so missing or
// uninitialized regions are retried within the startup budget.
func OpenDuplex(conf *Config, kind BridgeKind) (*Duplex, error) {
	if !osSupported() {
		return nil, fmt.Errorf("%s,%w", runtime.GOOS, ErrOSNonSupported)
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	m2dName, d2mName := channelNames(conf.Token, kind)

	var m2d, d2m *channel
	open := func() error {
		var err error
		if m2d == nil {
			if m2d, err = openChannelFile(m2dName, conf.QueueBackend); err != nil {
				return openRetryable(err)
			}
		}
		if d2m == nil {
			if d2m, err = openChannelFile(d2mName, conf.QueueBackend); err != nil {
				return openRetryable(err)
			}
		}
		return nil
	}
	interval := conf.StartupTimeout
	if interval <= 0 {
		interval = time.Millisecond
	}
	err := backoff.Retry(open, backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(conf.CommandRetries)))
	if err != nil {
		if m2d != nil {
			m2d.close()
		}
		if d2m != nil {
			d2m.close()
		}
		return nil, fmt.Errorf("bridge %s channels were not published in time,%w", conf.Token, err)
	}
	// the device writes on d2m and consumes m2d
	return assembleDuplex(conf, kind, RoleDevice, d2m, m2d)
}

// OpenDuplexFds attaches the device end over memfd descriptors
// inherited from the module process.
func OpenDuplexFds(conf *Config, kind BridgeKind, m2dFd, d2mFd int) (*Duplex, error) {
	if !osSupported() {
		return nil, fmt.Errorf("%s,%w", runtime.GOOS, ErrOSNonSupported)
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	m2dName, d2mName := channelNames(conf.Token, kind)
	m2d, err := openChannelFd(m2dName, m2dFd, conf.QueueBackend)
	if err != nil {
		return nil, err
	}
	d2m, err := openChannelFd(d2mName, d2mFd, conf.QueueBackend)
	if err != nil {
		m2d.close()
		return nil, err
	}
	return assembleDuplex(conf, kind, RoleDevice, d2m, m2d)
}

func openRetryable(err error) error {
	if errors.Is(err, ErrChannelNotReady) || pathMissing(err) {
		return err
	}
	return backoff.Permanent(err)
}

func assembleDuplex(conf *Config, kind BridgeKind, role Role, send, recv *channel) (*Duplex, error) {
	d := &Duplex{
		conf:        conf,
		kind:        kind,
		role:        role,
		log:         newLogger(fmt.Sprintf("bridge %s %s", conf.Token, role.String()), conf.LogOutput),
		send:        send,
		recv:        recv,
		nextUID:     1,
		guardWarned: guardCleared,
		handlers: cmap.NewWithCustomShardingFunction[Command, HandlerFunc](func(key Command) uint32 {
			return uint32(key)
		}),
		history:  newCommandHistory(),
		registry: newObjectRegistry(),
		mon:      conf.Monitor,
	}
	if conf.ThreadSafetyPolicy == PolicyPool {
		pool, err := ants.NewPool(conf.PoolSize)
		if err != nil {
			send.close()
			recv.close()
			return nil, fmt.Errorf("dispatcher pool,%w", err)
		}
		d.pool = pool
	}
	if conf.UseSharedHeap {
		heap, err := newSharedHeap(d)
		if err != nil {
			if d.pool != nil {
				d.pool.Release()
			}
			send.close()
			recv.close()
			return nil, err
		}
		d.heap = heap
	}
	d.setState(stateDisconnected)
	d.mon.bindHealth(d)
	return d, nil
}

// ChannelFds exposes the region descriptors of a memfd backed bridge so
// a parent can pass them to an exec'd child.
func (d *Duplex) ChannelFds() (m2dFd, d2mFd int) {
	if d.role == RoleModule {
		return d.send.region.Fd(), d.recv.region.Fd()
	}
	return d.recv.region.Fd(), d.send.region.Fd()
}

func (d *Duplex) Role() Role       { return d.role }
func (d *Duplex) Kind() BridgeKind { return d.kind }

// Heap returns the shared heap allocator, nil unless UseSharedHeap is
// configured.
func (d *Duplex) Heap() *SharedHeap { return d.heap }

// Ready reports whether the session is running and the bridge has not
// been turned off, the liveness probe of the health adapter.
func (d *Duplex) Ready() bool {
	return d.sessionState() == stateRunning && !d.isDisabled()
}

// State names the current session state.
func (d *Duplex) State() string { return d.sessionState().String() }

// Close tears the session down. The module end performs the terminate
// exchange first when the session is still running, then both ends
// release their mappings. Owned regions are unlinked.
func (d *Duplex) Close() error {
	if !atomic.CompareAndSwapUint32(&d.closed, 0, 1) {
		return nil
	}
	if d.role == RoleModule && d.sessionState() == stateRunning && !d.isDisabled() {
		if err := d.Terminate(); err != nil {
			d.log.warnf("terminate during close failed,%s", err.Error())
		}
	}
	atomic.StoreUint32(&d.earlyOut, 1)
	if d.pool != nil {
		d.pool.Release()
	}
	if d.heap != nil {
		d.heap.close()
	}
	d.registry.close()
	d.history.close()
	d.setState(stateClosed)
	d.send.close()
	d.recv.close()
	d.log.infof("closed")
	return nil
}

func (d *Duplex) sessionState() sessionState {
	return sessionState(atomic.LoadUint32(&d.stateWord))
}

func (d *Duplex) setState(s sessionState) {
	atomic.StoreUint32(&d.stateWord, uint32(s))
	d.mon.observeState(uint32(s))
}

func (d *Duplex) casState(from, to sessionState) bool {
	ok := atomic.CompareAndSwapUint32(&d.stateWord, uint32(from), uint32(to))
	if ok {
		d.mon.observeState(uint32(to))
	}
	return ok
}

func (d *Duplex) isDisabled() bool { return atomic.LoadUint32(&d.disabled) != 0 }

// disable turns the bridge off permanently and dumps the recent
// command journal. Every waiter is released through the early-out flag.
func (d *Duplex) disable(reason string) {
	if !atomic.CompareAndSwapUint32(&d.disabled, 0, 1) {
		return
	}
	atomic.StoreUint32(&d.earlyOut, 1)
	d.mon.bridgeDisabled()
	d.log.errorf("bridge turned off, %s", reason)
	if dump := d.history.dump(); dump != "" {
		d.log.errorf("recent commands:\n%s", dump)
	}
}

func (d *Duplex) guardWritable() error {
	if d.isDisabled() {
		return ErrBridgeDisabled
	}
	switch s := d.sessionState(); s {
	case stateEstablished, stateRunning, stateTerminating:
		return nil
	default:
		return fmt.Errorf("bridge is %s,%w", s, ErrSessionState)
	}
}

// waitForCommand peeks the receive ring until the wanted command is at
// the front. CmdAny matches anything; with verifyUID set a matching
// command must also carry the expected correlation uid. A different
// command at the front is left in place and re-inspected after a short
// poll, the consumer that owns it will take it off.
func (d *Duplex) waitForCommand(ch *channel, want Command, override time.Duration, verifyUID bool, uid uint32) (Header, error) {
	per := d.conf.commandDeadline()
	if override > 0 {
		per = override
	}
	budget := int64(d.conf.retryBudget())
	infinitePoll := false
	for attempt := int64(0); attempt < budget; attempt++ {
		if d.isDisabled() {
			return Header{}, ErrBridgeDisabled
		}
		h, err := ch.queue.peek(per, &d.earlyOut)
		switch {
		case err == nil:
			if want == CmdAny || (h.Command == want && (!verifyUID || h.PHandle == uid)) {
				return h, nil
			}
			protocolLogger.tracef("different instance of a command detected, head %s, waiting for %s",
				h.String(), want.String())
			sleepPoll(d.conf.PeekTimeout)
		case errors.Is(err, ErrTimeout):
			if d.conf.InfiniteRetries {
				if !infinitePoll {
					infinitePoll = true
					per = d.conf.PeekTimeout
				}
				attempt--
				sleepPoll(d.conf.PeekTimeout)
			}
		default:
			return Header{}, err
		}
	}
	return Header{}, fmt.Errorf("command %s was not received within the retry budget,%w", want.String(), ErrTimeout)
}

func sleepPoll(dur time.Duration) {
	if dur <= 0 {
		dur = time.Millisecond
	}
	time.Sleep(dur)
}

// popCommand takes the front command off the receive ring and journals
// it. Callers either matched it through waitForCommand first or accept
// whatever arrives.
func (d *Duplex) popCommand(ch *channel) (Header, error) {
	h, err := ch.queue.pop(d.conf.commandDeadline(), &d.earlyOut)
	if err != nil {
		return h, err
	}
	d.history.record(h, false)
	d.mon.commandPopped(h.Command)
	return h, nil
}

// ensureSendDrained waits until the peer consumed every queued command,
// polling in drainPollInterval steps within the retry budget.
func (d *Duplex) ensureSendDrained() error {
	probe := func() error {
		if d.isDisabled() {
			return backoff.Permanent(ErrBridgeDisabled)
		}
		if earlyOutSet(&d.earlyOut) {
			return backoff.Permanent(ErrEarlyOut)
		}
		if d.send.queue.isEmpty() {
			return nil
		}
		return fmt.Errorf("%d commands still queued", d.send.queue.count())
	}
	err := backoff.Retry(probe, backoff.WithMaxRetries(backoff.NewConstantBackOff(drainPollInterval), uint64(d.conf.retryBudget())))
	if err == nil || errors.Is(err, ErrBridgeDisabled) || errors.Is(err, ErrEarlyOut) {
		return err
	}
	return fmt.Errorf("send queue was not drained within the retry budget,%w", ErrTimeout)
}

// pushHeader publishes a staged command. Each attempt waits one command
// deadline for ring space; when the retry budget runs out the bridge is
// turned off, a peer that stopped consuming commands cannot be trusted
// with the shared cursors anymore.
func (d *Duplex) pushHeader(ch *channel, h Header) error {
	per := d.conf.commandDeadline()
	budget := d.conf.retryBudget()
	var tries uint32
	for tries = 1; ; tries++ {
		err := ch.queue.push(h, per, &d.earlyOut)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		if tries >= budget {
			d.disable(fmt.Sprintf("command %s could not be pushed after %d retries", h.Command.String(), tries))
			return fmt.Errorf("command %s push exhausted %d retries, turning bridge off,%w",
				h.Command.String(), tries, ErrBridgeDisabled)
		}
	}
	if tries > 1 {
		d.log.debugf("command %s push took %d retries", h.Command.String(), tries)
	}
	d.history.record(h, true)
	d.mon.commandPushed(h.Command)
	return nil
}

// syncData runs the overwrite avoidance accounting before needed cells
// are staged on ch. It mirrors the wrap rule of the data channel to
// predict the last cell the item will touch, then compares that against
// the position the reader last published. posReset tells the wrap
// branch that the channel snaps the cursor to zero rather than running
// modulo arithmetic across the boundary.
func (d *Duplex) syncData(ch *channel, needed uint32, posReset bool) error {
	total := int64(ch.data.cap)
	use := int64(needed)
	if use < 1 {
		use = 1
	}
	serverCount := ch.loadServerDataPos()
	expected := int64(ch.data.pos) + use - 1
	if expected >= total {
		if ch.resetRequired() {
			// the previous wrap is still unresolved, drain it first
			if err := d.resolveOverwrite(ch, needed); err != nil {
				return err
			}
			serverCount = ch.loadServerDataPos()
		}
		if posReset {
			expected = use - 1
		} else {
			expected -= total
		}
		ch.setResetRequired(true)
	}
	batchStart := d.batchStart
	if expected >= serverCount &&
		(batchStart < serverCount ||
			(batchStart > serverCount && expected < batchStart) ||
			(batchStart <= serverCount && ch.resetRequired())) {
		return d.resolveOverwrite(ch, needed)
	}
	return nil
}

// resolveOverwrite parks the writer until the reader moves past the
// published guard position. The reader posts the data semaphore exactly
// once per guard episode.
func (d *Duplex) resolveOverwrite(ch *channel, needed uint32) error {
	span := int64(ch.data.pos) - d.batchStart
	if span < 0 {
		span += int64(ch.data.cap)
	}
	if int64(needed)+span > int64(ch.data.cap) {
		return fmt.Errorf("batch of %d cells plus %d already staged cannot fit the data channel of %d cells, raise the channel MemSize,%w",
			needed, span, ch.data.cap, ErrDataTooLarge)
	}

	ch.storeGuard(d.batchStart - 1)
	d.log.warnf("data channel %s overwrite condition triggered, batch start %d, reader at %d",
		ch.name, d.batchStart, ch.loadServerDataPos())
	d.mon.overwriteWait()

	var err error
	if per := d.conf.commandDeadline(); per == 0 {
		err = waitSem(ch.dataSem, 0, &d.earlyOut)
	} else {
		budget := d.conf.retryBudget()
		for i := uint32(0); i < budget; i++ {
			if d.isDisabled() {
				err = ErrBridgeDisabled
				break
			}
			err = waitSem(ch.dataSem, per, &d.earlyOut)
			if err == nil || !errors.Is(err, ErrTimeout) {
				break
			}
		}
		if err != nil && errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("max retries reached while waiting for the data channel %s to drain,%w", ch.name, ErrTimeout)
		}
	}
	if err != nil {
		return err
	}

	ch.storeGuard(guardCleared)
	ch.setResetRequired(false)
	d.log.infof("data channel %s overwrite condition resolved", ch.name)
	d.mon.overwriteResolved()
	return nil
}

// publishConsumed is the reader half of the overwrite protocol. After a
// command's payload has been pulled the reader publishes its cursor and
// releases a writer parked behind the guard. The guard is cleared
// before the post so a fresh guard from the woken writer is never wiped
// by this reader.
func (d *Duplex) publishConsumed(ch *channel) {
	pos := int64(ch.data.pos)
	ch.storeServerDataPos(pos)
	g := ch.loadGuard()
	if g == guardCleared {
		return
	}
	if atomic.LoadInt64(&d.guardWarned) != g {
		atomic.StoreInt64(&d.guardWarned, g)
		d.log.warnf("writer of channel %s is parked behind guard %d, reader at %d", ch.name, g, pos)
	}
	if pos > g && !ch.resetRequired() {
		ch.storeGuard(guardCleared)
		if err := ch.dataSem.Post(1); err != nil {
			d.log.warnf("data semaphore post failed,%s", err.Error())
		}
	}
}

// checkDataParity compares the reader cursor with the cursor the writer
// recorded in the header after staging, a mismatch means the two sides
// disagreed about a wrap somewhere upstream.
func (d *Duplex) checkDataParity(ch *channel, h Header) {
	if uint32(ch.data.pos) != h.DataOffset {
		d.log.warnf("data not in sync for command %s, reader cursor %d, writer recorded %d",
			h.Command.String(), ch.data.pos, h.DataOffset)
		d.mon.parityMismatch()
	}
}

// stageCell syncs and stages one raw cell on the send channel.
func (d *Duplex) stageCell(ch *channel, v uint32) error {
	if err := d.syncData(ch, 1, false); err != nil {
		return err
	}
	if _, err := ch.data.pushCell(v); err != nil {
		return err
	}
	d.mon.cellsStaged(1)
	return nil
}

// stageBytes syncs and stages a size cell plus payload, the two parts
// run the accounting separately exactly like the reader consumes them.
func (d *Duplex) stageBytes(ch *channel, b []byte) error {
	if err := d.stageCell(ch, uint32(len(b))); err != nil {
		return err
	}
	cells := cellsForBytes(uint32(len(b)))
	if err := d.syncData(ch, cells, true); err != nil {
		return err
	}
	if _, err := ch.data.pushPayload(b); err != nil {
		return err
	}
	d.mon.cellsStaged(cells)
	return nil
}

func (d *Duplex) pullCellTracked(ch *channel) (uint32, error) {
	v, wrapped, err := ch.data.pullCell()
	if wrapped {
		ch.setResetRequired(false)
	}
	if err == nil {
		d.mon.cellsPulled(1)
	}
	return v, err
}

func (d *Duplex) pullBytesTracked(ch *channel, dst []byte) ([]byte, error) {
	size, err := d.pullCellTracked(ch)
	if err != nil {
		return dst, err
	}
	out, wrapped, err := ch.data.pullPayload(size, dst)
	if wrapped {
		ch.setResetRequired(false)
	}
	if err == nil {
		d.mon.cellsPulled(cellsForBytes(size))
	}
	return out, err
}

// SendDebugMessage pushes a free-form diagnostic line to the peer,
// which logs it on arrival. Debug messages carry no correlation uid and
// receive no response.
func (d *Duplex) SendDebugMessage(msg string) error {
	d.writerMu.Lock()
	defer d.writerMu.Unlock()
	if err := d.guardWritable(); err != nil {
		return err
	}
	d.batchStart = int64(d.send.data.pos)
	if err := d.stageBytes(d.send, []byte(msg)); err != nil {
		return err
	}
	return d.pushHeader(d.send, Header{
		Command:    CmdDebugMessage,
		DataOffset: uint32(d.send.data.pos),
	})
}
