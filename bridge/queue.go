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
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// the producer and consumer indices sit one queueIndexAlign stride
	// apart so the two sides never share a cache line
	queueIndexAlign     = 128
	queueIndexBlockSize = 2 * queueIndexAlign

	spinYields        = 1024
	queuePollInterval = 50 * time.Microsecond
)

// commandQueue is the contract both ring backends satisfy. One producer
// and one consumer per queue, each living in its own process.
type commandQueue interface {
	push(h Header, timeout time.Duration, earlyOut *uint32) error
	tryPush(h Header) error
	peek(timeout time.Duration, earlyOut *uint32) (Header, error)
	tryPeek() (Header, error)
	pop(timeout time.Duration, earlyOut *uint32) (Header, error)
	tryPop() (Header, error)
	isEmpty() bool
	count() uint32
	capacity() uint32
	producerRecent(max int) []Header
	consumerRecent(max int) []Header
}

// ringQueue is a lock-free single-producer single-consumer ring over a
// shared memory window. Indices are stored mod cap and one slot stays
// reserved, so the ring holds at most cap-1 commands.
type ringQueue struct {
	writeIdx *uint32
	readIdx  *uint32
	records  []byte
	cap      uint32
}

func ringQueueSize(entries uint32) uint32 {
	return queueIndexBlockSize + entries*recordStride
}

func newRingQueue(mem []byte, entries uint32) (*ringQueue, error) {
	q, err := mapRingQueue(mem, entries)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint32(q.writeIdx, 0)
	atomic.StoreUint32(q.readIdx, 0)
	return q, nil
}

func mapRingQueue(mem []byte, entries uint32) (*ringQueue, error) {
	if entries < 2 {
		return nil, fmt.Errorf("ring with %d entries could never hold a command,%w", entries, ErrConfig)
	}
	if uint32(len(mem)) < ringQueueSize(entries) {
		return nil, fmt.Errorf("ring window %d bytes, need %d,%w", len(mem), ringQueueSize(entries), ErrConfig)
	}
	return &ringQueue{
		writeIdx: u32ptr(mem, 0),
		readIdx:  u32ptr(mem, queueIndexAlign),
		records:  mem[queueIndexBlockSize : queueIndexBlockSize+entries*recordStride],
		cap:      entries,
	}, nil
}

func (q *ringQueue) inc(idx uint32) uint32 {
	idx++
	if idx == q.cap {
		return 0
	}
	return idx
}

func (q *ringQueue) dec(idx uint32) uint32 {
	if idx == 0 {
		return q.cap - 1
	}
	return idx - 1
}

func (q *ringQueue) record(idx uint32) []byte {
	off := idx * recordStride
	return q.records[off : off+recordStride]
}

func (q *ringQueue) capacity() uint32 { return q.cap }

func (q *ringQueue) isEmpty() bool {
	return atomic.LoadUint32(q.readIdx) == atomic.LoadUint32(q.writeIdx)
}

func (q *ringQueue) count() uint32 {
	w := atomic.LoadUint32(q.writeIdx)
	r := atomic.LoadUint32(q.readIdx)
	return (w + q.cap - r) % q.cap
}

func (q *ringQueue) tryPush(h Header) error {
	cur := atomic.LoadUint32(q.writeIdx)
	next := q.inc(cur)
	if next == atomic.LoadUint32(q.readIdx) {
		return ErrQueueFull
	}
	putHeader(q.record(cur), h)
	atomic.StoreUint32(q.writeIdx, next)
	return nil
}

func (q *ringQueue) tryPeek() (Header, error) {
	cur := atomic.LoadUint32(q.readIdx)
	if cur == atomic.LoadUint32(q.writeIdx) {
		return Header{}, ErrQueueEmpty
	}
	return getHeader(q.record(cur)), nil
}

// tryPop copies the record out before publishing the advanced consumer
// index, the producer may reuse the slot the moment the store lands.
func (q *ringQueue) tryPop() (Header, error) {
	cur := atomic.LoadUint32(q.readIdx)
	if cur == atomic.LoadUint32(q.writeIdx) {
		return Header{}, ErrQueueEmpty
	}
	h := getHeader(q.record(cur))
	atomic.StoreUint32(q.readIdx, q.inc(cur))
	return h, nil
}

func (q *ringQueue) push(h Header, timeout time.Duration, earlyOut *uint32) error {
	return spinUntil(ErrQueueFull, timeout, earlyOut, func() error {
		return q.tryPush(h)
	})
}

func (q *ringQueue) peek(timeout time.Duration, earlyOut *uint32) (Header, error) {
	var h Header
	err := spinUntil(ErrQueueEmpty, timeout, earlyOut, func() error {
		var e error
		h, e = q.tryPeek()
		return e
	})
	return h, err
}

func (q *ringQueue) pop(timeout time.Duration, earlyOut *uint32) (Header, error) {
	var h Header
	err := spinUntil(ErrQueueEmpty, timeout, earlyOut, func() error {
		var e error
		h, e = q.tryPop()
		return e
	})
	return h, err
}

// producerRecent walks back from the producer index and returns up to
// max headers most recently pushed, newest first. Untouched slots read
// as CmdInvalid because the region starts zeroed.
func (q *ringQueue) producerRecent(max int) []Header {
	return q.walkback(atomic.LoadUint32(q.writeIdx), max)
}

// consumerRecent is the same walk from the consumer index, so it lists
// the commands most recently popped.
func (q *ringQueue) consumerRecent(max int) []Header {
	return q.walkback(atomic.LoadUint32(q.readIdx), max)
}

func (q *ringQueue) walkback(idx uint32, max int) []Header {
	out := make([]Header, 0, max)
	for steps := uint32(0); len(out) < max && steps < q.cap; steps++ {
		idx = q.dec(idx)
		h := getHeader(q.record(idx))
		if h.Command == CmdInvalid {
			break
		}
		out = append(out, h)
	}
	return out
}

// spinUntil retries op while it keeps failing with the retryable
// sentinel. A zero timeout never expires. The loop yields for the
// first spinYields rounds and then backs off to short sleeps.
func spinUntil(retryable error, timeout time.Duration, earlyOut *uint32, op func() error) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for spins := 0; ; spins++ {
		err := op()
		if !errors.Is(err, retryable) {
			return err
		}
		if earlyOutSet(earlyOut) {
			return ErrEarlyOut
		}
		if timeout > 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		if spins < spinYields {
			runtime.Gosched()
		} else {
			time.Sleep(queuePollInterval)
		}
	}
}

func earlyOutSet(flag *uint32) bool {
	return flag != nil && atomic.LoadUint32(flag) != 0
}

func u32ptr(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}
