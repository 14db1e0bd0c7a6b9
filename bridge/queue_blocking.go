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
	"sync/atomic"
	"time"

	"github.com/srediag/bridge-shm/internal/shm"
)

// semWaitSlice keeps blocking waits responsive to earlyOut, a waiter
// re-checks the flag between slices instead of parking for the whole
// timeout.
const semWaitSlice = 10 * time.Millisecond

// blockingQueue drives the same shared ring as ringQueue but parks the
// waiting side on futex semaphores instead of spinning. items counts
// pushed commands, space counts free slots. One slot stays reserved so
// the index pair still distinguishes full from empty.
type blockingQueue struct {
	ring  *ringQueue
	items *shm.Semaphore
	space *shm.Semaphore
}

func newBlockingQueue(ring *ringQueue, items, space *shm.Semaphore) *blockingQueue {
	return &blockingQueue{ring: ring, items: items, space: space}
}

func (q *blockingQueue) capacity() uint32 { return q.ring.capacity() }
func (q *blockingQueue) isEmpty() bool    { return q.ring.isEmpty() }
func (q *blockingQueue) count() uint32    { return q.ring.count() }

func (q *blockingQueue) producerRecent(max int) []Header { return q.ring.producerRecent(max) }
func (q *blockingQueue) consumerRecent(max int) []Header { return q.ring.consumerRecent(max) }

func (q *blockingQueue) tryPush(h Header) error {
	if !q.space.TryWait() {
		return ErrQueueFull
	}
	q.writeRecord(h)
	return q.items.Post(1)
}

func (q *blockingQueue) tryPeek() (Header, error) {
	if !q.items.TryWait() {
		return Header{}, ErrQueueEmpty
	}
	cur := atomic.LoadUint32(q.ring.readIdx)
	h := getHeader(q.ring.record(cur))
	if err := q.items.Post(1); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (q *blockingQueue) tryPop() (Header, error) {
	if !q.items.TryWait() {
		return Header{}, ErrQueueEmpty
	}
	h := q.readRecord()
	if err := q.space.Post(1); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (q *blockingQueue) push(h Header, timeout time.Duration, earlyOut *uint32) error {
	if err := waitSem(q.space, timeout, earlyOut); err != nil {
		return err
	}
	q.writeRecord(h)
	return q.items.Post(1)
}

// peek borrows the items credit and puts it straight back, the record
// stays in the ring for the following pop.
func (q *blockingQueue) peek(timeout time.Duration, earlyOut *uint32) (Header, error) {
	if err := waitSem(q.items, timeout, earlyOut); err != nil {
		return Header{}, err
	}
	cur := atomic.LoadUint32(q.ring.readIdx)
	h := getHeader(q.ring.record(cur))
	if err := q.items.Post(1); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (q *blockingQueue) pop(timeout time.Duration, earlyOut *uint32) (Header, error) {
	if err := waitSem(q.items, timeout, earlyOut); err != nil {
		return Header{}, err
	}
	h := q.readRecord()
	if err := q.space.Post(1); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (q *blockingQueue) writeRecord(h Header) {
	cur := atomic.LoadUint32(q.ring.writeIdx)
	putHeader(q.ring.record(cur), h)
	atomic.StoreUint32(q.ring.writeIdx, q.ring.inc(cur))
}

func (q *blockingQueue) readRecord() Header {
	cur := atomic.LoadUint32(q.ring.readIdx)
	h := getHeader(q.ring.record(cur))
	atomic.StoreUint32(q.ring.readIdx, q.ring.inc(cur))
	return h
}

func waitSem(sem *shm.Semaphore, timeout time.Duration, earlyOut *uint32) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if earlyOutSet(earlyOut) {
			return ErrEarlyOut
		}
		slice := semWaitSlice
		if timeout > 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				return ErrTimeout
			}
			if remain < slice {
				slice = remain
			}
		}
		err := sem.Wait(slice)
		if err == nil {
			return nil
		}
		if !errors.Is(err, shm.ErrSemTimeout) {
			return err
		}
	}
}
