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

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Semaphore is a counting semaphore whose counter is a 4-byte word in a
// shared Region, so both processes operate on the same cell. Waiters
// sleep on the word with FUTEX_WAIT; posts wake with FUTEX_WAKE. The
// shared (non-private) futex ops are required, waiters live in another
// process.
type Semaphore struct {
	cell *uint32
}

// NewSemaphore wraps the 4-byte aligned word at off inside r. Only the
// region owner should pass an initial value; openers must pass -1 so the
// established count is preserved.
func NewSemaphore(r *Region, off int, initial int) *Semaphore {
	s := &Semaphore{cell: r.Uint32(off)}
	if initial >= 0 {
		atomic.StoreUint32(s.cell, uint32(initial))
	}
	return s
}

// Value returns the current count.
func (s *Semaphore) Value() uint32 { return atomic.LoadUint32(s.cell) }

// TryWait decrements the count if it is positive without blocking.
func (s *Semaphore) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.cell)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.cell, v, v-1) {
			return true
		}
	}
}

// Wait decrements the count, sleeping until it becomes positive.
// A zero timeout waits forever. Returns ErrSemTimeout when the deadline
// elapses first.
func (s *Semaphore) Wait(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if s.TryWait() {
			return nil
		}
		var waitNs int64
		if timeout > 0 {
			waitNs = time.Until(deadline).Nanoseconds()
			if waitNs <= 0 {
				return ErrSemTimeout
			}
		}
		if err := futexWait(s.cell, 0, waitNs); err != nil {
			return err
		}
	}
}

// Post adds n to the count and wakes up to n waiters.
func (s *Semaphore) Post(n int) error {
	if n <= 0 {
		return nil
	}
	atomic.AddUint32(s.cell, uint32(n))
	return futexWake(s.cell, n)
}

// futexWait sleeps until the word at addr changes from val, a wake
// arrives, or the timeout elapses. waitNs <= 0 waits forever. Spurious
// wakeups are possible, callers must re-check their condition.
func futexWait(addr *uint32, val uint32, waitNs int64) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	var tsPtr unsafe.Pointer
	var ts unix.Timespec
	if waitNs > 0 {
		ts = unix.NsecToTimespec(waitNs)
		tsPtr = unsafe.Pointer(&ts)
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(val),
		uintptr(tsPtr),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		// timeouts surface through the caller's deadline re-check
		return nil
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

// futexWake wakes up to n waiters sleeping on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return fmt.Errorf("futex wake failed: %w", errno)
	}
	return nil
}
