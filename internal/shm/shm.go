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
	"errors"
	"unsafe"
)

var (
	// ErrNotSupported is returned on platforms without a shared memory
	// implementation.
	ErrNotSupported = errors.New("shared memory is not supported on this platform")

	// ErrSemTimeout is returned by Semaphore.Wait when the deadline
	// elapses before the semaphore could be acquired.
	ErrSemTimeout = errors.New("semaphore wait timed out")
)

// Region is one mapped shared-memory object. The owner created and
// truncated the backing object; openers map the same bytes.
type Region struct {
	mem   []byte
	fd    int
	path  string
	owner bool
	memfd bool
}

// Bytes returns the mapped memory. The slice stays valid until Close.
func (r *Region) Bytes() []byte { return r.mem }

// Size returns the mapping length in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Fd returns the backing file descriptor, or -1 after Close. For memfd
// regions this is the descriptor to hand to the peer process.
func (r *Region) Fd() int { return r.fd }

// Path returns the /dev/shm path for file-backed regions, "" for memfd.
func (r *Region) Path() string { return r.path }

// Uint32 returns a pointer to the 4-byte word at off, for use with
// sync/atomic. The offset must be 4-byte aligned and inside the mapping.
func (r *Region) Uint32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Int64 returns a pointer to the 8-byte word at off, for use with
// sync/atomic. The offset must be 8-byte aligned and inside the mapping.
func (r *Region) Int64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&r.mem[off]))
}
