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

import "errors"

var (
	// ErrTimeout occurred when a wait on a queue, a semaphore or a peer
	// response exceeded its deadline and retry budget.
	ErrTimeout = errors.New("timeout")

	// ErrQueueFull occurred when pushing to a full command queue whose
	// consumer made no progress within the deadline.
	ErrQueueFull = errors.New("command queue is full")

	// ErrQueueEmpty occurred when popping from an empty command queue
	// with no producer progress within the deadline.
	ErrQueueEmpty = errors.New("command queue is empty")

	// ErrBridgeDisabled occurred when sending over a bridge that was
	// permanently disabled after a send failure or peer shutdown.
	ErrBridgeDisabled = errors.New("bridge is disabled")

	// ErrSessionState occurred when an operation is illegal in the
	// duplex session's current state.
	ErrSessionState = errors.New("operation not allowed in current session state")

	// ErrHandshake occurred when the Syn/Ack/Continue exchange failed.
	ErrHandshake = errors.New("handshake with peer failed")

	// ErrDataTooLarge occurred when a payload exceeds the data channel
	// capacity and could never be pushed.
	ErrDataTooLarge = errors.New("payload larger than data channel capacity")

	// ErrHeapExhausted occurred when the shared heap could not satisfy
	// an allocation within the allocation wait budget.
	ErrHeapExhausted = errors.New("shared heap exhausted")

	// ErrChannelExists occurred when creating a channel whose backing
	// share memory path already exists.
	ErrChannelExists = errors.New("channel share memory already exists")

	// ErrChannelNotReady occurred when opening a channel region whose
	// owner has not finished publishing the geometry. Openers should
	// back off and retry within the startup budget.
	ErrChannelNotReady = errors.New("channel share memory not initialized yet")

	// ErrShareMemoryHadNotLeftSpace means /dev/shm has not enough space
	// for the requested mapping.
	ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")

	// ErrEarlyOut occurred when a wait was abandoned because the stop
	// signal fired.
	ErrEarlyOut = errors.New("wait interrupted by stop signal")

	// ErrConfig occurred when a Config fails verification.
	ErrConfig = errors.New("invalid configuration")

	// ErrOSNonSupported means the operating system lacks shared memory
	// support for this package.
	ErrOSNonSupported = errors.New("OS not supported")

	// ErrArch means the CPU architecture cannot map the requested
	// layout (alignment constraints).
	ErrArch = errors.New("arch not supported, the share memory size of the queue should be a multiple of 16")
)
