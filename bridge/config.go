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
	"io"
	"os"
	"time"
)

// MemMapType is the mechanism the channel regions are backed by.
type MemMapType uint8

const (
	// MemMapTypeDevShmFile backs regions with named files under
	// /dev/shm, so the peer opens them by name.
	MemMapTypeDevShmFile MemMapType = 0

	// MemMapTypeMemFd backs regions with anonymous memfds whose
	// descriptors the host passes to the peer process.
	MemMapTypeMemFd MemMapType = 1
)

// Role distinguishes the two processes sharing a bridge. The module
// owns the shared resources (creates regions, allocates on the heap);
// the device opens them and serves commands.
type Role uint8

const (
	RoleModule Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleModule {
		return "module"
	}
	return "device"
}

// QueueBackend selects the synchronization mechanism of the command
// rings. Both sides must run the same backend; the choice is carried in
// the handshake sync flags and verified there.
type QueueBackend uint8

const (
	// QueueBackendAtomic busy-waits on a pair of shared atomic indices.
	QueueBackendAtomic QueueBackend = iota

	// QueueBackendBlocking sleeps on futex-backed counting semaphores.
	QueueBackendBlocking
)

// ThreadSafetyPolicy controls how the dispatcher runs handlers.
type ThreadSafetyPolicy uint8

const (
	// PolicySingle runs every handler inline on the dispatch goroutine.
	PolicySingle ThreadSafetyPolicy = iota

	// PolicyPool runs handlers on a fixed goroutine pool; responses are
	// serialized through the out-bridge lock.
	PolicyPool

	// PolicyCallerChecked behaves like PolicySingle but rejects handler
	// registration after the dispatch loop started.
	PolicyCallerChecked
)

// ChannelConfig sizes one directed channel: the total mapped region and
// the number of command ring entries. The data channel receives
// whatever remains of MemSize after the fixed blocks and the ring.
type ChannelConfig struct {
	MemSize    uint32
	CmdEntries uint32
}

// BridgeKind selects which preset channel pair a duplex uses. The
// module kind carries control traffic on small channels; the device
// kind carries bulk command traffic.
type BridgeKind uint8

const (
	KindModule BridgeKind = iota
	KindDevice
)

func (k BridgeKind) String() string {
	if k == KindModule {
		return "module"
	}
	return "device"
}

// Config parameterizes a bridge endpoint.
type Config struct {
	// Token prefixes every shared object name so multiple bridges
	// coexist on one host.
	Token string

	// MemMapType selects the region backing (default /dev/shm files).
	MemMapType MemMapType

	// QueueBackend selects the command ring synchronization.
	QueueBackend QueueBackend

	// Module control channel pair (module writes up, device writes down).
	ModuleClientChannel ChannelConfig
	ModuleServerChannel ChannelConfig

	// Device data channel pair, sized for bulk traffic.
	DeviceClientChannel ChannelConfig
	DeviceServerChannel ChannelConfig

	// CommandTimeout bounds one wait attempt on queues and semaphores.
	CommandTimeout time.Duration

	// StartupTimeout bounds one wait attempt during the handshake.
	StartupTimeout time.Duration

	// AckTimeout bounds waits for acknowledgement commands (Ack,
	// Continue) so an unexpected queue element is noticed quickly.
	AckTimeout time.Duration

	// CommandRetries bounds how many wait attempts are made before a
	// wait is declared failed.
	CommandRetries uint32

	// DisableTimeouts makes every wait attempt infinite (the retry
	// budget still applies to semaphore loops that count attempts).
	DisableTimeouts bool

	// InfiniteRetries lifts the retry budget; waits then only end on
	// success or an early-out signal.
	InfiniteRetries bool

	// PeekTimeout is the short poll interval used when the expected
	// command is not at the front of the queue.
	PeekTimeout time.Duration

	// FlowControlEnabled and FlowControlDepth bound how many submitted
	// batches the module may run ahead of the device before blocking.
	FlowControlEnabled bool
	FlowControlDepth   uint32

	// UseSharedHeap enables the shared heap allocator for payloads that
	// bypass the data channel.
	UseSharedHeap bool

	// HeapSegmentSize is the mapped size of each shared heap segment.
	HeapSegmentSize uint32

	// HeapChunkSize is the fundamental allocation unit of the heap.
	HeapChunkSize uint32

	// HeapAllocTimeout is how long an allocation waits for space to
	// free up before it is declared exhausted.
	HeapAllocTimeout time.Duration

	// ThreadSafetyPolicy controls dispatcher handler execution.
	ThreadSafetyPolicy ThreadSafetyPolicy

	// PoolSize is the goroutine pool capacity under PolicyPool.
	PoolSize int

	// LogOutput receives internal logger output (defaults to stdout).
	LogOutput io.Writer

	// Monitor receives counters and gauges; nil disables monitoring.
	Monitor *Monitor
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() *Config {
	return &Config{
		Token:               "bridge",
		MemMapType:          MemMapTypeDevShmFile,
		QueueBackend:        QueueBackendAtomic,
		ModuleClientChannel: ChannelConfig{MemSize: 4 << 20, CmdEntries: 5},
		ModuleServerChannel: ChannelConfig{MemSize: 4 << 20, CmdEntries: 5},
		DeviceClientChannel: ChannelConfig{MemSize: 96 << 20, CmdEntries: 3 << 10},
		DeviceServerChannel: ChannelConfig{MemSize: 32 << 20, CmdEntries: 10},
		CommandTimeout:      1000 * time.Millisecond,
		StartupTimeout:      100 * time.Millisecond,
		AckTimeout:          10 * time.Millisecond,
		CommandRetries:      300,
		DisableTimeouts:     true,
		InfiniteRetries:     false,
		PeekTimeout:         time.Millisecond,
		FlowControlEnabled:  true,
		FlowControlDepth:    3,
		UseSharedHeap:       false,
		HeapSegmentSize:     256 << 20,
		HeapChunkSize:       4 << 10,
		HeapAllocTimeout:    10 * time.Second,
		ThreadSafetyPolicy:  PolicySingle,
		PoolSize:            4,
		LogOutput:           os.Stdout,
	}
}

// VerifyConfig checks that a configuration can actually be mapped and
// run. Returned errors wrap ErrConfig.
func VerifyConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrConfig)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: Token must not be empty", ErrConfig)
	}
	for _, cc := range []struct {
		name string
		c    ChannelConfig
	}{
		{"ModuleClientChannel", c.ModuleClientChannel},
		{"ModuleServerChannel", c.ModuleServerChannel},
		{"DeviceClientChannel", c.DeviceClientChannel},
		{"DeviceServerChannel", c.DeviceServerChannel},
	} {
		if cc.c.CmdEntries < 2 {
			return fmt.Errorf("%w: %s.CmdEntries %d, a ring needs at least 2 entries",
				ErrConfig, cc.name, cc.c.CmdEntries)
		}
		if minSize := channelMinMemSize(cc.c.CmdEntries); cc.c.MemSize < minSize {
			return fmt.Errorf("%w: %s.MemSize %d is below the minimum %d for %d ring entries",
				ErrConfig, cc.name, cc.c.MemSize, minSize, cc.c.CmdEntries)
		}
	}
	if c.QueueBackend != QueueBackendAtomic && c.QueueBackend != QueueBackendBlocking {
		return fmt.Errorf("%w: unknown queue backend %d", ErrConfig, c.QueueBackend)
	}
	switch c.ThreadSafetyPolicy {
	case PolicySingle, PolicyPool, PolicyCallerChecked:
	default:
		return fmt.Errorf("%w: unknown thread safety policy %d", ErrConfig, c.ThreadSafetyPolicy)
	}
	if c.ThreadSafetyPolicy == PolicyPool && c.PoolSize <= 0 {
		return fmt.Errorf("%w: PolicyPool needs PoolSize > 0", ErrConfig)
	}
	if c.CommandRetries == 0 {
		return fmt.Errorf("%w: CommandRetries must be at least 1", ErrConfig)
	}
	if c.UseSharedHeap {
		if c.HeapChunkSize == 0 || c.HeapSegmentSize < c.HeapChunkSize {
			return fmt.Errorf("%w: heap segment %d must hold at least one chunk of %d",
				ErrConfig, c.HeapSegmentSize, c.HeapChunkSize)
		}
	}
	if c.FlowControlEnabled && c.FlowControlDepth == 0 {
		return fmt.Errorf("%w: FlowControlDepth must be at least 1 when flow control is on", ErrConfig)
	}
	return nil
}

// commandDeadline is the per-attempt wait used on queue operations.
// Zero means wait forever, matching the semantics of the ring backends.
func (c *Config) commandDeadline() time.Duration {
	if c.DisableTimeouts {
		return 0
	}
	return c.CommandTimeout
}

func (c *Config) startupDeadline() time.Duration {
	if c.DisableTimeouts {
		return 0
	}
	return c.StartupTimeout
}

func (c *Config) ackDeadline() time.Duration {
	if c.DisableTimeouts {
		return 0
	}
	return c.AckTimeout
}

// retryBudget returns the effective retry bound, saturating when
// infinite retries are requested.
func (c *Config) retryBudget() uint32 {
	if c.InfiniteRetries {
		return ^uint32(0)
	}
	return c.CommandRetries
}

const (
	syncFlagDisableTimeouts = 1 << 0
	syncFlagInfiniteRetries = 1 << 1
	syncFlagBlockingBackend = 1 << 2
)

// SyncFlags encodes the waiting policy bits exchanged during the
// handshake so both ends of the bridge run the same policy.
func (c *Config) SyncFlags() uint32 {
	var f uint32
	if c.DisableTimeouts {
		f |= syncFlagDisableTimeouts
	}
	if c.InfiniteRetries {
		f |= syncFlagInfiniteRetries
	}
	if c.QueueBackend == QueueBackendBlocking {
		f |= syncFlagBlockingBackend
	}
	return f
}

// applySyncFlags adopts the peer's waiting policy received during the
// handshake.
func (c *Config) applySyncFlags(f uint32) error {
	c.DisableTimeouts = f&syncFlagDisableTimeouts != 0
	c.InfiniteRetries = f&syncFlagInfiniteRetries != 0
	peerBlocking := f&syncFlagBlockingBackend != 0
	if peerBlocking != (c.QueueBackend == QueueBackendBlocking) {
		return fmt.Errorf("%w: peer runs a different queue backend", ErrConfig)
	}
	return nil
}

// channels returns the preset pair for the given kind and role. The
// module process writes on the client channel of the pair; the device
// process writes on the server channel.
func (c *Config) channels(kind BridgeKind) (client, server ChannelConfig) {
	if kind == KindModule {
		return c.ModuleClientChannel, c.ModuleServerChannel
	}
	return c.DeviceClientChannel, c.DeviceServerChannel
}
