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
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/srediag/bridge-shm/internal/shm"
)

// A channel region starts with three 64 byte blocks of bookkeeping, a
// reserved block, then the command ring and the data cells.
//
//	0    geometry, written once by the owner, magic published last
//	64   data sync header shared by writer and reader
//	128  futex semaphore cells
//	192  reserved
//	256  command ring index block and records, data cells behind them
const (
	channelMagic   = 0x67647262 // "brdg" little endian
	channelVersion = 1

	geomOffMagic   = 0
	geomOffVersion = 4
	geomOffEntries = 8
	geomOffCells   = 12
	geomOffBackend = 16

	syncOffServerPos = 64
	syncOffGuard     = 72
	syncOffReset     = 80

	semOffData  = 128
	semOffItems = 132
	semOffSpace = 136
	semOffFlow  = 140

	channelHeaderSize  = 256
	channelQueueOffset = channelHeaderSize

	minDataChannelCells = 64
)

// guardCleared marks the expected-position guard as inactive.
const guardCleared = int64(-1)

func channelFilePath(name string) string {
	return filepath.Join(devShmPath, name)
}

// channelMinMemSize is the smallest region that still fits the fixed
// blocks, the ring and a usable number of data cells.
func channelMinMemSize(entries uint32) uint32 {
	return channelHeaderSize + ringQueueSize(entries) + minDataChannelCells*dataCellSize
}

func channelDataCells(memSize, entries uint32) uint32 {
	return (memSize - channelHeaderSize - ringQueueSize(entries)) / dataCellSize
}

// channel is one direction of a duplex: a command ring plus a data
// channel in a single mapped region. The creating side owns the region
// and unlinks it on close.
type channel struct {
	name   string
	region *shm.Region
	queue  commandQueue
	data   *dataChannel

	serverDataPos *int64
	guard         *int64
	serverReset   *uint32

	dataSem *shm.Semaphore
	flowSem *shm.Semaphore

	owner bool
}

func createChannel(name string, cc ChannelConfig, backend QueueBackend, mapType MemMapType, flowDepth uint32) (*channel, error) {
	// the ring records are copied with 16 byte granularity on arm
	if isArmArch() && cc.MemSize%16 != 0 {
		return nil, fmt.Errorf("channel %s MemSize %d,%w", name, cc.MemSize, ErrArch)
	}

	var (
		region *shm.Region
		err    error
	)
	switch mapType {
	case MemMapTypeMemFd:
		region, err = shm.CreateMemfd(name, int(cc.MemSize))
	default:
		path := channelFilePath(name)
		if pathExists(path) {
			return nil, fmt.Errorf("%w, path %s", ErrChannelExists, path)
		}
		if !canCreateOnDevShm(uint64(cc.MemSize), path) {
			return nil, fmt.Errorf("%w, path:%s, size:%d", ErrShareMemoryHadNotLeftSpace, path, cc.MemSize)
		}
		region, err = shm.CreateFile(path, int(cc.MemSize))
	}
	if err != nil {
		return nil, err
	}

	cells := channelDataCells(cc.MemSize, cc.CmdEntries)
	ch, err := layoutChannel(region, name, cc.CmdEntries, cells, backend, true, flowDepth)
	if err != nil {
		closeErr := region.Close()
		if closeErr != nil {
			internalLogger.warnf("channel %s rollback close failed,%s", name, closeErr.Error())
		}
		return nil, err
	}

	mem := region.Bytes()
	binary.LittleEndian.PutUint32(mem[geomOffVersion:], channelVersion)
	binary.LittleEndian.PutUint32(mem[geomOffEntries:], cc.CmdEntries)
	binary.LittleEndian.PutUint32(mem[geomOffCells:], cells)
	binary.LittleEndian.PutUint32(mem[geomOffBackend:], uint32(backend))
	// the magic goes last so a peer polling the region never adopts a
	// half written geometry
	atomic.StoreUint32(region.Uint32(geomOffMagic), channelMagic)

	internalLogger.infof("channel %s created, %d ring entries, %d data cells", name, cc.CmdEntries, cells)
	return ch, nil
}

func openChannelFile(name string, backend QueueBackend) (*channel, error) {
	region, err := shm.OpenFile(channelFilePath(name))
	if err != nil {
		return nil, err
	}
	return adoptChannel(region, name, backend)
}

// openChannelFd maps a channel over an inherited memfd, the descriptor
// number travels to the peer process through exec inheritance.
func openChannelFd(name string, fd int, backend QueueBackend) (*channel, error) {
	region, err := shm.OpenFd(fd)
	if err != nil {
		return nil, err
	}
	return adoptChannel(region, name, backend)
}

func adoptChannel(region *shm.Region, name string, backend QueueBackend) (*channel, error) {
	fail := func(err error) (*channel, error) {
		closeErr := region.Close()
		if closeErr != nil {
			internalLogger.warnf("channel %s rollback close failed,%s", name, closeErr.Error())
		}
		return nil, err
	}

	if region.Size() < int(channelMinMemSize(2)) {
		return fail(fmt.Errorf("channel %s region is only %d bytes,%w", name, region.Size(), ErrConfig))
	}
	if atomic.LoadUint32(region.Uint32(geomOffMagic)) != channelMagic {
		return fail(fmt.Errorf("channel %s region not initialized yet,%w", name, ErrChannelNotReady))
	}

	mem := region.Bytes()
	if v := binary.LittleEndian.Uint32(mem[geomOffVersion:]); v != channelVersion {
		return fail(fmt.Errorf("channel %s region version %d, want %d,%w", name, v, channelVersion, ErrConfig))
	}
	entries := binary.LittleEndian.Uint32(mem[geomOffEntries:])
	cells := binary.LittleEndian.Uint32(mem[geomOffCells:])
	if got := QueueBackend(binary.LittleEndian.Uint32(mem[geomOffBackend:])); got != backend {
		return fail(fmt.Errorf("channel %s was created with queue backend %d, this side configured %d,%w",
			name, got, backend, ErrConfig))
	}
	if entries < 2 || uint32(region.Size()) < channelHeaderSize+ringQueueSize(entries)+cells*dataCellSize {
		return fail(fmt.Errorf("channel %s geometry does not fit its region,%w", name, ErrConfig))
	}

	ch, err := layoutChannel(region, name, entries, cells, backend, false, 0)
	if err != nil {
		return fail(err)
	}
	internalLogger.infof("channel %s opened, %d ring entries, %d data cells", name, entries, cells)
	return ch, nil
}

func layoutChannel(region *shm.Region, name string, entries, cells uint32, backend QueueBackend, owner bool, flowDepth uint32) (*channel, error) {
	mem := region.Bytes()
	ringMem := mem[channelQueueOffset : channelQueueOffset+ringQueueSize(entries)]
	dataMem := mem[channelQueueOffset+ringQueueSize(entries):]

	var (
		ring *ringQueue
		err  error
	)
	if owner {
		ring, err = newRingQueue(ringMem, entries)
	} else {
		ring, err = mapRingQueue(ringMem, entries)
	}
	if err != nil {
		return nil, err
	}
	data, err := newDataChannel(dataMem, cells)
	if err != nil {
		return nil, err
	}

	ch := &channel{
		name:          name,
		region:        region,
		data:          data,
		serverDataPos: region.Int64(syncOffServerPos),
		guard:         region.Int64(syncOffGuard),
		serverReset:   region.Uint32(syncOffReset),
		owner:         owner,
	}

	itemsInit, spaceInit, dataInit, flowInit := -1, -1, -1, -1
	if owner {
		itemsInit, spaceInit, dataInit, flowInit = 0, int(entries-1), 0, int(flowDepth)
		atomic.StoreInt64(ch.serverDataPos, 0)
		atomic.StoreInt64(ch.guard, guardCleared)
		atomic.StoreUint32(ch.serverReset, 0)
	}
	ch.dataSem = shm.NewSemaphore(region, semOffData, dataInit)
	ch.flowSem = shm.NewSemaphore(region, semOffFlow, flowInit)

	if backend == QueueBackendBlocking {
		items := shm.NewSemaphore(region, semOffItems, itemsInit)
		space := shm.NewSemaphore(region, semOffSpace, spaceInit)
		ch.queue = newBlockingQueue(ring, items, space)
	} else {
		ch.queue = ring
	}
	return ch, nil
}

func (c *channel) close() {
	if c.region == nil {
		return
	}
	if err := c.region.Close(); err != nil {
		internalLogger.warnf("channel %s unmap failed,%s", c.name, err.Error())
	} else {
		internalLogger.infof("channel %s closed", c.name)
	}
	c.region = nil
}

func (c *channel) loadServerDataPos() int64   { return atomic.LoadInt64(c.serverDataPos) }
func (c *channel) storeServerDataPos(v int64) { atomic.StoreInt64(c.serverDataPos, v) }

func (c *channel) loadGuard() int64   { return atomic.LoadInt64(c.guard) }
func (c *channel) storeGuard(v int64) { atomic.StoreInt64(c.guard, v) }

func (c *channel) resetRequired() bool { return atomic.LoadUint32(c.serverReset) != 0 }

func (c *channel) setResetRequired(on bool) {
	if on {
		atomic.StoreUint32(c.serverReset, 1)
	} else {
		atomic.StoreUint32(c.serverReset, 0)
	}
}

// channelView is a point-in-time decode of a channel region, used by
// DebugChannelDetail over a plain file read rather than a live mapping.
type channelView struct {
	cmdEntries uint32
	dataCells  uint32
	writeIdx   uint32
	readIdx    uint32
	pending    uint32

	serverDataPos         int64
	clientDataExpectedPos int64
	resetRequired         bool
}

func viewChannelBytes(mem []byte) channelView {
	var v channelView
	v.cmdEntries = binary.LittleEndian.Uint32(mem[geomOffEntries:])
	v.dataCells = binary.LittleEndian.Uint32(mem[geomOffCells:])
	v.writeIdx = binary.LittleEndian.Uint32(mem[channelQueueOffset:])
	v.readIdx = binary.LittleEndian.Uint32(mem[channelQueueOffset+queueIndexAlign:])
	if v.cmdEntries > 0 {
		v.pending = (v.writeIdx + v.cmdEntries - v.readIdx) % v.cmdEntries
	}
	v.serverDataPos = int64(binary.LittleEndian.Uint64(mem[syncOffServerPos:]))
	v.clientDataExpectedPos = int64(binary.LittleEndian.Uint64(mem[syncOffGuard:]))
	v.resetRequired = binary.LittleEndian.Uint32(mem[syncOffReset:]) != 0
	return v
}
