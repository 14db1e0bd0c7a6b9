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
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srediag/bridge-shm/internal/shm"
)

func testHeapConf() *Config {
	conf := DefaultConfig()
	conf.Token = "heap_test_" + strconv.Itoa(int(rand.Int63()))
	conf.ModuleClientChannel = ChannelConfig{MemSize: 1 << 16, CmdEntries: 16}
	conf.ModuleServerChannel = ChannelConfig{MemSize: 1 << 16, CmdEntries: 16}
	conf.UseSharedHeap = true
	conf.HeapSegmentSize = 1 << 16 // 15 chunks per segment
	conf.HeapChunkSize = 4096
	return conf
}

func TestHeapRefPacking(t *testing.T) {
	fmt.Println("-----------test heap ref packing ----------------")
	ref := makeHeapRef(3, 7)
	assert.Equal(t, uint32(3), ref.segment())
	assert.Equal(t, uint32(7), ref.chunk())
	assert.Equal(t, "heap(3:7)", ref.String())

	ref = makeHeapRef(maxHeapSegments-1, maxHeapChunks-1)
	assert.Equal(t, uint32(maxHeapSegments-1), ref.segment())
	assert.Equal(t, uint32(maxHeapChunks-1), ref.chunk())

	assert.Equal(t, uint32(0), HeapRef(0).segment())
	assert.Equal(t, uint32(0), HeapRef(0).chunk())
}

func TestHeapGeometry(t *testing.T) {
	fmt.Println("-----------test heap geometry ----------------")
	cases := []struct {
		segSize, chunkSize uint32
		count, dataOff     uint32
	}{
		{8192, 128, 63, 64},
		{1 << 20, 4096, 255, 256},
		{1 << 16, 4096, 15, 64},
		{260, 64, 3, 64},
		{4096, 4096, 0, 0},
	}
	for _, c := range cases {
		count, dataOff := segmentGeometry(c.segSize, c.chunkSize)
		assert.Equal(t, c.count, count, "segment %d chunk %d", c.segSize, c.chunkSize)
		assert.Equal(t, c.dataOff, dataOff, "segment %d chunk %d", c.segSize, c.chunkSize)
		if count > 0 {
			assert.Equal(t, uint32(0), dataOff%64)
			assert.True(t, dataOff+count*c.chunkSize <= c.segSize)
		}
	}

	assert.Equal(t, uint32(1), chunksForSize(1, 4096))
	assert.Equal(t, uint32(1), chunksForSize(4096, 4096))
	assert.Equal(t, uint32(2), chunksForSize(4097, 4096))
	assert.Equal(t, uint32(3), chunksForSize(8193, 4096))
	assert.Equal(t, uint32(0), chunksForSize(0, 4096))
}

// TestHeapChunkStates drives the byte-in-word state table directly,
// neighbouring chunks share a word and must not disturb each other.
func TestHeapChunkStates(t *testing.T) {
	fmt.Println("-----------test heap chunk states ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	region, err := shm.CreateMemfd("heap_state_test", 8192)
	assert.Equal(t, nil, err)
	defer func() { assert.Equal(t, nil, region.Close()) }()

	count, dataOff := segmentGeometry(8192, 128)
	seg := &heapSegment{index: 0, region: region, chunkCount: count, chunkSize: 128, dataOff: dataOff}
	for i := uint32(0); i < count; i++ {
		seg.setChunkState(i, chunkUnallocated)
	}

	for i := uint32(0); i < 8; i++ {
		assert.Equal(t, byte(chunkUnallocated), seg.chunkState(i))
	}
	seg.setChunkState(2, chunkAllocated)
	assert.Equal(t, byte(chunkAllocated), seg.chunkState(2))
	assert.Equal(t, byte(chunkUnallocated), seg.chunkState(1))
	assert.Equal(t, byte(chunkUnallocated), seg.chunkState(3))

	assert.False(t, seg.casChunkState(2, chunkUnallocated, chunkDeallocated))
	assert.True(t, seg.casChunkState(2, chunkAllocated, chunkDeallocated))
	assert.Equal(t, byte(chunkDeallocated), seg.chunkState(2))

	// the run length of an allocation is derived from its size header
	binary.LittleEndian.PutUint32(seg.chunkBytes(4), 300)
	assert.Equal(t, uint32(300), seg.payloadSize(4))
	assert.Equal(t, chunksForSize(304, 128), seg.runLength(4))
}

func TestHeapAllocDealloc(t *testing.T) {
	fmt.Println("-----------test heap alloc dealloc ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	conf := testHeapConf()
	module, err := NewDuplex(conf, KindModule)
	assert.Equal(t, nil, err)
	heap := module.Heap()
	assert.NotEqual(t, (*SharedHeap)(nil), heap)

	// the first allocation maps segment zero, the announce is skipped
	// while no session runs
	ref, win, err := heap.Alloc(100)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint32(0), ref.segment())
	assert.Equal(t, uint32(0), ref.chunk())
	assert.Equal(t, 100, len(win))
	copy(win, testPattern(100, 0x21))
	assert.True(t, pathExists(channelFilePath(heap.segmentName(0))))

	got, err := heap.bytesOf(ref)
	assert.Equal(t, nil, err)
	assert.Equal(t, string(testPattern(100, 0x21)), string(got))

	// a two chunk run lands after the live allocation
	ref2, win2, err := heap.Alloc(5000)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint32(1), ref2.chunk())
	assert.Equal(t, 5000, len(win2))

	// the owner reclaims immediately, first fit hands the hole out again
	assert.Equal(t, nil, heap.Dealloc(ref))
	ref3, _, err := heap.Alloc(50)
	assert.Equal(t, nil, err)
	assert.Equal(t, ref, ref3)

	// misuse
	err = heap.Dealloc(makeHeapRef(5, 0))
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Equal(t, nil, heap.Dealloc(ref2))
	err = heap.Dealloc(ref2)
	assert.True(t, errors.Is(err, ErrConfig))
	_, _, err = heap.Alloc(0xFFFFFFFC)
	assert.True(t, errors.Is(err, ErrDataTooLarge))
	err = heap.Announce(ref3)
	assert.True(t, errors.Is(err, ErrSessionState))

	report := heap.fragmentationReport()
	assert.True(t, strings.Contains(report, "chunks free"))

	assert.Equal(t, nil, module.Close())
	assert.False(t, pathExists(channelFilePath(heap.segmentName(0))))
}

func TestHeapDeviceRole(t *testing.T) {
	fmt.Println("-----------test heap device role ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	conf := testHeapConf()
	moduleConf := *conf
	deviceConf := *conf
	module, err := NewDuplex(&moduleConf, KindModule)
	assert.Equal(t, nil, err)
	device, err := OpenDuplex(&deviceConf, KindModule)
	assert.Equal(t, nil, err)

	_, _, err = device.Heap().Alloc(100)
	assert.True(t, errors.Is(err, ErrSessionState))
	assert.True(t, errors.Is(device.Heap().Announce(makeHeapRef(0, 0)), ErrSessionState))
	assert.True(t, errors.Is(device.Heap().Retire(makeHeapRef(0, 0)), ErrSessionState))

	assert.Equal(t, nil, device.Close())
	assert.Equal(t, nil, module.Close())
}

// TestHeapTwoPhaseRelease walks the release protocol by hand: the
// device marks the run deallocated, the owner reclaims it on the next
// sweep.
func TestHeapTwoPhaseRelease(t *testing.T) {
	fmt.Println("-----------test heap two phase release ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	conf := testHeapConf()
	moduleConf := *conf
	deviceConf := *conf
	module, err := NewDuplex(&moduleConf, KindModule)
	assert.Equal(t, nil, err)
	device, err := OpenDuplex(&deviceConf, KindModule)
	assert.Equal(t, nil, err)

	// fill segment zero so the only way to serve the last allocation is
	// reclaiming what the device released
	refs := make([]HeapRef, 0, 15)
	for i := 0; i < 15; i++ {
		ref, win, err := module.Heap().Alloc(4000)
		assert.Equal(t, nil, err)
		copy(win, testPattern(4000, byte(i)))
		refs = append(refs, ref)
	}

	// without the dispatch loop the device attaches the segment by hand
	assert.Equal(t, nil, device.Heap().attachSegment(0))
	got, err := device.Heap().bytesOf(refs[2])
	assert.Equal(t, nil, err)
	assert.Equal(t, string(testPattern(4000, 2)), string(got))

	assert.Equal(t, nil, device.Heap().Dealloc(refs[2]))
	err = device.Heap().Dealloc(refs[2])
	assert.True(t, errors.Is(err, ErrConfig))
	_, err = device.Heap().bytesOf(refs[2])
	assert.True(t, errors.Is(err, ErrConfig))

	// the run stays occupied until the owner sweeps, the next allocation
	// reclaims it instead of growing the heap
	assert.Equal(t, byte(chunkDeallocated), module.Heap().segmentAt(0).chunkState(refs[2].chunk()))
	ref2, _, err := module.Heap().Alloc(4000)
	assert.Equal(t, nil, err)
	assert.Equal(t, refs[2], ref2)
	assert.Equal(t, byte(chunkAllocated), module.Heap().segmentAt(0).chunkState(refs[2].chunk()))

	assert.Equal(t, nil, device.Close())
	assert.Equal(t, nil, module.Close())
}

func TestHeapSegmentGrowth(t *testing.T) {
	fmt.Println("-----------test heap segment growth ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	conf := testHeapConf()
	module, err := NewDuplex(conf, KindModule)
	assert.Equal(t, nil, err)
	heap := module.Heap()

	// fill segment zero chunk by chunk
	refs := make([]HeapRef, 0, 15)
	for i := 0; i < 15; i++ {
		ref, _, err := heap.Alloc(4000)
		assert.Equal(t, nil, err)
		assert.Equal(t, uint32(0), ref.segment())
		assert.Equal(t, uint32(i), ref.chunk())
		refs = append(refs, ref)
	}

	// the next allocation grows the heap
	overflow, _, err := heap.Alloc(4000)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint32(1), overflow.segment())
	assert.True(t, pathExists(channelFilePath(heap.segmentName(1))))

	// first fit prefers the older segment once a hole opens
	assert.Equal(t, nil, heap.Dealloc(refs[3]))
	reuse, _, err := heap.Alloc(4000)
	assert.Equal(t, nil, err)
	assert.Equal(t, refs[3], reuse)

	assert.Equal(t, nil, module.Close())
	assert.False(t, pathExists(channelFilePath(heap.segmentName(0))))
	assert.False(t, pathExists(channelFilePath(heap.segmentName(1))))
}

func TestHeapExhausted(t *testing.T) {
	fmt.Println("-----------test heap exhausted ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	conf := testHeapConf()
	conf.HeapAllocTimeout = 50 * time.Millisecond

	// squat on the segment path so the heap cannot map it
	blocker := channelFilePath(conf.Token + "_heap_0")
	assert.Equal(t, nil, os.WriteFile(blocker, make([]byte, 4096), 0o644))
	defer os.Remove(blocker)

	module, err := NewDuplex(conf, KindModule)
	assert.Equal(t, nil, err)

	_, _, err = module.Heap().Alloc(100)
	assert.True(t, errors.Is(err, ErrHeapExhausted))

	assert.Equal(t, nil, module.Close())
}

func TestHeapCorruptSize(t *testing.T) {
	fmt.Println("-----------test heap corrupt size ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	conf := testHeapConf()
	module, err := NewDuplex(conf, KindModule)
	assert.Equal(t, nil, err)
	heap := module.Heap()

	ref, _, err := heap.Alloc(100)
	assert.Equal(t, nil, err)

	_, err = heap.bytesOf(makeHeapRef(0, 99))
	assert.True(t, errors.Is(err, ErrConfig))
	_, err = heap.bytesOf(makeHeapRef(7, 0))
	assert.True(t, errors.Is(err, ErrConfig))
	_, err = heap.bytesOf(makeHeapRef(0, 1))
	assert.True(t, errors.Is(err, ErrConfig))

	// a size header that overruns the segment is refused
	seg := heap.segmentAt(0)
	binary.LittleEndian.PutUint32(seg.chunkBytes(ref.chunk()), 0x00FFFFFF)
	_, err = heap.bytesOf(ref)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.True(t, strings.Contains(err.Error(), "corrupt size"))
	binary.LittleEndian.PutUint32(seg.chunkBytes(ref.chunk()), 100)

	assert.Equal(t, nil, heap.Dealloc(ref))
	assert.Equal(t, nil, module.Close())
}

func TestHeapChunkTooSmall(t *testing.T) {
	fmt.Println("-----------test heap chunk too small ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("shared heap segments need linux")
	}
	conf := testHeapConf()
	conf.HeapChunkSize = 4
	conf.HeapSegmentSize = 4096
	_, err := NewDuplex(conf, KindModule)
	assert.True(t, errors.Is(err, ErrConfig))
}
