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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/bridge-shm/internal/shm"
)

// HeapRef names one shared heap allocation: segment index in the high
// bits, first chunk index in the low twenty.
type HeapRef uint32

const (
	heapChunkBits   = 20
	maxHeapChunks   = 1 << heapChunkBits
	maxHeapSegments = 1 << (32 - heapChunkBits)

	chunkUnallocated = 1
	chunkAllocated   = 2
	chunkDeallocated = 3

	// every allocation starts with its payload size, the run length of
	// a multi chunk allocation is derived from it because only the
	// first chunk of a run is ever stamped in the state table
	heapSizeHeader = 4
)

func makeHeapRef(seg, chunk uint32) HeapRef {
	return HeapRef(seg<<heapChunkBits | chunk)
}

func (r HeapRef) segment() uint32 { return uint32(r) >> heapChunkBits }
func (r HeapRef) chunk() uint32   { return uint32(r) & (maxHeapChunks - 1) }

func (r HeapRef) String() string {
	return fmt.Sprintf("heap(%d:%d)", r.segment(), r.chunk())
}

// heapSegment is one mapped heap region: a chunk state table followed
// by the chunk payload area. The state bytes are shared between the
// processes and accessed through the word that contains them.
type heapSegment struct {
	index      uint32
	region     *shm.Region
	chunkCount uint32
	chunkSize  uint32
	dataOff    uint32
}

// segmentGeometry fits as many chunks as possible into segSize, one
// state byte plus chunkSize payload bytes each, with the payload area
// starting on a 64 byte boundary.
func segmentGeometry(segSize, chunkSize uint32) (count, dataOff uint32) {
	count = segSize / (chunkSize + 1)
	if count > maxHeapChunks {
		count = maxHeapChunks
	}
	for count > 0 {
		dataOff = alignUp(count, 64)
		if dataOff+count*chunkSize <= segSize {
			return count, dataOff
		}
		count--
	}
	return 0, 0
}

func (s *heapSegment) stateWord(chunk uint32) *uint32 {
	return u32ptr(s.region.Bytes(), (chunk/4)*4)
}

func (s *heapSegment) chunkState(chunk uint32) byte {
	word := atomic.LoadUint32(s.stateWord(chunk))
	return byte(word >> ((chunk % 4) * 8))
}

func (s *heapSegment) setChunkState(chunk uint32, st byte) {
	shift := (chunk % 4) * 8
	ptr := s.stateWord(chunk)
	for {
		old := atomic.LoadUint32(ptr)
		next := old&^(0xff<<shift) | uint32(st)<<shift
		if atomic.CompareAndSwapUint32(ptr, old, next) {
			return
		}
	}
}

func (s *heapSegment) casChunkState(chunk uint32, from, to byte) bool {
	shift := (chunk % 4) * 8
	ptr := s.stateWord(chunk)
	for {
		old := atomic.LoadUint32(ptr)
		if byte(old>>shift) != from {
			return false
		}
		next := old&^(0xff<<shift) | uint32(to)<<shift
		if atomic.CompareAndSwapUint32(ptr, old, next) {
			return true
		}
	}
}

func (s *heapSegment) chunkBytes(chunk uint32) []byte {
	off := s.dataOff + chunk*s.chunkSize
	return s.region.Bytes()[off:]
}

func (s *heapSegment) payloadSize(chunk uint32) uint32 {
	return binary.LittleEndian.Uint32(s.chunkBytes(chunk))
}

func (s *heapSegment) runLength(chunk uint32) uint32 {
	return chunksForSize(s.payloadSize(chunk)+heapSizeHeader, s.chunkSize)
}

func chunksForSize(n, chunkSize uint32) uint32 {
	return (n + chunkSize - 1) / chunkSize
}

// SharedHeap hands out chunk runs from shared segments so bulk payloads
// can bypass the data channel. The module end owns allocation; the
// device end reads allocations and releases them by marking the first
// chunk deallocated, which the owner reclaims on its next sweep.
type SharedHeap struct {
	d *Duplex

	mu       sync.Mutex
	segments []*heapSegment

	// device side bookkeeping of refs announced by the owner
	pinned cmap.ConcurrentMap[uint32, HeapRef]
}

func newSharedHeap(d *Duplex) (*SharedHeap, error) {
	if d.conf.HeapChunkSize < heapSizeHeader+dataCellSize {
		return nil, fmt.Errorf("heap chunk size %d is too small,%w", d.conf.HeapChunkSize, ErrConfig)
	}
	return &SharedHeap{
		d: d,
		pinned: cmap.NewWithCustomShardingFunction[uint32, HeapRef](func(key uint32) uint32 {
			return key
		}),
	}, nil
}

func (h *SharedHeap) segmentName(idx uint32) string {
	return fmt.Sprintf("%s_heap_%d", h.d.conf.Token, idx)
}

func (h *SharedHeap) segmentAt(idx uint32) *heapSegment {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx >= uint32(len(h.segments)) {
		return nil
	}
	return h.segments[idx]
}

// Alloc reserves room for n payload bytes and returns the window to
// fill. The search tries the existing segments, reclaims peer releases,
// then grows the heap; when nothing frees up within the allocation
// budget the heap is declared exhausted and a fragmentation report is
// logged.
func (h *SharedHeap) Alloc(n uint32) (HeapRef, []byte, error) {
	if h.d.role != RoleModule {
		return 0, nil, fmt.Errorf("the device end does not allocate from the shared heap,%w", ErrSessionState)
	}
	need := chunksForSize(n+heapSizeHeader, h.d.conf.HeapChunkSize)
	if need == 0 || need > maxHeapChunks {
		return 0, nil, fmt.Errorf("allocation of %d bytes,%w", n, ErrDataTooLarge)
	}

	deadline := time.Now().Add(h.d.conf.HeapAllocTimeout)
	pace := backoff.NewExponentialBackOff()
	pace.InitialInterval = time.Millisecond
	pace.MaxInterval = 50 * time.Millisecond
	pace.MaxElapsedTime = 0

	for {
		h.mu.Lock()
		ref, buf, ok := h.tryAlloc(need, n)
		if !ok {
			h.sweepLocked()
			ref, buf, ok = h.tryAlloc(need, n)
		}
		h.mu.Unlock()
		if ok {
			h.d.mon.heapAlloc(need)
			return ref, buf, nil
		}

		if err := h.addSegment(need); err == nil {
			continue
		} else {
			h.d.log.warnf("heap segment creation failed,%s", err.Error())
		}

		if time.Now().After(deadline) {
			h.d.mon.heapExhausted()
			h.d.log.warnf("shared heap exhausted for %d chunks\n%s", need, h.fragmentationReport())
			return 0, nil, fmt.Errorf("no run of %d chunks within the allocation budget,%w", need, ErrHeapExhausted)
		}
		time.Sleep(pace.NextBackOff())
	}
}

// tryAlloc walks every segment for the first free run of need chunks.
// Runs under h.mu.
func (h *SharedHeap) tryAlloc(need, payload uint32) (HeapRef, []byte, bool) {
	for _, seg := range h.segments {
		start, ok := seg.findRun(need)
		if !ok {
			continue
		}
		seg.setChunkState(start, chunkAllocated)
		binary.LittleEndian.PutUint32(seg.chunkBytes(start), payload)
		buf := seg.chunkBytes(start)[heapSizeHeader : heapSizeHeader+payload]
		return makeHeapRef(seg.index, start), buf, true
	}
	return 0, nil, false
}

// findRun scans the chunk table from the front. Allocated and
// deallocated runs are skipped through their stored size, unallocated
// chunks accumulate until the run is long enough.
func (s *heapSegment) findRun(need uint32) (uint32, bool) {
	var runStart, runLen uint32
	i := uint32(0)
	for i < s.chunkCount {
		switch s.chunkState(i) {
		case chunkUnallocated:
			if runLen == 0 {
				runStart = i
			}
			runLen++
			if runLen == need {
				return runStart, true
			}
			i++
		case chunkAllocated, chunkDeallocated:
			runLen = 0
			run := s.runLength(i)
			if run == 0 || i+run > s.chunkCount {
				internalLogger.warnf("heap segment %d chunk %d carries a corrupt size, scan stopped", s.index, i)
				return 0, false
			}
			i += run
		default:
			runLen = 0
			i++
		}
	}
	return 0, false
}

// sweepLocked reclaims runs the peer marked deallocated. Runs under
// h.mu, the second phase of the two phase release.
func (h *SharedHeap) sweepLocked() {
	for _, seg := range h.segments {
		i := uint32(0)
		for i < seg.chunkCount {
			switch seg.chunkState(i) {
			case chunkAllocated:
				i += seg.runLength(i)
			case chunkDeallocated:
				run := seg.runLength(i)
				seg.setChunkState(i, chunkUnallocated)
				h.d.mon.heapDealloc(run)
				i += run
			default:
				i++
			}
		}
	}
}

// addSegment maps a fresh segment and announces it to the peer. A
// mapping failure halves the requested size until it reaches the
// smallest segment the run still fits in. The lock covers index
// reservation and creation, concurrent allocations must not race for
// one segment name.
func (h *SharedHeap) addSegment(need uint32) error {
	h.mu.Lock()
	idx, count, err := h.addSegmentLocked(need)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	if err := h.d.pushControl(CmdHeapAddSegment, idx); err != nil {
		h.d.log.warnf("heap segment %d announce failed,%s", idx, err.Error())
	}
	h.d.mon.heapSegmentAdded()
	h.d.log.infof("heap segment %d mapped, %d chunks of %d bytes", idx, count, h.d.conf.HeapChunkSize)
	return nil
}

func (h *SharedHeap) addSegmentLocked(need uint32) (idx, count uint32, err error) {
	idx = uint32(len(h.segments))
	if idx >= maxHeapSegments {
		return 0, 0, fmt.Errorf("heap already has %d segments,%w", idx, ErrHeapExhausted)
	}

	minSize := alignUp((need+64)*(h.d.conf.HeapChunkSize+1), 4096)
	size := h.d.conf.HeapSegmentSize
	if size < minSize {
		size = minSize
	}

	path := channelFilePath(h.segmentName(idx))
	var region *shm.Region
	for {
		if !canCreateOnDevShm(uint64(size), path) {
			err = fmt.Errorf("%w, path:%s, size:%d", ErrShareMemoryHadNotLeftSpace, path, size)
		} else if region, err = shm.CreateFile(path, int(size)); err == nil {
			break
		}
		if size <= minSize {
			return 0, 0, err
		}
		size >>= 1
		if size < minSize {
			size = minSize
		}
	}
	var dataOff uint32
	count, dataOff = segmentGeometry(size, h.d.conf.HeapChunkSize)
	if count == 0 {
		if closeErr := region.Close(); closeErr != nil {
			internalLogger.warnf("heap segment rollback close failed,%s", closeErr.Error())
		}
		return 0, 0, fmt.Errorf("segment of %d bytes holds no chunks of %d,%w", size, h.d.conf.HeapChunkSize, ErrConfig)
	}
	seg := &heapSegment{
		index:      idx,
		region:     region,
		chunkCount: count,
		chunkSize:  h.d.conf.HeapChunkSize,
		dataOff:    dataOff,
	}
	mem := region.Bytes()
	for i := uint32(0); i < count; i++ {
		mem[i] = chunkUnallocated
	}
	h.segments = append(h.segments, seg)
	return idx, count, nil
}

// attachSegment maps a segment announced by the owner.
func (h *SharedHeap) attachSegment(idx uint32) error {
	region, err := shm.OpenFile(channelFilePath(h.segmentName(idx)))
	if err != nil {
		return err
	}
	count, dataOff := segmentGeometry(uint32(region.Size()), h.d.conf.HeapChunkSize)
	if count == 0 {
		closeErr := region.Close()
		if closeErr != nil {
			internalLogger.warnf("heap segment rollback close failed,%s", closeErr.Error())
		}
		return fmt.Errorf("heap segment %d holds no chunks,%w", idx, ErrConfig)
	}
	seg := &heapSegment{
		index:      idx,
		region:     region,
		chunkCount: count,
		chunkSize:  h.d.conf.HeapChunkSize,
		dataOff:    dataOff,
	}

	h.mu.Lock()
	for uint32(len(h.segments)) <= idx {
		h.segments = append(h.segments, nil)
	}
	h.segments[idx] = seg
	h.mu.Unlock()

	h.d.log.infof("heap segment %d attached, %d chunks", idx, count)
	return nil
}

// Dealloc releases an allocation. The owner reclaims it immediately;
// the device marks it for the owner's next sweep.
func (h *SharedHeap) Dealloc(ref HeapRef) error {
	seg := h.segmentAt(ref.segment())
	if seg == nil || ref.chunk() >= seg.chunkCount {
		return fmt.Errorf("%s is outside the heap,%w", ref.String(), ErrConfig)
	}
	if h.d.role == RoleModule {
		if !seg.casChunkState(ref.chunk(), chunkAllocated, chunkUnallocated) {
			return fmt.Errorf("%s was not allocated,%w", ref.String(), ErrConfig)
		}
		h.d.mon.heapDealloc(seg.runLength(ref.chunk()))
		return nil
	}
	if !seg.casChunkState(ref.chunk(), chunkAllocated, chunkDeallocated) {
		return fmt.Errorf("%s was not allocated,%w", ref.String(), ErrConfig)
	}
	h.pinned.Remove(uint32(ref))
	return nil
}

// Announce hands ref to the device outside a command payload. The
// device pins it until a matching Retire, long lived allocations stay
// visible in its diagnostics.
func (h *SharedHeap) Announce(ref HeapRef) error {
	if h.d.role != RoleModule {
		return fmt.Errorf("the device end does not announce heap refs,%w", ErrSessionState)
	}
	if _, err := h.bytesOf(ref); err != nil {
		return err
	}
	return h.d.pushControl(CmdHeapAlloc, uint32(ref))
}

// Retire withdraws an announced ref from the device and releases the
// allocation.
func (h *SharedHeap) Retire(ref HeapRef) error {
	if h.d.role != RoleModule {
		return fmt.Errorf("the device end does not retire heap refs,%w", ErrSessionState)
	}
	if err := h.d.pushControl(CmdHeapDealloc, uint32(ref)); err != nil {
		return err
	}
	return h.Dealloc(ref)
}

// bytesOf resolves a ref into its payload window. The state table is
// the source of truth, a ref to anything but a live allocation is
// refused.
func (h *SharedHeap) bytesOf(ref HeapRef) ([]byte, error) {
	seg := h.segmentAt(ref.segment())
	if seg == nil || ref.chunk() >= seg.chunkCount {
		return nil, fmt.Errorf("%s is outside the heap,%w", ref.String(), ErrConfig)
	}
	if st := seg.chunkState(ref.chunk()); st != chunkAllocated {
		return nil, fmt.Errorf("%s is not allocated, state %d,%w", ref.String(), st, ErrConfig)
	}
	size := seg.payloadSize(ref.chunk())
	if chunksForSize(size+heapSizeHeader, seg.chunkSize) > seg.chunkCount-ref.chunk() {
		return nil, fmt.Errorf("%s carries a corrupt size %d,%w", ref.String(), size, ErrConfig)
	}
	return seg.chunkBytes(ref.chunk())[heapSizeHeader : heapSizeHeader+size], nil
}

// notePeerAlloc records a ref announced by the owner so diagnostics can
// show what the device is expected to hold.
func (h *SharedHeap) notePeerAlloc(ref HeapRef) {
	h.pinned.Set(uint32(ref), ref)
}

func (h *SharedHeap) releaseRef(ref HeapRef) {
	h.pinned.Remove(uint32(ref))
}

// PinnedRefs counts the refs announced to this end and not yet
// released.
func (h *SharedHeap) PinnedRefs() int { return h.pinned.Count() }

// fragmentationReport renders per segment usage with the share of free
// space that is unusable for a large run.
func (h *SharedHeap) fragmentationReport() string {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, seg := range h.segments {
		if seg == nil {
			continue
		}
		var free, largest, run uint32
		i := uint32(0)
		for i < seg.chunkCount {
			switch seg.chunkState(i) {
			case chunkUnallocated:
				free++
				run++
				if run > largest {
					largest = run
				}
				i++
			case chunkAllocated, chunkDeallocated:
				run = 0
				skip := seg.runLength(i)
				if skip == 0 || i+skip > seg.chunkCount {
					i = seg.chunkCount
					break
				}
				i += skip
			default:
				run = 0
				i++
			}
		}
		frag := uint32(0)
		if free > 0 {
			frag = 100 * (free - largest) / free
		}
		_, _ = fmt.Fprintf(bb, "segment %d: %d/%d chunks free, largest run %d, fragmentation %d%%\n",
			seg.index, free, seg.chunkCount, largest, frag)
	}
	return bb.String()
}

func (h *SharedHeap) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, seg := range h.segments {
		if seg == nil {
			continue
		}
		if err := seg.region.Close(); err != nil {
			internalLogger.warnf("heap segment %d unmap failed,%s", seg.index, err.Error())
		}
	}
	h.segments = nil
}
