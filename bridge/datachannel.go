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
)

const dataCellSize = 4

// dataChannel is one direction of the payload stream, a window of
// 4 byte cells shared between two processes. There is no shared
// read/write index, each side keeps a private cursor and advances it
// by applying the same deterministic rules to the same sequence of
// records. Payloads travel as a size cell followed by the payload
// cells, and a payload never splits across the end of the window.
//
// The overwrite window between a fast writer and a slow reader is
// policed one level up through the channel sync header, the cursor
// arithmetic here must stay in lockstep with that accounting.
type dataChannel struct {
	cells []byte
	cap   uint32
	pos   uint32

	// pending cells of an open blob push, committed by endBlob
	blobCells uint32
}

func newDataChannel(mem []byte, cells uint32) (*dataChannel, error) {
	if cells < 2 {
		return nil, fmt.Errorf("data channel of %d cells could never carry a payload,%w", cells, ErrConfig)
	}
	if uint32(len(mem)) < cells*dataCellSize {
		return nil, fmt.Errorf("data window %d bytes, need %d,%w", len(mem), cells*dataCellSize, ErrConfig)
	}
	return &dataChannel{
		cells: mem[:cells*dataCellSize],
		cap:   cells,
	}, nil
}

// ensureSpace applies the shared wrap rule before a read or write of
// needed cells. When the last cell of the item would land past the end
// of the window the cursor snaps back to zero, both sides derive the
// same decision from the same cursor so they never disagree on where a
// record starts. The overwrite accounting one level up computes the
// very same predicate, pos+needed-1 >= cap, the two must never drift.
func (d *dataChannel) ensureSpace(needed uint32) (bool, error) {
	if needed > d.cap {
		return false, fmt.Errorf("payload of %d cells exceeds the data channel capacity of %d cells, raise the channel MemSize,%w",
			needed, d.cap, ErrDataTooLarge)
	}
	if d.pos+needed > d.cap {
		d.pos = 0
		return true, nil
	}
	return false, nil
}

func (d *dataChannel) putCell(v uint32) {
	binary.LittleEndian.PutUint32(d.cells[d.pos*dataCellSize:], v)
	d.pos++
}

func (d *dataChannel) getCell() uint32 {
	v := binary.LittleEndian.Uint32(d.cells[d.pos*dataCellSize:])
	d.pos++
	return v
}

// pushCell writes one raw cell. The reported wrap lets the caller keep
// the overwrite accounting aligned with the cursor.
func (d *dataChannel) pushCell(v uint32) (bool, error) {
	wrapped, err := d.ensureSpace(1)
	if err != nil {
		return false, err
	}
	d.putCell(v)
	return wrapped, nil
}

func (d *dataChannel) pullCell() (uint32, bool, error) {
	wrapped, err := d.ensureSpace(1)
	if err != nil {
		return 0, false, err
	}
	return d.getCell(), wrapped, nil
}

// pushPayload writes the raw payload cells of an item whose size cell
// has already been pushed. The size cell and the payload wrap
// independently, a reader that has only consumed the size cell still
// lands on the payload by replaying the same rule.
func (d *dataChannel) pushPayload(b []byte) (bool, error) {
	cells := cellsForBytes(uint32(len(b)))
	wrapped, err := d.ensureSpace(cells)
	if err != nil {
		return false, err
	}
	copy(d.cells[d.pos*dataCellSize:], b)
	d.pos += cells
	return wrapped, nil
}

// pushBytes writes a size cell and the payload behind it.
func (d *dataChannel) pushBytes(b []byte) (bool, error) {
	wrapped, err := d.pushCell(uint32(len(b)))
	if err != nil {
		return false, err
	}
	w2, err := d.pushPayload(b)
	return wrapped || w2, err
}

// beginPayload reserves room for n payload bytes and hands back the
// window so the caller can fill it in place. endPayload commits the
// cursor, nothing is visible to the peer before the surrounding
// command is pushed.
func (d *dataChannel) beginPayload(n uint32) ([]byte, bool, error) {
	if d.blobCells != 0 {
		return nil, false, fmt.Errorf("previous blob push was never committed,%w", ErrSessionState)
	}
	cells := cellsForBytes(n)
	wrapped, err := d.ensureSpace(cells)
	if err != nil {
		return nil, false, err
	}
	d.blobCells = cells
	off := d.pos * dataCellSize
	return d.cells[off : off+n], wrapped, nil
}

func (d *dataChannel) endPayload() {
	d.pos += d.blobCells
	d.blobCells = 0
}

// pullPayload consumes size payload bytes, appending them to dst.
func (d *dataChannel) pullPayload(size uint32, dst []byte) ([]byte, bool, error) {
	cells := cellsForBytes(size)
	if cells > d.cap {
		return dst, false, fmt.Errorf("size cell of %d bytes exceeds the data channel,%w", size, ErrDataTooLarge)
	}
	wrapped, err := d.ensureSpace(cells)
	if err != nil {
		return dst, false, err
	}
	off := d.pos * dataCellSize
	dst = append(dst, d.cells[off:off+size]...)
	d.pos += cells
	return dst, wrapped, nil
}

// pullBytes consumes a size cell and its payload. A size that cannot
// fit the window means the cursors have diverged from the writer.
func (d *dataChannel) pullBytes(dst []byte) ([]byte, bool, error) {
	size, wrapped, err := d.pullCell()
	if err != nil {
		return dst, false, err
	}
	out, w2, err := d.pullPayload(size, dst)
	return out, wrapped || w2, err
}
