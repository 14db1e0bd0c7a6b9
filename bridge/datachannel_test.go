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
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// testDataPair maps a writer and a reader cursor over the same cell
// window, the in-process equivalent of the two sides of a channel.
func testDataPair(t *testing.T, cells uint32) (w, r *dataChannel) {
	mem := make([]byte, cells*dataCellSize)
	w, err := newDataChannel(mem, cells)
	assert.Equal(t, nil, err)
	r, err = newDataChannel(mem, cells)
	assert.Equal(t, nil, err)
	return w, r
}

func testPattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestDataChannelOperate(t *testing.T) {
	fmt.Println("-----------test data channel operate ----------------")
	w, r := testDataPair(t, 64)

	for i := uint32(1); i <= 5; i++ {
		wrapped, err := w.pushCell(i * 7)
		assert.Equal(t, nil, err)
		assert.False(t, wrapped)
	}
	for i := uint32(1); i <= 5; i++ {
		v, wrapped, err := r.pullCell()
		assert.Equal(t, nil, err)
		assert.False(t, wrapped)
		assert.Equal(t, i*7, v)
	}

	payload := []byte("hello shared memory")
	wrapped, err := w.pushBytes(payload)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	out, wrapped, err := r.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	assert.Equal(t, payload, out)
	assert.Equal(t, w.pos, r.pos)
}

func TestDataChannelEmptyPayload(t *testing.T) {
	fmt.Println("-----------test data channel empty payload ----------------")
	w, r := testDataPair(t, 16)

	// an empty payload still occupies its size cell
	wrapped, err := w.pushBytes(nil)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	assert.Equal(t, uint32(1), w.pos)

	out, wrapped, err := r.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	assert.Equal(t, 0, len(out))
	assert.Equal(t, uint32(1), r.pos)
}

func TestDataChannelWrapLockstep(t *testing.T) {
	fmt.Println("-----------test data channel wrap lockstep ----------------")
	w, r := testDataPair(t, 16)

	pA := testPattern(20, 0x10) // 5 payload cells
	pB := testPattern(24, 0x40) // 6 payload cells
	wrapped, err := w.pushBytes(pA)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	wrapped, err = w.pushBytes(pB)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	assert.Equal(t, uint32(13), w.pos)

	out, _, err := r.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, pA, out)
	out, _, err = r.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, pB, out)
	assert.Equal(t, uint32(13), r.pos)

	// the size cell fits at 13 but the 4 payload cells do not, the
	// payload snaps to the front while the size cell stays behind
	pC := testPattern(16, 0x70)
	wrapped, err = w.pushBytes(pC)
	assert.Equal(t, nil, err)
	assert.True(t, wrapped)
	assert.Equal(t, uint32(4), w.pos)

	out, wrapped, err = r.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.True(t, wrapped)
	assert.Equal(t, pC, out)
	assert.Equal(t, uint32(4), r.pos)

	// a payload ending exactly on the boundary does not wrap
	pD := testPattern(44, 0xa0) // 11 payload cells, lands on cell 16
	wrapped, err = w.pushBytes(pD)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	assert.Equal(t, uint32(16), w.pos)

	out, wrapped, err = r.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	assert.Equal(t, pD, out)
	assert.Equal(t, uint32(16), r.pos)

	// the next cell wraps on both sides
	wrapped, err = w.pushCell(42)
	assert.Equal(t, nil, err)
	assert.True(t, wrapped)
	v, wrapped, err := r.pullCell()
	assert.Equal(t, nil, err)
	assert.True(t, wrapped)
	assert.Equal(t, uint32(42), v)
	assert.Equal(t, uint32(1), w.pos)
	assert.Equal(t, uint32(1), r.pos)
}

func TestDataChannelSizing(t *testing.T) {
	fmt.Println("-----------test data channel sizing ----------------")
	_, err := newDataChannel(make([]byte, 8), 1)
	assert.True(t, errors.Is(err, ErrConfig))
	_, err = newDataChannel(make([]byte, 7), 2)
	assert.True(t, errors.Is(err, ErrConfig))

	w, r := testDataPair(t, 16)
	_, err = w.pushPayload(testPattern(17*dataCellSize, 1))
	assert.True(t, errors.Is(err, ErrDataTooLarge))
	_, _, err = r.pullPayload(17*dataCellSize, nil)
	assert.True(t, errors.Is(err, ErrDataTooLarge))
}

func TestDataChannelBlobReservation(t *testing.T) {
	fmt.Println("-----------test data channel blob reservation ----------------")
	w, r := testDataPair(t, 16)

	payload := testPattern(10, 0x33)
	wrapped, err := w.pushCell(uint32(len(payload)))
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	buf, wrapped, err := w.beginPayload(uint32(len(payload)))
	assert.Equal(t, nil, err)
	assert.False(t, wrapped)
	assert.Equal(t, len(payload), len(buf))

	// a second reservation before the first commit is refused
	_, _, err = w.beginPayload(4)
	assert.True(t, errors.Is(err, ErrSessionState))

	// the cursor moves on commit, not on reservation
	assert.Equal(t, uint32(1), w.pos)
	copy(buf, payload)
	w.endPayload()
	assert.Equal(t, uint32(4), w.pos)

	out, _, err := r.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, payload, out)
	assert.Equal(t, w.pos, r.pos)
}

func TestDataChannelRandomLockstep(t *testing.T) {
	fmt.Println("-----------test data channel random lockstep ----------------")
	w, r := testDataPair(t, 32)

	for round := 0; round < 2000; round++ {
		payload := testPattern(rand.Intn(100), byte(round))
		wWrapped, err := w.pushBytes(payload)
		assert.Equal(t, nil, err)
		out, rWrapped, err := r.pullBytes(nil)
		assert.Equal(t, nil, err)
		if !bytes.Equal(payload, out) {
			t.Fatalf("round %d payload mismatch", round)
		}
		assert.Equal(t, wWrapped, rWrapped)
		assert.Equal(t, w.pos, r.pos)
	}
}
