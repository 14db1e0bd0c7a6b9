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
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"
)

const historyDepth = 64

// commandHistory journals the most recent commands a side pushed or
// popped so a failure report can show what led up to it. The shared
// rings overwrite their slots quickly, this local ring survives them.
type commandHistory struct {
	ring *queuepkg.RingBuffer
}

type historyEntry struct {
	h    Header
	when time.Time
	sent bool
}

func newCommandHistory() *commandHistory {
	return &commandHistory{ring: queuepkg.NewRingBuffer(historyDepth)}
}

// record never blocks, when the ring is full the oldest entry is
// dropped to make room.
func (c *commandHistory) record(h Header, sent bool) {
	e := historyEntry{h: h, when: time.Now(), sent: sent}
	for {
		ok, err := c.ring.Offer(e)
		if err != nil || ok {
			return
		}
		if _, err := c.ring.Poll(time.Millisecond); err != nil {
			return
		}
	}
}

func (c *commandHistory) len() uint64 { return c.ring.Len() }

// dump drains the journal into a printable report, oldest entry first.
func (c *commandHistory) dump() string {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	n := c.ring.Len()
	for i := uint64(0); i < n; i++ {
		item, err := c.ring.Poll(time.Millisecond)
		if err != nil {
			break
		}
		e, ok := item.(historyEntry)
		if !ok {
			continue
		}
		dir := "popped"
		if e.sent {
			dir = "pushed"
		}
		_, _ = fmt.Fprintf(bb, "%s %s %s\n", e.when.Format("15:04:05.000000"), dir, e.h.String())
	}
	return bb.String()
}

func (c *commandHistory) close() {
	c.ring.Dispose()
}
