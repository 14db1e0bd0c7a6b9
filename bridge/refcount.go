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

import "sync/atomic"

// RefKind selects which side of the fused counter an operation moves.
type RefKind uint8

const (
	// RefObject counts every reference that keeps the remote object
	// alive, internal ones included.
	RefObject RefKind = iota
	// RefInterface counts externally visible references. Every
	// interface reference is also an object reference, so interface
	// operations move both halves in one atomic step.
	RefInterface
)

const (
	refObjectOne    uint64 = 1 << 32
	refInterfaceOne uint64 = 1
	refCombined            = refObjectOne | refInterfaceOne
)

// Lifecycle tracks the liveness of an object that physically lives in
// the peer process. The two counts share one word: the object count in
// the high half, the interface count in the low half. The destruction
// callback fires exactly once, on the transition of the object count
// to zero.
//
// A contained instance holds no counter of its own, both operations
// forward to the container so a group of objects created together
// share one count and one destruction instant.
type Lifecycle struct {
	fused     uint64
	destroyed uint32

	container *Lifecycle
	parent    *Lifecycle
	onDestroy func()
}

// NewLifecycle returns a standalone counter holding one object
// reference and no interface references.
func NewLifecycle(onDestroy func()) *Lifecycle {
	return &Lifecycle{fused: refObjectOne, onDestroy: onDestroy}
}

// NewContainedLifecycle returns an instance that forwards every
// operation to container.
func NewContainedLifecycle(container *Lifecycle) *Lifecycle {
	return &Lifecycle{container: container}
}

// SetParent wires cascading ownership: when the interface count leaves
// zero while the object is alive the parent gains an object reference,
// and loses it again when the interface count returns to zero.
func (lc *Lifecycle) SetParent(parent *Lifecycle) {
	if lc.container != nil {
		lc.container.SetParent(parent)
		return
	}
	lc.parent = parent
}

// AddRef raises the selected count and returns its new value.
func (lc *Lifecycle) AddRef(kind RefKind) uint32 {
	if lc.container != nil {
		return lc.container.AddRef(kind)
	}
	delta := refObjectOne
	if kind == RefInterface {
		delta = refCombined
	}
	next := atomic.AddUint64(&lc.fused, delta)
	if kind == RefInterface && uint32(next) == 1 && next>>32 > 1 && lc.parent != nil {
		// the object was alive on internal references only and is now
		// externally visible again
		lc.parent.AddRef(RefObject)
	}
	return lc.count(kind, next)
}

// Release lowers the selected count and returns its new value. A
// release against a count already at zero changes nothing and returns
// zero. An interface release drops both halves, and the one that moves
// the object count to zero runs the destruction callback.
func (lc *Lifecycle) Release(kind RefKind) uint32 {
	if lc.container != nil {
		return lc.container.Release(kind)
	}
	for {
		old := atomic.LoadUint64(&lc.fused)
		if old>>32 == 0 {
			return 0
		}
		delta := refObjectOne
		if kind == RefInterface {
			if uint32(old) == 0 {
				return 0
			}
			delta = refCombined
		}
		next := old - delta
		if !atomic.CompareAndSwapUint64(&lc.fused, old, next) {
			continue
		}
		if kind == RefInterface && uint32(next) == 0 && next>>32 > 0 && lc.parent != nil {
			lc.parent.Release(RefObject)
		}
		if next>>32 == 0 {
			lc.destroy()
		}
		return lc.count(kind, next)
	}
}

func (lc *Lifecycle) count(kind RefKind, fused uint64) uint32 {
	if kind == RefObject {
		return uint32(fused >> 32)
	}
	return uint32(fused)
}

func (lc *Lifecycle) destroy() {
	if atomic.CompareAndSwapUint32(&lc.destroyed, 0, 1) && lc.onDestroy != nil {
		lc.onDestroy()
	}
}

// ObjectRefs reads the object half of the counter.
func (lc *Lifecycle) ObjectRefs() uint32 {
	if lc.container != nil {
		return lc.container.ObjectRefs()
	}
	return uint32(atomic.LoadUint64(&lc.fused) >> 32)
}

// InterfaceRefs reads the interface half of the counter.
func (lc *Lifecycle) InterfaceRefs() uint32 {
	if lc.container != nil {
		return lc.container.InterfaceRefs()
	}
	return uint32(atomic.LoadUint64(&lc.fused))
}

// Alive reports whether the object count has not reached zero yet.
func (lc *Lifecycle) Alive() bool { return lc.ObjectRefs() > 0 }
