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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleObjectRefs(t *testing.T) {
	fmt.Println("-----------test lifecycle object refs ----------------")
	var destroyed uint32
	lc := NewLifecycle(func() { atomic.AddUint32(&destroyed, 1) })

	assert.Equal(t, uint32(1), lc.ObjectRefs())
	assert.Equal(t, uint32(0), lc.InterfaceRefs())
	assert.True(t, lc.Alive())

	assert.Equal(t, uint32(2), lc.AddRef(RefObject))
	assert.Equal(t, uint32(1), lc.Release(RefObject))
	assert.Equal(t, uint32(0), atomic.LoadUint32(&destroyed))

	assert.Equal(t, uint32(0), lc.Release(RefObject))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&destroyed))
	assert.False(t, lc.Alive())

	// releases against a dead object change nothing
	assert.Equal(t, uint32(0), lc.Release(RefObject))
	assert.Equal(t, uint32(0), lc.Release(RefInterface))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&destroyed))

	// a revived object never fires the callback a second time
	assert.Equal(t, uint32(1), lc.AddRef(RefObject))
	assert.True(t, lc.Alive())
	assert.Equal(t, uint32(0), lc.Release(RefObject))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&destroyed))
}

func TestLifecycleInterfaceRefs(t *testing.T) {
	fmt.Println("-----------test lifecycle interface refs ----------------")
	var destroyed uint32
	lc := NewLifecycle(func() { atomic.AddUint32(&destroyed, 1) })

	// an interface reference is also an object reference
	assert.Equal(t, uint32(1), lc.AddRef(RefInterface))
	assert.Equal(t, uint32(2), lc.ObjectRefs())
	assert.Equal(t, uint32(2), lc.AddRef(RefInterface))
	assert.Equal(t, uint32(3), lc.ObjectRefs())

	assert.Equal(t, uint32(1), lc.Release(RefInterface))
	assert.Equal(t, uint32(2), lc.ObjectRefs())
	assert.Equal(t, uint32(0), lc.Release(RefInterface))
	assert.Equal(t, uint32(1), lc.ObjectRefs())
	assert.True(t, lc.Alive())

	// the interface half is already empty, nothing moves
	assert.Equal(t, uint32(0), lc.Release(RefInterface))
	assert.Equal(t, uint32(1), lc.ObjectRefs())
	assert.Equal(t, uint32(0), atomic.LoadUint32(&destroyed))

	assert.Equal(t, uint32(0), lc.Release(RefObject))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&destroyed))
}

func TestLifecycleParentCascade(t *testing.T) {
	fmt.Println("-----------test lifecycle parent cascade ----------------")
	var parentGone, childGone uint32
	parent := NewLifecycle(func() { atomic.AddUint32(&parentGone, 1) })
	child := NewLifecycle(func() { atomic.AddUint32(&childGone, 1) })
	child.SetParent(parent)

	// the first interface reference makes the child externally visible,
	// the parent picks up an object reference
	assert.Equal(t, uint32(1), child.AddRef(RefInterface))
	assert.Equal(t, uint32(2), parent.ObjectRefs())

	// more interface references leave the parent untouched
	assert.Equal(t, uint32(2), child.AddRef(RefInterface))
	assert.Equal(t, uint32(2), parent.ObjectRefs())
	assert.Equal(t, uint32(1), child.Release(RefInterface))
	assert.Equal(t, uint32(2), parent.ObjectRefs())

	// the last interface release hands the parent reference back
	assert.Equal(t, uint32(0), child.Release(RefInterface))
	assert.Equal(t, uint32(1), parent.ObjectRefs())
	assert.True(t, parent.Alive())
	assert.True(t, child.Alive())

	assert.Equal(t, uint32(0), child.Release(RefObject))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&childGone))
	assert.Equal(t, uint32(0), atomic.LoadUint32(&parentGone))
	assert.Equal(t, uint32(0), parent.Release(RefObject))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&parentGone))
}

func TestLifecycleContained(t *testing.T) {
	fmt.Println("-----------test lifecycle contained ----------------")
	var destroyed uint32
	container := NewLifecycle(func() { atomic.AddUint32(&destroyed, 1) })
	part := NewContainedLifecycle(container)

	// every operation on the part moves the container's counter
	assert.Equal(t, uint32(2), part.AddRef(RefObject))
	assert.Equal(t, uint32(2), container.ObjectRefs())
	assert.Equal(t, uint32(2), part.ObjectRefs())
	assert.Equal(t, uint32(1), part.AddRef(RefInterface))
	assert.Equal(t, uint32(1), container.InterfaceRefs())

	assert.Equal(t, uint32(0), part.Release(RefInterface))
	assert.Equal(t, uint32(1), part.Release(RefObject))
	assert.True(t, part.Alive())
	assert.Equal(t, uint32(0), part.Release(RefObject))
	assert.False(t, container.Alive())
	assert.Equal(t, uint32(1), atomic.LoadUint32(&destroyed))
}

func TestLifecycleConcurrent(t *testing.T) {
	fmt.Println("-----------test lifecycle concurrent ----------------")
	const workers = 8
	const rounds = 1000

	var destroyed uint32
	lc := NewLifecycle(func() { atomic.AddUint32(&destroyed, 1) })

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				lc.AddRef(RefObject)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(1+workers*rounds), lc.ObjectRefs())

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				lc.Release(RefObject)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(1), lc.ObjectRefs())
	assert.Equal(t, uint32(0), atomic.LoadUint32(&destroyed))

	assert.Equal(t, uint32(0), lc.Release(RefObject))
	assert.Equal(t, uint32(1), atomic.LoadUint32(&destroyed))
}

func TestLifecycleConcurrentInterface(t *testing.T) {
	fmt.Println("-----------test lifecycle concurrent interface ----------------")
	const workers = 8
	const rounds = 500

	var parentGone uint32
	parent := NewLifecycle(func() { atomic.AddUint32(&parentGone, 1) })
	child := NewLifecycle(nil)
	child.SetParent(parent)

	// hold the parent across the churn, the cascade below moves its
	// counter up and down concurrently
	parent.AddRef(RefObject)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				child.AddRef(RefInterface)
				child.Release(RefInterface)
			}
		}()
	}
	wg.Wait()

	// every visibility gain was paired with a matching drop
	assert.Equal(t, uint32(0), child.InterfaceRefs())
	assert.Equal(t, uint32(1), child.ObjectRefs())
	assert.Equal(t, uint32(2), parent.ObjectRefs())
	assert.Equal(t, uint32(0), atomic.LoadUint32(&parentGone))

	assert.Equal(t, uint32(1), parent.Release(RefObject))
	assert.True(t, parent.Alive())
}
