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
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// remoteObject is one exported object: the value some handler serves,
// the handle the peer addresses it by, and the counter deciding when
// it dies.
type remoteObject struct {
	handle uint32
	value  any
	lc     *Lifecycle
}

// objectRegistry keeps every object this end exported to the peer.
// Handles travel inside response payloads; the peer hands one back in
// an unlink control command when its last wrapper is gone.
type objectRegistry struct {
	objects    cmap.ConcurrentMap[uint32, *remoteObject]
	nextHandle uint32
}

func newObjectRegistry() *objectRegistry {
	return &objectRegistry{
		objects: cmap.NewWithCustomShardingFunction[uint32, *remoteObject](func(key uint32) uint32 {
			return key
		}),
	}
}

// export registers value under a fresh handle. The registry holds the
// initial object reference; onDestroy runs after the entry is gone.
func (r *objectRegistry) export(value any, onDestroy func()) *remoteObject {
	handle := atomic.AddUint32(&r.nextHandle, 1)
	obj := &remoteObject{handle: handle, value: value}
	obj.lc = NewLifecycle(func() {
		r.objects.Remove(handle)
		if onDestroy != nil {
			onDestroy()
		}
	})
	r.objects.Set(handle, obj)
	return obj
}

func (r *objectRegistry) lookup(handle uint32) (*remoteObject, bool) {
	return r.objects.Get(handle)
}

// release drops the registry's reference for handle. An unknown handle
// is ignored, the peer may retire a handle twice during shutdown.
func (r *objectRegistry) release(handle uint32) {
	if obj, ok := r.objects.Get(handle); ok {
		obj.lc.Release(RefObject)
	}
}

func (r *objectRegistry) len() int { return r.objects.Count() }

func (r *objectRegistry) close() {
	for entry := range r.objects.IterBuffered() {
		entry.Val.lc.Release(RefObject)
	}
}

// ExportObject publishes value to the peer and returns the handle to
// embed in a response payload. The object stays alive until the peer
// unlinks the handle or the bridge closes.
func (d *Duplex) ExportObject(value any, onDestroy func()) (uint32, error) {
	if value == nil {
		return 0, fmt.Errorf("nil value exported,%w", ErrConfig)
	}
	obj := d.registry.export(value, onDestroy)
	return obj.handle, nil
}

// LookupObject resolves a handle exported by this end.
func (d *Duplex) LookupObject(handle uint32) (any, bool) {
	obj, ok := d.registry.lookup(handle)
	if !ok {
		return nil, false
	}
	return obj.value, true
}

// ObjectLifecycle exposes the counter of an exported object so call
// wrappers can take and drop references on it.
func (d *Duplex) ObjectLifecycle(handle uint32) (*Lifecycle, bool) {
	obj, ok := d.registry.lookup(handle)
	if !ok {
		return nil, false
	}
	return obj.lc, true
}

// UnlinkHandle tells the peer the last local wrapper of handle is
// gone. Fire and forget, the peer side registry drops its reference.
func (d *Duplex) UnlinkHandle(handle uint32) error {
	return d.pushControl(CmdUnlinkHandle, handle)
}

// ExportedObjects counts the live entries in the local registry.
func (d *Duplex) ExportedObjects() int { return d.registry.len() }
