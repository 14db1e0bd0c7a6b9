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
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srediag/bridge-shm/internal/shm"
)

func testChannelName() string {
	return "chan_test_" + strconv.Itoa(int(rand.Int63()))
}

func testChannelConfig() ChannelConfig {
	return ChannelConfig{MemSize: 1600, CmdEntries: 4}
}

func TestChannelCreateOpen(t *testing.T) {
	fmt.Println("-----------test channel create open ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("channel regions need linux")
	}
	name := testChannelName()
	owner, err := createChannel(name, testChannelConfig(), QueueBackendAtomic, MemMapTypeDevShmFile, 3)
	assert.Equal(t, nil, err)
	assert.True(t, pathExists(channelFilePath(name)))

	peer, err := openChannelFile(name, QueueBackendAtomic)
	assert.Equal(t, nil, err)

	assert.Equal(t, uint32(4), owner.queue.capacity())
	assert.Equal(t, uint32(256), owner.data.cap)
	assert.Equal(t, owner.data.cap, peer.data.cap)

	// commands cross the mapping boundary
	err = owner.queue.tryPush(Header{Command: CmdUserBase, DataOffset: 11, PHandle: 22})
	assert.Equal(t, nil, err)
	h, err := peer.queue.tryPop()
	assert.Equal(t, nil, err)
	assert.Equal(t, CmdUserBase, h.Command)
	assert.Equal(t, uint32(11), h.DataOffset)
	assert.Equal(t, uint32(22), h.PHandle)

	// so do data cells and the sync header
	payload := testPattern(100, 0x5a)
	_, err = owner.data.pushBytes(payload)
	assert.Equal(t, nil, err)
	out, _, err := peer.data.pullBytes(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, payload, out)

	owner.storeGuard(7)
	assert.Equal(t, int64(7), peer.loadGuard())
	peer.storeServerDataPos(26)
	assert.Equal(t, int64(26), owner.loadServerDataPos())
	owner.setResetRequired(true)
	assert.True(t, peer.resetRequired())
	peer.setResetRequired(false)
	assert.False(t, owner.resetRequired())

	// semaphores share their cells too
	assert.Equal(t, uint32(0), owner.dataSem.Value())
	assert.Equal(t, nil, peer.dataSem.Post(1))
	assert.Equal(t, uint32(1), owner.dataSem.Value())
	assert.Equal(t, uint32(3), peer.flowSem.Value())

	peer.close()
	owner.close()
	assert.False(t, pathExists(channelFilePath(name)))
}

func TestChannelCreateExisting(t *testing.T) {
	fmt.Println("-----------test channel create existing ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("channel regions need linux")
	}
	name := testChannelName()
	owner, err := createChannel(name, testChannelConfig(), QueueBackendAtomic, MemMapTypeDevShmFile, 3)
	assert.Equal(t, nil, err)
	defer owner.close()

	_, err = createChannel(name, testChannelConfig(), QueueBackendAtomic, MemMapTypeDevShmFile, 3)
	assert.True(t, errors.Is(err, ErrChannelExists))
}

func TestChannelOpenNotReady(t *testing.T) {
	fmt.Println("-----------test channel open not ready ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("channel regions need linux")
	}
	name := testChannelName()

	_, err := openChannelFile(name, QueueBackendAtomic)
	assert.True(t, pathMissing(err))

	// a region without its magic has not been initialized yet
	region, err := shm.CreateFile(channelFilePath(name), 4096)
	assert.Equal(t, nil, err)
	defer func() { _ = region.Close() }()
	_, err = openChannelFile(name, QueueBackendAtomic)
	assert.True(t, errors.Is(err, ErrChannelNotReady))
}

func TestChannelOpenMismatch(t *testing.T) {
	fmt.Println("-----------test channel open mismatch ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("channel regions need linux")
	}
	name := testChannelName()
	owner, err := createChannel(name, testChannelConfig(), QueueBackendAtomic, MemMapTypeDevShmFile, 3)
	assert.Equal(t, nil, err)
	defer owner.close()

	_, err = openChannelFile(name, QueueBackendBlocking)
	assert.True(t, errors.Is(err, ErrConfig))

	// a region far below the fixed blocks is rejected outright
	tiny := testChannelName()
	region, err := shm.CreateFile(channelFilePath(tiny), 256)
	assert.Equal(t, nil, err)
	defer func() { _ = region.Close() }()
	_, err = openChannelFile(tiny, QueueBackendAtomic)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestChannelMemfd(t *testing.T) {
	fmt.Println("-----------test channel memfd ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("channel regions need linux")
	}
	name := testChannelName()
	owner, err := createChannel(name, testChannelConfig(), QueueBackendAtomic, MemMapTypeMemFd, 3)
	assert.Equal(t, nil, err)
	defer owner.close()
	assert.True(t, owner.region.Fd() >= 0)
	assert.False(t, pathExists(channelFilePath(name)))

	peer, err := openChannelFd(name, owner.region.Fd(), QueueBackendAtomic)
	assert.Equal(t, nil, err)

	err = owner.queue.tryPush(Header{Command: CmdUserBase, PHandle: 5})
	assert.Equal(t, nil, err)
	h, err := peer.queue.tryPop()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint32(5), h.PHandle)
	peer.close()
}

func TestChannelView(t *testing.T) {
	fmt.Println("-----------test channel view ----------------")
	if runtime.GOOS != "linux" {
		t.Skip("channel regions need linux")
	}
	name := testChannelName()
	owner, err := createChannel(name, testChannelConfig(), QueueBackendAtomic, MemMapTypeDevShmFile, 3)
	assert.Equal(t, nil, err)
	defer owner.close()

	err = owner.queue.tryPush(Header{Command: CmdUserBase})
	assert.Equal(t, nil, err)
	owner.storeServerDataPos(9)
	owner.storeGuard(4)
	owner.setResetRequired(true)

	v := viewChannelBytes(owner.region.Bytes())
	assert.Equal(t, uint32(4), v.cmdEntries)
	assert.Equal(t, uint32(256), v.dataCells)
	assert.Equal(t, uint32(1), v.writeIdx)
	assert.Equal(t, uint32(0), v.readIdx)
	assert.Equal(t, uint32(1), v.pending)
	assert.Equal(t, int64(9), v.serverDataPos)
	assert.Equal(t, int64(4), v.clientDataExpectedPos)
	assert.True(t, v.resetRequired)
}

func TestChannelGeometry(t *testing.T) {
	fmt.Println("-----------test channel geometry ----------------")
	assert.Equal(t, uint32(256+320+256), channelMinMemSize(4))
	assert.Equal(t, uint32(256), channelDataCells(1600, 4))
	m2d, d2m := channelNames("tok", KindModule)
	assert.Equal(t, "tok_module_m2d", m2d)
	assert.Equal(t, "tok_module_d2m", d2m)
	m2d, d2m = channelNames("tok", KindDevice)
	assert.Equal(t, "tok_device_m2d", m2d)
	assert.Equal(t, "tok_device_d2m", d2m)
}
