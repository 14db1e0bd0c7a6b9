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
	"io/fs"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const devShmPath = "/dev/shm"

func pathMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	if err != nil {
		return os.IsExist(err)
	}
	return true
}

// canCreateOnDevShm returns whether the tmpfs behind /dev/shm still has
// `size` bytes free. Paths outside /dev/shm and non-linux hosts always
// pass, the mmap itself will fail later if the filesystem is full.
func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS == "linux" && strings.HasPrefix(path, devShmPath) {
		stat, err := disk.Usage(devShmPath)
		if err != nil {
			internalLogger.warnf("disk usage stat on %s failed: %s", devShmPath, err.Error())
			return true
		}
		return stat.Free >= size
	}
	return true
}

func safeRemoveShmFile(path string) bool {
	if pathExists(path) {
		return os.Remove(path) == nil
	}
	return false
}

// osSupported reports whether the platform carries the memfd and futex
// primitives the channels are built on.
func osSupported() bool {
	return runtime.GOOS == "linux"
}

func isArmArch() bool {
	return strings.Contains(runtime.GOARCH, "arm")
}

// cellsForBytes is the number of 4 byte cells a payload of n bytes
// occupies in the data channel.
func cellsForBytes(n uint32) uint32 {
	return (n + dataCellSize - 1) / dataCellSize
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
