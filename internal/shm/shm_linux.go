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

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CreateMemfd creates an anonymous memfd-backed region of size bytes.
// The returned fd can be passed to the peer so it can OpenFd the same
// memory.
func CreateMemfd(name string, size int) (*Region, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s failed,%w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("truncate share memory failed,%w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	for i := 0; i < len(mem); i++ {
		mem[i] = 0
	}
	return &Region{mem: mem, fd: fd, owner: true, memfd: true}, nil
}

// CreateFile creates a file-backed region, typically under /dev/shm so
// the peer can open it by name. Fails if the path already exists.
func CreateFile(path string, size int) (*Region, error) {
	//ignore mkdir error
	_ = os.MkdirAll(filepath.Dir(path), os.ModePerm)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("share memory was existed,path %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, err
	}
	// the mapping pins the pages, the descriptor is not needed afterwards
	defer func() { _ = f.Close() }()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("truncate share memory failed,%s", err.Error())
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(mem); i++ {
		mem[i] = 0
	}
	return &Region{mem: mem, fd: -1, path: path, owner: true}, nil
}

// OpenFd maps an existing region through a descriptor received from the
// owner. The mapping size is taken from the descriptor.
func OpenFd(fd int) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Region{mem: mem, fd: fd, memfd: true}, nil
}

// OpenFile maps an existing file-backed region by path.
func OpenFile(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Region{mem: mem, fd: -1, path: path}, nil
}

// Close unmaps the region. The owner of a file-backed region also
// removes the file; memfd descriptors are closed on both sides.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if r.path != "" {
		if r.owner {
			if rmErr := os.Remove(r.path); rmErr != nil && err == nil {
				err = rmErr
			}
		}
	}
	if r.fd >= 0 {
		if cErr := unix.Close(r.fd); cErr != nil && err == nil {
			err = cErr
		}
		r.fd = -1
	}
	return err
}
