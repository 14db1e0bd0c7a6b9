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

//go:build !linux

package shm

// CreateMemfd is unsupported on this platform.
func CreateMemfd(name string, size int) (*Region, error) {
	return nil, ErrNotSupported
}

// CreateFile is unsupported on this platform.
func CreateFile(path string, size int) (*Region, error) {
	return nil, ErrNotSupported
}

// OpenFd is unsupported on this platform.
func OpenFd(fd int) (*Region, error) {
	return nil, ErrNotSupported
}

// OpenFile is unsupported on this platform.
func OpenFile(path string) (*Region, error) {
	return nil, ErrNotSupported
}

// Close is a no-op on this platform.
func (r *Region) Close() error {
	return nil
}
