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

import "time"

// Semaphore is unsupported on this platform; every operation fails.
type Semaphore struct{}

func NewSemaphore(r *Region, off int, initial int) *Semaphore { return &Semaphore{} }

func (s *Semaphore) Value() uint32 { return 0 }

func (s *Semaphore) TryWait() bool { return false }

func (s *Semaphore) Wait(timeout time.Duration) error { return ErrNotSupported }

func (s *Semaphore) Post(n int) error { return ErrNotSupported }
