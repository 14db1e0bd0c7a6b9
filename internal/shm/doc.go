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

// Package shm maps shared-memory regions and provides the futex-backed
// semaphore used for cross-process signaling inside those regions.
//
// A Region is created by exactly one process (the owner) and opened by
// its peer, either through a memfd passed over some host channel or by
// name under /dev/shm. Semaphore cells live inside the mapped bytes, so
// both processes wait and post on the same 4-byte word.
package shm
