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
	"encoding/binary"
	"fmt"
	"math"
)

// Command identifies an operation on the command queue. Values below
// CmdUserBase are reserved for the bridge protocol itself; applications
// register handlers for CmdUserBase and above.
type Command uint16

const (
	CmdInvalid Command = iota
	CmdSyn
	CmdAck
	CmdContinue
	CmdAny
	CmdResponse
	CmdDebugMessage
	CmdHeapAddSegment
	CmdHeapAlloc
	CmdHeapDealloc
	CmdUnlinkHandle

	// CmdUserBase is the first command id available to applications.
	CmdUserBase Command = 0x0100

	// CmdTerminate shuts down the peer's dispatch loop.
	CmdTerminate Command = math.MaxUint16
)

func (c Command) String() string {
	switch c {
	case CmdInvalid:
		return "Invalid"
	case CmdSyn:
		return "Syn"
	case CmdAck:
		return "Ack"
	case CmdContinue:
		return "Continue"
	case CmdAny:
		return "Any"
	case CmdResponse:
		return "Response"
	case CmdDebugMessage:
		return "DebugMessage"
	case CmdHeapAddSegment:
		return "HeapAddSegment"
	case CmdHeapAlloc:
		return "HeapAlloc"
	case CmdHeapDealloc:
		return "HeapDealloc"
	case CmdUnlinkHandle:
		return "UnlinkHandle"
	case CmdTerminate:
		return "Terminate"
	}
	if c >= CmdUserBase {
		return fmt.Sprintf("User(0x%04x)", uint16(c))
	}
	return fmt.Sprintf("Unknown(0x%04x)", uint16(c))
}

// Flags qualify how a command's payload travels.
type Flags uint16

const (
	// FlagDataInSharedHeap marks that the payload is stored in the
	// shared heap and only allocation ids travel on the data channel.
	FlagDataInSharedHeap Flags = 1 << 0

	// FlagDataIsReserved marks that the payload was staged in place via
	// a zero-copy reservation and only its offset travels.
	FlagDataIsReserved Flags = 1 << 1
)

// IsDataInSharedHeap reports whether the payload lives in the shared heap.
func (f Flags) IsDataInSharedHeap() bool { return f&FlagDataInSharedHeap != 0 }

// IsDataReserved reports whether the payload was staged via reservation.
func (f Flags) IsDataReserved() bool { return f&FlagDataIsReserved != 0 }

// Header is the fixed command queue record. DataOffset carries the
// writer's data channel cursor after the command's payload was staged,
// so the reader can verify both cursors are in sync after pulling the
// arguments. PHandle carries the resource handle the command targets;
// responses reuse it to echo the request UID.
type Header struct {
	Command    Command
	Flags      Flags
	DataOffset uint32
	PHandle    uint32
}

const (
	headerSize   = 12
	recordStride = 16
)

func putHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.Command))
	binary.LittleEndian.PutUint16(b[2:4], uint16(h.Flags))
	binary.LittleEndian.PutUint32(b[4:8], h.DataOffset)
	binary.LittleEndian.PutUint32(b[8:12], h.PHandle)
}

func getHeader(b []byte) Header {
	return Header{
		Command:    Command(binary.LittleEndian.Uint16(b[0:2])),
		Flags:      Flags(binary.LittleEndian.Uint16(b[2:4])),
		DataOffset: binary.LittleEndian.Uint32(b[4:8]),
		PHandle:    binary.LittleEndian.Uint32(b[8:12]),
	}
}

func (h Header) String() string {
	return fmt.Sprintf("{cmd:%s flags:0x%x dataOffset:%d pHandle:%d}",
		h.Command, uint16(h.Flags), h.DataOffset, h.PHandle)
}
