// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package abi

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"splitworld.dev/smc/pkg/sync"
)

// L1 page geometry.
const (
	L1Size = 4096

	// RingCapacity is the number of slots in each of the command and
	// answer rings.
	RingCapacity = 32

	l1HeaderSize   = 256
	offCommandRing = l1HeaderSize
	offAnswerRing  = offCommandRing + RingCapacity*CommandSlotSize
)

// L1 header offsets. Every field is a 32-bit word written by exactly one
// side.
const (
	offVersion          = 0  // normal
	offStatus           = 4  // secure
	offConfigFlags      = 8  // secure
	offFirstCommand     = 16 // secure
	offFirstFreeCommand = 20 // normal
	offFirstAnswer      = 24 // normal
	offFirstFreeAnswer  = 28 // secure
	offSerialN          = 32 // normal
	offSerialS          = 36 // secure
	offTimeN            = 40 // normal, 2 slots of 2 words
	offTimeS            = 56 // secure, 2 slots of 2 words
	offRPCID            = 72 // secure
	offRPCCommand       = 76 // secure
	offRPCStatus        = 80 // normal
	offRPCResultLen     = 84 // normal
)

// The answer ring must end exactly at the end of the page.
var _ [0]struct{} = [L1Size - (offAnswerRing + RingCapacity*AnswerSlotSize)]struct{}{}

// Status word bits, written by the secure world.
const (
	StatusPowerMask      uint32 = 0x3
	StatusPowerActive    uint32 = 0x0
	StatusPowerShutdown  uint32 = 0x1
	StatusPowerHibernate uint32 = 0x2

	// StatusInitDone is set once the init RPC completed.
	StatusInitDone uint32 = 1 << 4
)

// Config flag bits, written by the secure world.
const (
	// ConfigTrace means the secure world forwards log lines through the
	// trace RPC.
	ConfigTrace uint32 = 1 << 0
)

// InfiniteTimeout is the timeout value meaning "no timeout".
const InfiniteTimeout = ^uint64(0)

// Side names the execution domain owning a field.
type Side int

// Sides.
const (
	Normal Side = iota
	Secure
)

// L1 is a view over the L1 page shared with the secure world. All header
// accesses are atomic. Slot contents are plain memory published by the ring
// indexes.
type L1 struct {
	b []byte
}

// NewL1 returns a view over b, which must be at least L1Size bytes and
// 8-byte aligned.
func NewL1(b []byte) (*L1, error) {
	if len(b) < L1Size {
		return nil, fmt.Errorf("L1 buffer of %d bytes, need %d", len(b), L1Size)
	}
	if uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil, fmt.Errorf("L1 buffer is not 8-byte aligned")
	}
	return &L1{b: b[:L1Size]}, nil
}

// Reset zeroes the page.
func (l *L1) Reset() {
	clear(l.b)
}

func (l *L1) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&l.b[off]))
}

func (l *L1) load(off int) uint32 {
	return atomic.LoadUint32(l.word(off))
}

func (l *L1) store(off int, v uint32) {
	atomic.StoreUint32(l.word(off), v)
}

// Version returns the protocol version published by the normal world.
func (l *L1) Version() uint32 { return l.load(offVersion) }

// SetVersion publishes the normal world protocol version.
func (l *L1) SetVersion(v uint32) { l.store(offVersion, v) }

// Status returns the secure world status word.
func (l *L1) Status() uint32 { return l.load(offStatus) }

// SetStatus sets the secure world status word.
func (l *L1) SetStatus(v uint32) { l.store(offStatus, v) }

// ConfigFlags returns the secure world config flags.
func (l *L1) ConfigFlags() uint32 { return l.load(offConfigFlags) }

// SetConfigFlags sets the secure world config flags.
func (l *L1) SetConfigFlags(v uint32) { l.store(offConfigFlags, v) }

// FirstCommand returns the index of the first unconsumed command.
func (l *L1) FirstCommand() uint32 { return l.load(offFirstCommand) }

// SetFirstCommand is called by the secure world after consuming commands.
func (l *L1) SetFirstCommand(v uint32) { l.store(offFirstCommand, v) }

// FirstFreeCommand returns the index of the next command to be produced.
func (l *L1) FirstFreeCommand() uint32 { return l.load(offFirstFreeCommand) }

// SetFirstFreeCommand publishes produced commands.
func (l *L1) SetFirstFreeCommand(v uint32) { l.store(offFirstFreeCommand, v) }

// FirstAnswer returns the index of the first unconsumed answer.
func (l *L1) FirstAnswer() uint32 { return l.load(offFirstAnswer) }

// SetFirstAnswer is called by the normal world after consuming answers.
func (l *L1) SetFirstAnswer(v uint32) { l.store(offFirstAnswer, v) }

// FirstFreeAnswer returns the index of the next answer to be produced.
func (l *L1) FirstFreeAnswer() uint32 { return l.load(offFirstFreeAnswer) }

// SetFirstFreeAnswer publishes produced answers.
func (l *L1) SetFirstFreeAnswer(v uint32) { l.store(offFirstFreeAnswer, v) }

// CommandSlot returns the slot for command index i.
func (l *L1) CommandSlot(i uint32) []byte {
	off := offCommandRing + int(i%RingCapacity)*CommandSlotSize
	return l.b[off : off+CommandSlotSize]
}

// AnswerSlot returns the slot for answer index i.
func (l *L1) AnswerSlot(i uint32) []byte {
	off := offAnswerRing + int(i%RingCapacity)*AnswerSlotSize
	return l.b[off : off+AnswerSlotSize]
}

// RPC returns the pending RPC identifier and command word.
func (l *L1) RPC() (id, command uint32) {
	return l.load(offRPCID), l.load(offRPCCommand)
}

// SetRPC records an RPC request before the secure world returns
// ReturnRPC.
func (l *L1) SetRPC(id, command uint32) {
	l.store(offRPCID, id)
	l.store(offRPCCommand, command)
}

// RPCResult returns the status and result length of the last RPC.
func (l *L1) RPCResult() (ErrorCode, uint32) {
	return ErrorCode(l.load(offRPCStatus)), l.load(offRPCResultLen)
}

// SetRPCResult records the outcome of an RPC.
func (l *L1) SetRPCResult(code ErrorCode, resultLen uint32) {
	l.store(offRPCStatus, uint32(code))
	l.store(offRPCResultLen, resultLen)
}

func (l *L1) clockOffsets(s Side) (serial, slots int) {
	if s == Normal {
		return offSerialN, offTimeN
	}
	return offSerialS, offTimeS
}

// PublishTime publishes a 64-bit time value for side s. Only side s may
// call PublishTime for s.
func (l *L1) PublishTime(s Side, v uint64) {
	serial, slots := l.clockOffsets(s)
	seq := sync.NewSeqCount(l.word(serial))
	off := slots + 8*seq.WriteSlot()
	l.store(off, uint32(v))
	l.store(off+4, uint32(v>>32))
	seq.EndWrite()
}

// ReadTime returns the last time value published by side s.
func (l *L1) ReadTime(s Side) uint64 {
	serial, slots := l.clockOffsets(s)
	seq := sync.NewSeqCount(l.word(serial))
	for {
		epoch := seq.BeginRead()
		off := slots + 8*epoch.Slot()
		lo := l.load(off)
		hi := l.load(off + 4)
		if seq.ReadOk(epoch) {
			return uint64(hi)<<32 | uint64(lo)
		}
		sync.Goyield()
	}
}
