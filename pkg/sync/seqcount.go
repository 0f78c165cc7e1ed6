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

package sync

import (
	"sync/atomic"
)

// SeqCount is a two-slot sequence counter over a serial word that may live
// in memory shared with another execution domain.
//
// The writer owns two copies of the protected data. Publication writes the
// copy selected by WriteSlot, then increments the serial with EndWrite.
// Readers read the copy selected by the epoch returned from BeginRead and
// retry if ReadOk returns false. Readers never block the writer and the
// writer never blocks readers. This allows a 64-bit value stored as two
// 32-bit words to be read consistently without a 64-bit atomic.
//
// There must be exactly one writer per SeqCount.
type SeqCount struct {
	serial *uint32
}

// SeqCountEpoch tracks writer critical sections in a SeqCount.
type SeqCountEpoch uint32

// NewSeqCount returns a SeqCount over the given serial word.
func NewSeqCount(serial *uint32) SeqCount {
	return SeqCount{serial: serial}
}

// BeginRead indicates the beginning of a reader critical section. Reader
// critical sections DO NOT BLOCK writer critical sections, so operations in a
// reader critical section MAY RACE with writer critical sections. Races are
// detected by ReadOk at the end of the reader critical section.
//
// BeginRead never blocks.
func (s SeqCount) BeginRead() SeqCountEpoch {
	return SeqCountEpoch(atomic.LoadUint32(s.serial))
}

// ReadOk returns true if the reader critical section initiated by a previous
// call to BeginRead() that returned epoch did not race with any writer
// critical sections.
//
// ReadOk may be called any number of times during a reader critical section.
func (s SeqCount) ReadOk(epoch SeqCountEpoch) bool {
	return atomic.LoadUint32(s.serial) == uint32(epoch)
}

// Slot returns the index of the copy that was current at epoch.
func (e SeqCountEpoch) Slot() int {
	return int(e & 1)
}

// WriteSlot returns the index of the copy the next publication must write.
func (s SeqCount) WriteSlot() int {
	return int((atomic.LoadUint32(s.serial) + 1) & 1)
}

// EndWrite publishes the copy selected by WriteSlot.
func (s SeqCount) EndWrite() {
	atomic.AddUint32(s.serial, 1)
}
