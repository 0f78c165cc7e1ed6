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
	"testing"
	"time"
)

func TestSeqCountWriteUncontended(t *testing.T) {
	var serial uint32
	seq := NewSeqCount(&serial)
	if got, want := seq.WriteSlot(), 1; got != want {
		t.Errorf("WriteSlot: got %d, wanted %d", got, want)
	}
	seq.EndWrite()
	if got, want := seq.BeginRead().Slot(), 1; got != want {
		t.Errorf("Slot after write: got %d, wanted %d", got, want)
	}
}

func TestSeqCountReadUncontended(t *testing.T) {
	var serial uint32
	seq := NewSeqCount(&serial)
	epoch := seq.BeginRead()
	if !seq.ReadOk(epoch) {
		t.Errorf("ReadOk: got false, wanted true")
	}
}

func TestSeqCountReadOkAfterWrite(t *testing.T) {
	var serial uint32
	seq := NewSeqCount(&serial)
	epoch := seq.BeginRead()
	seq.EndWrite()
	if seq.ReadOk(epoch) {
		t.Errorf("ReadOk: got true, wanted false")
	}
}

// TestSeqCountSplitWords checks that a reader never observes a torn 64-bit
// value published as two 32-bit halves.
func TestSeqCountSplitWords(t *testing.T) {
	var serial uint32
	var slots [2][2]uint32
	seq := NewSeqCount(&serial)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := uint64(1); ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			// Both halves always carry the same value.
			s := seq.WriteSlot()
			atomic.StoreUint32(&slots[s][0], uint32(v))
			atomic.StoreUint32(&slots[s][1], uint32(v))
			seq.EndWrite()
		}
	}()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		for {
			epoch := seq.BeginRead()
			s := epoch.Slot()
			lo := atomic.LoadUint32(&slots[s][0])
			hi := atomic.LoadUint32(&slots[s][1])
			if !seq.ReadOk(epoch) {
				continue
			}
			if lo != hi {
				t.Fatalf("torn read: lo=%d hi=%d", lo, hi)
			}
			break
		}
	}
	close(stop)
	<-done
}

func BenchmarkSeqCountReadUncontended(b *testing.B) {
	var serial uint32
	seq := NewSeqCount(&serial)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			epoch := seq.BeginRead()
			if !seq.ReadOk(epoch) {
				b.Fatalf("ReadOk: got false, wanted true")
			}
		}
	})
}
