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

// Package tmutex provides a mutex for locks that may be held for a long time,
// for example across a hardware accelerator job. In addition to Lock and
// Unlock it implements TryLock and a context-bounded LockContext, and it may
// be released by a goroutine other than the one that acquired it.
package tmutex

import (
	"context"
	"sync/atomic"
)

// Mutex is a mutual exclusion primitive that implements TryLock and
// LockContext in addition to Lock and Unlock.
type Mutex struct {
	// v is 1 when unlocked, 0 when locked and uncontended, and negative when
	// locked with possible waiters.
	v  int32
	ch chan struct{}
}

// Init initializes the mutex.
func (m *Mutex) Init() {
	m.v = 1
	m.ch = make(chan struct{}, 1)
}

// Lock acquires the mutex. If it is currently held by another goroutine, Lock
// will wait until it has a chance to acquire it.
func (m *Mutex) Lock() {
	// Uncontended case.
	if atomic.AddInt32(&m.v, -1) == 0 {
		return
	}

	for {
		// Try to acquire the mutex again, at the same time making sure
		// that m.v is negative, which indicates to the owner of the
		// lock that it is contended, which will force it to try to wake
		// someone up when it releases the mutex.
		if v := atomic.LoadInt32(&m.v); v >= 0 && atomic.SwapInt32(&m.v, -1) == 1 {
			return
		}

		// Wait for the mutex to be released before trying again.
		<-m.ch
	}
}

// LockContext is like Lock, but gives up and returns ctx.Err() once ctx is
// done. On error the mutex is not held.
func (m *Mutex) LockContext(ctx context.Context) error {
	if atomic.AddInt32(&m.v, -1) == 0 {
		return nil
	}

	for {
		if v := atomic.LoadInt32(&m.v); v >= 0 && atomic.SwapInt32(&m.v, -1) == 1 {
			return nil
		}

		select {
		case <-m.ch:
		case <-ctx.Done():
			// m.v stays negative, so the owner still sends a wakeup
			// token on release; remaining waiters pick it up.
			return ctx.Err()
		}
	}
}

// TryLock attempts to acquire the mutex without blocking. If the mutex is
// currently held by another goroutine, it fails to acquire it and returns
// false.
func (m *Mutex) TryLock() bool {
	v := atomic.LoadInt32(&m.v)
	if v <= 0 {
		return false
	}
	return atomic.CompareAndSwapInt32(&m.v, 1, 0)
}

// Unlock releases the mutex. It panics if the mutex is not held.
func (m *Mutex) Unlock() {
	switch atomic.SwapInt32(&m.v, 1) {
	case 0:
		// There were no pending waiters.
		return
	case 1:
		panic("tmutex: unlock of unlocked mutex")
	}

	// Wake some waiter up.
	select {
	case m.ch <- struct{}{}:
	default:
	}
}

// Locked returns true if the mutex is held. The result is only a snapshot.
func (m *Mutex) Locked() bool {
	return atomic.LoadInt32(&m.v) <= 0
}
