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

package comm

import (
	"time"

	"splitworld.dev/smc/pkg/smc/abi"
)

// Clock is the millisecond clock shared with the secure world. Its epoch is
// the start of the channel.
type Clock struct {
	epoch time.Time
}

// NewClock returns a clock starting now.
func NewClock() Clock {
	return Clock{epoch: time.Now()}
}

// Now returns the current shared time in milliseconds. It is never zero,
// which is reserved for "immediately".
func (c Clock) Now() uint64 {
	return uint64(time.Since(c.epoch).Milliseconds()) + 1
}

// Deadline converts a relative duration into an absolute shared time.
func (c Clock) Deadline(d time.Duration) uint64 {
	if d < 0 {
		d = 0
	}
	return c.Now() + uint64(d.Milliseconds())
}

// Timeout is a wait bound derived from a shared timeout value.
type Timeout struct {
	// Infinite is set when there is no bound.
	Infinite bool

	// Duration is the remaining time when Infinite is false. Zero means
	// that the timeout has already elapsed.
	Duration time.Duration
}

// Elapsed returns true if the wait must not block at all.
func (t Timeout) Elapsed() bool {
	return !t.Infinite && t.Duration <= 0
}

// Relative converts the absolute shared time v into a wait bound at time
// now. abi.InfiniteTimeout parks until woken; a value at or before now,
// including zero, returns immediately.
func Relative(v, now uint64) Timeout {
	if v == abi.InfiniteTimeout {
		return Timeout{Infinite: true}
	}
	if v <= now {
		return Timeout{}
	}
	return Timeout{Duration: time.Duration(v-now) * time.Millisecond}
}

// timer returns a channel that fires when t elapses, or nil if t is
// infinite. The returned stop function must be called.
func (t Timeout) timer() (<-chan time.Time, func()) {
	if t.Infinite {
		return nil, func() {}
	}
	tm := time.NewTimer(t.Duration)
	return tm.C, func() { tm.Stop() }
}
