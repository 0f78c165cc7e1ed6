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

package device

import (
	"fmt"

	"splitworld.dev/smc/pkg/memutil"
	"splitworld.dev/smc/pkg/smc/abi"
	"splitworld.dev/smc/pkg/sync"
)

// scratchChunk is the allocation granularity of scratch areas.
const scratchChunk = 256

// scratch is the area of a context in which temporary memrefs of slow path
// invocations are staged. It is handed to the secure world at context
// creation.
type scratch struct {
	region *memutil.Region

	// mu protects used.
	mu   sync.Mutex
	used []bool
}

func newScratch(size int) (*scratch, error) {
	r, err := memutil.MapPinned("context-scratch", size)
	if err != nil {
		return nil, err
	}
	return &scratch{region: r, used: make([]bool, r.Len()/scratchChunk)}, nil
}

func (s *scratch) addr() uint64 {
	return uint64(s.region.Addr())
}

func (s *scratch) size() uint32 {
	return uint32(len(s.used) * scratchChunk)
}

// alloc returns a range of at least n bytes, first fit.
func (s *scratch) alloc(n int) (uint32, []byte, error) {
	if n == 0 {
		return 0, nil, nil
	}
	chunks := (n + scratchChunk - 1) / scratchChunk
	s.mu.Lock()
	defer s.mu.Unlock()
	run := 0
	for i, u := range s.used {
		if u {
			run = 0
			continue
		}
		run++
		if run == chunks {
			start := i - chunks + 1
			for j := start; j <= i; j++ {
				s.used[j] = true
			}
			off := start * scratchChunk
			return uint32(off), s.region.Bytes()[off : off+n], nil
		}
	}
	return 0, nil, fmt.Errorf("no %d free scratch bytes: %w", n, abi.ErrorOutOfMemory)
}

// free returns a range obtained from alloc.
func (s *scratch) free(off uint32, n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := int(off) / scratchChunk
	for j := start; j < start+(n+scratchChunk-1)/scratchChunk; j++ {
		if !s.used[j] {
			panic(fmt.Sprintf("scratch chunk %d freed twice", j))
		}
		s.used[j] = false
	}
}

func (s *scratch) release() {
	s.region.Unmap()
}
