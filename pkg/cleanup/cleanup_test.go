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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// setup mimics a constructor that acquires three resources and fails after
// the last one unless ok is set.
func setup(order *[]string, ok bool) (release func()) {
	cu := Make(func() { *order = append(*order, "l0") })
	defer cu.Clean()
	cu.Add(func() { *order = append(*order, "l1") })
	cu.Add(func() { *order = append(*order, "poller") })
	if !ok {
		return nil
	}
	return cu.Release()
}

func TestCleanOnFailure(t *testing.T) {
	var order []string
	setup(&order, false)
	if diff := cmp.Diff([]string{"poller", "l1", "l0"}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var order []string
	release := setup(&order, true)
	if len(order) != 0 {
		t.Fatalf("released cleanup ran: %v", order)
	}
	release()
	if diff := cmp.Diff([]string{"poller", "l1", "l0"}, order); diff != "" {
		t.Errorf("release order mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	n := 0
	cu := Make(func() { n++ })
	cu.Clean()
	cu.Clean()
	if n != 1 {
		t.Errorf("cleanup ran %d times, want 1", n)
	}
}
