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

package power

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"splitworld.dev/smc/pkg/smc/abi"
)

// fakeMonitor records the power commands it receives and the calls made on
// the polling coordinator and the key table.
type fakeMonitor struct {
	events []string
	code   abi.ErrorCode
	err    error
}

func (f *fakeMonitor) SendReceive(_ context.Context, cmd *abi.Command) (abi.Answer, error) {
	body := cmd.Body.(*abi.ManagementBody)
	switch body.Command {
	case abi.MgmtShutdown:
		f.events = append(f.events, "shutdown")
	case abi.MgmtHibernate:
		f.events = append(f.events, "hibernate")
	case abi.MgmtResume:
		f.events = append(f.events, "resume")
	}
	if f.err != nil {
		return abi.Answer{}, f.err
	}
	return abi.Answer{Type: abi.MsgManagement, Code: f.code}, nil
}

func (f *fakeMonitor) Stop()                     { f.events = append(f.events, "stop") }
func (f *fakeMonitor) Restart() error            { f.events = append(f.events, "restart"); return nil }
func (f *fakeMonitor) ResetKeys()                { f.events = append(f.events, "reset-keys") }
func newCoordinator(f *fakeMonitor) *Coordinator { return New(f, f, f) }

func TestHibernateResume(t *testing.T) {
	f := &fakeMonitor{}
	c := newCoordinator(f)
	ctx := context.Background()
	if err := c.Hibernate(ctx); err != nil {
		t.Fatalf("Hibernate: %v", err)
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("state after hibernate = %v, want %v", got, StateStopped)
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := c.State(); got != StateActive {
		t.Errorf("state after resume = %v, want %v", got, StateActive)
	}
	want := []string{"hibernate", "stop", "reset-keys", "restart", "resume"}
	if diff := cmp.Diff(want, f.events); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := &fakeMonitor{}
	c := newCoordinator(f)
	ctx := context.Background()
	if err := c.Resume(ctx); !errors.Is(err, ErrState) {
		t.Errorf("Resume while active = %v, want %v", err, ErrState)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Shutdown(ctx); !errors.Is(err, ErrState) {
		t.Errorf("second Shutdown = %v, want %v", err, ErrState)
	}
}

func TestRejectedShutdownStaysActive(t *testing.T) {
	f := &fakeMonitor{code: abi.ErrorBusy}
	c := newCoordinator(f)
	if err := c.Shutdown(context.Background()); !errors.Is(err, abi.ErrorBusy) {
		t.Fatalf("Shutdown = %v, want %v", err, abi.ErrorBusy)
	}
	if got := c.State(); got != StateActive {
		t.Errorf("state = %v, want %v", got, StateActive)
	}
	if diff := cmp.Diff([]string{"shutdown"}, f.events); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestShutdownOfDeadMonitor(t *testing.T) {
	f := &fakeMonitor{err: abi.ErrorCommunication}
	c := newCoordinator(f)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
}

func TestFailedResumeIsFatal(t *testing.T) {
	f := &fakeMonitor{}
	c := newCoordinator(f)
	ctx := context.Background()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	f.code = abi.ErrorGeneric
	if err := c.Resume(ctx); !errors.Is(err, abi.ErrorGeneric) {
		t.Fatalf("Resume = %v, want %v", err, abi.ErrorGeneric)
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
	want := []string{"shutdown", "stop", "reset-keys", "restart", "resume", "stop"}
	if diff := cmp.Diff(want, f.events); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}
