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

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testEmitter struct {
	lines []string
}

func (e *testEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	e.lines = append(e.lines, fmt.Sprintf("%s: %s", level, fmt.Sprintf(format, v...)))
}

func TestLevelFiltering(t *testing.T) {
	te := &testEmitter{}
	l := &BasicLogger{Level: Info, Emitter: te}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := len(te.lines), 2; got != want {
		t.Fatalf("got %d lines (%v), want %d", got, te.lines, want)
	}
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if got, want := te.lines[2], "Debug: now shown"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	te := &testEmitter{}
	l := &BasicLogger{Level: Debug, Emitter: te}
	rl := PrefixedRateLimitedLogger(l, "SW: ", time.Hour, 2)
	for i := 0; i < 10; i++ {
		rl.Infof("line %d", i)
	}
	if got, want := len(te.lines), 2; got != want {
		t.Fatalf("got %d lines, want %d: %v", got, want, te.lines)
	}
	if got, want := te.lines[0], "Info: SW: line 0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLogrusEmitter(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			l := &BasicLogger{Level: Debug, Emitter: NewLogrusEmitter(format, &buf)}
			l.Warningf("accelerator %d wedged", 3)
			out := buf.String()
			if !strings.Contains(out, "accelerator 3 wedged") {
				t.Errorf("output %q does not contain message", out)
			}
			if !strings.Contains(out, "log_test.go") {
				t.Errorf("output %q does not contain source location", out)
			}
		})
	}
}

func TestValidFormat(t *testing.T) {
	if err := ValidFormat("json"); err != nil {
		t.Errorf("ValidFormat(json) = %v", err)
	}
	if err := ValidFormat("json-k8s"); err == nil {
		t.Errorf("ValidFormat(json-k8s) succeeded unexpectedly")
	}
}
