// Copyright 2026 The gVisor Authors.
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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown %d", 1)
	l.Warningf("shown %d", 2)
	l.SetLevel(Debug)
	l.Debugf("shown %d", 3)

	want := "shown 1\nshown 2\nshown 3\n"
	if diff := cmp.Diff(want, strings.Join(tw.lines, "")); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "value=%d", 42)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0304 05:06:07.000008 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") || !strings.HasSuffix(line, "] value=42\n") {
		t.Errorf("unexpected caller or message in %q", line)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 5; i++ {
		l.Warningf("fallback %d", i)
	}
	if diff := cmp.Diff("fallback 0\n", strings.Join(tw.lines, "")); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	// The next message let through reports what was dropped.
	l.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	l.Warningf("fallback %d", 5)
	l.Infof("fallback %d", 6)
	want := "fallback 0\nfallback 5 (4 similar messages suppressed)\nfallback 6\n"
	if diff := cmp.Diff(want, strings.Join(tw.lines, "")); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLoggerIsLogging(t *testing.T) {
	l := RateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: &testWriter{}}}, time.Hour)
	if !l.IsLogging(Info) || l.IsLogging(Debug) {
		t.Errorf("IsLogging(Info), IsLogging(Debug) = %t, %t; want true, false", l.IsLogging(Info), l.IsLogging(Debug))
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(filepath.Join(dir, "sub", "vmctl.%COMMAND%.log"), os.O_CREATE|os.O_WRONLY, map[string]string{"COMMAND": "stress"})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	if want := filepath.Join(dir, "sub", "vmctl.stress.log"); f.Name() != want {
		t.Errorf("OpenFile name = %q, want %q", f.Name(), want)
	}

	f, err = OpenFile("", os.O_CREATE, nil)
	if f != nil || err != nil {
		t.Errorf("OpenFile(\"\") = %v, %v, want nil, nil", f, err)
	}
}
