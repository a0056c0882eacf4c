// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
		num   string
	}{
		{Warning, `"warning"`, "0"},
		{Info, `"info"`, "1"},
		{Debug, `"debug"`, "2"},
	} {
		t.Run(tc.level.String(), func(t *testing.T) {
			b, err := tc.level.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON failed: %v", err)
			}
			if got := string(b); got != tc.name {
				t.Errorf("MarshalJSON() = %s, want %s", got, tc.name)
			}
			// Levels set as integers by older configs still decode.
			for _, in := range []string{tc.name, tc.num} {
				var got Level
				if err := got.UnmarshalJSON([]byte(in)); err != nil || got != tc.level {
					t.Errorf("UnmarshalJSON(%s) = %v, %v; want %v, nil", in, got, err, tc.level)
				}
			}
		})
	}
}

func TestLevelJSONInvalid(t *testing.T) {
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON of level 7 succeeded")
	}
	for _, in := range []string{"3", `"Warning"`, `"trace"`, "null"} {
		var l Level
		if err := l.UnmarshalJSON([]byte(in)); err == nil {
			t.Errorf("UnmarshalJSON(%s) succeeded with %v", in, l)
		}
	}
}

func TestJSONEmitters(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, tc := range []struct {
		name  string
		emit  func(w *Writer)
		field string
	}{
		{
			name:  "json",
			emit:  func(w *Writer) { JSONEmitter{w}.Emit(0, Warning, ts, "fell back in %v", "[0x1000, 0x2000)") },
			field: "msg",
		},
		{
			name:  "k8s",
			emit:  func(w *Writer) { K8sJSONEmitter{w}.Emit(0, Warning, ts, "fell back in %v", "[0x1000, 0x2000)") },
			field: "log",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tw := &testWriter{}
			tc.emit(&Writer{Next: tw})
			if len(tw.lines) == 0 {
				t.Fatalf("nothing emitted")
			}
			var got map[string]string
			if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
				t.Fatalf("Unmarshal(%q): %v", tw.lines[0], err)
			}
			msg := got[tc.field]
			if !strings.HasPrefix(msg, "json_test.go:") || !strings.HasSuffix(msg, "] fell back in [0x1000, 0x2000)") {
				t.Errorf("%s = %q, want the caller's file:line and the message", tc.field, msg)
			}
			delete(got, tc.field)
			want := map[string]string{"level": "warning", "time": "2026-03-04T05:06:07Z"}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
