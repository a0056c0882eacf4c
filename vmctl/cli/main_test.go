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

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
)

func TestWriteMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.txt")
	if err := writeMetrics(path); err != nil {
		t.Fatalf("writeMetrics failed: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(b), "# TYPE") {
		t.Errorf("metrics file does not contain Prometheus text:\n%s", b)
	}
}

func TestWriteMetricsError(t *testing.T) {
	if err := writeMetrics(filepath.Join(t.TempDir(), "missing", "metrics.txt")); err == nil {
		t.Errorf("writeMetrics succeeded in a missing directory")
	}
}

func TestNewEmitter(t *testing.T) {
	for _, test := range []struct {
		format string
		want   string
	}{
		{format: "text", want: "hello 1"},
		{format: "json", want: `"msg":"main_test.go:`},
		{format: "json-k8s", want: `"log":"main_test.go:`},
	} {
		var buf bytes.Buffer
		e := newEmitter(test.format, &buf)
		e.Emit(0, log.Info, time.Now(), "hello %d", 1)
		if !strings.Contains(buf.String(), test.want) {
			t.Errorf("newEmitter(%q) wrote %q, want it to contain %q", test.format, buf.String(), test.want)
		}
	}
}

func TestForEachCmd(t *testing.T) {
	names := make(map[string]string)
	forEachCmd(func(c subcommands.Command, group string) {
		names[c.Name()] = group
	})
	for name, group := range map[string]string{
		"help":     "",
		"flags":    "",
		"simulate": "",
		"stress":   "",
		"metrics":  "metrics",
	} {
		if got, ok := names[name]; !ok || got != group {
			t.Errorf("command %q registered in group %q (%t), want %q", name, got, ok, group)
		}
	}
}
