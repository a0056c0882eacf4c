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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

func newTestFlags() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Arch:           Arch(pagetables.AMD64),
		MemorySize:     64 << 20,
		BasePaddr:      pgalloc.DefaultBasePaddr,
		DebugLogFormat: "text",
		ReferenceLeak:  LeakMode(refs.NoLeakChecking),
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}

	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	for name, value := range map[string]string{
		"arch":          "i386-pae",
		"memory-size":   "1048576",
		"debug":         "true",
		"ref-leak-mode": "panic",
	} {
		if err := testFlags.Lookup(name).Value.Set(value); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := Arch(pagetables.I386PAE); c.Arch != want {
		t.Errorf("Arch=%v, want: %v", c.Arch, want)
	}
	if want := uint64(1 << 20); c.MemorySize != want {
		t.Errorf("MemorySize=%v, want: %v", c.MemorySize, want)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := LeakMode(refs.LeaksPanic); c.ReferenceLeak != want {
		t.Errorf("ReferenceLeak=%v, want: %v", c.ReferenceLeak, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	if err := testFlags.Set("arch", "i386-pae"); err != nil {
		t.Fatal(err)
	}
	if err := testFlags.Set("metrics-out", "/tmp/metrics"); err != nil {
		t.Fatal(err)
	}
	orig, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	args := orig.ToFlags()
	if diff := cmp.Diff([]string{"--arch=i386-pae", "--metrics-out=/tmp/metrics"}, args); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	roundTrip := newTestFlags()
	if err := roundTrip.Parse(args); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(roundTrip)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig, c); diff != "" {
		t.Errorf("config mismatch after flag round trip (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, test := range []struct {
		name  string
		flag  string
		value string
	}{
		{name: "small memory", flag: "memory-size", value: "4096"},
		{name: "unaligned memory", flag: "memory-size", value: "1048577"},
		{name: "unaligned base", flag: "base-paddr", value: "4097"},
		{name: "log format", flag: "debug-log-format", value: "xml"},
	} {
		t.Run(test.name, func(t *testing.T) {
			testFlags := newTestFlags()
			if err := testFlags.Set(test.flag, test.value); err != nil {
				t.Fatal(err)
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags succeeded with --%s=%s", test.flag, test.value)
			}
		})
	}
	if err := newTestFlags().Set("arch", "sparc"); err == nil {
		t.Errorf("--arch=sparc was accepted")
	}
}

func TestClone(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone() mismatch (-want +got):\n%s", diff)
	}
	clone.Debug = true
	clone.Arch = Arch(pagetables.I386PAE)
	if c.Debug || c.Arch != Arch(pagetables.AMD64) {
		t.Errorf("modifying the clone changed the original")
	}
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmctl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyFile(t *testing.T) {
	path := writeFile(t, `
[flags]
arch = "i386-pae"
debug = "true"
memory-size = "2097152"
`)
	testFlags := newTestFlags()
	// Command line flags take precedence.
	if err := testFlags.Parse([]string{"--memory-size=1048576"}); err != nil {
		t.Fatal(err)
	}
	if err := ApplyFile(path, testFlags); err != nil {
		t.Fatalf("ApplyFile failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if c.Arch != Arch(pagetables.I386PAE) || !c.Debug || c.MemorySize != 1<<20 {
		t.Errorf("config = %+v, want i386-pae, debug, 1MiB", c)
	}
}

func TestApplyFileErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"unknown flag":  "[flags]\nplatform = \"kvm\"\n",
		"unknown key":   "runsc = true\n",
		"invalid value": "[flags]\narch = \"sparc\"\n",
		"syntax":        "[flags\n",
	} {
		t.Run(name, func(t *testing.T) {
			if err := ApplyFile(writeFile(t, contents), newTestFlags()); err == nil {
				t.Errorf("ApplyFile succeeded")
			}
		})
	}
}
