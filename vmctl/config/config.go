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

// Package config provides basic infrastructure to set configuration settings
// for vmctl. Each setting is defined by a flag; the same names are accepted
// by the configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
)

// Config holds configuration that is not part of a command's own flags.
type Config struct {
	// Arch is the page table layout of the simulated machine.
	Arch Arch `flag:"arch"`

	// MemorySize is the size in bytes of the simulated physical memory.
	MemorySize uint64 `flag:"memory-size"`

	// BasePaddr is the physical address of the first page of memory.
	BasePaddr uint64 `flag:"base-paddr"`

	// RandomizeMMap places regions at random addresses unless a workload
	// step asks otherwise.
	RandomizeMMap bool `flag:"randomize-mmap"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows sending log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak LeakMode `flag:"ref-leak-mode"`

	// MetricsOut is the path metrics are written to in Prometheus text
	// format when a command completes, if not empty.
	MetricsOut string `flag:"metrics-out"`
}

func (c *Config) validate() error {
	if c.MemorySize < 16*hostarch.PageSize {
		return fmt.Errorf("memory-size must be at least %d bytes, got %d", 16*hostarch.PageSize, c.MemorySize)
	}
	if c.MemorySize&hostarch.PageMask != 0 {
		return fmt.Errorf("memory-size must be page-aligned, got %#x", c.MemorySize)
	}
	if c.BasePaddr&hostarch.PageMask != 0 {
		return fmt.Errorf("base-paddr must be page-aligned, got %#x", c.BasePaddr)
	}
	switch c.DebugLogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid debug-log-format %q, must be 'text', 'json', or 'json-k8s'", c.DebugLogFormat)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Arch: %v, memory: %d bytes at %#x", c.Arch, c.MemorySize, c.BasePaddr)
	log.Infof("Randomize mmap: %t", c.RandomizeMMap)
	log.Infof("Debug: %t, debug log: %q (%s)", c.Debug, c.DebugLog, c.DebugLogFormat)
	log.Infof("Reference leak mode: %v", c.ReferenceLeak)
}

// Arch is a flag.Value for pagetables.Arch.
type Arch pagetables.Arch

func archPtr(a pagetables.Arch) *Arch {
	v := Arch(a)
	return &v
}

// Set implements flag.Value.Set.
func (a *Arch) Set(v string) error {
	arch, err := pagetables.ParseArch(v)
	if err != nil {
		return err
	}
	*a = Arch(arch)
	return nil
}

// Get implements flag.Getter.Get.
func (a *Arch) Get() any {
	return *a
}

// String implements flag.Value.String.
func (a Arch) String() string {
	return pagetables.Arch(a).String()
}

// LeakMode is a flag.Value for refs.LeakMode.
type LeakMode refs.LeakMode

func leakModePtr(m refs.LeakMode) *LeakMode {
	v := LeakMode(m)
	return &v
}

// Set implements flag.Value.Set.
func (m *LeakMode) Set(v string) error {
	switch strings.ToLower(v) {
	case "disabled":
		*m = LeakMode(refs.NoLeakChecking)
	case "log", "log-names":
		*m = LeakMode(refs.LeaksLogWarning)
	case "panic":
		*m = LeakMode(refs.LeaksPanic)
	default:
		return fmt.Errorf("invalid ref leak mode %q", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (m *LeakMode) Get() any {
	return *m
}

// String implements flag.Value.String.
func (m LeakMode) String() string {
	switch refs.LeakMode(m) {
	case refs.NoLeakChecking:
		return "disabled"
	case refs.LeaksLogWarning:
		return "log-names"
	case refs.LeaksPanic:
		return "panic"
	default:
		panic(fmt.Sprintf("Invalid leak mode: %d", m))
	}
}
