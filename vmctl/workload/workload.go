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

// Package workload runs scripted sequences of address space operations.
//
// A workload is a YAML document:
//
//	files:
//	- name: libc
//	  size: 16384
//	  resident: [0, 1]
//	steps:
//	- {op: spawn, space: init}
//	- {op: mmap, space: init, region: text, file: libc, length: 8192, perms: r-x, precommit: true}
//	- {op: mmap, space: init, region: heap, length: 65536, perms: rw-}
//	- {op: populate, space: init, region: heap, write: true}
//	- {op: fork, space: init, into: child}
//	- {op: munmap, space: child, region: heap}
//	- {op: release, space: child}
package workload

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// Workload is a parsed workload document.
type Workload struct {
	// Files are the inodes that steps may map.
	Files []File `yaml:"files"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`
}

// File describes an inode.
type File struct {
	Name string `yaml:"name"`
	Size uint64 `yaml:"size"`

	// Resident lists the pages of the file present in the page cache
	// before the first step. Page i is filled with the byte i+1.
	Resident []int `yaml:"resident"`
}

// Operations.
const (
	OpSpawn    = "spawn"
	OpMMap     = "mmap"
	OpMUnmap   = "munmap"
	OpPopulate = "populate"
	OpFork     = "fork"
	OpRelease  = "release"
)

// Placements of mmap steps.
const (
	PlacementAnywhere   = "anywhere"
	PlacementFixed      = "fixed"
	PlacementRandomized = "randomized"
)

// Step is one operation on an address space.
type Step struct {
	// Op is the operation.
	Op string `yaml:"op"`

	// Space names the address space operated on.
	Space string `yaml:"space"`

	// Into names the address space created by fork.
	Into string `yaml:"into,omitempty"`

	// Region names the region created by mmap, or the one operated on by
	// munmap and populate.
	Region string `yaml:"region,omitempty"`

	// The following fields apply to mmap.
	Length    uint64 `yaml:"length,omitempty"`
	Addr      uint64 `yaml:"addr,omitempty"`
	Placement string `yaml:"placement,omitempty"`
	Align     uint64 `yaml:"align,omitempty"`
	Perms     string `yaml:"perms,omitempty"`
	File      string `yaml:"file,omitempty"`
	Offset    uint64 `yaml:"offset,omitempty"`
	Private   bool   `yaml:"private,omitempty"`
	Precommit bool   `yaml:"precommit,omitempty"`

	// Write makes populate copy private pages.
	Write bool `yaml:"write,omitempty"`

	// Expect is the name of the error the step must fail with, such as
	// ENOMEM. If empty, the step must succeed.
	Expect string `yaml:"expect,omitempty"`
}

// String implements fmt.Stringer.String.
func (s Step) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.Op, s.Space)
	if s.Region != "" {
		fmt.Fprintf(&b, " region=%s", s.Region)
	}
	if s.Into != "" {
		fmt.Fprintf(&b, " into=%s", s.Into)
	}
	return b.String()
}

// Parse decodes a workload. Unknown fields are rejected.
func Parse(r io.Reader) (*Workload, error) {
	var w Workload
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil {
		if err == io.EOF {
			return &w, nil
		}
		return nil, err
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Load reads the workload at path.
func Load(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open workload: %w", err)
	}
	defer f.Close()
	w, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("unable to decode %q: %w", path, err)
	}
	return w, nil
}

func (w *Workload) validate() error {
	files := make(map[string]bool)
	for _, f := range w.Files {
		if f.Name == "" {
			return fmt.Errorf("file without a name")
		}
		if files[f.Name] {
			return fmt.Errorf("duplicate file %q", f.Name)
		}
		files[f.Name] = true
		pages := (f.Size + hostarch.PageSize - 1) >> hostarch.PageShift
		for _, i := range f.Resident {
			if i < 0 || uint64(i) >= pages {
				return fmt.Errorf("file %q: resident page %d out of range", f.Name, i)
			}
		}
	}
	for i, s := range w.Steps {
		if err := s.validate(files); err != nil {
			return fmt.Errorf("step %d (%v): %w", i, s, err)
		}
	}
	return nil
}

func (s *Step) validate(files map[string]bool) error {
	if s.Space == "" {
		return fmt.Errorf("no space")
	}
	switch s.Op {
	case OpSpawn, OpRelease:
	case OpMMap:
		if s.Region == "" {
			return fmt.Errorf("mmap without a region name")
		}
		if s.File != "" && !files[s.File] {
			return fmt.Errorf("unknown file %q", s.File)
		}
		if _, err := ParsePerms(s.Perms); err != nil {
			return err
		}
		switch s.Placement {
		case "", PlacementAnywhere, PlacementFixed, PlacementRandomized:
		default:
			return fmt.Errorf("unknown placement %q", s.Placement)
		}
	case OpMUnmap, OpPopulate:
		if s.Region == "" {
			return fmt.Errorf("%s without a region name", s.Op)
		}
	case OpFork:
		if s.Into == "" {
			return fmt.Errorf("fork without a target space")
		}
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if s.Expect != "" {
		if _, ok := errorsByName[s.Expect]; !ok {
			return fmt.Errorf("unknown error %q", s.Expect)
		}
	}
	return nil
}

// errorsByName are the errors a step may expect.
var errorsByName = map[string]*errors.Error{
	"EPERM":  linuxerr.EPERM,
	"ENOMEM": linuxerr.ENOMEM,
	"EFAULT": linuxerr.EFAULT,
	"EINVAL": linuxerr.EINVAL,
}

// ParsePerms parses permissions in the form "rwx", where each letter may
// be replaced by '-'.
func ParsePerms(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	if s == "" {
		return at, nil
	}
	if len(s) != 3 {
		return at, fmt.Errorf("invalid perms %q", s)
	}
	for i, want := range []byte("rwx") {
		switch s[i] {
		case want:
			switch i {
			case 0:
				at.Read = true
			case 1:
				at.Write = true
			case 2:
				at.Execute = true
			}
		case '-':
		default:
			return at, fmt.Errorf("invalid perms %q", s)
		}
	}
	return at, nil
}
