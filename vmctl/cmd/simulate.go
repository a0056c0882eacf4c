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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/vmctl/cmd/util"
	"gvisor.dev/vmcore/vmctl/config"
	"gvisor.dev/vmcore/vmctl/workload"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	layout bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run a workload of address space operations and print the resulting layout"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] <workload.yaml> - runs the workload's steps in order and
prints the address spaces still live and the memory usage.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.layout, "layout", true, "print the regions of the address spaces live at the end of the workload.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(ctx, conf, f.Arg(0), os.Stdout); err != nil {
		util.Errorf("simulate: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *Simulate) run(ctx context.Context, conf *config.Config, path string, out io.Writer) error {
	w, err := workload.Load(path)
	if err != nil {
		return err
	}
	m, err := newMachine(ctx, conf)
	if err != nil {
		return err
	}
	defer m.destroy()

	r := workload.NewRunner(m.registry, workload.RunnerOpts{Randomize: conf.RandomizeMMap})
	defer r.Release(m.ctx)
	if err := r.Run(m.ctx, w); err != nil {
		return fmt.Errorf("running %q: %w", path, err)
	}
	if s.layout {
		r.PrintLayout(out)
	}
	m.printUsage(out)
	return nil
}
