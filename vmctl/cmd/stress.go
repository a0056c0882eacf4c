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
	"math/rand/v2"
	"os"
	"sort"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/vralloc"
	"gvisor.dev/vmcore/vmctl/cmd/util"
	"gvisor.dev/vmcore/vmctl/config"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	seed       uint64
	base       uint64
	size       uint64
	maxPages   uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "allocate and free virtual ranges concurrently and check the allocator"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs workers that allocate and free ranges of one
allocator, then checks that no two live ranges overlap and that freeing
every range restores the whole extent.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 10000, "operations per worker.")
	f.Uint64Var(&s.seed, "seed", 1, "seed of the workers' random choices.")
	f.Uint64Var(&s.base, "base", 0x10000000, "base of the allocator's extent.")
	f.Uint64Var(&s.size, "size", 1<<30, "size of the allocator's extent.")
	f.Uint64Var(&s.maxPages, "max-pages", 16, "maximum pages per allocation.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(ctx, conf, os.Stdout); err != nil {
		util.Errorf("stress: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// stressResult counts the operations of one worker.
type stressResult struct {
	allocs, failures, frees int
	held                    []hostarch.VirtualRange
}

func (s *Stress) validate() error {
	if s.workers <= 0 || s.iterations < 0 || s.maxPages == 0 {
		return fmt.Errorf("workers and max-pages must be positive, iterations must not be negative")
	}
	if s.base&hostarch.PageMask != 0 || s.size&hostarch.PageMask != 0 || s.size == 0 {
		return fmt.Errorf("extent base %#x size %#x must be page-aligned and not empty", s.base, s.size)
	}
	if _, ok := hostarch.Addr(s.base).AddLength(s.size); !ok {
		return fmt.Errorf("extent base %#x size %#x wraps", s.base, s.size)
	}
	return nil
}

func (s *Stress) run(ctx context.Context, conf *config.Config, out io.Writer) error {
	if err := s.validate(); err != nil {
		return err
	}
	var a vralloc.Allocator
	a.InitializeWithRange(hostarch.Addr(s.base), s.size)
	if conf.RandomizeMMap {
		// The allocator reads its source under its own lock.
		a.SetRandomSource(rand.NewChaCha8(seedBytes(s.seed)))
	}

	results := make([]stressResult, s.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		g.Go(func() error {
			return s.worker(gctx, &a, rand.New(rand.NewPCG(s.seed, uint64(i))), conf.RandomizeMMap, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var total stressResult
	for _, r := range results {
		total.allocs += r.allocs
		total.failures += r.failures
		total.frees += r.frees
		total.held = append(total.held, r.held...)
	}
	if err := a.CheckInvariants(); err != nil {
		return fmt.Errorf("allocator invariants violated: %w", err)
	}
	if err := checkDisjoint(total.held); err != nil {
		return err
	}
	for _, r := range total.held {
		a.Deallocate(r)
	}
	if err := a.CheckInvariants(); err != nil {
		return fmt.Errorf("allocator invariants violated after freeing: %w", err)
	}
	if free := a.FreeRanges(); len(free) != 1 || free[0] != a.TotalRange() {
		return fmt.Errorf("free ranges after freeing everything = %v, want [%v]", free, a.TotalRange())
	}
	fmt.Fprintf(out, "%d workers: %d allocations, %d failed, %d freed, %d held at the end\n",
		s.workers, total.allocs, total.failures, total.frees, len(total.held))
	return nil
}

// worker runs s.iterations random operations on a. Ranges still held when
// it returns are recorded in res.
func (s *Stress) worker(ctx context.Context, a *vralloc.Allocator, rng *rand.Rand, randomize bool, res *stressResult) error {
	for i := 0; i < s.iterations; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if len(res.held) > 0 && rng.IntN(3) == 0 {
			j := rng.IntN(len(res.held))
			a.Deallocate(res.held[j])
			res.held[j] = res.held[len(res.held)-1]
			res.held = res.held[:len(res.held)-1]
			res.frees++
			continue
		}

		size := (rng.Uint64N(s.maxPages) + 1) * hostarch.PageSize
		var alignment uint64
		if rng.IntN(4) == 0 {
			alignment = hostarch.PageSize << rng.UintN(5)
		}
		var (
			r  hostarch.VirtualRange
			ok bool
		)
		switch {
		case rng.IntN(8) == 0:
			// A specific address is frequently taken by another worker.
			base := s.base + rng.Uint64N(s.size>>hostarch.PageShift)<<hostarch.PageShift
			r, ok = a.AllocateSpecific(hostarch.Addr(base), size)
		case randomize:
			r, ok = a.AllocateRandomized(size, alignment)
		default:
			r, ok = a.AllocateAnywhere(size, alignment)
		}
		if !ok {
			res.failures++
			continue
		}
		if alignment != 0 && uint64(r.Base())%alignment != 0 {
			return fmt.Errorf("allocation %v is not aligned to %#x", r, alignment)
		}
		if !a.Contains(r) {
			return fmt.Errorf("allocation %v outside of %v", r, a.TotalRange())
		}
		res.allocs++
		res.held = append(res.held, r)
	}
	log.Debugf("Stress worker done: %d allocations, %d failed, %d freed", res.allocs, res.failures, res.frees)
	return nil
}

// checkDisjoint returns an error if any two ranges overlap.
func checkDisjoint(ranges []hostarch.VirtualRange) error {
	sorted := append([]hostarch.VirtualRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base() < sorted[j].Base() })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Overlaps(sorted[i]) {
			return fmt.Errorf("live ranges %v and %v overlap", sorted[i-1], sorted[i])
		}
	}
	return nil
}

func seedBytes(seed uint64) [32]byte {
	var b [32]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(seed >> (8 * i))
	}
	return b
}
