// Copyright 2025 The mvisor Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/mvisor/mvisor/pkg/shadow"
)

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	duration time.Duration
	rate     float64
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "drive the engine from all vcpus at once, then audit it"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return `stress [flags]

Boots the configured guest and runs every vcpu in a loop of emulated
pagetable writes, out-of-sync windows, write-access removals and cr3
reloads. On completion the engine is audited and its counters printed.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *stressCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.duration, "duration", 0, "run length; overrides the config file")
	f.Float64Var(&s.rate, "rate", -1, "total operations per second; overrides the config file")
}

// Execute implements subcommands.Command.Execute.
func (s *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	if s.duration != 0 {
		conf.Duration.Duration = s.duration
	}
	if s.rate >= 0 {
		conf.Rate = s.rate
	}

	g, err := newGuest(conf)
	if err != nil {
		log.Warningf("stress: %v", err)
		return subcommands.ExitFailure
	}
	defer g.destroy()

	limit := rate.Inf
	if conf.Rate > 0 {
		limit = rate.Limit(conf.Rate)
	}
	limiter := rate.NewLimiter(limit, conf.Vcpus)

	runCtx, cancel := context.WithTimeout(ctx, conf.Duration.Duration)
	defer cancel()

	ops := make([]uint64, len(g.vcpus))
	eg, egCtx := errgroup.WithContext(runCtx)
	for i, vs := range g.vcpus {
		i, vs := i, vs
		eg.Go(func() error {
			n, err := g.stressVcpu(egCtx, vs, limiter)
			ops[i] = n
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		log.Warningf("stress: %v", err)
		return subcommands.ExitFailure
	}

	var total uint64
	for i, n := range ops {
		fmt.Printf("vcpu %d: %d ops\n", i, n)
		total += n
	}
	fmt.Printf("total: %d ops in %v (paths %#x)\n", total, conf.Duration.Duration, g.d.PathFlags())
	dumpMetrics(os.Stdout)

	if err := g.d.Audit(); err != nil {
		log.Warningf("stress: post-run audit: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Println("audit: ok")
	return subcommands.ExitSuccess
}

// stressVcpu loops one vcpu over the fault-visible mutations a guest
// kernel performs on a live leaf pagetable.
func (g *guest) stressVcpu(ctx context.Context, vs *vcpuState, limiter *rate.Limiter) (uint64, error) {
	var mask shadow.CPUSet
	mask.Add(vs.v.ID())

	var n uint64
	for ; ; n++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return n, nil
			}
			return n, err
		}
		if g.d.Crashed() {
			return n, fmt.Errorf("vcpu %d: domain crashed after %d ops", vs.v.ID(), n)
		}

		slot := int(n) % guestDataFrames
		target := vs.data[(int(n)+1)%guestDataFrames]

		switch {
		case n%256 == 255:
			g.d.UpdateCR3(vs.v)

		case n%64 == 63:
			// Revoke and re-establish write access to a data frame.
			g.d.RemoveWriteAccess(vs.v, target, 0, 0)
			g.d.ValidateGuestEntry(vs.leaf, slot)

		case n%16 == 15:
			// Let the leaf go out of sync through its self-map, mutate
			// it directly, and resync at the flush. Writes to an
			// out-of-sync table are visible to every vcpu's flush, so
			// the whole window is serialized.
			g.oosMu.Lock()
			if g.d.UnsyncOnWrite(vs.v, vs.leaf, selfVA) {
				g.writeLeaf(vs, slot, target, entryPresent|entryWritable)
				g.d.FlushTLB(mask)
			}
			g.oosMu.Unlock()

		default:
			// The common case: an emulated write to a shadowed table.
			g.writeLeaf(vs, slot, target, entryPresent|entryWritable)
			g.d.ValidateGuestEntry(vs.leaf, slot)
		}
	}
}
