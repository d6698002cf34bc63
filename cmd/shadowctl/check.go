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

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/mvisor/mvisor/pkg/shadow"
)

// checkCmd implements subcommands.Command for the "check" command.
type checkCmd struct {
	logDirty bool
}

// Name implements subcommands.Command.Name.
func (*checkCmd) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*checkCmd) Synopsis() string {
	return "boot the configured guest once and audit the engine"
}

// Usage implements subcommands.Command.Usage.
func (*checkCmd) Usage() string {
	return `check [flags]

Boots the configured guest, optionally runs one dirty-logging round over
it, audits the engine's internal structures and prints the counters.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *checkCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.logDirty, "log-dirty", false, "run one dirty-logging round before auditing")
}

// Execute implements subcommands.Command.Execute.
func (c *checkCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)

	g, err := newGuest(conf)
	if err != nil {
		log.Warningf("check: %v", err)
		return subcommands.ExitFailure
	}
	defer g.destroy()

	if c.logDirty {
		if err := c.logDirtyRound(g); err != nil {
			log.Warningf("check: %v", err)
			return subcommands.ExitFailure
		}
	}

	if err := g.d.Audit(); err != nil {
		log.Warningf("check: audit: %v", err)
		return subcommands.ExitFailure
	}
	mb, err := g.d.Domctl(shadow.OpGetAllocation, 0)
	if err != nil {
		log.Warningf("check: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("booted %d vcpu(s) in %s-bit paging, pool %d MB, audit ok\n",
		len(g.vcpus), conf.Paging, mb)
	dumpMetrics(os.Stdout)
	return subcommands.ExitSuccess
}

// logDirtyRound enables dirty logging, rebuilds each vcpu's mappings the
// way the fault path would, dirties one frame per vcpu and reads the
// bitmap back.
func (c *checkCmd) logDirtyRound(g *guest) error {
	if err := g.d.LogDirtyEnable(); err != nil {
		return fmt.Errorf("enabling dirty log: %w", err)
	}
	for _, vs := range g.vcpus {
		g.d.ValidateGuestEntry(vs.root, 0)
		g.d.MarkDirty(vs.v, vs.data[0], 0)
	}
	bitmap, count, err := g.d.CleanDirtyLog()
	if err != nil {
		return fmt.Errorf("reading dirty log: %w", err)
	}
	for _, vs := range g.vcpus {
		mfn := vs.data[0]
		if bitmap[mfn/64]&(1<<(mfn%64)) == 0 {
			return fmt.Errorf("dirtied frame %#x missing from the bitmap", uint64(mfn))
		}
	}
	fmt.Printf("dirty round: %d page(s)\n", count)
	return g.d.LogDirtyDisable()
}
