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

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/mvisor/mvisor/pkg/shadow"
)

// allocCmd implements subcommands.Command for the "alloc" command.
type allocCmd struct {
	mb uint64
}

// Name implements subcommands.Command.Name.
func (*allocCmd) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*allocCmd) Synopsis() string {
	return "exercise pool resizing against a booted guest"
}

// Usage implements subcommands.Command.Usage.
func (*allocCmd) Usage() string {
	return `alloc [flags]

Boots the configured guest, resizes the shadow pool to the requested
size and reports what the engine actually granted. Requests below the
engine's minimum are rounded up, so the reported size may differ.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *allocCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&a.mb, "mb", 0, "pool size to request in MB; 0 only reads the current size")
}

// Execute implements subcommands.Command.Execute.
func (a *allocCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)

	g, err := newGuest(conf)
	if err != nil {
		log.Warningf("alloc: %v", err)
		return subcommands.ExitFailure
	}
	defer g.destroy()

	before, err := g.d.Domctl(shadow.OpGetAllocation, 0)
	if err != nil {
		log.Warningf("alloc: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("pool: %d MB\n", before)
	if a.mb == 0 {
		return subcommands.ExitSuccess
	}

	if err := setAllocation(g.d, uint32(a.mb)); err != nil {
		log.Warningf("alloc: resizing to %d MB: %v", a.mb, err)
		return subcommands.ExitFailure
	}
	after, err := g.d.Domctl(shadow.OpGetAllocation, 0)
	if err != nil {
		log.Warningf("alloc: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("pool: %d MB (requested %d MB)\n", after, a.mb)

	if err := g.d.Audit(); err != nil {
		log.Warningf("alloc: post-resize audit: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
