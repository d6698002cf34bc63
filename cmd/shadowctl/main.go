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

// shadowctl drives the shadow pagetable engine with synthetic guests. It
// is a development harness: it boots fake domains against an in-memory
// page bank, stresses the engine from multiple vcpus, and reports the
// engine's counters and audit results.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
)

var (
	configPath = flag.String("config", "", "TOML file with guest parameters; flags in it override the defaults")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(checkCmd), "")
	subcommands.Register(new(stressCmd), "")
	subcommands.Register(new(allocCmd), "")

	flag.Parse()

	if *debug {
		log.SetLevel(log.Debug)
	}

	conf, err := loadConfig(*configPath)
	if err != nil {
		log.Warningf("shadowctl: %v", err)
		os.Exit(1)
	}
	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
