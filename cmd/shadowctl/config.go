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
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// config describes the synthetic guest the commands build.
type config struct {
	// Frames sizes the page bank shared by guest memory and the pool.
	Frames uint64 `toml:"frames"`
	// Vcpus is the number of vcpus; each boots on its own pagetables.
	Vcpus int `toml:"vcpus"`
	// PoolMB resizes the shadow pool after enabling; 0 keeps the
	// engine's minimum.
	PoolMB uint32 `toml:"pool_mb"`
	// Paging selects the guest paging mode: "32", "pae" or "64".
	Paging string `toml:"paging"`
	// OOSOff disables the out-of-sync optimization.
	OOSOff bool `toml:"oos_off"`
	// Duration bounds a stress run, e.g. "10s".
	Duration duration `toml:"duration"`
	// Rate caps stress operations per second across all vcpus; 0 means
	// unlimited.
	Rate float64 `toml:"rate"`
}

// duration wraps time.Duration so TOML decodes it from a string.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func defaultConfig() *config {
	return &config{
		Frames:   16384,
		Vcpus:    2,
		Paging:   "32",
		Duration: duration{5 * time.Second},
	}
}

func loadConfig(path string) (*config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	md, err := toml.Decode(string(data), conf)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undec[0].String())
	}
	if conf.Vcpus <= 0 || conf.Frames == 0 {
		return nil, fmt.Errorf("%s: need at least one vcpu and one frame", path)
	}
	switch conf.Paging {
	case "32", "pae", "64":
	default:
		return nil, fmt.Errorf("%s: unknown paging mode %q", path, conf.Paging)
	}
	return conf, nil
}
