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

package shadow

import (
	"fmt"
)

// The control-plane surface: coarse operations a management tool issues
// against a domain, sized in megabytes.

// Op is a control-plane operation.
type Op uint32

const (
	// OpOff turns shadow mode off, if no permanent feature requires it.
	OpOff Op = iota
	// OpEnableTest turns on bare shadow mode for testing.
	OpEnableTest
	// OpEnableLogDirty turns on dirty logging.
	OpEnableLogDirty
	// OpGetAllocation reads the pool size in MB.
	OpGetAllocation
	// OpSetAllocation resizes the pool to the given MB figure.
	OpSetAllocation
)

// ErrAgain reports that a long-running operation was preempted; the
// caller should repeat it with the same arguments to continue.
var ErrAgain = fmt.Errorf("shadow: operation preempted, retry")

// permanentModes can never be disabled once enabled; a domain relying on
// translation cannot run without it.
const permanentModes = ModeRefcounts | ModeTranslate | ModeExternal

// Domctl executes a control-plane operation. mb is used only by
// OpSetAllocation; the returned value is meaningful only for the
// allocation operations (the pool size in MB).
func (d *Domain) Domctl(op Op, mb uint32) (uint32, error) {
	switch op {
	case OpOff:
		l := d.lockPaging()
		if d.mode&permanentModes != 0 {
			l.unlock()
			return 0, fmt.Errorf("%w: can't disable permanent paging features %#x",
				ErrInvalid, d.mode&permanentModes)
		}
		l.unlock()
		if d.mode&ModeLogDirty != 0 {
			if err := d.LogDirtyDisable(); err != nil {
				return 0, err
			}
		}
		if d.mode&ModeEnable != 0 {
			return 0, d.TestDisable()
		}
		return 0, nil

	case OpEnableTest:
		return 0, d.TestEnable()

	case OpEnableLogDirty:
		return 0, d.LogDirtyEnable()

	case OpGetAllocation:
		l := d.lockPaging()
		defer l.unlock()
		return l.allocationMB(), nil

	case OpSetAllocation:
		l := d.lockPaging()
		defer l.unlock()
		if mb == 0 && d.mode&ModeEnable != 0 {
			return l.allocationMB(), fmt.Errorf("%w: can't release the pool while shadow mode is on", ErrInvalid)
		}
		preempted := false
		if err := l.setAllocation(mb*pagesPerMB, &preempted); err != nil {
			return l.allocationMB(), err
		}
		if preempted {
			return l.allocationMB(), ErrAgain
		}
		return l.allocationMB(), nil

	default:
		return 0, fmt.Errorf("%w: unknown control operation %d", ErrInvalid, op)
	}
}
