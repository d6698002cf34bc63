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
	"github.com/mvisor/mvisor/pkg/pagebank"
)

// Mfn is a machine frame number. Both guest-owned frames (gmfns) and
// shadow-pool frames (smfns) are Mfns into the same bank.
type Mfn = pagebank.Mfn

// InvalidMfn is never a valid frame number.
const InvalidMfn = pagebank.InvalidMfn

// Gfn is a guest frame number: the guest-physical index a gmfn appears at
// in the guest's address space.
type Gfn uint64

// InvalidGfn is never a valid guest frame number.
const InvalidGfn = ^Gfn(0)

// Vaddr is a guest virtual address.
type Vaddr uint64

// PageSize is the frame size the engine operates on.
const PageSize = pagebank.PageSize

// ShadowType identifies what a shadow-pool frame currently holds. A guest
// page may be shadowed at several types at once; the type also selects the
// per-mode table operations used on the shadow.
type ShadowType uint8

const (
	// ShadowNone marks a free pool frame.
	ShadowNone ShadowType = iota

	// Leaf (L1) and interior shadows, by guest paging width. The "FL1"
	// types shadow a fixed guest virtual range rather than a guest frame;
	// their back-pointers hold an address, not an Mfn.
	ShadowL1_32
	ShadowFL1_32
	ShadowL2_32
	ShadowL1PAE
	ShadowFL1PAE
	ShadowL2PAE
	ShadowL1_64
	ShadowFL1_64
	ShadowL2_64
	ShadowL2H64
	ShadowL3_64
	ShadowL4_64

	// Pool frames on loan outside the shadow code proper.
	ShadowP2MTable
	ShadowMonitorTable
	ShadowOOSSnapshot

	shadowTypeCount
)

const (
	shadowTypeMin = ShadowL1_32
	shadowTypeMax = ShadowL4_64
)

var shadowTypeNames = [shadowTypeCount]string{
	ShadowNone:         "none",
	ShadowL1_32:        "l1_32",
	ShadowFL1_32:       "fl1_32",
	ShadowL2_32:        "l2_32",
	ShadowL1PAE:        "l1_pae",
	ShadowFL1PAE:       "fl1_pae",
	ShadowL2PAE:        "l2_pae",
	ShadowL1_64:        "l1_64",
	ShadowFL1_64:       "fl1_64",
	ShadowL2_64:        "l2_64",
	ShadowL2H64:        "l2h_64",
	ShadowL3_64:        "l3_64",
	ShadowL4_64:        "l4_64",
	ShadowP2MTable:     "p2m",
	ShadowMonitorTable: "monitor",
	ShadowOOSSnapshot:  "oos_snapshot",
}

// String implements fmt.Stringer.
func (t ShadowType) String() string {
	if t < shadowTypeCount {
		return shadowTypeNames[t]
	}
	return "bogus"
}

// shadowSize gives the number of contiguous pool frames a shadow of each
// type occupies. 32-bit guest tables are wider than the PAE/64-bit tables
// that shadow them: a 32-bit l1 covers 4MB of VA and needs two leaf pages,
// a 32-bit l2 covers 4GB and needs four.
var shadowSize = [shadowTypeCount]uint{
	ShadowL1_32:        2,
	ShadowFL1_32:       2,
	ShadowL2_32:        4,
	ShadowL1PAE:        1,
	ShadowFL1PAE:       1,
	ShadowL2PAE:        1,
	ShadowL1_64:        1,
	ShadowFL1_64:       1,
	ShadowL2_64:        1,
	ShadowL2H64:        1,
	ShadowL3_64:        1,
	ShadowL4_64:        1,
	ShadowP2MTable:     1,
	ShadowMonitorTable: 1,
	ShadowOOSSnapshot:  1,
}

// typeFlags is the bitmask type recording which shadow types currently
// shadow a guest page, plus the out-of-sync state bits.
type typeFlags uint32

const (
	// flagOutOfSync marks a guest page whose leaf shadow may be stale.
	flagOutOfSync typeFlags = 1 << 30
	// flagOOSMayWrite marks an out-of-sync page that is allowed to keep
	// writable mappings.
	flagOOSMayWrite typeFlags = 1 << 29
)

// flagFor returns the shadow-flags bit for a shadow type.
func flagFor(t ShadowType) typeFlags {
	return 1 << t
}

const (
	flagL1_32  = typeFlags(1) << ShadowL1_32
	flagFL1_32 = typeFlags(1) << ShadowFL1_32
	flagL2_32  = typeFlags(1) << ShadowL2_32
	flagL1PAE  = typeFlags(1) << ShadowL1PAE
	flagFL1PAE = typeFlags(1) << ShadowFL1PAE
	flagL2PAE  = typeFlags(1) << ShadowL2PAE
	flagL1_64  = typeFlags(1) << ShadowL1_64
	flagFL1_64 = typeFlags(1) << ShadowFL1_64
	flagL2_64  = typeFlags(1) << ShadowL2_64
	flagL2H64  = typeFlags(1) << ShadowL2H64
	flagL3_64  = typeFlags(1) << ShadowL3_64
	flagL4_64  = typeFlags(1) << ShadowL4_64

	// flagPageTypeMask covers every real shadow type bit.
	flagPageTypeMask = flagL1_32 | flagFL1_32 | flagL2_32 |
		flagL1PAE | flagFL1PAE | flagL2PAE |
		flagL1_64 | flagFL1_64 | flagL2_64 |
		flagL2H64 | flagL3_64 | flagL4_64

	// flagL1Any covers the leaf types that may legally go out of sync.
	flagL1Any = flagL1_32 | flagL1PAE | flagL1_64
	// flagFL1Any covers the fixed-address leaf types.
	flagFL1Any = flagFL1_32 | flagFL1PAE | flagFL1_64

	// Per-width masks, used to audit only the active mode's tables.
	flag32  = flagL1_32 | flagFL1_32 | flagL2_32
	flagPAE = flagL1PAE | flagFL1PAE | flagL2PAE
	flag64  = flagL1_64 | flagFL1_64 | flagL2_64 | flagL2H64 | flagL3_64 | flagL4_64
)

// isFixedLeaf returns whether t shadows a guest virtual range instead of a
// guest frame.
func isFixedLeaf(t ShadowType) bool {
	return t == ShadowFL1_32 || t == ShadowFL1PAE || t == ShadowFL1_64
}

// isLeaf returns whether t is an innermost (L1 or FL1) shadow type.
func isLeaf(t ShadowType) bool {
	return flagFor(t)&(flagL1Any|flagFL1Any) != 0
}

// typeIsPinnable returns whether shadows of type t may be pinned: kept
// alive while otherwise unreferenced, so the guest's top-level tables do
// not have to be re-shadowed on every context switch.
func (d *Domain) typeIsPinnable(t ShadowType) bool {
	switch t {
	case ShadowL2_32, ShadowL2PAE, ShadowL4_64:
		return true
	case ShadowL3_64:
		// 64-bit Linux older than 2.6.17 switches an l3 instead of the
		// top level; pin l3s while that optimization is active.
		return d.optLinuxL3Toplevel.Load() != 0
	default:
		return false
	}
}

// typeHasUpPointer returns whether shadows of type t keep a back-reference
// to the single parent-table entry that maps them. Multi-page shadows have
// no single parent entry, and pinnable types may have multiple or zero
// parents, so neither can.
func (d *Domain) typeHasUpPointer(t ShadowType) bool {
	switch t {
	case ShadowL1_32, ShadowFL1_32, ShadowL2_32:
		return false
	}
	if d.typeIsPinnable(t) {
		return false
	}
	switch t {
	case ShadowL1PAE, ShadowFL1PAE, ShadowL1_64, ShadowFL1_64,
		ShadowL2_64, ShadowL2H64, ShadowL3_64:
		return true
	default:
		return false
	}
}
