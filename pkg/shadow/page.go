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
	"math/bits"
)

// pageInfo is the per-frame metadata the engine keeps for every frame in
// the bank. Guest-page fields and shadow-page fields coexist: a frame is
// either guest-owned (and possibly shadowed) or a pool frame (and possibly
// holding a shadow), never both.
//
// All relations between frames are index-based (Mfn links), never
// pointers, so teardown order cannot dangle.
type pageInfo struct {
	// Guest-page state.

	// shadowed is set while the frame is being treated as a guest
	// pagetable of at least one type.
	shadowed bool
	// flags records which shadow types currently shadow this frame,
	// plus the out-of-sync bits.
	flags typeFlags
	// writableRefs counts writable references to this frame: shadow
	// leaf entries with the write bit set, plus any special-purpose
	// references the embedder has declared.
	writableRefs uint32
	// totalRefs approximates the frame's overall reference count, used
	// only to excuse known-benign residue in removeAllMappings.
	totalRefs uint32
	// special marks frames with a legitimate extra typed reference
	// (device-emulation helper pages and the like).
	special bool

	// Shadow-page state, meaningful while the frame is in the pool.

	// typ is ShadowNone for free pool frames.
	typ ShadowType
	// pinned is set while the shadow is on the pinned list.
	pinned bool
	// head marks the first frame of a (possibly multi-frame) shadow.
	head bool
	// count is the shadow's reference count (pinnable types).
	count uint32
	// back points at what this shadow shadows: a gmfn, or for
	// fixed-address leaf shadows the base guest frame number of the
	// virtual range.
	back uint64
	// up is the byte "address" (parent smfn * PageSize + offset) of the
	// single parent entry referencing this shadow; 0 means none. Only
	// meaningful for types with up-pointers.
	up uint64
	// next threads the hash collision chain through the pool frames
	// themselves; InvalidMfn terminates.
	next Mfn
	// pinNext/pinPrev thread the pinned-shadows list.
	pinNext, pinPrev Mfn
	// stamp is the TLB epoch when this frame was last freed; stale
	// translations must be flushed before the frame is reused.
	stamp uint64
}

// page returns the metadata for a frame.
func (d *Domain) page(mfn Mfn) *pageInfo {
	if mfn >= Mfn(len(d.pages)) {
		panic(fmt.Sprintf("shadow: metadata access to bogus frame %#x", uint64(mfn)))
	}
	return &d.pages[mfn]
}

// backpointer returns the guest frame a shadow shadows. Only valid for
// non-fixed-address types.
func (d *Domain) backpointer(sp *pageInfo) Mfn {
	return Mfn(sp.back)
}

func (pg *pageInfo) isOutOfSync() bool {
	return pg.flags&flagOutOfSync != 0
}

func (pg *pageInfo) oosMayWrite() bool {
	return pg.flags&flagOOSMayWrite != 0
}

// hasMultipleShadows returns whether more than one shadow type bit is set.
func (pg *pageInfo) hasMultipleShadows() bool {
	return bits.OnesCount32(uint32(pg.flags&flagPageTypeMask)) > 1
}

// hasNoRefs reports whether no shadow mappings of the frame remain.
func (pg *pageInfo) hasNoRefs() bool {
	return pg.writableRefs == 0 && pg.totalRefs == 0
}

// Promote marks a guest frame as being treated as a pagetable of the given
// shadow type. Invoked by the generic page-type system when a page becomes
// a page table; also used internally when shadows are created.
func (l locked) promote(gmfn Mfn, t ShadowType) {
	pg := l.d.page(gmfn)

	// An out-of-sync page must be brought back before a new shadow
	// type can hang off it.
	if pg.isOutOfSync() {
		l.resyncOne(gmfn)
	}

	if !pg.shadowed {
		pg.shadowed = true
		pg.flags = 0
	}

	if pg.flags&flagFor(t) != 0 {
		panic(fmt.Sprintf("shadow: gmfn %#x promoted twice to type %v", uint64(gmfn), t))
	}
	pg.flags |= flagFor(t)
	l.d.tracePathFlag(traceFlagPromote)
}

// Demote removes one shadow-type marking from a guest frame; the last
// demotion clears the shadowed bit and drops any out-of-sync tracking.
func (l locked) demote(gmfn Mfn, t ShadowType) {
	pg := l.d.page(gmfn)

	if !pg.shadowed {
		panic(fmt.Sprintf("shadow: demote of unshadowed gmfn %#x", uint64(gmfn)))
	}
	if pg.flags&flagFor(t) == 0 {
		panic(fmt.Sprintf("shadow: demote of gmfn %#x lacking type %v", uint64(gmfn), t))
	}

	pg.flags &^= flagFor(t)

	if pg.flags&flagPageTypeMask == 0 {
		if pg.isOutOfSync() {
			l.oosHashRemove(gmfn)
			pg.flags &^= flagOutOfSync | flagOOSMayWrite
		}
		pg.shadowed = false
	}
	l.d.tracePathFlag(traceFlagDemote)
}
