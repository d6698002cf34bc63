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
	"gvisor.dev/gvisor/pkg/log"
)

// vaddrMask is the canonical 48-bit virtual address mask.
const vaddrMask = 1<<48 - 1

// guessWrmap checks whether the leaf entry mapping va in v's loaded
// tables is a writable mapping of gmfn, and shoots it if so.
func (l locked) guessWrmap(v *Vcpu, va Vaddr, gmfn Mfn) bool {
	leaf, idx, ok := l.shadowWalk(v, va)
	if !ok {
		return false
	}
	e := l.readShadowEntry(leaf, idx)
	if e&entryPresent == 0 || e&entryWritable == 0 || entryFrame(e) != gmfn {
		return false
	}
	head := l.d.shadowHead(leaf)
	l.setLeafEntry(head, int(leaf-head)*shadowEntriesPerPage+idx, e&^entryWritable)
	return true
}

// rmWriteAccessFromLeaf strips the write bit from every entry of a leaf
// shadow that maps gmfn. found, when non-nil, is told about each hit.
// Returns true once gmfn has no writable mappings left anywhere.
func (l locked) rmWriteAccessFromLeaf(smfn, gmfn Mfn, found func(Mfn, int)) bool {
	pg := l.d.page(gmfn)
	n := shadowEntries(l.d.page(smfn).typ)
	for i := 0; i < n && pg.writableRefs > 0; i++ {
		e := l.readShadowEntry(smfn, i)
		if e&entryPresent != 0 && e&entryWritable != 0 && entryFrame(e) == gmfn {
			l.setLeafEntry(smfn, i, e&^entryWritable)
			if found != nil {
				found(smfn, i)
			}
		}
	}
	return pg.writableRefs == 0
}

// removeWriteAccessFromEntry shoots a single remembered writable mapping:
// entry off of leaf shadow smfn, if it still maps gmfn writably. The
// record may be stale; every part of it is re-verified.
func (l locked) removeWriteAccessFromEntry(gmfn, smfn Mfn, off uint32) bool {
	d := l.d
	if uint64(smfn) >= uint64(len(d.pages)) {
		return false
	}
	sp := d.page(smfn)
	if !sp.head || !isLeaf(sp.typ) || int(off) >= shadowEntries(sp.typ) {
		return false
	}
	e := l.readShadowEntry(smfn, int(off))
	if e&entryPresent == 0 || e&entryWritable == 0 || entryFrame(e) != gmfn {
		return false
	}
	l.setLeafEntry(smfn, int(off), e&^entryWritable)
	return true
}

// removeWriteAccess strips every writable shadow mapping of gmfn, in
// three tiers: guessed linear-map addresses, the remembered last hit,
// then a brute-force walk of every leaf shadow. level and faultAddr
// describe how gmfn was discovered to be a pagetable (level 0 means some
// other reason, and permits failure). v is the faulting vcpu, or nil.
//
// Returns 0 if there was nothing to do, 1 if mappings were removed (the
// caller owes a TLB flush), and -1 if level was 0 and an unfindable
// writable reference remains.
func (l locked) removeWriteAccess(v *Vcpu, gmfn Mfn, level int, faultAddr Vaddr) int {
	d := l.d
	pg := d.page(gmfn)

	// With guest-managed refcounts the embedder already restricts writes
	// to guest pagetables.
	if d.mode&ModeRefcounts == 0 {
		return 0
	}

	// Early exit if it's already a pagetable (unless it has been allowed
	// to run out of sync) or otherwise not writable.
	if (pg.shadowed && !pg.oosMayWrite()) || pg.writableRefs == 0 {
		return 0
	}

	d.tracePathFlag(traceFlagWritableHeuristic)
	perf.writable.Add(1)

	if v != nil && v.d == d && v.mode != nil {
		// There is likely to be only one writable mapping, and it is
		// likely to be in the current pagetable, in the guest kernel's
		// linear map of its pagetables or its 1:1 map of low memory.
		guess := func(va Vaddr) bool {
			if l.guessWrmap(v, va&vaddrMask, gmfn) {
				perf.writableHeuristic.Add(1)
			}
			return pg.writableRefs == 0
		}
		gfn := d.phys.GfnOf(gmfn)
		done := false
		switch v.mode.levels {
		case 2:
			// 32-bit Windows: linear map at 0xC0000000.
			if level == 1 {
				done = guess(0xC0000000 + faultAddr>>10)
			}
			// Linux lowmem: first 896MB mapped 1:1 above 0xC0000000.
			if !done && gfn != InvalidGfn && gfn < 0x38000 {
				done = guess(0xC0000000 + Vaddr(gfn)<<12)
			}
			// FreeBSD: linear map at 0xBFC00000.
			if !done && level == 1 {
				done = guess(0xBFC00000 + faultAddr>>10)
			}
		case 3:
			// PAE Windows: linear map at 0xC0000000.
			switch level {
			case 1:
				done = guess(0xC0000000 + faultAddr>>9)
			case 2:
				done = guess(0xC0600000 + faultAddr>>18)
			}
			if !done && gfn != InvalidGfn && gfn < 0x38000 {
				done = guess(0xC0000000 + Vaddr(gfn)<<12)
			}
			// FreeBSD PAE: linear map at 0xBF800000.
			if !done {
				switch level {
				case 1:
					done = guess(0xBF800000 + faultAddr>>9)
				case 2:
					done = guess(0xBFDFC000 + faultAddr>>18)
				}
			}
		case 4:
			// 64-bit Windows: linear map at 0xfffff68000000000.
			switch level {
			case 1:
				done = guess(0xfffff68000000000 + faultAddr>>9)
			case 2:
				done = guess(0xfffff6fb40000000 + faultAddr>>18)
			case 3:
				done = guess(0xfffff6fb7da00000 + faultAddr>>27)
			}
			// 64-bit Linux direct map, in its several historical homes,
			// then the Solaris kernel page map.
			if !done && gfn != InvalidGfn {
				base := Vaddr(gfn) << 12
				done = guess(0xffff880000000000+base) ||
					guess(0xffff810000000000+base) ||
					guess(0x0000010000000000+base) ||
					guess(0xfffffe0000000000+base)
			}
			// FreeBSD 64-bit: linear map at 0xffff800000000000.
			if !done {
				switch level {
				case 1:
					done = guess(0xffff800000000000 + faultAddr>>9)
				case 2:
					done = guess(0xffff804000000000 + faultAddr>>18)
				case 3:
					done = guess(0xffff804020000000 + faultAddr>>27)
				}
			}
			// FreeBSD 64-bit: direct map at 0xffffff0000000000.
			if !done && gfn != InvalidGfn {
				done = guess(0xffffff0000000000 + Vaddr(gfn)<<12)
			}
		}
		if done {
			return 1
		}

		// Second heuristic: some kernels map pagetables through a small
		// fixed set of PTEs, so start where the last search succeeded.
		if v.lastWritableSmfn != InvalidMfn {
			last := v.lastWritableSmfn
			sp := d.page(last)
			old := pg.writableRefs
			if sp.head && isLeaf(sp.typ) {
				l.rmWriteAccessFromLeaf(last, gmfn, nil)
			}
			if pg.writableRefs != old {
				perf.writableHeuristic.Add(1)
			}
			if pg.writableRefs == 0 {
				return 1
			}
		}
	}

	// Brute force: walk every leaf shadow in the domain.
	d.tracePathFlag(traceFlagWritableBruteForce)
	perf.writableBruteForce.Add(1)
	l.trace(TraceEventWritableBruteForce, gmfn)

	found := func(smfn Mfn, _ int) {
		// Remember where the search hit so next time starts there.
		if v != nil {
			v.lastWritableSmfn = smfn
		}
	}
	var cbs [shadowTypeCount]hashCallback
	cb := func(l locked, smfn, other Mfn) bool {
		return l.rmWriteAccessFromLeaf(smfn, other, found)
	}
	for _, t := range [...]ShadowType{ShadowL1_32, ShadowFL1_32, ShadowL1PAE,
		ShadowFL1PAE, ShadowL1_64, ShadowFL1_64} {
		cbs[t] = cb
	}
	l.hashForeach(flagL1Any|flagFL1Any, &cbs, gmfn)

	if pg.writableRefs != 0 {
		// Some non-pagetable mapping remains: a grant or foreign
		// mapping the engine cannot see into.
		if level == 0 {
			return -1
		}
		log.Warningf("shadow: d%d can't remove write access to gmfn %#x: %d special-use mappings",
			d.id, uint64(gmfn), pg.writableRefs)
		d.Crash()
	}

	// We killed at least one writable mapping, so must flush TLBs.
	return 1
}

func (l locked) removeWriteAccessInternal(gmfn Mfn, level int, faultAddr Vaddr) int {
	return l.removeWriteAccess(nil, gmfn, level, faultAddr)
}

// RemoveWriteAccess strips every writable shadow mapping of gmfn, using
// the vcpu's linear-map heuristics when v is non-nil, and flushes if
// anything was removed. An unfindable writable reference unshadows the
// page instead.
func (d *Domain) RemoveWriteAccess(v *Vcpu, gmfn Mfn, level int, faultAddr Vaddr) {
	l := d.lockPaging()
	defer l.unlock()
	switch l.removeWriteAccess(v, gmfn, level, faultAddr) {
	case 1:
		l.flushTLBMask(l.dirtyMask())
	case -1:
		l.removeShadowsInternal(gmfn, false, true)
	}
}

// rmMappingsFromLeaf clears every entry of a leaf shadow mapping gmfn,
// writable or not. Returns true once gmfn is entirely unmapped.
func (l locked) rmMappingsFromLeaf(smfn, gmfn Mfn) bool {
	pg := l.d.page(gmfn)
	n := shadowEntries(l.d.page(smfn).typ)
	for i := 0; i < n && !pg.hasNoRefs(); i++ {
		e := l.readShadowEntry(smfn, i)
		if e&entryPresent != 0 && entryFrame(e) == gmfn {
			l.setLeafEntry(smfn, i, 0)
		}
	}
	return pg.hasNoRefs()
}

// removeAllMappings clears every shadow mapping of gmfn. Returns whether
// the caller owes a TLB flush.
func (l locked) removeAllMappings(gmfn Mfn) bool {
	d := l.d
	pg := d.page(gmfn)

	perf.mappings.Add(1)
	if pg.hasNoRefs() {
		return false
	}

	// Brute-force search of all the leaf shadows.
	perf.mappingsBruteForce.Add(1)
	var cbs [shadowTypeCount]hashCallback
	cb := func(l locked, smfn, other Mfn) bool {
		return l.rmMappingsFromLeaf(smfn, other)
	}
	for _, t := range [...]ShadowType{ShadowL1_32, ShadowFL1_32, ShadowL1PAE,
		ShadowFL1PAE, ShadowL1_64, ShadowFL1_64} {
		cbs[t] = cb
	}
	l.hashForeach(flagL1Any|flagFL1Any, &cbs, gmfn)

	if !pg.hasNoRefs() {
		// Helper processes legitimately keep a couple of extra
		// references to pages they service; anything beyond that means
		// the engine lost track of a mapping.
		benign := d.mode&ModeExternal != 0 && pg.totalRefs <= 3 &&
			(pg.writableRefs == 0 || pg.special)
		if !benign {
			log.Warningf("shadow: d%d can't find all mappings of gmfn %#x: total=%d writable=%d",
				d.id, uint64(gmfn), pg.totalRefs, pg.writableRefs)
		}
	}

	// We killed at least one mapping, so must flush TLBs.
	return true
}

// RemoveAllMappings clears every shadow mapping of a guest frame, for
// when the frame leaves the guest's ownership.
func (d *Domain) RemoveAllMappings(gmfn Mfn) {
	l := d.lockPaging()
	defer l.unlock()
	if l.removeAllMappings(gmfn) {
		l.flushTLBMask(l.dirtyMask())
	}
}

// removeShadowViaPointer follows a shadow's up-pointer and removes the
// parent entry found there. Returns true if that was the only reference.
func (l locked) removeShadowViaPointer(smfn Mfn) bool {
	d := l.d
	sp := d.page(smfn)
	if !d.typeHasUpPointer(sp.typ) {
		panic("shadow: up-pointer removal of type without up-pointers")
	}
	if sp.up == 0 {
		return false
	}
	parent := Mfn(sp.up / PageSize)
	idx := int(sp.up%PageSize) / 8
	if e := l.readShadowEntry(parent, idx); entryFrame(e) != smfn {
		panic("shadow: up-pointer does not point back at shadow")
	}

	sole := sp.count == 1
	l.zapTableEntry(parent, idx)
	if sole {
		perf.upPointer.Add(1)
		l.d.tracePathFlag(traceFlagUpPointer)
	} else {
		perf.unshadowBruteForce.Add(1)
	}
	return sole
}

// removeChildShadow excises every entry of a parent shadow that points
// into the child shadow. Returns true once the child is gone.
func (l locked) removeChildShadow(parent, child Mfn) bool {
	d := l.d
	n := shadowEntries(d.page(parent).typ)
	for i := 0; i < n; i++ {
		e := l.readShadowEntry(parent, i)
		if e&entryPresent != 0 && d.shadowHead(entryFrame(e)) == child {
			l.zapTableEntry(parent, i)
		}
	}
	sp := d.page(child)
	return sp.typ == ShadowNone || sp.count == 0
}

// unshadowOrder fixes the sequence in which a page's shadow types are
// torn down: uppermost tables first within each width, so lower shadows
// are excised from upper ones that are already gone from the vcpus.
var unshadowOrder = [...]ShadowType{
	ShadowL2_32, ShadowL1_32,
	ShadowL2PAE, ShadowL1PAE,
	ShadowL4_64, ShadowL3_64, ShadowL2H64, ShadowL2_64, ShadowL1_64,
}

// unshadowParentMask gives, for each shadow type, the parent types whose
// entries may reference it.
var unshadowParentMask = [shadowTypeCount]typeFlags{
	ShadowL1_32: flagL2_32,
	ShadowL1PAE: flagL2PAE,
	ShadowL1_64: flagL2H64 | flagL2_64,
	ShadowL2_64: flagL3_64,
	ShadowL2H64: flagL3_64,
	ShadowL3_64: flagL4_64,
}

// removeShadowsInternal removes all shadows of a guest page. With fast
// set, only the cheap paths are tried (unpinning and up-pointers), which
// remove at most one reference per shadow; otherwise every upper shadow
// is walked for stray references. With all set, failure to find every
// shadow crashes the domain. all implies !fast.
func (l locked) removeShadowsInternal(gmfn Mfn, fast, all bool) {
	d := l.d
	pg := d.page(gmfn)

	if fast && all {
		panic("shadow: remove-shadows with both fast and all")
	}
	if !pg.shadowed {
		return
	}
	perf.unshadow.Add(1)
	d.tracePathFlag(traceFlagUnshadow)

	var cbs [shadowTypeCount]hashCallback
	cb := func(l locked, smfn, other Mfn) bool {
		return l.removeChildShadow(smfn, other)
	}
	for _, t := range [...]ShadowType{ShadowL2_32, ShadowL2PAE,
		ShadowL2_64, ShadowL2H64, ShadowL3_64, ShadowL4_64} {
		cbs[t] = cb
	}

	for _, t := range unshadowOrder {
		if !pg.shadowed || pg.flags&flagFor(t) == 0 {
			continue
		}
		smfn := l.hashLookup(uint64(gmfn), t)
		if smfn == InvalidMfn {
			log.Warningf("shadow: gmfn %#x has flags %#x but no %v shadow",
				uint64(gmfn), pg.flags, t)
			continue
		}
		if d.typeIsPinnable(t) {
			l.unpin(smfn)
		} else if d.typeHasUpPointer(t) {
			l.removeShadowViaPointer(smfn)
		}
		// Each hash-walk callback removes at most one shadow and stops
		// the walk when it does, so the walk never continues past a
		// deletion it caused.
		if !fast && pg.shadowed && pg.flags&flagFor(t) != 0 {
			l.hashForeach(unshadowParentMask[t], &cbs, smfn)
		}
	}

	if !fast && all && pg.shadowed {
		log.Warningf("shadow: d%d can't find all shadows of gmfn %#x (flags=%#x)",
			d.id, uint64(gmfn), pg.flags)
		d.Crash()
	}

	// Flush now, so linear maps are safe the next time a fault walks
	// them.
	l.flushTLBMask(l.dirtyMask())
}

// RemoveAllShadows removes every shadow of a guest page, crashing the
// domain if any cannot be found.
func (d *Domain) RemoveAllShadows(gmfn Mfn) {
	l := d.lockPaging()
	defer l.unlock()
	l.removeShadowsInternal(gmfn, false, true)
}

// PrepareForPageTypeChange lets the embedder warn the engine that a
// guest frame's use is changing (for example becoming ordinary writable
// memory). Shadows of the frame are discarded, except that an unsynced
// page may legitimately become writable while shadowed.
func (d *Domain) PrepareForPageTypeChange(gmfn Mfn, becomingWritable bool) {
	l := d.lockPaging()
	defer l.unlock()
	pg := d.page(gmfn)
	if !pg.shadowed {
		return
	}
	if becomingWritable && pg.oosMayWrite() {
		return
	}
	l.removeShadowsInternal(gmfn, false, true)
}
