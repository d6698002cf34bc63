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

// Out-of-sync tracking. A guest leaf table that is shadowed only as an l1
// may be left writable by the guest ("unsynced"): writes go straight to
// the guest table and the shadow is brought back in step ("resynced") at
// the next TLB-flush-equivalent point. Each vcpu tracks at most oosPages
// such pages, in a tiny 2-left hash: a page lives at its home slot
// (gmfn % oosPages) or the next one.
const (
	oosPages = 3
	// oosFixups bounds the writable mappings remembered per unsynced
	// page, so resync can shoot them without searching.
	oosFixups = 2
)

// oosFixup remembers where the writable mappings of an unsynced page
// live: leaf shadow frame and entry offset. A small ring; adding past
// capacity evicts (and shoots) the oldest.
type oosFixup struct {
	smfn [oosFixups]Mfn
	off  [oosFixups]uint32
	next int
}

// oosSlot finds the tracker slot holding gmfn on vcpu v, or -1.
func oosSlot(v *Vcpu, gmfn Mfn) int {
	idx := int(uint64(gmfn) % oosPages)
	if v.oos[idx] != gmfn {
		idx = (idx + 1) % oosPages
	}
	if v.oos[idx] != gmfn {
		return -1
	}
	return idx
}

// fixupFlush shoots every remembered writable mapping of gmfn. Always
// reports a flush owed: fixupAdd may have dropped a mapping without
// flushing, so resync must flush unconditionally.
func (l locked) fixupFlush(gmfn Mfn, fx *oosFixup) bool {
	for i := 0; i < oosFixups; i++ {
		if fx.smfn[i] != InvalidMfn {
			l.removeWriteAccessFromEntry(gmfn, fx.smfn[i], fx.off[i])
			fx.smfn[i] = InvalidMfn
		}
	}
	return true
}

// fixupAdd records a writable mapping of the unsynced page gmfn. A full
// ring evicts its oldest entry by shooting that mapping now; no flush is
// needed because the page is out of sync anyway, but resync must then
// always flush.
func (l locked) fixupAdd(gmfn, smfn Mfn, off uint32) {
	perf.oosFixupAdd.Add(1)

	for _, v := range l.d.vcpus {
		idx := oosSlot(v, gmfn)
		if idx < 0 {
			continue
		}
		fx := &v.oosFixup[idx]
		for i := 0; i < oosFixups; i++ {
			if fx.smfn[i] == smfn && fx.off[i] == off {
				return
			}
		}
		next := fx.next
		if fx.smfn[next] != InvalidMfn {
			l.d.tracePathFlag(traceFlagOOSFixupEvict)
			l.removeWriteAccessFromEntry(gmfn, fx.smfn[next], fx.off[next])
			perf.oosFixupEvict.Add(1)
		}
		fx.smfn[next] = smfn
		fx.off[next] = off
		fx.next = (next + 1) % oosFixups
		l.d.tracePathFlag(traceFlagOOSFixupAdd)
		return
	}

	panic(fmt.Sprintf("shadow: gmfn %#x was out of sync but not tracked", uint64(gmfn)))
}

// oosRemoveWriteAccess strips every writable mapping of gmfn before a
// resync: first the remembered fixups, then the full write-access engine.
// Returns true if the page had to be unshadowed outright (an unfindable
// writable reference appeared), in which case the resync is moot.
func (l locked) oosRemoveWriteAccess(v *Vcpu, gmfn Mfn, fx *oosFixup) bool {
	flush := l.fixupFlush(gmfn, fx)

	switch l.removeWriteAccessInternal(gmfn, 0, 0) {
	case 1:
		flush = true
	case -1:
		// Can't shoot the mapping; unshadow the page instead. That
		// flushes, so nothing more to do.
		l.removeShadowsInternal(gmfn, false, true)
		return true
	}

	if flush {
		l.flushTLBMask(l.dirtyMask())
	}
	return false
}

// resyncCurrent pulls one unsynced page fully back into sync: write
// access removed, shadows updated, tracking flags cleared. The caller
// clears the tracker slot.
func (l locked) resyncCurrent(v *Vcpu, gmfn Mfn, fx *oosFixup, snp Mfn) {
	pg := l.d.page(gmfn)

	if !pg.isOutOfSync() {
		panic(fmt.Sprintf("shadow: resync of in-sync gmfn %#x", uint64(gmfn)))
	}
	// Out-of-sync pages are shadowed only as a single l1.
	if pg.flags&flagPageTypeMask&^flagL1Any != 0 || pg.hasMultipleShadows() {
		panic(fmt.Sprintf("shadow: out-of-sync gmfn %#x has flags %#x", uint64(gmfn), pg.flags))
	}

	// Need to pull write access so the page *stays* in sync.
	if l.oosRemoveWriteAccess(v, gmfn, fx) {
		return // Page has been unshadowed.
	}

	pg.flags &^= flagOOSMayWrite
	l.resyncL1(gmfn, snp)
	pg.flags &^= flagOutOfSync
	perf.resync.Add(1)
	l.d.tracePathFlag(traceFlagResync)
	l.trace(TraceEventResyncFull, gmfn)
}

// resyncOne pulls a single guest page back into sync, wherever it is
// tracked.
func (l locked) resyncOne(gmfn Mfn) {
	for _, v := range l.d.vcpus {
		if idx := oosSlot(v, gmfn); idx >= 0 {
			l.resyncCurrent(v, gmfn, &v.oosFixup[idx], v.oosSnapshot[idx])
			v.oos[idx] = InvalidMfn
			return
		}
	}
	panic(fmt.Sprintf("shadow: gmfn %#x was out of sync but not tracked", uint64(gmfn)))
}

// oosHashAdd starts tracking gmfn on vcpu v. An occupant sitting in its
// home slot is punted to the next slot (keeping lookups two-probe); any
// occupant of the final slot is resynced to make room.
func (l locked) oosHashAdd(v *Vcpu, gmfn Mfn) {
	var fixup oosFixup
	for i := range fixup.smfn {
		fixup.smfn[i] = InvalidMfn
	}

	idx := int(uint64(gmfn) % oosPages)
	oidx := idx
	swapped := false

	if v.oos[idx] != InvalidMfn && uint64(v.oos[idx])%oosPages == uint64(idx) {
		// Punt the current occupant into the next slot.
		v.oos[idx], gmfn = gmfn, v.oos[idx]
		v.oosFixup[idx], fixup = fixup, v.oosFixup[idx]
		swapped = true
		idx = (idx + 1) % oosPages
	}
	if v.oos[idx] != InvalidMfn {
		// Crush the current occupant.
		l.resyncCurrent(v, v.oos[idx], &v.oosFixup[idx], v.oosSnapshot[idx])
	}
	v.oos[idx] = gmfn
	v.oosFixup[idx] = fixup

	if swapped {
		v.oosSnapshot[idx], v.oosSnapshot[oidx] = v.oosSnapshot[oidx], v.oosSnapshot[idx]
	}

	l.d.bank.Copy(v.oosSnapshot[oidx], v.oos[oidx])
}

// oosHashRemove stops tracking gmfn, on whichever vcpu tracks it.
func (l locked) oosHashRemove(gmfn Mfn) {
	for _, v := range l.d.vcpus {
		if idx := oosSlot(v, gmfn); idx >= 0 {
			v.oos[idx] = InvalidMfn
			return
		}
	}
	panic(fmt.Sprintf("shadow: gmfn %#x was out of sync but not tracked", uint64(gmfn)))
}

// oosSnapshotLookup returns the snapshot frame for a tracked page.
func (l locked) oosSnapshotLookup(gmfn Mfn) Mfn {
	for _, v := range l.d.vcpus {
		if idx := oosSlot(v, gmfn); idx >= 0 {
			return v.oosSnapshot[idx]
		}
	}
	panic(fmt.Sprintf("shadow: gmfn %#x was out of sync but not tracked", uint64(gmfn)))
}

// resyncL1 updates gmfn's leaf shadows from the guest table, comparing
// against the snapshot so only changed entries are touched, then
// refreshes the snapshot.
func (l locked) resyncL1(gmfn, snp Mfn) {
	pg := l.d.page(gmfn)
	for _, t := range [...]ShadowType{ShadowL1_32, ShadowL1PAE, ShadowL1_64} {
		if pg.flags&flagFor(t) == 0 {
			continue
		}
		smfn := l.hashLookup(uint64(gmfn), t)
		if smfn == InvalidMfn {
			panic(fmt.Sprintf("shadow: gmfn %#x flagged %v but shadow missing", uint64(gmfn), t))
		}
		bytes, n := guestGeometry(t)
		for i := 0; i < n; i++ {
			ge := l.readGuestEntry(gmfn, bytes, i)
			if ge == l.readGuestEntry(snp, bytes, i) {
				continue
			}
			l.setLeafEntry(smfn, i, l.propagateLeaf(ge))
		}
	}
	l.d.bank.Copy(snp, gmfn)
}

// safeToSkipSync decides whether vcpu v can leave another vcpu's unsynced
// l1 un-resynced at a flush point: only if the shadow provably is not
// wired into v's loaded tables. Climb the up-pointers to the root; a
// broken chain means we cannot prove anything and must sync.
func (l locked) safeToSkipSync(v *Vcpu, gmfn Mfn) bool {
	d := l.d
	pg := d.page(gmfn)
	for _, t := range [...]ShadowType{ShadowL1_32, ShadowL1PAE, ShadowL1_64} {
		if pg.flags&flagFor(t) == 0 {
			continue
		}
		smfn := l.hashLookup(uint64(gmfn), t)
		if smfn == InvalidMfn {
			panic(fmt.Sprintf("shadow: gmfn %#x was out of sync but not shadowed as an l1", uint64(gmfn)))
		}
		cur := smfn
		if !d.typeHasUpPointer(d.page(cur).typ) {
			// A shadow that records no parent cannot be proven absent
			// from v's tables.
			return false
		}
		for d.typeHasUpPointer(d.page(cur).typ) {
			up := d.page(cur).up
			if up == 0 {
				return false
			}
			cur = d.shadowHead(Mfn(up / PageSize))
		}
		for i := range v.shadowTable {
			if v.shadowTable[i] == cur {
				return false
			}
		}
	}
	return true
}

// resyncAll handles a TLB-flush-equivalent point on vcpu v: its own
// unsynced pages are fully resynced and untracked; other vcpus' pages
// have their shadows made safe but may stay unsynced. With skip set,
// other vcpus' pages that provably are not visible to v are left alone.
func (l locked) resyncAll(v *Vcpu, skip, this, others bool) {
	if this {
		for idx := 0; idx < oosPages; idx++ {
			if v.oos[idx] == InvalidMfn {
				continue
			}
			l.resyncCurrent(v, v.oos[idx], &v.oosFixup[idx], v.oosSnapshot[idx])
			v.oos[idx] = InvalidMfn
		}
	}

	if !others {
		return
	}

	for _, other := range l.d.vcpus {
		if other == v {
			continue
		}
		for idx := 0; idx < oosPages; idx++ {
			gmfn := other.oos[idx]
			if gmfn == InvalidMfn {
				continue
			}
			if skip {
				// Update the shadows and leave the page unsynced.
				if l.safeToSkipSync(v, gmfn) {
					continue
				}
				l.trace(TraceEventResyncOnly, gmfn)
				l.resyncL1(gmfn, other.oosSnapshot[idx])
			} else {
				l.resyncCurrent(other, gmfn, &other.oosFixup[idx], other.oosSnapshot[idx])
				other.oos[idx] = InvalidMfn
			}
		}
	}
}

// unsync lets a shadowed leaf table go out of sync, keeping its writable
// mappings. Refused (returning false) unless the page is shadowed only
// as a single l1, every vcpu runs with paging on, and the domain is
// eligible at all; the caller then falls back to write-emulation.
func (l locked) unsync(v *Vcpu, gmfn Mfn) bool {
	d := l.d
	pg := d.page(gmfn)

	if pg.flags&(flagPageTypeMask&^flagL1Any|flagOutOfSync) != 0 ||
		pg.hasMultipleShadows() ||
		d.mode&ModeExternal == 0 ||
		!d.oosActive {
		return false
	}

	pg.flags |= flagOutOfSync | flagOOSMayWrite
	l.oosHashAdd(v, gmfn)
	perf.unsync.Add(1)
	d.tracePathFlag(traceFlagUnsync)
	l.trace(TraceEventUnsync, gmfn)
	return true
}
