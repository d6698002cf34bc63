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
	"encoding/binary"
	"fmt"
)

// Table geometry and the entry codec. Guest tables come in two widths:
// 4-byte entries (1024 per page) for 32-bit non-PAE guests, 8-byte
// entries (512 per page) otherwise. Shadows always use the wide format,
// which is why 32-bit shadows span multiple frames: a 32-bit l1 covers
// 4MB and needs two wide pages, a 32-bit l2 covers 4GB and needs four.

const shadowEntriesPerPage = PageSize / 8

// Entry bits, shared by both widths.
const (
	entryPresent  uint64 = 1 << 0
	entryWritable uint64 = 1 << 1
	entryPSE      uint64 = 1 << 7
)

func makeEntry(frame Mfn, flags uint64) uint64 {
	return uint64(frame)<<12 | flags
}

func entryFrame(e uint64) Mfn {
	return Mfn(e >> 12)
}

// entryAddr is the byte "address" of a shadow entry, used as the parent
// back-reference in up-pointers and fixup records.
func entryAddr(smfn Mfn, idx int) uint64 {
	return (uint64(smfn)+uint64(idx)/shadowEntriesPerPage)*PageSize +
		uint64(idx%shadowEntriesPerPage)*8
}

// shadowEntries is the total entry count of a shadow, across all of its
// frames.
func shadowEntries(t ShadowType) int {
	return int(shadowSize[t]) * shadowEntriesPerPage
}

// guestGeometry returns the guest-format entry width and count for the
// guest table a shadow of type t shadows.
func guestGeometry(t ShadowType) (bytes, n int) {
	switch t {
	case ShadowL1_32, ShadowFL1_32, ShadowL2_32:
		return 4, 1024
	default:
		return 8, 512
	}
}

// shadowHead walks back from any frame of a multi-frame shadow to its
// head. Shadow frames are contiguous and at most four long.
func (d *Domain) shadowHead(mfn Mfn) Mfn {
	for !d.page(mfn).head {
		mfn--
	}
	return mfn
}

func (l locked) readGuestEntry(gmfn Mfn, bytes, idx int) uint64 {
	data := l.d.bank.Data(gmfn)
	if bytes == 4 {
		return uint64(binary.LittleEndian.Uint32(data[idx*4:]))
	}
	return binary.LittleEndian.Uint64(data[idx*8:])
}

func (l locked) readShadowEntry(smfn Mfn, idx int) uint64 {
	page := smfn + Mfn(idx/shadowEntriesPerPage)
	data := l.d.bank.Data(page)
	return binary.LittleEndian.Uint64(data[(idx%shadowEntriesPerPage)*8:])
}

func (l locked) writeShadowEntryRaw(smfn Mfn, idx int, e uint64) {
	page := smfn + Mfn(idx/shadowEntriesPerPage)
	data := l.d.bank.Data(page)
	binary.LittleEndian.PutUint64(data[(idx%shadowEntriesPerPage)*8:], e)
}

// Paging-mode records. A vcpu's mode selects table geometry and the root
// shadow type; PAE guests keep four root l2 shadows, one per l3 slot.
type pagingMode struct {
	name     string
	levels   int
	rootType ShadowType
	numRoots int
}

var (
	paging2Level = pagingMode{"32-bit", 2, ShadowL2_32, 1}
	paging3Level = pagingMode{"pae", 3, ShadowL2PAE, 4}
	paging4Level = pagingMode{"64-bit", 4, ShadowL4_64, 1}
)

// Leaf entry propagation: translate the guest frame, then decide whether
// the guest's write permission may be honoured. Writes to pages that are
// themselves shadowed pagetables must fault so the shadows can be kept
// in step, except for pages running out of sync.
func (l locked) propagateLeaf(ge uint64) uint64 {
	if ge&entryPresent == 0 {
		return 0
	}
	mfn, ok := l.d.phys.Translate(Gfn(ge >> 12))
	if !ok {
		return 0
	}
	e := makeEntry(mfn, entryPresent)
	if ge&entryWritable != 0 && l.leafWriteAllowed(mfn) {
		e |= entryWritable
	}
	return e
}

func (l locked) leafWriteAllowed(mfn Mfn) bool {
	d := l.d
	if d.mode&ModeLogDirty != 0 && !l.logDirtyTest(mfn) {
		return false
	}
	pg := d.page(mfn)
	if pg.shadowed && d.mode&ModeRefcounts != 0 && !pg.oosMayWrite() {
		return false
	}
	return true
}

// setLeafEntry writes a leaf shadow entry and keeps the mapped frame's
// mapping counts in step. Returns whether the entry changed, i.e. whether
// the caller owes a TLB flush.
func (l locked) setLeafEntry(smfn Mfn, idx int, e uint64) bool {
	old := l.readShadowEntry(smfn, idx)
	if old == e {
		return false
	}
	if old&entryPresent != 0 {
		tgt := l.d.page(entryFrame(old))
		tgt.totalRefs--
		if old&entryWritable != 0 {
			tgt.writableRefs--
		}
	}
	if e&entryPresent != 0 {
		tgt := l.d.page(entryFrame(e))
		tgt.totalRefs++
		if e&entryWritable != 0 {
			tgt.writableRefs++
			if tgt.isOutOfSync() {
				// Remember the mapping so resync can shoot it without
				// a search.
				l.fixupAdd(entryFrame(e), smfn, uint32(idx))
			}
		}
	}
	l.writeShadowEntryRaw(smfn, idx, e)
	return true
}

// setTableEntry points an interior shadow entry at a child shadow frame,
// taking a reference on the child's head. Guest permission bits ride
// along for the walker. Returns whether the entry changed.
func (l locked) setTableEntry(smfn Mfn, idx int, childPage Mfn, ge uint64) bool {
	old := l.readShadowEntry(smfn, idx)
	e := makeEntry(childPage, entryPresent|ge&entryWritable)
	if old == e {
		return false
	}
	pa := entryAddr(smfn, idx)
	head := l.d.shadowHead(childPage)
	if !l.getRef(head, pa) {
		// Counter saturated; leave the slot empty and let the walker
		// fault it back in.
		return l.zapTableEntry(smfn, idx)
	}
	if old&entryPresent != 0 {
		l.putRef(l.d.shadowHead(entryFrame(old)), pa)
	}
	l.writeShadowEntryRaw(smfn, idx, e)
	return true
}

// zapTableEntry clears an interior shadow entry, dropping the child
// reference. Returns whether the entry changed.
func (l locked) zapTableEntry(smfn Mfn, idx int) bool {
	old := l.readShadowEntry(smfn, idx)
	if old == 0 {
		return false
	}
	l.writeShadowEntryRaw(smfn, idx, 0)
	if old&entryPresent != 0 {
		l.putRef(l.d.shadowHead(entryFrame(old)), entryAddr(smfn, idx))
	}
	return true
}

// Shadow construction. Shadows are built eagerly: creating an interior
// shadow creates (or finds) shadows for every present child, so a loaded
// top level always has a complete tree under it.

// getOrMakeShadow returns the shadow of gmfn at type t, building it if
// need be. Returns InvalidMfn only if the domain was crashed for running
// the pool dry.
func (l locked) getOrMakeShadow(gmfn Mfn, t ShadowType) Mfn {
	if smfn := l.hashLookup(uint64(gmfn), t); smfn != InvalidMfn {
		return smfn
	}
	return l.makeShadow(gmfn, t)
}

func (l locked) makeShadow(gmfn Mfn, t ShadowType) Mfn {
	if isFixedLeaf(t) {
		panic(fmt.Sprintf("shadow: makeShadow of fixed-leaf type %v", t))
	}
	if !l.prealloc(t, 1) {
		return InvalidMfn
	}
	smfn := l.shadowAlloc(t, uint64(gmfn))

	// The guest table being shadowed must not stay writable through some
	// other leaf shadow, or we would never see its updates. This must
	// precede promotion: the removal path treats already-promoted frames
	// as handled. Out-of-sync frames keep their writable mappings here;
	// promotion resyncs them instead.
	if l.d.mode&ModeRefcounts != 0 && !l.d.page(gmfn).isOutOfSync() {
		if l.removeWriteAccessInternal(gmfn, 0, 0) == -1 {
			slowLog.Warningf("shadow: d%d gmfn %#x keeps unfindable writable mappings while being shadowed",
				l.d.id, uint64(gmfn))
		}
	}

	l.promote(gmfn, t)
	l.hashInsert(uint64(gmfn), t, smfn)

	bytes, n := guestGeometry(t)
	if isLeaf(t) {
		for i := 0; i < n; i++ {
			l.setLeafEntry(smfn, i, l.propagateLeaf(l.readGuestEntry(gmfn, bytes, i)))
		}
	} else {
		for i := 0; i < n; i++ {
			l.revalidateTableEntry(smfn, t, i, l.readGuestEntry(gmfn, bytes, i))
		}
	}
	return smfn
}

// getOrMakeFL1 returns the splintered-superpage leaf shadow for the given
// base guest frame, synthesizing one small-page entry per frame of the
// superpage. FL1 shadows have no guest table behind them, so the guest
// frame is never promoted.
func (l locked) getOrMakeFL1(base Gfn, t ShadowType, ge uint64) Mfn {
	if smfn := l.hashLookup(uint64(base), t); smfn != InvalidMfn {
		return smfn
	}
	if !l.prealloc(t, 1) {
		return InvalidMfn
	}
	smfn := l.shadowAlloc(t, uint64(base))
	l.hashInsert(uint64(base), t, smfn)
	n := shadowEntries(t)
	for j := 0; j < n; j++ {
		sge := (uint64(base)+uint64(j))<<12 | ge&(entryPresent|entryWritable)
		l.setLeafEntry(smfn, j, l.propagateLeaf(sge))
	}
	return smfn
}

// childForEntry resolves the child shadow an interior entry should point
// at, building it if necessary. Superpage (PSE) entries get splintered
// FL1 leaves; the last slots of a 64-bit l3 get the high-half l2 type.
func (l locked) childForEntry(t ShadowType, idx int, ge uint64) Mfn {
	if ge&entryPresent == 0 {
		return InvalidMfn
	}
	var childType ShadowType
	switch t {
	case ShadowL2_32:
		if ge&entryPSE != 0 {
			return l.getOrMakeFL1(Gfn(ge>>12)&^0x3ff, ShadowFL1_32, ge)
		}
		childType = ShadowL1_32
	case ShadowL2PAE:
		if ge&entryPSE != 0 {
			return l.getOrMakeFL1(Gfn(ge>>12)&^0x1ff, ShadowFL1PAE, ge)
		}
		childType = ShadowL1PAE
	case ShadowL2_64, ShadowL2H64:
		if ge&entryPSE != 0 {
			return l.getOrMakeFL1(Gfn(ge>>12)&^0x1ff, ShadowFL1_64, ge)
		}
		childType = ShadowL1_64
	case ShadowL3_64:
		childType = ShadowL2_64
		if idx >= 510 {
			childType = ShadowL2H64
		}
	case ShadowL4_64:
		childType = ShadowL3_64
	default:
		panic(fmt.Sprintf("shadow: childForEntry on %v", t))
	}
	cg, ok := l.d.phys.Translate(Gfn(ge >> 12))
	if !ok {
		return InvalidMfn
	}
	return l.getOrMakeShadow(cg, childType)
}

// revalidateTableEntry recomputes one interior shadow entry from the
// guest entry at the same guest index. A 32-bit guest l2 slot covers 4MB
// and maps to two wide slots, one per child leaf frame.
func (l locked) revalidateTableEntry(smfn Mfn, t ShadowType, gidx int, ge uint64) bool {
	child := l.childForEntry(t, gidx, ge)
	if t == ShadowL2_32 {
		changed := false
		for k := 0; k < 2; k++ {
			if child == InvalidMfn {
				if l.zapTableEntry(smfn, 2*gidx+k) {
					changed = true
				}
			} else if l.setTableEntry(smfn, 2*gidx+k, child+Mfn(k), ge) {
				changed = true
			}
		}
		return changed
	}
	if child == InvalidMfn {
		return l.zapTableEntry(smfn, gidx)
	}
	return l.setTableEntry(smfn, gidx, child, ge)
}

// validateGuestEntry brings every shadow of gmfn up to date with the
// guest entry at idx, after the guest modified it. Returns whether any
// shadow entry changed, i.e. whether the caller owes a flush.
func (l locked) validateGuestEntry(gmfn Mfn, idx int) bool {
	pg := l.d.page(gmfn)
	changed := false
	for t := shadowTypeMin; t <= shadowTypeMax; t++ {
		if pg.flags&flagFor(t) == 0 || isFixedLeaf(t) {
			continue
		}
		smfn := l.hashLookup(uint64(gmfn), t)
		if smfn == InvalidMfn {
			panic(fmt.Sprintf("shadow: gmfn %#x flagged %v but shadow missing", uint64(gmfn), t))
		}
		bytes, n := guestGeometry(t)
		if idx >= n {
			continue
		}
		ge := l.readGuestEntry(gmfn, bytes, idx)
		if isLeaf(t) {
			if l.setLeafEntry(smfn, idx, l.propagateLeaf(ge)) {
				changed = true
			}
		} else {
			if l.revalidateTableEntry(smfn, t, idx, ge) {
				changed = true
			}
		}
	}
	return changed
}

// ValidateGuestEntry is the emulated-write path: the embedder intercepted
// a guest write to entry idx of the (write-protected) pagetable at gmfn
// and already applied it to guest memory; bring the shadows in step.
func (d *Domain) ValidateGuestEntry(gmfn Mfn, idx int) {
	l := d.lockPaging()
	defer l.unlock()
	l.logDirtyMark(gmfn)
	if !d.page(gmfn).shadowed {
		return
	}
	if l.validateGuestEntry(gmfn, idx) {
		l.flushTLBMask(l.dirtyMask())
	}
}

// destroyShadowTable is the per-type destructor: take the shadow out of
// the lookup structures, drop everything it references, free its frames.
func (l locked) destroyShadowTable(smfn Mfn) {
	d := l.d
	sp := d.page(smfn)
	t := sp.typ

	l.hashDelete(sp.back, t, smfn)
	if !isFixedLeaf(t) {
		l.demote(Mfn(sp.back), t)
	}

	n := shadowEntries(t)
	if isLeaf(t) {
		for i := 0; i < n; i++ {
			l.setLeafEntry(smfn, i, 0)
		}
	} else {
		// May cascade: dropping the last reference to a child destroys
		// it in turn.
		for i := 0; i < n; i++ {
			l.zapTableEntry(smfn, i)
		}
	}
	l.shadowFree(smfn)
}

// unhookMappings clears every entry of a top-level shadow, freeing the
// tree under it while the (still referenced) root stays allocated.
// userOnly restricts the sweep to the user half of a 64-bit root.
func (l locked) unhookMappings(smfn Mfn, userOnly bool) {
	t := l.d.page(smfn).typ
	n := shadowEntries(t)
	switch t {
	case ShadowL2_32, ShadowL2PAE, ShadowL2_64, ShadowL2H64, ShadowL3_64:
	case ShadowL4_64:
		if userOnly {
			n = shadowEntriesPerPage / 2
		}
	default:
		panic(fmt.Sprintf("shadow: unhook of non-toplevel shadow %#x (%v)", uint64(smfn), t))
	}
	for i := 0; i < n; i++ {
		l.zapTableEntry(smfn, i)
	}
}

// shadowWalk descends the vcpu's loaded shadow tables to the leaf entry
// mapping va, returning the leaf frame and the entry index within it.
func (l locked) shadowWalk(v *Vcpu, va Vaddr) (Mfn, int, bool) {
	m := v.mode
	if m == nil {
		return InvalidMfn, 0, false
	}
	var e uint64
	switch m.levels {
	case 2:
		root := v.shadowTable[0]
		if root == InvalidMfn {
			return InvalidMfn, 0, false
		}
		e = l.readShadowEntry(root, int(va>>21)&0x7ff)
	case 3:
		root := v.shadowTable[(va>>30)&3]
		if root == InvalidMfn {
			return InvalidMfn, 0, false
		}
		e = l.readShadowEntry(root, int(va>>21)&0x1ff)
	case 4:
		root := v.shadowTable[0]
		if root == InvalidMfn {
			return InvalidMfn, 0, false
		}
		e = l.readShadowEntry(root, int(va>>39)&0x1ff)
		if e&entryPresent == 0 {
			return InvalidMfn, 0, false
		}
		e = l.readShadowEntry(entryFrame(e), int(va>>30)&0x1ff)
		if e&entryPresent == 0 {
			return InvalidMfn, 0, false
		}
		e = l.readShadowEntry(entryFrame(e), int(va>>21)&0x1ff)
	}
	if e&entryPresent == 0 {
		return InvalidMfn, 0, false
	}
	return entryFrame(e), int(va>>12) & 0x1ff, true
}
