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

	"gvisor.dev/gvisor/pkg/log"
)

// Paging-mode state machine: how the engine follows the guest's control
// register state, loads and unloads top-level shadows, and turns the
// whole machinery on and off.

// detachOldTables drops the vcpu's references on its loaded top-level
// shadows.
func (l locked) detachOldTables(v *Vcpu) {
	for i := range v.shadowTable {
		if v.shadowTable[i] != InvalidMfn {
			l.putRef(v.shadowTable[i], 0)
			v.shadowTable[i] = InvalidMfn
		}
	}
}

// newModeFor selects the paging-mode record matching the vcpu's control
// registers. Unpaged guests run on the 2-level identity table.
func newModeFor(v *Vcpu) *pagingMode {
	switch {
	case !v.pagingEnabled:
		return &paging2Level
	case v.longMode:
		return &paging4Level
	case v.paeEnabled:
		return &paging3Level
	default:
		return &paging2Level
	}
}

// setToplevelShadow installs the shadow of gmfn as the vcpu's root in
// the given slot, displacing whatever was there. A pinned displaced root
// survives on the pinned list for cheap reuse at the next switch back.
func (l locked) setToplevelShadow(v *Vcpu, slot int, gmfn Mfn, rootType ShadowType) {
	old := v.shadowTable[slot]

	smfn := InvalidMfn
	if gmfn != InvalidMfn {
		smfn = l.getOrMakeShadow(gmfn, rootType)
	}
	if smfn != InvalidMfn {
		if l.d.typeIsPinnable(rootType) && !l.pin(smfn) {
			slowLog.Warningf("shadow: d%d can't pin root shadow %#x", l.d.id, uint64(smfn))
		}
		if !l.getRef(smfn, 0) {
			l.d.Crash()
			smfn = InvalidMfn
		}
	}
	v.shadowTable[slot] = smfn

	if old != InvalidMfn {
		// Prealloc may have opportunistically unpinned the root we were
		// still holding. Re-pin it before dropping the slot reference,
		// or the put below destroys a root due for cheap reuse.
		op := l.d.page(old)
		if l.d.typeIsPinnable(op.typ) && !op.pinned && !l.pin(old) {
			slowLog.Warningf("shadow: d%d can't re-pin displaced root shadow %#x", l.d.id, uint64(old))
			l.d.Crash()
		}
		l.putRef(old, 0)
	}
}

// updateCR3 re-resolves the vcpu's guest root and reloads its top-level
// shadows, resyncing the vcpu's own unsynced pages first.
func (l locked) updateCR3(v *Vcpu) {
	d := l.d
	m := v.mode
	if m == nil {
		return
	}

	if d.oosActive {
		l.resyncAll(v, false, true, false)
	}

	var gmfn Mfn
	if !v.pagingEnabled && d.mode&ModeExternal != 0 {
		gmfn = d.unpagedTable
	} else {
		var ok bool
		gmfn, ok = d.phys.Translate(v.cr3)
		if !ok {
			log.Warningf("shadow: d%d vcpu %d cr3 %#x does not translate", d.id, v.id, uint64(v.cr3))
			d.Crash()
			return
		}
	}
	v.guestTable = gmfn

	if m.levels == 3 {
		// A PAE top level is a 4-entry table; shadow each present slot
		// as its own root.
		for i := 0; i < 4; i++ {
			ge := l.readGuestEntry(gmfn, 8, i)
			slotGmfn := InvalidMfn
			if ge&entryPresent != 0 {
				if cg, ok := d.phys.Translate(Gfn(ge >> 12)); ok {
					slotGmfn = cg
				}
			}
			l.setToplevelShadow(v, i, slotGmfn, ShadowL2PAE)
		}
	} else {
		l.setToplevelShadow(v, 0, gmfn, m.rootType)
		for i := 1; i < numRootSlots; i++ {
			l.setToplevelShadow(v, i, InvalidMfn, m.rootType)
		}
	}

	l.installMonitorRoots(v)

	var mask CPUSet
	mask.Add(v.id)
	l.flushTLBMask(mask)
}

// installMonitorRoots splices the vcpu's top-level shadows into its
// monitor table, the table the hardware actually walks for an external
// domain. Absent roots leave their slots empty.
func (l locked) installMonitorRoots(v *Vcpu) {
	if v.monitorTable == InvalidMfn {
		return
	}
	data := l.d.bank.Data(v.monitorTable)
	for i, smfn := range v.shadowTable {
		var e uint64
		if smfn != InvalidMfn {
			e = makeEntry(smfn, entryPresent)
		}
		binary.LittleEndian.PutUint64(data[i*8:], e)
	}
}

// MonitorTable returns the hypervisor-owned table the hardware should
// load for this vcpu, or InvalidMfn before its first mode update. The
// shadow roots are spliced into it on every reload.
func (v *Vcpu) MonitorTable() Mfn {
	l := v.d.lockPaging()
	defer l.unlock()
	return v.monitorTable
}

// ensureOOSSnapshots lazily allocates the vcpu's snapshot pages the
// first time out-of-sync tracking could be used.
func (l locked) ensureOOSSnapshots(v *Vcpu) {
	if l.d.oosOff || v.oosSnapshot[0] != InvalidMfn {
		return
	}
	for i := range v.oosSnapshot {
		if !l.prealloc(ShadowOOSSnapshot, 1) {
			return
		}
		v.oosSnapshot[i] = l.shadowAlloc(ShadowOOSSnapshot, 0)
	}
}

// releaseVcpuState undoes everything updatePagingModes built for a vcpu.
func (l locked) releaseVcpuState(v *Vcpu) {
	l.detachOldTables(v)
	if v.monitorTable != InvalidMfn {
		l.shadowFree(v.monitorTable)
		v.monitorTable = InvalidMfn
	}
	for i := range v.oos {
		v.oos[i] = InvalidMfn
		for j := range v.oosFixup[i].smfn {
			v.oosFixup[i].smfn[j] = InvalidMfn
		}
		if v.oosSnapshot[i] != InvalidMfn {
			l.shadowFree(v.oosSnapshot[i])
			v.oosSnapshot[i] = InvalidMfn
		}
	}
	v.lastWritableSmfn = InvalidMfn
	v.guestTable = InvalidMfn
	v.mode = nil
}

// updatePagingModes re-reads the vcpu's control-register state and
// rebuilds its shadow world to match.
func (l locked) updatePagingModes(v *Vcpu) {
	d := l.d

	l.ensureOOSSnapshots(v)

	// Others' unsynced pages must be made safe before we tear down and
	// rebuild this vcpu's view of them.
	if d.oosActive {
		l.resyncAll(v, false, true, true)
	}

	oldMode := v.mode
	newMode := newModeFor(v)

	if oldMode != newMode && oldMode != nil && v.running.Load() && !d.Paused() {
		// Only the vcpu itself (descheduled, from its fault path) or a
		// paused control plane may switch its mode; a third party doing
		// so under a running vcpu would swap tables out from under it.
		log.Warningf("shadow: d%d vcpu %d paging mode changed by third party while running", d.id, v.id)
		d.Crash()
		return
	}

	l.detachOldTables(v)
	v.mode = newMode

	// The monitor layout depends on the guest's depth; a mode change
	// replaces it and the reload below splices the new roots in.
	if oldMode != newMode && v.monitorTable != InvalidMfn {
		l.shadowFree(v.monitorTable)
		v.monitorTable = InvalidMfn
	}

	// External domains run on a hypervisor-owned monitor table that the
	// top-level shadows are spliced into.
	if d.mode&ModeExternal != 0 && v.monitorTable == InvalidMfn {
		if !l.prealloc(ShadowMonitorTable, 1) {
			return
		}
		v.monitorTable = l.shadowAlloc(ShadowMonitorTable, 0)
	}

	l.updateCR3(v)

	// Out-of-sync tracking is only safe while every vcpu runs with
	// paging enabled.
	active := !d.oosOff && d.mode&ModeExternal != 0
	for _, other := range d.vcpus {
		if other.mode == nil || !other.pagingEnabled {
			active = false
		}
	}
	d.oosActive = active
}

// UpdatePagingModes makes the engine follow a change to the vcpu's
// paging state (CR0/CR4/EFER/CR3 equivalents set via SetGuestState).
func (d *Domain) UpdatePagingModes(v *Vcpu) {
	l := d.lockPaging()
	defer l.unlock()
	if d.mode&ModeEnable == 0 || d.dying.Load() {
		return
	}
	l.updatePagingModes(v)
}

// UpdateCR3 reloads the vcpu's root tables after a bare CR3 write, a
// cheaper path than a full mode update.
func (d *Domain) UpdateCR3(v *Vcpu) {
	l := d.lockPaging()
	defer l.unlock()
	if d.mode&ModeEnable == 0 || v.mode == nil || d.dying.Load() {
		return
	}
	l.updateCR3(v)
}

// UnsyncOnWrite is the write-fault path for shadowed pagetables: try to
// let gmfn (a guest leaf table) go out of sync so the guest's write at
// va can proceed directly. Returns false if the page is not eligible;
// the caller then emulates the write and calls ValidateGuestEntry.
func (d *Domain) UnsyncOnWrite(v *Vcpu, gmfn Mfn, va Vaddr) bool {
	l := d.lockPaging()
	defer l.unlock()

	pg := d.page(gmfn)
	if !pg.shadowed {
		return true
	}
	if !pg.isOutOfSync() && !l.unsync(v, gmfn) {
		return false
	}

	// Re-enable the faulting writable mapping now that divergence is
	// allowed; recording it as a fixup happens as a side effect.
	if leaf, idx, ok := l.shadowWalk(v, va); ok {
		e := l.readShadowEntry(leaf, idx)
		if e&entryPresent != 0 && entryFrame(e) == gmfn {
			head := d.shadowHead(leaf)
			l.setLeafEntry(head, int(leaf-head)*shadowEntriesPerPage+idx, e|entryWritable)
		}
	}
	return true
}

// FlushTLB handles a guest-initiated TLB flush on the given vcpus: their
// own unsynced pages are pulled back into sync, others' are made safe,
// and the hardware TLBs are flushed.
func (d *Domain) FlushTLB(mask CPUSet) {
	l := d.lockPaging()
	defer l.unlock()
	for _, v := range d.vcpus {
		if mask.Has(v.id) {
			l.resyncAll(v, true, true, true)
		}
	}
	l.flushTLBMask(mask)
}

// buildUnpagedTable allocates and fills the identity table unpaged
// guests run on: a 32-bit l2 of superpage entries covering guest memory.
func (l locked) buildUnpagedTable() error {
	d := l.d
	if !l.preallocInternal(1) {
		return fmt.Errorf("%w: no room for unpaged identity table", ErrNoMemory)
	}
	mfn := l.shadowAlloc(ShadowP2MTable, 0)
	data := d.bank.Data(mfn)
	for i := 0; i < 1024; i++ {
		base := uint64(i) << 10
		if base >= d.guestPages {
			break
		}
		e := uint32(base<<12 | entryPresent | entryWritable | entryPSE)
		binary.LittleEndian.PutUint32(data[i*4:], e)
	}
	d.unpagedTable = mfn
	return nil
}

// Enable turns full shadow mode on. The domain must be paused and not
// yet enabled; the pool is funded to its minimum if the control plane
// has not already sized it.
func (d *Domain) Enable(mode ModeFlags) error {
	l := d.lockPaging()
	defer l.unlock()

	mode |= ModeEnable
	if d.mode&ModeEnable != 0 {
		return fmt.Errorf("%w: shadow mode already enabled", ErrInvalid)
	}
	if !d.Paused() {
		return fmt.Errorf("%w: domain must be paused to enable shadow mode", ErrInvalid)
	}

	if d.totalPages == 0 {
		if err := l.setAllocation(l.minAllocationFor(mode), nil); err != nil {
			return err
		}
	}
	l.hashInit()

	if mode&ModeExternal != 0 && d.unpagedTable == InvalidMfn {
		if err := l.buildUnpagedTable(); err != nil {
			l.hashTeardown()
			return err
		}
	}

	d.mode = mode
	log.Infof("shadow: d%d enabled mode %#x with %d pool pages", d.id, mode, d.totalPages)
	return nil
}

// minAllocationFor sizes the initial pool for a mode being enabled.
func (l locked) minAllocationFor(mode ModeFlags) uint32 {
	saved := l.d.mode
	l.d.mode = mode
	lower := l.minAllocation()
	l.d.mode = saved
	return lower
}

// oneBitEnable turns on a single mode bit (test mode, log-dirty) without
// the full external-domain setup.
func (l locked) oneBitEnable(bit ModeFlags) error {
	d := l.d
	if d.mode&bit != 0 {
		return fmt.Errorf("%w: mode %#x already enabled", ErrInvalid, bit)
	}
	if d.mode == 0 {
		if d.totalPages == 0 {
			if err := l.setAllocation(l.minAllocation(), nil); err != nil {
				return err
			}
		}
		l.hashInit()
	}
	d.mode |= bit | ModeEnable
	return nil
}

// oneBitDisable turns off a single mode bit; dropping the last enable
// bit tears the whole shadow world down.
func (l locked) oneBitDisable(bit ModeFlags) {
	d := l.d
	d.mode &^= bit
	if d.mode&ModeEnable == 0 {
		d.mode = 0
		l.shadowOff()
	}
}

// shadowOff frees every shadow structure and returns the pool.
func (l locked) shadowOff() {
	d := l.d

	for _, v := range d.vcpus {
		l.releaseVcpuState(v)
	}
	for smfn := d.pinnedHead; smfn != InvalidMfn; {
		next := d.page(smfn).pinNext
		l.unpin(smfn)
		smfn = next
	}
	if d.unpagedTable != InvalidMfn {
		// Its shadow went away with the root slots above.
		l.shadowFree(d.unpagedTable)
		d.unpagedTable = InvalidMfn
	}
	if d.hashTable != nil {
		live := 0
		for _, head := range d.hashTable {
			for smfn := head; smfn != InvalidMfn; smfn = d.page(smfn).next {
				live++
			}
		}
		if live != 0 {
			log.Warningf("shadow: d%d disabled with %d shadows still live", d.id, live)
		}
		l.hashTeardown()
	}
	d.oosActive = false

	if !d.dying.Load() {
		if err := l.setAllocation(0, nil); err != nil {
			log.Warningf("shadow: d%d pool release failed: %v", d.id, err)
		}
	} else {
		// Dying: drain the free list straight back to the bank.
		for {
			mfn, ok := d.freeSet.takeAny()
			if !ok {
				break
			}
			d.freePages--
			d.totalPages--
			d.bank.Free(mfn)
		}
	}
}

// TestEnable turns on shadow mode with no extra features, for testing
// the machinery on an otherwise unassisted domain.
func (d *Domain) TestEnable() error {
	d.Pause()
	defer d.Unpause()
	l := d.lockPaging()
	defer l.unlock()
	return l.oneBitEnable(ModeEnable)
}

// TestDisable turns shadow mode back off.
func (d *Domain) TestDisable() error {
	d.Pause()
	defer d.Unpause()
	l := d.lockPaging()
	defer l.unlock()
	if d.mode&ModeEnable == 0 {
		return fmt.Errorf("%w: shadow mode not enabled", ErrInvalid)
	}
	l.oneBitDisable(ModeEnable)
	return nil
}

// Teardown releases all shadow state as the domain is destroyed. Frames
// freed from here on bypass the pool and go straight back to the bank.
func (d *Domain) Teardown() {
	d.SetDying()
	l := d.lockPaging()
	defer l.unlock()

	if d.mode&ModeEnable != 0 {
		d.mode = 0
		l.shadowOff()
	} else {
		// Never enabled (or already off): just drain the pool.
		for {
			mfn, ok := d.freeSet.takeAny()
			if !ok {
				break
			}
			d.freePages--
			d.totalPages--
			d.bank.Free(mfn)
		}
	}
}

// FinalTeardown runs after the p2m has returned its borrowed frames;
// anything still accounted to the pool at this point has leaked.
func (d *Domain) FinalTeardown() {
	l := d.lockPaging()
	defer l.unlock()
	if d.totalPages != 0 || d.p2mPages != 0 {
		log.Warningf("shadow: d%d tore down with %d pool and %d p2m pages outstanding",
			d.id, d.totalPages, d.p2mPages)
	}
}
