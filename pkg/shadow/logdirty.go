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

// Log-dirty mode, for live migration: leaf shadows are built read-only,
// so the first write to each frame faults and marks it in the bitmap;
// marked frames map writable until the next clean.

// logDirtyTest reports whether mfn is already marked dirty. Pages not
// yet marked must stay read-only so their first write faults.
func (l locked) logDirtyTest(mfn Mfn) bool {
	bm := l.d.logDirtyBitmap
	if bm == nil {
		return true
	}
	return bm[mfn/64]&(1<<(mfn%64)) != 0
}

func (l locked) logDirtyMark(mfn Mfn) {
	d := l.d
	if d.logDirtyBitmap == nil {
		return
	}
	if d.logDirtyBitmap[mfn/64]&(1<<(mfn%64)) == 0 {
		d.logDirtyBitmap[mfn/64] |= 1 << (mfn % 64)
		d.dirtyCount++
	}
}

// LogDirtyEnable starts dirty tracking. All shadows are discarded so
// their leaf entries are rebuilt read-only.
func (d *Domain) LogDirtyEnable() error {
	d.Pause()
	defer d.Unpause()
	l := d.lockPaging()
	defer l.unlock()

	if err := l.oneBitEnable(ModeLogDirty); err != nil {
		return err
	}
	d.logDirtyBitmap = make([]uint64, (d.bank.Frames()+63)/64)
	d.dirtyCount = 0
	l.blowTables()
	return nil
}

// LogDirtyDisable stops dirty tracking and restores write access by
// discarding the read-only shadows.
func (d *Domain) LogDirtyDisable() error {
	d.Pause()
	defer d.Unpause()
	l := d.lockPaging()
	defer l.unlock()

	if d.mode&ModeLogDirty == 0 {
		return fmt.Errorf("%w: log-dirty mode not enabled", ErrInvalid)
	}
	l.oneBitDisable(ModeLogDirty)
	d.logDirtyBitmap = nil
	d.dirtyCount = 0
	if d.mode&ModeEnable != 0 {
		l.blowTables()
	}
	return nil
}

// CleanDirtyLog returns the dirty bitmap accumulated since the last
// clean and starts a fresh round: the bitmap is reset and all shadows
// are discarded so writes fault again.
func (d *Domain) CleanDirtyLog() ([]uint64, uint64, error) {
	l := d.lockPaging()
	defer l.unlock()

	if d.mode&ModeLogDirty == 0 {
		return nil, 0, fmt.Errorf("%w: log-dirty mode not enabled", ErrInvalid)
	}
	snap := make([]uint64, len(d.logDirtyBitmap))
	copy(snap, d.logDirtyBitmap)
	count := d.dirtyCount

	clear(d.logDirtyBitmap)
	d.dirtyCount = 0
	l.blowTables()
	return snap, count, nil
}

// MarkDirty records a guest write to gmfn during log-dirty mode and, if
// the write faulted through the vcpu's tables at va, re-enables the
// mapping so the page takes no further faults this round.
func (d *Domain) MarkDirty(v *Vcpu, gmfn Mfn, va Vaddr) {
	l := d.lockPaging()
	defer l.unlock()
	l.logDirtyMark(gmfn)
	if v == nil {
		return
	}
	if leaf, idx, ok := l.shadowWalk(v, va); ok {
		e := l.readShadowEntry(leaf, idx)
		if e&entryPresent != 0 && entryFrame(e) == gmfn && l.leafWriteAllowed(gmfn) {
			head := d.shadowHead(leaf)
			l.setLeafEntry(head, int(leaf-head)*shadowEntriesPerPage+idx, e|entryWritable)
		}
	}
}
