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

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/log"
)

// pagesPerMB is the control-plane accounting unit.
const pagesPerMB = 1 << (20 - 12)

// freeSet holds the pool's free frames ordered by frame number, so that
// multi-frame shadows can be carved out of contiguous runs.
type freeSet struct {
	t *btree.BTreeG[Mfn]
}

func newFreeSet() *freeSet {
	return &freeSet{t: btree.NewG(16, func(a, b Mfn) bool { return a < b })}
}

func (s *freeSet) insert(mfn Mfn) {
	if _, dup := s.t.ReplaceOrInsert(mfn); dup {
		panic(fmt.Sprintf("shadow: frame %#x freed to pool twice", uint64(mfn)))
	}
}

func (s *freeSet) remove(mfn Mfn) {
	if _, ok := s.t.Delete(mfn); !ok {
		panic(fmt.Sprintf("shadow: frame %#x not in pool free set", uint64(mfn)))
	}
}

// takeAny removes and returns the lowest-numbered free frame.
func (s *freeSet) takeAny() (Mfn, bool) {
	mfn, ok := s.t.Min()
	if !ok {
		return InvalidMfn, false
	}
	s.t.Delete(mfn)
	return mfn, true
}

// takeRun removes and returns the start of a run of n contiguous frames.
func (s *freeSet) takeRun(n uint) (Mfn, bool) {
	var (
		start Mfn = InvalidMfn
		prev  Mfn = InvalidMfn
		run   uint
		found Mfn = InvalidMfn
	)
	s.t.Ascend(func(mfn Mfn) bool {
		if prev != InvalidMfn && mfn == prev+1 {
			run++
		} else {
			start, run = mfn, 1
		}
		prev = mfn
		if run >= n {
			found = start
			return false
		}
		return true
	})
	if found == InvalidMfn {
		return InvalidMfn, false
	}
	for i := Mfn(0); i < Mfn(n); i++ {
		s.t.Delete(found + i)
	}
	return found, true
}

// minAcceptablePages is the floor below which the pool may never shrink
// while shadows are in use: enough shadow memory per vcpu to map every
// address a single instruction can touch, so prealloc can always succeed.
func (l locked) minAcceptablePages() uint32 {
	return uint32(l.d.maxVcpus) * 128
}

// minAllocation is the least total allocation set_allocation will accept:
// the safety floor, plus room for second-level tables scaled by guest
// memory, plus whatever the p2m has already borrowed.
func (l locked) minAllocation() uint32 {
	d := l.d
	extra := uint32(d.guestPages / 256)
	if d.mode&ModeExternal != 0 {
		// Top-level plumbing for a freshly-reset external guest: one
		// table per paging level plus the unpaged identity table.
		extra += 4 + 2
	}
	if extra < d.p2mPages {
		extra = d.p2mPages
	}
	return l.minAcceptablePages() + extra
}

// preallocInternal makes sure at least pages frames are free, reclaiming
// in two stages: unpin every pinned top-level shadow, then unhook the
// mappings out of every loaded top-level shadow. Returns false only if
// both stages fail to free enough, which the caller must treat as fatal.
func (l locked) preallocInternal(pages uint32) bool {
	d := l.d

	if d.freePages >= pages {
		return true
	}

	// No reclaim when the domain is dying: teardown owns the pool.
	if d.dying.Load() {
		return false
	}

	// Nothing to reclaim before the first vcpu exists.
	if l.vcpu0() == nil {
		return false
	}

	// Stage one: unpin pinned top-level shadows, coldest first. Unpinning
	// drops the pin reference, which frees the whole tree under it when
	// that was the last reference.
	perf.preallocUnpin.Add(1)
	for smfn := d.pinnedTail; smfn != InvalidMfn; {
		prev := d.page(smfn).pinPrev
		l.traceUnpin(smfn)
		l.unpin(smfn)
		if d.freePages >= pages {
			return true
		}
		smfn = prev
	}

	// Stage two: every remaining shadow is reachable from some vcpu's
	// loaded top level. Unhook their mappings.
	perf.preallocUnhook.Add(1)
	for _, v := range d.vcpus {
		for i := range v.shadowTable {
			if v.shadowTable[i] == InvalidMfn {
				continue
			}
			d.tracePathFlag(traceFlagPreallocUnhook)
			l.unhookMappings(v.shadowTable[i], false)
			if d.freePages >= pages {
				l.flushTLBMask(l.dirtyMask())
				return true
			}
		}
	}

	// All remaining shadows are irreplaceable. The minimum pool size is
	// chosen so this cannot happen.
	log.Warningf("shadow: d%d can't pre-allocate %d pool pages (total=%d free=%d p2m=%d)",
		d.id, pages, d.totalPages, d.freePages, d.p2mPages)
	l.flushTLBMask(l.dirtyMask())
	return false
}

// prealloc ensures enough frames are free for count shadows of the given
// type. Must be called before shadowAlloc, early enough that reclaim
// cannot free shadows the caller is working on. Failure crashes the
// domain here rather than relying on every caller to do it.
func (l locked) prealloc(t ShadowType, count uint32) bool {
	if l.d.dying.Load() {
		return false
	}
	ok := l.preallocInternal(uint32(shadowSize[t]) * count)
	if !ok && !l.d.crashed.Load() {
		l.d.Crash()
	}
	return ok
}

// shadowAlloc carves one shadow of the given type out of the pool and
// stamps every frame's metadata. Never fails: the caller must have
// successfully prealloc'd.
func (l locked) shadowAlloc(t ShadowType, back uint64) Mfn {
	d := l.d
	pages := uint32(shadowSize[t])
	if pages == 0 {
		panic(fmt.Sprintf("shadow: alloc of bogus type %v", t))
	}
	perf.alloc.Add(1)

	if d.freePages < pages {
		// Means a missing or miscounted prealloc; we cannot reclaim
		// here without freeing pages the caller holds.
		panic(fmt.Sprintf("shadow: d%d can't allocate %d pool pages (free=%d)", d.id, pages, d.freePages))
	}

	start, ok := d.freeSet.takeRun(uint(pages))
	if !ok {
		// prealloc guarantees the frames exist; the bank is dense, so
		// a missing run means pool corruption.
		panic(fmt.Sprintf("shadow: d%d pool has %d free pages but no run of %d", d.id, d.freePages, pages))
	}
	d.freePages -= pages

	for i := Mfn(0); i < Mfn(pages); i++ {
		mfn := start + i
		sp := d.page(mfn)

		// Wait out any stale TLB entries before handing out recycled
		// contents.
		if stale := l.tlbflushFilter(l.dirtyMask(), sp.stamp); !stale.Empty() {
			perf.allocTLBFlush.Add(1)
			l.flushTLBMask(stale)
		}
		d.bank.Clear(mfn)

		sp.typ = t
		sp.pinned = false
		sp.count = 0
		sp.head = i == 0 && t >= shadowTypeMin && t <= shadowTypeMax
		sp.back = back
		sp.up = 0
		sp.next = InvalidMfn
		sp.pinNext = InvalidMfn
		sp.pinPrev = InvalidMfn
		perf.allocCount.Add(1)
	}
	return start
}

// shadowFree returns a shadow's frames to the pool, or straight to the
// bank once the domain is dying so teardown needs no second pass.
func (l locked) shadowFree(smfn Mfn) {
	d := l.d
	sp := d.page(smfn)
	dying := d.dying.Load()
	perf.free.Add(1)

	t := sp.typ
	if !sp.head && t <= shadowTypeMax {
		panic(fmt.Sprintf("shadow: free of non-head shadow frame %#x (type %v)", uint64(smfn), t))
	}
	pages := uint32(shadowSize[t])
	if pages == 0 {
		panic(fmt.Sprintf("shadow: free of frame %#x with bogus type %v", uint64(smfn), t))
	}

	for i := Mfn(0); i < Mfn(pages); i++ {
		mfn := smfn + i
		sp := d.page(mfn)

		// No longer safe to look for writable mappings in this frame.
		for _, v := range d.vcpus {
			if v.lastWritableSmfn == mfn {
				v.lastWritableSmfn = InvalidMfn
			}
		}

		sp.typ = ShadowNone
		sp.head = false
		sp.back = 0
		sp.up = 0
		sp.next = InvalidMfn

		// Destructors leave page contents in place, so the flush can
		// be delayed until the allocator reuses the frame. Only a
		// flush after this point makes a vcpu clean.
		sp.stamp = d.tlbEpoch.Load() + 1
		perf.allocCount.Add(^uint64(0))

		if dying {
			d.bank.Free(mfn)
		} else {
			d.freeSet.insert(mfn)
		}
	}

	if dying {
		d.totalPages -= pages
	} else {
		d.freePages += pages
	}
}

// Reserve grows the pool so that at least pages frames are allocated to
// the domain, without ever shrinking it.
func (d *Domain) Reserve(pages uint32) error {
	l := d.lockPaging()
	defer l.unlock()
	if d.totalPages >= pages {
		return nil
	}
	return l.setAllocation(pages, nil)
}

// setAllocation grows or shrinks the pool toward target pages, clamping
// up to the computed minimum. When preempted is non-nil the resize yields
// periodically by setting it and returning nil; the caller re-invokes.
// Shrinking below current use forces a page of reclaim per iteration.
func (l locked) setAllocation(pages uint32, preempted *bool) error {
	d := l.d

	if pages > 0 {
		if lower := l.minAllocation(); pages < lower {
			pages = lower
		}
		if pages < d.p2mPages {
			pages = d.p2mPages
		}
		pages -= d.p2mPages
	}

	log.Debugf("shadow: d%d pool resize current %d target %d", d.id, d.totalPages, pages)

	for {
		switch {
		case d.totalPages < pages:
			// Grow: pull an ownerless frame from the bank.
			mfn, err := d.bank.Alloc()
			if err != nil {
				log.Warningf("shadow: d%d failed to grow pool at %d/%d pages", d.id, d.totalPages, pages)
				return fmt.Errorf("%w: pool grow to %d pages", ErrNoMemory, pages)
			}
			sp := d.page(mfn)
			sp.typ = ShadowNone
			sp.pinned = false
			sp.head = false
			sp.count = 0
			sp.stamp = 0 // Not in any TLB.
			d.freeSet.insert(mfn)
			d.freePages++
			d.totalPages++

		case d.totalPages > pages:
			// Shrink: reclaim a frame if none are free, then return
			// one to the bank.
			if !l.preallocInternal(1) {
				return fmt.Errorf("%w: pool shrink blocked by live shadows", ErrNoMemory)
			}
			mfn, ok := d.freeSet.takeAny()
			if !ok {
				panic(fmt.Sprintf("shadow: d%d pool claims %d free pages but the free set is empty", d.id, d.freePages))
			}
			d.freePages--
			d.totalPages--
			d.bank.Free(mfn)

		default:
			return nil
		}

		if preempted != nil && d.preemptCheck() {
			*preempted = true
			return nil
		}
	}
}

// allocationMB returns the pool size, p2m loans included, rounded up to
// the nearest megabyte.
func (l locked) allocationMB() uint32 {
	pg := l.d.totalPages + l.d.p2mPages
	return (pg + pagesPerMB - 1) / pagesPerMB
}

// AllocP2MPage diverts one pool frame to the p2m mapping. The diversion
// is irreversible in aggregate: the p2m only ever grows, which is fine
// because translated domains can never turn shadow mode off.
func (d *Domain) AllocP2MPage() (Mfn, error) {
	if d.dying.Load() {
		return InvalidMfn, fmt.Errorf("%w: domain dying", ErrNoMemory)
	}

	// Reached both from p2m code (lock not held) and log-dirty code;
	// only this public entry point takes the lock.
	l := d.lockPaging()
	defer l.unlock()

	if d.totalPages < l.minAcceptablePages()+1 {
		if !d.p2mAllocFailed {
			d.p2mAllocFailed = true
			log.Warningf("shadow: d%d failed to allocate p2m page from pool (total=%d p2m=%d min=%d)",
				d.id, d.totalPages, d.p2mPages, l.minAcceptablePages())
		}
		return InvalidMfn, ErrNoMemory
	}
	if !l.prealloc(ShadowP2MTable, 1) {
		return InvalidMfn, ErrNoMemory
	}

	mfn := l.shadowAlloc(ShadowP2MTable, 0)
	d.p2mPages++
	d.totalPages--
	return mfn, nil
}

// FreeP2MPage returns a frame the p2m borrowed.
func (d *Domain) FreeP2MPage(mfn Mfn) {
	l := d.lockPaging()
	defer l.unlock()

	sp := d.page(mfn)
	sp.typ = ShadowP2MTable // The p2m reuses the type field.
	sp.head = false
	d.p2mPages--
	d.totalPages++
	l.shadowFree(mfn)
}

// blowTables deliberately frees every shadow the reclaim stages can
// reach, tearing down all of the domain's shadows.
func (l locked) blowTables() {
	d := l.d

	if l.vcpu0() == nil {
		return
	}

	for smfn := d.pinnedHead; smfn != InvalidMfn; {
		next := d.page(smfn).pinNext
		l.unpin(smfn)
		smfn = next
	}

	for _, v := range d.vcpus {
		for i := range v.shadowTable {
			if v.shadowTable[i] != InvalidMfn {
				l.unhookMappings(v.shadowTable[i], false)
			}
		}
	}

	// Make sure everyone sees the unshadowings.
	l.flushTLBMask(l.dirtyMask())
}

// BlowTables discards every shadow in the domain, forcing the guest's
// tables to be re-shadowed on next use. Debug and log-dirty aid.
func (d *Domain) BlowTables() {
	l := d.lockPaging()
	defer l.unlock()
	if d.mode&ModeEnable != 0 && l.vcpu0() != nil {
		l.blowTables()
	}
}
