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
	"testing"
)

func TestFreeSetTakeRun(t *testing.T) {
	s := newFreeSet()
	for _, mfn := range []Mfn{10, 11, 13, 14, 15, 20} {
		s.insert(mfn)
	}

	if got, ok := s.takeRun(3); !ok || got != 13 {
		t.Fatalf("takeRun(3) = %#x, %v; want 13, true", uint64(got), ok)
	}
	if got, ok := s.takeRun(3); ok {
		t.Fatalf("takeRun(3) = %#x, true; want no run", uint64(got))
	}
	if got, ok := s.takeRun(2); !ok || got != 10 {
		t.Fatalf("takeRun(2) = %#x, %v; want 10, true", uint64(got), ok)
	}
	if got, ok := s.takeAny(); !ok || got != 20 {
		t.Fatalf("takeAny = %#x, %v; want 20, true", uint64(got), ok)
	}
	if _, ok := s.takeAny(); ok {
		t.Fatal("takeAny on empty set succeeded")
	}
}

func TestFreeSetDoubleInsertPanics(t *testing.T) {
	s := newFreeSet()
	s.insert(7)
	defer func() {
		if recover() == nil {
			t.Fatal("double insert did not panic")
		}
	}()
	s.insert(7)
}

func TestSetAllocationClampsToMinimum(t *testing.T) {
	e := newTestEnv(t)
	l := e.d.lockPaging()
	defer l.unlock()

	if err := l.setAllocation(1, nil); err != nil {
		t.Fatalf("setAllocation: %v", err)
	}
	if want := l.minAllocation(); e.d.totalPages != want {
		t.Errorf("pool funded with %d pages, want clamp to minimum %d", e.d.totalPages, want)
	}
	if e.d.freePages != e.d.totalPages {
		t.Errorf("fresh pool has %d free of %d", e.d.freePages, e.d.totalPages)
	}
}

func TestSetAllocationGrowAndShrink(t *testing.T) {
	e := newTestEnv(t)
	l := e.d.lockPaging()
	defer l.unlock()

	if err := l.setAllocation(2*pagesPerMB, nil); err != nil {
		t.Fatalf("grow: %v", err)
	}
	if e.d.totalPages != 2*pagesPerMB {
		t.Fatalf("pool at %d pages after grow, want %d", e.d.totalPages, 2*pagesPerMB)
	}
	if got := l.allocationMB(); got != 2 {
		t.Errorf("allocationMB = %d, want 2", got)
	}

	if err := l.setAllocation(pagesPerMB, nil); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if e.d.totalPages != pagesPerMB {
		t.Errorf("pool at %d pages after shrink, want %d", e.d.totalPages, pagesPerMB)
	}
}

func TestShadowAllocMultiFrame(t *testing.T) {
	e := newTestEnv(t)
	l := e.d.lockPaging()
	defer l.unlock()
	if err := l.setAllocation(pagesPerMB, nil); err != nil {
		t.Fatalf("setAllocation: %v", err)
	}

	gmfn := Mfn(e.bank.Frames() - 1) // Unused frame as a fake backpointer.
	smfn := l.shadowAlloc(ShadowL2_32, uint64(gmfn))
	sp := e.d.page(smfn)
	if !sp.head || sp.typ != ShadowL2_32 {
		t.Fatalf("head frame: head=%v typ=%v", sp.head, sp.typ)
	}
	for i := Mfn(1); i < 4; i++ {
		sp := e.d.page(smfn + i)
		if sp.head || sp.typ != ShadowL2_32 {
			t.Errorf("tail frame %d: head=%v typ=%v", i, sp.head, sp.typ)
		}
		if e.d.shadowHead(smfn+i) != smfn {
			t.Errorf("shadowHead(%#x) != %#x", uint64(smfn+i), uint64(smfn))
		}
	}
	if want := e.d.totalPages - 4; e.d.freePages != want {
		t.Errorf("freePages = %d, want %d", e.d.freePages, want)
	}

	l.shadowFree(smfn)
	if e.d.freePages != e.d.totalPages {
		t.Errorf("freePages = %d after free, want %d", e.d.freePages, e.d.totalPages)
	}
	if sp := e.d.page(smfn); sp.typ != ShadowNone {
		t.Errorf("freed frame keeps type %v", sp.typ)
	}
}

func TestPreallocUnpinsColdestRoot(t *testing.T) {
	e := newTestEnv(t)
	gl2, gl1, _ := e.boot32()
	oldRoot := e.lookup(uint64(gl2), ShadowL2_32)

	// Switch to a new root; the old one survives only as a pin.
	gl2b := e.frame()
	e.writeGE32(gl2b, 0, uint32(gl1)<<12|uint32(entryPresent|entryWritable))
	e.v.SetGuestState(true, false, false, Gfn(gl2b))
	e.d.UpdateCR3(e.v)

	l := e.d.lockPaging()
	if e.d.pinnedTail != oldRoot {
		l.unlock()
		t.Fatalf("coldest pinned shadow is %#x, want old root %#x", uint64(e.d.pinnedTail), uint64(oldRoot))
	}
	newRoot := e.v.shadowTable[0]

	// Demand more frames than are free; stage one must evict the old
	// root and leave the loaded one alone.
	if !l.preallocInternal(e.d.freePages + 4) {
		l.unlock()
		t.Fatal("prealloc failed with a reclaimable pinned root")
	}
	l.unlock()

	if e.d.pages[gl2].shadowed {
		t.Error("old root still shadowed after reclaim")
	}
	if !e.d.pages[gl2b].shadowed || e.v.shadowTable[0] != newRoot {
		t.Error("reclaim touched the loaded root")
	}
	if e.d.Crashed() {
		t.Error("domain crashed during reclaim")
	}
	e.audit()
}

func TestP2MPageAccounting(t *testing.T) {
	e := newTestEnv(t)
	e.enable(ModeFull)

	total := e.d.totalPages
	mfn, err := e.d.AllocP2MPage()
	if err != nil {
		t.Fatalf("AllocP2MPage: %v", err)
	}
	if e.d.totalPages != total-1 || e.d.p2mPages != 1 {
		t.Errorf("after p2m alloc: total=%d p2m=%d, want %d/1", e.d.totalPages, e.d.p2mPages, total-1)
	}

	e.d.FreeP2MPage(mfn)
	if e.d.totalPages != total || e.d.p2mPages != 0 {
		t.Errorf("after p2m free: total=%d p2m=%d, want %d/0", e.d.totalPages, e.d.p2mPages, total)
	}
}

func TestTLBFlushFilter(t *testing.T) {
	e := newTestEnv(t)
	l := e.d.lockPaging()
	defer l.unlock()

	var mask CPUSet
	mask.Add(0)

	e.v.lastFlush.Store(5)
	if got := l.tlbflushFilter(mask, 5); !got.Empty() {
		t.Errorf("vcpu flushed at stamp epoch still considered stale: %#x", uint64(got))
	}
	if got := l.tlbflushFilter(mask, 6); !got.Has(0) {
		t.Error("vcpu behind the stamp not considered stale")
	}
}
