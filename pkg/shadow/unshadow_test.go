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

func TestRemoveWriteAccessLinuxLowmemGuess(t *testing.T) {
	e := newTestEnv(t)

	// A 32-bit guest with a Linux-style lowmem map: frame X appears
	// writable at 0xC0000000 + (X << 12). X is in the first l1's range.
	gl2, glK := e.frame(), e.frame()
	x := e.frame()
	e.writeGE32(glK, int(x), uint32(x)<<12|uint32(entryPresent|entryWritable))
	e.writeGE32(gl2, 768, uint32(glK)<<12|uint32(entryPresent|entryWritable))

	e.enable(ModeFull)
	e.v.SetGuestState(true, false, false, Gfn(gl2))
	e.d.UpdatePagingModes(e.v)

	if e.d.pages[x].writableRefs != 1 {
		t.Fatalf("lowmem map of %#x has %d writable refs, want 1", uint64(x), e.d.pages[x].writableRefs)
	}

	heuristic := perf.writableHeuristic.Load()
	brute := perf.writableBruteForce.Load()
	e.d.PathFlags()

	e.d.RemoveWriteAccess(e.v, x, 0, 0)

	if e.d.pages[x].writableRefs != 0 {
		t.Errorf("frame %#x keeps %d writable refs", uint64(x), e.d.pages[x].writableRefs)
	}
	if got := perf.writableHeuristic.Load() - heuristic; got != 1 {
		t.Errorf("heuristic hits = %d, want 1", got)
	}
	if perf.writableBruteForce.Load() != brute {
		t.Error("guess hit still fell through to brute force")
	}
	if flags := e.d.PathFlags(); flags&traceFlagWritableBruteForce != 0 {
		t.Errorf("path flags %#x include brute force", flags)
	}
	e.audit()
}

func TestRemoveWriteAccessBruteForce(t *testing.T) {
	e := newTestEnv(t)
	_, gl1, data := e.boot32()
	sl1 := e.lookup(uint64(gl1), ShadowL1_32)

	brute := perf.writableBruteForce.Load()
	e.d.PathFlags()

	// data is mapped writable at an address no heuristic covers.
	e.d.RemoveWriteAccess(e.v, data, 0, 0)

	if e.d.pages[data].writableRefs != 0 {
		t.Errorf("frame %#x keeps %d writable refs", uint64(data), e.d.pages[data].writableRefs)
	}
	if se := e.shadowEntry(sl1, 5); se&entryWritable != 0 {
		t.Errorf("mapping entry still writable: %#x", se)
	}
	if got := perf.writableBruteForce.Load() - brute; got != 1 {
		t.Errorf("brute-force searches = %d, want 1", got)
	}
	if flags := e.d.PathFlags(); flags&traceFlagWritableBruteForce == 0 {
		t.Errorf("path flags %#x lack brute force", flags)
	}
	// The search location is remembered for the next miss.
	if e.v.lastWritableSmfn != sl1 {
		t.Errorf("last-writable hint is %#x, want %#x", uint64(e.v.lastWritableSmfn), uint64(sl1))
	}
	e.audit()
}

func TestRemoveWriteAccessLastWritableHint(t *testing.T) {
	e := newTestEnv(t)
	_, gl1, data := e.boot32()
	sl1 := e.lookup(uint64(gl1), ShadowL1_32)

	// Prime the hint, then remap another page through the same l1 and
	// check the hint tier catches it without a brute-force walk.
	e.d.RemoveWriteAccess(e.v, data, 0, 0)
	if e.v.lastWritableSmfn != sl1 {
		t.Fatalf("hint not primed: %#x", uint64(e.v.lastWritableSmfn))
	}

	data2 := e.frame()
	e.writeGE32(gl1, 9, uint32(data2)<<12|uint32(entryPresent|entryWritable))
	e.d.ValidateGuestEntry(gl1, 9)

	brute := perf.writableBruteForce.Load()
	e.d.RemoveWriteAccess(e.v, data2, 0, 0)

	if e.d.pages[data2].writableRefs != 0 {
		t.Errorf("frame %#x keeps %d writable refs", uint64(data2), e.d.pages[data2].writableRefs)
	}
	if perf.writableBruteForce.Load() != brute {
		t.Error("hint hit still fell through to brute force")
	}
	e.audit()
}

func TestMakeShadowStripsStaleWritableMappings(t *testing.T) {
	e := newTestEnv(t)
	gl2, _, data := e.boot32()

	// The guest starts using its (writably mapped) data page as an l1.
	e.writeGE32(gl2, 1, uint32(data)<<12|uint32(entryPresent|entryWritable))
	e.d.ValidateGuestEntry(gl2, 1)

	pg := &e.d.pages[data]
	if !pg.shadowed {
		t.Fatal("new table not shadowed")
	}
	if pg.writableRefs != 0 {
		t.Errorf("freshly shadowed table keeps %d writable mappings", pg.writableRefs)
	}
	e.audit()
}

func TestRemoveAllMappings(t *testing.T) {
	e := newTestEnv(t)
	_, gl1, data := e.boot32()
	sl1 := e.lookup(uint64(gl1), ShadowL1_32)

	e.d.RemoveAllMappings(data)

	pg := &e.d.pages[data]
	if !pg.hasNoRefs() {
		t.Errorf("frame keeps refs total=%d writable=%d", pg.totalRefs, pg.writableRefs)
	}
	if se := e.shadowEntry(sl1, 5); se != 0 {
		t.Errorf("mapping entry not cleared: %#x", se)
	}
	e.audit()
}

func TestRemoveShadowsExcisesFromParents(t *testing.T) {
	e := newTestEnv(t)
	gl2, gl1, _ := e.boot32()
	sl2 := e.lookup(uint64(gl2), ShadowL2_32)

	e.d.RemoveAllShadows(gl1)

	if e.d.pages[gl1].shadowed {
		t.Error("l1 still shadowed")
	}
	if e.lookup(uint64(gl1), ShadowL1_32) != InvalidMfn {
		t.Error("l1 shadow still in the hash")
	}
	for k := 0; k < 2; k++ {
		if se := e.shadowEntry(sl2, k); se != 0 {
			t.Errorf("parent entry %d not excised: %#x", k, se)
		}
	}
	if e.d.Crashed() {
		t.Error("domain crashed removing a reachable shadow")
	}
	e.audit()
}

func TestRemoveShadowsOfLoadedRootCrashes(t *testing.T) {
	e := newTestEnv(t)
	gl2, _, _ := e.boot32()

	// A root held live in a vcpu slot cannot be fully unshadowed; the
	// engine gives up on the guest rather than leave a stale root.
	e.d.RemoveAllShadows(gl2)
	if !e.d.Crashed() {
		t.Error("unshadowing a loaded root did not crash the domain")
	}
}

func TestRemoveShadows64ViaUpPointer(t *testing.T) {
	e := newTestEnv(t)
	gl4, gl3, gl2, gl1 := e.frame(), e.frame(), e.frame(), e.frame()
	data := e.frame()
	e.writeGE64(gl1, 3, makeEntry(data, entryPresent|entryWritable))
	e.writeGE64(gl2, 2, makeEntry(gl1, entryPresent|entryWritable))
	e.writeGE64(gl3, 1, makeEntry(gl2, entryPresent|entryWritable))
	e.writeGE64(gl4, 0, makeEntry(gl3, entryPresent|entryWritable))

	e.enable(ModeFull)
	e.v.SetGuestState(true, true, true, Gfn(gl4))
	e.d.UpdatePagingModes(e.v)

	sl2 := e.lookup(uint64(gl2), ShadowL2_64)
	up := perf.upPointer.Load()
	e.d.PathFlags()

	e.d.RemoveAllShadows(gl1)

	if e.d.pages[gl1].shadowed {
		t.Error("l1 still shadowed")
	}
	if se := e.shadowEntry(sl2, 2); se != 0 {
		t.Errorf("parent entry not severed via up-pointer: %#x", se)
	}
	if got := perf.upPointer.Load() - up; got != 1 {
		t.Errorf("up-pointer removals = %d, want 1", got)
	}
	if flags := e.d.PathFlags(); flags&traceFlagUpPointer == 0 {
		t.Errorf("path flags %#x lack up-pointer removal", flags)
	}
	if e.d.Crashed() {
		t.Error("domain crashed on a sole-parent unshadow")
	}
	e.audit()
}

func TestPrepareForPageTypeChange(t *testing.T) {
	e := newTestEnv(t)
	_, gl1, _ := bootSelfMapped32(e)

	if !e.d.UnsyncOnWrite(e.v, gl1, 6<<12) {
		t.Fatal("unsync refused")
	}

	// An unsynced page may legitimately become plain writable memory
	// while its shadow lingers.
	e.d.PrepareForPageTypeChange(gl1, true)
	if !e.d.pages[gl1].shadowed {
		t.Error("type change revoked an unsynced page's shadow")
	}

	// Any other type change discards the shadows.
	e.d.PrepareForPageTypeChange(gl1, false)
	if e.d.pages[gl1].shadowed {
		t.Error("shadows survived a page type change")
	}
	if e.d.Crashed() {
		t.Error("domain crashed on page type change")
	}
	e.audit()
}
