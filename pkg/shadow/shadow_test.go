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
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/mvisor/mvisor/pkg/pagebank"
)

const testBankFrames = 4096

type testEnv struct {
	t    *testing.T
	d    *Domain
	v    *Vcpu
	bank *pagebank.Bank
}

func newTestEnv(t *testing.T, opts ...func(*DomainConfig)) *testEnv {
	t.Helper()
	bank, err := pagebank.New(testBankFrames)
	if err != nil {
		t.Fatalf("pagebank.New: %v", err)
	}
	t.Cleanup(bank.Destroy)
	cfg := DomainConfig{ID: 1, MaxVcpus: 1, GuestPages: 1024, Bank: bank}
	for _, o := range opts {
		o(&cfg)
	}
	d, err := NewDomain(cfg)
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	v, err := d.CreateVcpu(0)
	if err != nil {
		t.Fatalf("CreateVcpu: %v", err)
	}
	return &testEnv{t: t, d: d, v: v, bank: bank}
}

func (e *testEnv) enable(mode ModeFlags) {
	e.t.Helper()
	e.d.Pause()
	defer e.d.Unpause()
	if err := e.d.Enable(mode); err != nil {
		e.t.Fatalf("Enable(%#x): %v", mode, err)
	}
}

// frame takes a zeroed guest frame from the bank.
func (e *testEnv) frame() Mfn {
	e.t.Helper()
	mfn, err := e.bank.Alloc()
	if err != nil {
		e.t.Fatalf("bank.Alloc: %v", err)
	}
	e.bank.Clear(mfn)
	return mfn
}

func (e *testEnv) writeGE32(table Mfn, idx int, entry uint32) {
	binary.LittleEndian.PutUint32(e.bank.Data(table)[idx*4:], entry)
}

func (e *testEnv) writeGE64(table Mfn, idx int, entry uint64) {
	binary.LittleEndian.PutUint64(e.bank.Data(table)[idx*8:], entry)
}

func (e *testEnv) lookup(n uint64, typ ShadowType) Mfn {
	l := e.d.lockPaging()
	defer l.unlock()
	return l.hashLookup(n, typ)
}

func (e *testEnv) shadowEntry(smfn Mfn, idx int) uint64 {
	l := e.d.lockPaging()
	defer l.unlock()
	return l.readShadowEntry(smfn, idx)
}

func (e *testEnv) audit() {
	e.t.Helper()
	if err := e.d.Audit(); err != nil {
		e.t.Fatalf("audit: %v", err)
	}
}

// boot32 enables full shadow mode and boots a 32-bit guest with one l2
// (as cr3), one l1 hooked at l2 slot 0, and a data page mapped writable
// at l1 slot 5. Returns l2, l1, data.
func (e *testEnv) boot32() (gl2, gl1, data Mfn) {
	e.t.Helper()
	gl2, gl1, data = e.frame(), e.frame(), e.frame()
	e.writeGE32(gl1, 5, uint32(data)<<12|uint32(entryPresent|entryWritable))
	e.writeGE32(gl2, 0, uint32(gl1)<<12|uint32(entryPresent|entryWritable))

	e.enable(ModeFull)
	e.v.SetGuestState(true, false, false, Gfn(gl2))
	e.d.UpdatePagingModes(e.v)
	if e.d.Crashed() {
		e.t.Fatal("domain crashed during boot")
	}
	return gl2, gl1, data
}

func TestBoot32BuildsShadows(t *testing.T) {
	e := newTestEnv(t)
	gl2, gl1, data := e.boot32()

	if !e.d.pages[gl2].shadowed || !e.d.pages[gl1].shadowed {
		t.Fatalf("guest tables not shadowed: l2=%v l1=%v",
			e.d.pages[gl2].shadowed, e.d.pages[gl1].shadowed)
	}
	sl2 := e.lookup(uint64(gl2), ShadowL2_32)
	sl1 := e.lookup(uint64(gl1), ShadowL1_32)
	if sl2 == InvalidMfn || sl1 == InvalidMfn {
		t.Fatalf("shadows missing: sl2=%#x sl1=%#x", uint64(sl2), uint64(sl1))
	}
	if e.v.shadowTable[0] != sl2 {
		t.Errorf("root slot holds %#x, want %#x", uint64(e.v.shadowTable[0]), uint64(sl2))
	}

	// A 32-bit l2 slot maps to two wide slots pointing at the two leaf
	// frames of the l1 shadow.
	for k := 0; k < 2; k++ {
		se := e.shadowEntry(sl2, k)
		if se&entryPresent == 0 || entryFrame(se) != sl1+Mfn(k) {
			t.Errorf("root entry %d = %#x, want frame %#x", k, se, uint64(sl1+Mfn(k)))
		}
	}

	// The data mapping is propagated writable.
	se := e.shadowEntry(sl1, 5)
	if entryFrame(se) != data || se&entryWritable == 0 {
		t.Errorf("leaf entry 5 = %#x, want writable map of %#x", se, uint64(data))
	}
	if pg := &e.d.pages[data]; pg.writableRefs != 1 || pg.totalRefs != 1 {
		t.Errorf("data frame refs writable=%d total=%d, want 1/1", pg.writableRefs, pg.totalRefs)
	}

	// Guest pagetables must never be writable through the shadows.
	if pg := &e.d.pages[gl1]; pg.writableRefs != 0 {
		t.Errorf("guest l1 has %d writable mappings", pg.writableRefs)
	}
	e.audit()
}

func TestValidateGuestEntryUpdatesLeaf(t *testing.T) {
	e := newTestEnv(t)
	_, gl1, data := e.boot32()
	sl1 := e.lookup(uint64(gl1), ShadowL1_32)

	data2 := e.frame()
	e.writeGE32(gl1, 5, uint32(data2)<<12|uint32(entryPresent))
	e.d.ValidateGuestEntry(gl1, 5)

	se := e.shadowEntry(sl1, 5)
	if entryFrame(se) != data2 || se&entryWritable != 0 {
		t.Errorf("leaf entry 5 = %#x, want read-only map of %#x", se, uint64(data2))
	}
	if pg := &e.d.pages[data]; pg.totalRefs != 0 {
		t.Errorf("old data frame still has %d mappings", pg.totalRefs)
	}
	e.audit()
}

func TestValidateGuestEntryHooksNewTable(t *testing.T) {
	e := newTestEnv(t)
	gl2, _, _ := e.boot32()
	sl2 := e.lookup(uint64(gl2), ShadowL2_32)

	// The guest hooks a brand-new l1 into slot 1.
	gl1b := e.frame()
	target := e.frame()
	e.writeGE32(gl1b, 7, uint32(target)<<12|uint32(entryPresent|entryWritable))
	e.writeGE32(gl2, 1, uint32(gl1b)<<12|uint32(entryPresent|entryWritable))
	e.d.ValidateGuestEntry(gl2, 1)

	sl1b := e.lookup(uint64(gl1b), ShadowL1_32)
	if sl1b == InvalidMfn {
		t.Fatal("new l1 was not shadowed")
	}
	se := e.shadowEntry(sl2, 2) // Guest slot 1 -> wide slots 2,3.
	if entryFrame(se) != sl1b {
		t.Errorf("root entry 2 = %#x, want frame %#x", se, uint64(sl1b))
	}
	if se := e.shadowEntry(sl1b, 7); entryFrame(se) != target || se&entryWritable == 0 {
		t.Errorf("new leaf entry 7 = %#x, want writable map of %#x", se, uint64(target))
	}
	e.audit()
}

func TestSuperpageSplinters(t *testing.T) {
	e := newTestEnv(t)
	gl2 := e.frame()
	// Guest slot 1 is a 4MB superpage over frames [0x400, 0x800).
	e.writeGE32(gl2, 1, uint32(0x400)<<12|uint32(entryPresent|entryWritable|entryPSE))

	e.enable(ModeFull)
	e.v.SetGuestState(true, false, false, Gfn(gl2))
	e.d.UpdatePagingModes(e.v)

	fl1 := e.lookup(0x400, ShadowFL1_32)
	if fl1 == InvalidMfn {
		t.Fatal("superpage entry did not create a splintered leaf shadow")
	}
	// Splinter entry j maps frame base+j.
	for _, j := range []int{0, 1, 511, 512, 1023} {
		se := e.shadowEntry(fl1, j)
		if entryFrame(se) != Mfn(0x400+j) || se&entryWritable == 0 {
			t.Errorf("splinter entry %d = %#x, want writable map of %#x", j, se, 0x400+j)
		}
	}
	e.audit()
}

func TestBoot64WithHighHalf(t *testing.T) {
	e := newTestEnv(t)
	gl4, gl3, gl2, gl1, data := e.frame(), e.frame(), e.frame(), e.frame(), e.frame()
	e.writeGE64(gl1, 3, makeEntry(data, entryPresent|entryWritable))
	e.writeGE64(gl2, 2, makeEntry(gl1, entryPresent|entryWritable))
	e.writeGE64(gl3, 1, makeEntry(gl2, entryPresent|entryWritable))
	// Slot 510 of the l3 takes the high-half l2 shadow type.
	e.writeGE64(gl3, 510, makeEntry(gl2, entryPresent|entryWritable))
	e.writeGE64(gl4, 0, makeEntry(gl3, entryPresent|entryWritable))

	e.enable(ModeFull)
	e.v.SetGuestState(true, true, true, Gfn(gl4))
	e.d.UpdatePagingModes(e.v)
	if e.d.Crashed() {
		t.Fatal("domain crashed during 64-bit boot")
	}

	for _, tc := range []struct {
		gmfn Mfn
		typ  ShadowType
	}{
		{gl4, ShadowL4_64},
		{gl3, ShadowL3_64},
		{gl2, ShadowL2_64},
		{gl2, ShadowL2H64},
		{gl1, ShadowL1_64},
	} {
		if e.lookup(uint64(tc.gmfn), tc.typ) == InvalidMfn {
			t.Errorf("no %v shadow of gmfn %#x", tc.typ, uint64(tc.gmfn))
		}
	}

	// Walk the shadow tables at the VA the guest mapped.
	va := Vaddr(0)<<39 | Vaddr(1)<<30 | Vaddr(2)<<21 | Vaddr(3)<<12
	l := e.d.lockPaging()
	leaf, idx, ok := l.shadowWalk(e.v, va)
	l.unlock()
	if !ok {
		t.Fatal("shadow walk failed at mapped va")
	}
	if se := e.shadowEntry(leaf, idx); entryFrame(se) != data {
		t.Errorf("walk found %#x, want map of %#x", se, uint64(data))
	}
	e.audit()
}

func TestBootPAEUsesFourRoots(t *testing.T) {
	e := newTestEnv(t)
	gl3, gl2a, gl2b := e.frame(), e.frame(), e.frame()
	gl1, data := e.frame(), e.frame()
	e.writeGE64(gl1, 9, makeEntry(data, entryPresent|entryWritable))
	e.writeGE64(gl2a, 0, makeEntry(gl1, entryPresent|entryWritable))
	e.writeGE64(gl3, 0, makeEntry(gl2a, entryPresent))
	e.writeGE64(gl3, 3, makeEntry(gl2b, entryPresent))

	e.enable(ModeFull)
	e.v.SetGuestState(true, true, false, Gfn(gl3))
	e.d.UpdatePagingModes(e.v)

	if e.v.shadowTable[0] == InvalidMfn || e.v.shadowTable[3] == InvalidMfn {
		t.Fatal("present PAE slots not shadowed")
	}
	if e.v.shadowTable[1] != InvalidMfn || e.v.shadowTable[2] != InvalidMfn {
		t.Error("absent PAE slots got root shadows")
	}
	if e.lookup(uint64(gl2a), ShadowL2PAE) != e.v.shadowTable[0] {
		t.Error("slot 0 root is not the shadow of the first guest l2")
	}

	// Walk through root slot 0 to the data page.
	va := Vaddr(0)<<30 | Vaddr(0)<<21 | Vaddr(9)<<12
	l := e.d.lockPaging()
	leaf, idx, ok := l.shadowWalk(e.v, va)
	l.unlock()
	if !ok {
		t.Fatal("shadow walk failed")
	}
	if se := e.shadowEntry(leaf, idx); entryFrame(se) != data {
		t.Errorf("walk found %#x, want map of %#x", se, uint64(data))
	}
	e.audit()
}

func TestUnpagedGuestRunsOnIdentityTable(t *testing.T) {
	e := newTestEnv(t)
	e.enable(ModeFull)
	e.v.SetGuestState(false, false, false, 0)
	e.d.UpdatePagingModes(e.v)
	if e.d.Crashed() {
		t.Fatal("domain crashed entering unpaged mode")
	}

	if e.v.guestTable != e.d.unpagedTable {
		t.Fatalf("unpaged vcpu runs on %#x, want identity table %#x",
			uint64(e.v.guestTable), uint64(e.d.unpagedTable))
	}
	// The identity table is built from superpage entries, so its shadow
	// leaves are splinters; frame 0x123 must map to itself.
	l := e.d.lockPaging()
	leaf, idx, ok := l.shadowWalk(e.v, Vaddr(0x123)<<12)
	l.unlock()
	if !ok {
		t.Fatal("identity walk failed")
	}
	if se := e.shadowEntry(leaf, idx); entryFrame(se) != 0x123 {
		t.Errorf("identity map of frame 0x123 points at %#x", se)
	}
	e.audit()
}

func TestTeardownReturnsEverything(t *testing.T) {
	e := newTestEnv(t)
	e.boot32()

	e.d.Teardown()
	e.d.FinalTeardown()

	if e.d.totalPages != 0 || e.d.freePages != 0 {
		t.Errorf("pool not drained: total=%d free=%d", e.d.totalPages, e.d.freePages)
	}
	// Everything except the three guest frames went back to the bank.
	if got, want := e.bank.FreeFrames(), uint64(testBankFrames-3); got != want {
		t.Errorf("bank has %d free frames after teardown, want %d", got, want)
	}
}

// TestConcurrentGuestUpdates runs one goroutine per vcpu, each mutating
// its own pagetables through the emulated-write path while the engine's
// lock arbitrates. Each vcpu owns its guest frames, so only engine state
// is shared.
func TestConcurrentGuestUpdates(t *testing.T) {
	const vcpus = 4
	e := newTestEnv(t, func(cfg *DomainConfig) { cfg.MaxVcpus = vcpus })
	e.enable(ModeFull)

	type guest struct {
		v        *Vcpu
		gl2, gl1 Mfn
		data     [8]Mfn
	}
	var guests [vcpus]*guest
	for i := range guests {
		v := e.v
		if i > 0 {
			var err error
			if v, err = e.d.CreateVcpu(i); err != nil {
				t.Fatalf("CreateVcpu(%d): %v", i, err)
			}
		}
		g := &guest{v: v, gl2: e.frame(), gl1: e.frame()}
		for j := range g.data {
			g.data[j] = e.frame()
			e.writeGE32(g.gl1, j, uint32(g.data[j])<<12|uint32(entryPresent|entryWritable))
		}
		e.writeGE32(g.gl2, 0, uint32(g.gl1)<<12|uint32(entryPresent|entryWritable))
		v.SetGuestState(true, false, false, Gfn(g.gl2))
		e.d.UpdatePagingModes(v)
		guests[i] = g
	}
	if e.d.Crashed() {
		t.Fatal("domain crashed during boot")
	}

	var eg errgroup.Group
	for _, g := range guests {
		g := g
		eg.Go(func() error {
			for n := 0; n < 512; n++ {
				slot := n % len(g.data)
				target := g.data[(n+1)%len(g.data)]
				e.writeGE32(g.gl1, slot, uint32(target)<<12|uint32(entryPresent|entryWritable))
				e.d.ValidateGuestEntry(g.gl1, slot)
				if n%64 == 63 {
					e.d.UpdateCR3(g.v)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("vcpu loop: %v", err)
	}
	if e.d.Crashed() {
		t.Fatal("domain crashed under concurrent updates")
	}
	e.audit()
}

// TestConcurrentSetRunningKeepsDirtyMask races vcpus into SetRunning;
// the dirty mask feeds the TLB-flush filter, so a lost bit would let a
// recycled frame skip a flush on a stale vcpu.
func TestConcurrentSetRunningKeepsDirtyMask(t *testing.T) {
	const vcpus = 16
	e := newTestEnv(t, func(cfg *DomainConfig) { cfg.MaxVcpus = vcpus })

	vs := []*Vcpu{e.v}
	for i := 1; i < vcpus; i++ {
		v, err := e.d.CreateVcpu(i)
		if err != nil {
			t.Fatalf("CreateVcpu(%d): %v", i, err)
		}
		vs = append(vs, v)
	}

	const want = uint64(1<<vcpus - 1)
	for round := 0; round < 200; round++ {
		e.d.dirtyCPUs.Store(0)
		var eg errgroup.Group
		for _, v := range vs {
			v := v
			eg.Go(func() error {
				v.SetRunning(true)
				v.SetRunning(false)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if got := e.d.dirtyCPUs.Load(); got != want {
			t.Fatalf("round %d: dirty mask %#x, want %#x", round, got, want)
		}
	}
}
