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

func TestShadowHashKey(t *testing.T) {
	for n := uint64(0); n < 1000; n++ {
		for _, typ := range []ShadowType{ShadowL1_32, ShadowL1_64, ShadowL4_64} {
			key := shadowHashKey(n, typ)
			if key >= hashBuckets {
				t.Fatalf("shadowHashKey(%d, %v) = %d, out of range", n, typ, key)
			}
			if key != shadowHashKey(n, typ) {
				t.Fatalf("shadowHashKey(%d, %v) not deterministic", n, typ)
			}
		}
	}
}

// hashEnv funds a pool and hands out real, promoted leaf shadows so the
// table can be exercised without a full guest boot.
type hashEnv struct {
	*testEnv
	l locked
}

func newHashEnv(t *testing.T) *hashEnv {
	e := newTestEnv(t)
	l := e.d.lockPaging()
	t.Cleanup(l.unlock)
	if err := l.setAllocation(pagesPerMB, nil); err != nil {
		t.Fatalf("setAllocation: %v", err)
	}
	l.hashInit()
	return &hashEnv{testEnv: e, l: l}
}

func (h *hashEnv) makeL1(gmfn Mfn) Mfn {
	h.t.Helper()
	smfn := h.l.makeShadow(gmfn, ShadowL1_64)
	if smfn == InvalidMfn {
		h.t.Fatalf("makeShadow(%#x) failed", uint64(gmfn))
	}
	return smfn
}

func TestHashInsertLookupDelete(t *testing.T) {
	h := newHashEnv(t)
	gmfn := h.frame()
	smfn := h.makeL1(gmfn)

	if got := h.l.hashLookup(uint64(gmfn), ShadowL1_64); got != smfn {
		t.Fatalf("lookup = %#x, want %#x", uint64(got), uint64(smfn))
	}
	if got := h.l.hashLookup(uint64(gmfn), ShadowL1PAE); got != InvalidMfn {
		t.Fatalf("lookup at wrong type hit %#x", uint64(got))
	}

	h.l.destroyShadow(smfn)
	if got := h.l.hashLookup(uint64(gmfn), ShadowL1_64); got != InvalidMfn {
		t.Fatalf("lookup after destroy hit %#x", uint64(got))
	}
	if h.d.pages[gmfn].shadowed {
		t.Error("gmfn still marked shadowed after destroy")
	}
}

func TestHashCollisionPullToFront(t *testing.T) {
	h := newHashEnv(t)

	// Find two guest frames whose shadows land in the same bucket.
	a := h.frame()
	key := shadowHashKey(uint64(a), ShadowL1_64)
	var b Mfn
	for {
		b = h.frame()
		if shadowHashKey(uint64(b), ShadowL1_64) == key {
			break
		}
	}

	sa := h.makeL1(a)
	sb := h.makeL1(b)

	// b was inserted last, so it heads the bucket and a sits behind it.
	if h.d.hashTable[key] != sb {
		t.Fatalf("bucket head is %#x, want %#x", uint64(h.d.hashTable[key]), uint64(sb))
	}

	misses := perf.hashLookupMiss.Load()
	if got := h.l.hashLookup(uint64(a), ShadowL1_64); got != sa {
		t.Fatalf("deep lookup = %#x, want %#x", uint64(got), uint64(sa))
	}
	if perf.hashLookupMiss.Load() != misses {
		t.Error("collision chain hit counted as a miss")
	}
	if h.d.hashTable[key] != sa {
		t.Errorf("deep hit not pulled to bucket front: head is %#x", uint64(h.d.hashTable[key]))
	}
	if h.d.page(sa).next != sb {
		t.Errorf("chain order after pull-to-front: %#x follows %#x", uint64(h.d.page(sa).next), uint64(sa))
	}

	// A walk in progress must not reorder the chain under itself.
	h.d.hashWalking = true
	h.l.hashLookup(h.d.page(sb).back, ShadowL1_64)
	if h.d.hashTable[key] != sa {
		t.Error("lookup during a hash walk reordered the bucket")
	}
	h.d.hashWalking = false
}

func TestHashDeleteAbsentPanics(t *testing.T) {
	h := newHashEnv(t)
	gmfn := h.frame()
	smfn := h.makeL1(gmfn)
	h.l.hashDelete(uint64(gmfn), ShadowL1_64, smfn)
	defer func() {
		if recover() == nil {
			t.Fatal("deleting an absent shadow did not panic")
		}
	}()
	h.l.hashDelete(uint64(gmfn), ShadowL1_64, smfn)
}

func TestHashForeachSkipsFreedEntries(t *testing.T) {
	h := newHashEnv(t)

	// Three leaf shadows; the callback destroys its second visit's
	// sibling, and the walk must revalidate rather than visit the corpse.
	var shadows []Mfn
	for i := 0; i < 3; i++ {
		shadows = append(shadows, h.makeL1(h.frame()))
	}

	visited := make(map[Mfn]bool)
	var cbs [shadowTypeCount]hashCallback
	cbs[ShadowL1_64] = func(l locked, smfn, other Mfn) bool {
		visited[smfn] = true
		if len(visited) == 1 {
			// Destroy a different live shadow mid-walk.
			for _, s := range shadows {
				if s != smfn && l.d.page(s).typ == ShadowL1_64 {
					l.destroyShadow(s)
					break
				}
			}
		}
		return false
	}
	h.l.hashForeach(flagL1_64, &cbs, InvalidMfn)

	if len(visited) != 2 {
		t.Errorf("visited %d shadows, want 2 (one destroyed mid-walk)", len(visited))
	}
	for s := range visited {
		if h.d.page(s).typ != ShadowL1_64 {
			t.Errorf("walk visited freed shadow %#x", uint64(s))
		}
	}
}

func TestHashForeachReentryPanics(t *testing.T) {
	h := newHashEnv(t)
	h.makeL1(h.frame())

	var cbs [shadowTypeCount]hashCallback
	cbs[ShadowL1_64] = func(l locked, smfn, other Mfn) bool {
		defer func() {
			if recover() == nil {
				t.Error("reentrant hash walk did not panic")
			}
		}()
		l.hashForeach(flagL1_64, &cbs, InvalidMfn)
		return true
	}
	h.l.hashForeach(flagL1_64, &cbs, InvalidMfn)
}
