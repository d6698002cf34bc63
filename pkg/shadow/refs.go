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

	"gvisor.dev/gvisor/pkg/log"
)

// Shadow reference counting. A shadow's count tracks the parent-table
// entries mapping it, plus one for a pin and one per vcpu slot it is
// loaded in. The last put destroys the shadow.

// getRef takes a reference to a shadow. entryPA, when nonzero, is the
// byte address of the parent entry taking the reference; types with
// up-pointers record the first such parent for cheap unshadowing later.
// Fails only when the counter would saturate.
func (l locked) getRef(smfn Mfn, entryPA uint64) bool {
	sp := l.d.page(smfn)
	if !sp.head {
		panic(fmt.Sprintf("shadow: ref to non-head shadow frame %#x", uint64(smfn)))
	}
	nx := sp.count + 1
	if nx == 0 {
		slowLog.Warningf("shadow: d%d shadow %#x (%v) ref count saturated", l.d.id, uint64(smfn), sp.typ)
		return false
	}
	sp.count = nx

	if entryPA != 0 && l.d.typeHasUpPointer(sp.typ) && sp.up == 0 {
		sp.up = entryPA
	}
	return true
}

// putRef drops a reference; the last one destroys the shadow. entryPA
// mirrors the getRef that is being undone.
func (l locked) putRef(smfn Mfn, entryPA uint64) {
	sp := l.d.page(smfn)

	if entryPA != 0 && l.d.typeHasUpPointer(sp.typ) && sp.up == entryPA {
		sp.up = 0
	}

	if sp.count == 0 {
		panic(fmt.Sprintf("shadow: ref underflow on shadow %#x (%v)", uint64(smfn), sp.typ))
	}
	sp.count--
	if sp.count == 0 {
		l.destroyShadow(smfn)
	}
}

// destroyShadow tears down a shadow whose last reference just went away.
func (l locked) destroyShadow(smfn Mfn) {
	sp := l.d.page(smfn)
	t := sp.typ
	if !sp.head || t < shadowTypeMin || t > shadowTypeMax {
		panic(fmt.Sprintf("shadow: destroy of bogus shadow %#x (type %v)", uint64(smfn), t))
	}
	if sp.pinned {
		panic(fmt.Sprintf("shadow: destroy of pinned shadow %#x (type %v)", uint64(smfn), t))
	}
	log.Debugf("shadow: d%d destroying %v shadow %#x of %#x", l.d.id, t, uint64(smfn), sp.back)
	l.destroyShadowTable(smfn)
}

// Pinning. A pinned top-level shadow holds a reference on itself so it
// survives context switches; the pinned list is kept in most recently
// pinned order so reclaim evicts the coldest first from the tail side.

// pin keeps a top-level shadow alive even when no vcpu has it loaded.
// Re-pinning an already pinned shadow refreshes its list position.
func (l locked) pin(smfn Mfn) bool {
	d := l.d
	sp := d.page(smfn)
	if !sp.head || !d.typeIsPinnable(sp.typ) {
		panic(fmt.Sprintf("shadow: pin of unpinnable shadow %#x (type %v)", uint64(smfn), sp.typ))
	}

	if sp.pinned {
		if d.pinnedHead != smfn {
			l.pinListRemove(smfn)
			l.pinListPushFront(smfn)
		}
		return true
	}

	if !l.getRef(smfn, 0) {
		return false
	}
	sp.pinned = true
	l.pinListPushFront(smfn)
	return true
}

// unpin releases a pin; a no-op on unpinned shadows.
func (l locked) unpin(smfn Mfn) {
	sp := l.d.page(smfn)
	if !sp.head {
		panic(fmt.Sprintf("shadow: unpin of non-head shadow frame %#x", uint64(smfn)))
	}
	if !sp.pinned {
		return
	}
	sp.pinned = false
	l.pinListRemove(smfn)

	// May destroy the shadow.
	l.putRef(smfn, 0)
}

func (l locked) pinListPushFront(smfn Mfn) {
	d := l.d
	sp := d.page(smfn)
	sp.pinPrev = InvalidMfn
	sp.pinNext = d.pinnedHead
	if d.pinnedHead != InvalidMfn {
		d.page(d.pinnedHead).pinPrev = smfn
	} else {
		d.pinnedTail = smfn
	}
	d.pinnedHead = smfn
}

func (l locked) pinListRemove(smfn Mfn) {
	d := l.d
	sp := d.page(smfn)
	if sp.pinPrev != InvalidMfn {
		d.page(sp.pinPrev).pinNext = sp.pinNext
	} else {
		d.pinnedHead = sp.pinNext
	}
	if sp.pinNext != InvalidMfn {
		d.page(sp.pinNext).pinPrev = sp.pinPrev
	} else {
		d.pinnedTail = sp.pinPrev
	}
	sp.pinNext = InvalidMfn
	sp.pinPrev = InvalidMfn
}
