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

// The hash table maps (backpointer, shadow type) to the head frame of the
// shadow. Collision chains thread through the pool frames' own metadata,
// so the table itself is a fixed array of chain heads.

// hashBuckets is prime, and comfortably larger than the expected number
// of live shadows divided by a tolerable chain length.
const hashBuckets = 251

// shadowHashKey hashes a backpointer and type to a bucket. Fold each byte
// of n into the key; the multiplier 65599 (shifted adds) is the classic
// sdbm string hash.
func shadowHashKey(n uint64, t ShadowType) uint32 {
	key := uint32(t)
	for i := 0; i < 8; i++ {
		b := uint32(byte(n >> (8 * i)))
		key = b + (key << 6) + (key << 16) - key
	}
	return key % hashBuckets
}

func (l locked) hashInit() {
	table := make([]Mfn, hashBuckets)
	for i := range table {
		table[i] = InvalidMfn
	}
	l.d.hashTable = table
}

func (l locked) hashTeardown() {
	l.d.hashTable = nil
}

// hashLookup finds the shadow of type t with backpointer n, or InvalidMfn.
// Hits deep in a chain are pulled to the front, except while a table walk
// is in progress.
func (l locked) hashLookup(n uint64, t ShadowType) Mfn {
	d := l.d
	perf.hashLookups.Add(1)
	key := shadowHashKey(n, t)

	prev := InvalidMfn
	for smfn := d.hashTable[key]; smfn != InvalidMfn; smfn = d.page(smfn).next {
		sp := d.page(smfn)
		if sp.typ == t && sp.back == n {
			if prev == InvalidMfn {
				perf.hashLookupHead.Add(1)
			} else if !d.hashWalking {
				d.page(prev).next = sp.next
				sp.next = d.hashTable[key]
				d.hashTable[key] = smfn
			}
			return smfn
		}
		prev = smfn
	}
	perf.hashLookupMiss.Add(1)
	return InvalidMfn
}

// hashInsert records a new shadow at the front of its bucket.
func (l locked) hashInsert(n uint64, t ShadowType, smfn Mfn) {
	d := l.d
	perf.hashInserts.Add(1)
	key := shadowHashKey(n, t)
	sp := d.page(smfn)
	sp.next = d.hashTable[key]
	d.hashTable[key] = smfn
}

// hashDelete removes a shadow from the table; panics if it is not there.
func (l locked) hashDelete(n uint64, t ShadowType, smfn Mfn) {
	d := l.d
	perf.hashDeletes.Add(1)
	key := shadowHashKey(n, t)

	if d.hashTable[key] == smfn {
		d.hashTable[key] = d.page(smfn).next
	} else {
		prev := d.hashTable[key]
		for prev != InvalidMfn && d.page(prev).next != smfn {
			prev = d.page(prev).next
		}
		if prev == InvalidMfn {
			panic(fmt.Sprintf("shadow: hash delete of absent shadow %#x (type %v)", uint64(smfn), t))
		}
		d.page(prev).next = d.page(smfn).next
	}
	d.page(smfn).next = InvalidMfn
}

// hashCallback visits one shadow during a table walk. Returning true stops
// the walk. Callbacks may delete shadows other than the one visited (and
// typically do); the walk revalidates each entry before visiting it.
type hashCallback func(l locked, smfn Mfn, other Mfn) bool

type hashEntry struct {
	smfn Mfn
	typ  ShadowType
}

// hashForeach visits every live shadow whose type is in mask, passing
// other through to the callback. Reentry is a bug.
func (l locked) hashForeach(mask typeFlags, callbacks *[shadowTypeCount]hashCallback, other Mfn) {
	d := l.d
	if d.hashWalking {
		panic("shadow: recursive hash walk")
	}
	d.hashWalking = true
	defer func() { d.hashWalking = false }()

	var scratch [64]hashEntry
	for i := range d.hashTable {
		// Snapshot the chain first: callbacks can drop shadows in this
		// bucket when reference counts hit zero.
		ents := scratch[:0]
		for smfn := d.hashTable[i]; smfn != InvalidMfn; smfn = d.page(smfn).next {
			ents = append(ents, hashEntry{smfn, d.page(smfn).typ})
		}
		for _, e := range ents {
			sp := d.page(e.smfn)
			if sp.typ != e.typ || !sp.head {
				continue // Freed or retyped during this walk.
			}
			if mask&flagFor(e.typ) == 0 {
				continue
			}
			cb := callbacks[e.typ]
			if cb == nil {
				panic(fmt.Sprintf("shadow: hash walk mask includes %v but no callback", e.typ))
			}
			if cb(l, e.smfn, other) {
				return
			}
		}
	}
}
