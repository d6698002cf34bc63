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

// Consistency audits. Too slow for production paths; tests and the
// control plane run them at interesting checkpoints.

// Audit cross-checks the engine's redundant state: hash placement,
// shadow-type flags, reference counts and mapping counts, and the
// out-of-sync tracker. Returns the first inconsistency found.
func (d *Domain) Audit() error {
	l := d.lockPaging()
	defer l.unlock()

	if d.hashTable == nil {
		return nil
	}
	if err := l.auditHash(); err != nil {
		return err
	}
	if err := l.auditRefs(); err != nil {
		return err
	}
	return l.auditOOS()
}

func (l locked) auditHash() error {
	d := l.d
	for b, head := range d.hashTable {
		for smfn := head; smfn != InvalidMfn; smfn = d.page(smfn).next {
			sp := d.page(smfn)
			if sp.typ < shadowTypeMin || sp.typ > shadowTypeMax {
				return fmt.Errorf("hash bucket %d: frame %#x has bogus type %v", b, uint64(smfn), sp.typ)
			}
			if !sp.head {
				return fmt.Errorf("hash bucket %d: frame %#x is not a shadow head", b, uint64(smfn))
			}
			if key := shadowHashKey(sp.back, sp.typ); key != uint32(b) {
				return fmt.Errorf("shadow %#x (%v of %#x) in bucket %d, belongs in %d",
					uint64(smfn), sp.typ, sp.back, b, key)
			}
			if !isFixedLeaf(sp.typ) {
				pg := d.page(Mfn(sp.back))
				if !pg.shadowed || pg.flags&flagFor(sp.typ) == 0 {
					return fmt.Errorf("shadow %#x (%v) exists but gmfn %#x has flags %#x",
						uint64(smfn), sp.typ, sp.back, pg.flags)
				}
			}
		}
	}
	return nil
}

// auditRefs recomputes every frame's mapping counts and every shadow's
// reference count from the shadow entries themselves.
func (l locked) auditRefs() error {
	d := l.d
	total := make([]uint32, len(d.pages))
	writable := make([]uint32, len(d.pages))
	refs := make([]uint32, len(d.pages))

	for _, head := range d.hashTable {
		for smfn := head; smfn != InvalidMfn; smfn = d.page(smfn).next {
			sp := d.page(smfn)
			n := shadowEntries(sp.typ)
			for i := 0; i < n; i++ {
				e := l.readShadowEntry(smfn, i)
				if e&entryPresent == 0 {
					continue
				}
				f := entryFrame(e)
				if isLeaf(sp.typ) {
					total[f]++
					if e&entryWritable != 0 {
						writable[f]++
					}
				} else {
					refs[d.shadowHead(f)]++
				}
			}
		}
	}

	// Pins and loaded root slots hold references too.
	for smfn := d.pinnedHead; smfn != InvalidMfn; smfn = d.page(smfn).pinNext {
		refs[smfn]++
	}
	for _, v := range d.vcpus {
		for i := range v.shadowTable {
			if v.shadowTable[i] != InvalidMfn {
				refs[v.shadowTable[i]]++
			}
		}
	}

	for mfn := range d.pages {
		pg := &d.pages[mfn]
		if pg.totalRefs != total[mfn] || pg.writableRefs != writable[mfn] {
			return fmt.Errorf("frame %#x mapping counts total=%d writable=%d, shadows say %d/%d",
				mfn, pg.totalRefs, pg.writableRefs, total[mfn], writable[mfn])
		}
		if pg.typ >= shadowTypeMin && pg.typ <= shadowTypeMax && pg.head && pg.count != refs[mfn] {
			return fmt.Errorf("shadow %#x (%v) refcount %d, references say %d",
				mfn, pg.typ, pg.count, refs[mfn])
		}
	}
	return nil
}

func (l locked) auditOOS() error {
	d := l.d
	tracked := make(map[Mfn]bool)
	for _, v := range d.vcpus {
		for idx, gmfn := range v.oos {
			if gmfn == InvalidMfn {
				continue
			}
			tracked[gmfn] = true
			pg := d.page(gmfn)
			if !pg.isOutOfSync() {
				return fmt.Errorf("vcpu %d slot %d tracks gmfn %#x which is not out of sync",
					v.id, idx, uint64(gmfn))
			}
			home := int(uint64(gmfn) % oosPages)
			if idx != home && idx != (home+1)%oosPages {
				return fmt.Errorf("vcpu %d slot %d tracks gmfn %#x, whose home slot is %d",
					v.id, idx, uint64(gmfn), home)
			}
			if v.oosSnapshot[idx] == InvalidMfn {
				return fmt.Errorf("vcpu %d slot %d tracks gmfn %#x with no snapshot",
					v.id, idx, uint64(gmfn))
			}
			if t := pg.flags & flagPageTypeMask; t&^flagL1Any != 0 || pg.hasMultipleShadows() {
				return fmt.Errorf("out-of-sync gmfn %#x has shadow flags %#x, want a single l1 type",
					uint64(gmfn), pg.flags)
			}
			// Every writable mapping of an unsynced page must be on its
			// fixup ring (and the page must carry the write exemption).
			fx := &v.oosFixup[idx]
			var live uint32
			for i := 0; i < oosFixups; i++ {
				if fx.smfn[i] == InvalidMfn {
					continue
				}
				e := l.readShadowEntry(fx.smfn[i], int(fx.off[i]))
				if e&entryPresent != 0 && e&entryWritable != 0 && entryFrame(e) == gmfn {
					live++
				}
			}
			if pg.writableRefs != live {
				return fmt.Errorf("out-of-sync gmfn %#x has %d writable mappings, fixups explain %d",
					uint64(gmfn), pg.writableRefs, live)
			}
			if pg.writableRefs > 0 && !pg.oosMayWrite() {
				return fmt.Errorf("out-of-sync gmfn %#x is writably mapped without the write exemption",
					uint64(gmfn))
			}
		}
	}
	for mfn := range d.pages {
		pg := &d.pages[mfn]
		if pg.shadowed && pg.isOutOfSync() && !tracked[Mfn(mfn)] {
			return fmt.Errorf("gmfn %#x is out of sync but not tracked", mfn)
		}
	}
	return nil
}
