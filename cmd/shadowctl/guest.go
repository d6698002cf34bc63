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

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/mvisor/mvisor/pkg/pagebank"
	"github.com/mvisor/mvisor/pkg/shadow"
)

// Guest pagetable entry bits, as a guest kernel would write them.
const (
	entryPresent  = 1 << 0
	entryWritable = 1 << 1
)

// guestDataFrames is how many plain memory frames each vcpu's leaf maps,
// at slots 0..guestDataFrames-1. Slot guestDataFrames maps the leaf
// itself, the way a kernel maps its own pagetables.
const guestDataFrames = 8

// selfVA is the virtual address of the leaf's self-map. All table chains
// built here use index 0 at every upper level, so entry k of the leaf
// covers virtual address k<<12 in every paging mode.
const selfVA = shadow.Vaddr(guestDataFrames << 12)

// guest is a synthetic domain with one set of pagetables per vcpu.
type guest struct {
	bank  *pagebank.Bank
	d     *shadow.Domain
	vcpus []*vcpuState

	// oosMu serializes windows in which guest pagetables are written
	// behind the engine's back. While a page is out of sync any vcpu's
	// flush may read it, so direct writes and the flush that makes them
	// visible stay under one critical section.
	oosMu sync.Mutex
}

// vcpuState is one vcpu and the guest frames only it writes.
type vcpuState struct {
	v *shadow.Vcpu
	// root is the top-level guest table loaded in cr3.
	root pagebank.Mfn
	// leaf is the l1 the stress loop rewrites.
	leaf pagebank.Mfn
	// data are the plain memory frames the leaf maps.
	data []pagebank.Mfn
	// wide is true when the guest writes 8-byte entries.
	wide bool
}

// logSink forwards engine trace events to the debug log.
type logSink struct{}

// Trace implements shadow.TraceSink.
func (logSink) Trace(ev shadow.TraceEvent, gfn shadow.Gfn) {
	log.Debugf("shadow trace: %v gfn=%#x", ev, uint64(gfn))
}

func newGuest(conf *config) (*guest, error) {
	bank, err := pagebank.New(conf.Frames)
	if err != nil {
		return nil, err
	}
	d, err := shadow.NewDomain(shadow.DomainConfig{
		ID:         1,
		MaxVcpus:   conf.Vcpus,
		GuestPages: conf.Frames / 2,
		Bank:       bank,
		Trace:      logSink{},
		OOSOff:     conf.OOSOff,
	})
	if err != nil {
		bank.Destroy()
		return nil, err
	}
	g := &guest{bank: bank, d: d}

	d.Pause()
	err = d.Enable(shadow.ModeFull)
	d.Unpause()
	if err != nil {
		g.destroy()
		return nil, err
	}
	if conf.PoolMB != 0 {
		if err := setAllocation(d, conf.PoolMB); err != nil {
			g.destroy()
			return nil, fmt.Errorf("resizing pool to %d MB: %w", conf.PoolMB, err)
		}
	}

	for i := 0; i < conf.Vcpus; i++ {
		vs, err := g.bootVcpu(i, conf.Paging)
		if err != nil {
			g.destroy()
			return nil, fmt.Errorf("booting vcpu %d: %w", i, err)
		}
		g.vcpus = append(g.vcpus, vs)
	}
	if d.Crashed() {
		g.destroy()
		return nil, errors.New("synthetic guest crashed during boot")
	}
	return g, nil
}

func (g *guest) destroy() {
	g.d.Teardown()
	g.d.FinalTeardown()
	g.bank.Destroy()
}

func (g *guest) frame() (pagebank.Mfn, error) {
	mfn, err := g.bank.Alloc()
	if err != nil {
		return 0, err
	}
	g.bank.Clear(mfn)
	return mfn, nil
}

func (g *guest) write32(mfn pagebank.Mfn, idx int, e uint32) {
	binary.LittleEndian.PutUint32(g.bank.Data(mfn)[idx*4:], e)
}

func (g *guest) write64(mfn pagebank.Mfn, idx int, e uint64) {
	binary.LittleEndian.PutUint64(g.bank.Data(mfn)[idx*8:], e)
}

// writeLeaf writes the vcpu's leaf entry in its native width.
func (g *guest) writeLeaf(vs *vcpuState, idx int, frame pagebank.Mfn, flags uint64) {
	if vs.wide {
		g.write64(vs.leaf, idx, uint64(frame)<<12|flags)
	} else {
		g.write32(vs.leaf, idx, uint32(frame)<<12|uint32(flags))
	}
}

// bootVcpu builds a pagetable chain for one vcpu and brings its paging
// up. All upper levels use index 0, so the leaf covers the low 4KB pages
// of the address space.
func (g *guest) bootVcpu(id int, paging string) (*vcpuState, error) {
	v, err := g.d.CreateVcpu(id)
	if err != nil {
		return nil, err
	}
	vs := &vcpuState{v: v, wide: paging != "32"}

	if vs.leaf, err = g.frame(); err != nil {
		return nil, err
	}
	for j := 0; j < guestDataFrames; j++ {
		data, err := g.frame()
		if err != nil {
			return nil, err
		}
		vs.data = append(vs.data, data)
		g.writeLeaf(vs, j, data, entryPresent|entryWritable)
	}
	g.writeLeaf(vs, guestDataFrames, vs.leaf, entryPresent|entryWritable)

	// One interior table per remaining level, each pointing at the next
	// through slot 0.
	var levels int
	switch paging {
	case "32":
		levels = 1
	case "pae":
		levels = 2
	case "64":
		levels = 3
	}
	next := vs.leaf
	for i := 0; i < levels; i++ {
		table, err := g.frame()
		if err != nil {
			return nil, err
		}
		if paging == "32" {
			g.write32(table, 0, uint32(next)<<12|entryPresent|entryWritable)
		} else {
			g.write64(table, 0, uint64(next)<<12|entryPresent|entryWritable)
		}
		next = table
	}
	vs.root = next

	switch paging {
	case "32":
		v.SetGuestState(true, false, false, shadow.Gfn(vs.root))
	case "pae":
		v.SetGuestState(true, true, false, shadow.Gfn(vs.root))
	case "64":
		v.SetGuestState(true, true, true, shadow.Gfn(vs.root))
	}
	g.d.UpdatePagingModes(v)
	return vs, nil
}

// setAllocation resizes the pool, absorbing preemption retries.
func setAllocation(d *shadow.Domain, mb uint32) error {
	for {
		_, err := d.Domctl(shadow.OpSetAllocation, mb)
		if err == nil {
			return nil
		}
		if !errors.Is(err, shadow.ErrAgain) {
			return err
		}
	}
}

// dumpMetrics prints the engine counters in a stable order.
func dumpMetrics(w io.Writer) {
	m := shadow.Metrics()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%-28s %d\n", name, m[name])
	}
}
