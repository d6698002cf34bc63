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

// Package shadow implements the shadow-page-table engine of a bare-metal
// style hypervisor: a cache of translated guest pagetables that can be
// found, invalidated and freed safely under concurrent access from
// multiple virtual CPUs, with bounded memory use.
//
// The engine owns four cooperating mechanisms, all serialized by one
// per-domain paging lock: a pool allocator over a bank of host frames, a
// guest-frame to shadow-frame hash table, a per-vcpu out-of-sync tracker,
// and the unshadow engine that severs mappings. A small state machine ties
// them to the guest's paging-mode transitions.
package shadow

import (
	"fmt"
	"runtime"
	"time"

	"github.com/mvisor/mvisor/pkg/pagebank"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// Errors returned to the control plane.
var (
	// ErrNoMemory indicates the pool could not grow.
	ErrNoMemory = fmt.Errorf("shadow: out of memory")
	// ErrInvalid indicates an illegal mode transition or operation.
	ErrInvalid = fmt.Errorf("shadow: invalid operation")
)

// slowLog throttles complaints that can be guest-triggered in bulk.
var slowLog = log.BasicRateLimitedLogger(30 * time.Second)

// CPUSet is a bitmask of vcpu IDs.
type CPUSet uint64

// Add adds a vcpu to the set.
func (s *CPUSet) Add(id int) { *s |= 1 << id }

// Has returns whether the set contains a vcpu.
func (s CPUSet) Has(id int) bool { return s&(1<<id) != 0 }

// Empty returns whether the set is empty.
func (s CPUSet) Empty() bool { return s == 0 }

// TLBFlusher invalidates guest translations. Implementations broadcast to
// the physical CPUs backing the given vcpus; the engine guarantees flushes
// are issued only after the mappings that justified them are severed.
type TLBFlusher interface {
	Flush(d *Domain, mask CPUSet)
}

// NopFlusher discards flushes; suitable when no hardware TLB exists.
type NopFlusher struct{}

// Flush implements TLBFlusher.
func (NopFlusher) Flush(*Domain, CPUSet) {}

// PhysMap translates guest frame numbers to machine frames and back. The
// engine consults it when building leaf shadows and for trace records.
type PhysMap interface {
	// Translate returns the machine frame backing gfn, if any.
	Translate(gfn Gfn) (Mfn, bool)
	// GfnOf returns the guest frame number a machine frame appears at,
	// or InvalidGfn.
	GfnOf(mfn Mfn) Gfn
}

// IdentityMap is a PhysMap in which gfn == mfn for the first n frames.
type IdentityMap uint64

// Translate implements PhysMap.
func (m IdentityMap) Translate(gfn Gfn) (Mfn, bool) {
	if uint64(gfn) >= uint64(m) {
		return InvalidMfn, false
	}
	return Mfn(gfn), true
}

// GfnOf implements PhysMap.
func (m IdentityMap) GfnOf(mfn Mfn) Gfn {
	if uint64(mfn) >= uint64(m) {
		return InvalidGfn
	}
	return Gfn(mfn)
}

// ModeFlags are the domain-wide paging-assistance features. The permanent
// feature set (refcounts/translate/external) can be enabled only once and
// never disabled; log-dirty and the bare enable bit toggle freely.
type ModeFlags uint32

const (
	// ModeEnable turns the engine on at all.
	ModeEnable ModeFlags = 1 << iota
	// ModeRefcounts makes the engine responsible for write-protecting
	// guest pagetables (rather than trusting an external reference
	// count system).
	ModeRefcounts
	// ModeLogDirty tracks dirty pages for live migration.
	ModeLogDirty
	// ModeTranslate makes the engine translate guest frame numbers.
	ModeTranslate
	// ModeExternal marks a domain whose pagetables are entirely
	// hypervisor-maintained (hardware VM rather than paravirtual).
	ModeExternal
)

// ModeFull is the permanent feature set of a hardware VM.
const ModeFull = ModeEnable | ModeRefcounts | ModeTranslate | ModeExternal

// DomainConfig configures a Domain.
type DomainConfig struct {
	// ID is a diagnostic identifier.
	ID int32
	// MaxVcpus bounds the number of vcpus that will ever be created and
	// sizes the minimum pool reservation.
	MaxVcpus int
	// GuestPages is the nominal size of guest memory, used to scale the
	// minimum pool reservation.
	GuestPages uint64
	// Bank supplies frames for both guest memory and the shadow pool.
	Bank *pagebank.Bank
	// Phys translates guest frames; nil means identity over the bank.
	Phys PhysMap
	// TLB receives flush requests; nil means NopFlusher.
	TLB TLBFlusher
	// Trace receives diagnostic events; nil discards them.
	Trace TraceSink
	// OOSOff disables the out-of-sync optimization entirely.
	OOSOff bool
}

// Domain is the per-VM shadow state. All mutable state below the
// collaborator interfaces is guarded by the paging lock unless noted.
type Domain struct {
	id       int32
	maxVcpus int

	bank  *pagebank.Bank
	phys  PhysMap
	tlb   TLBFlusher
	trace TraceSink

	// mu is the paging lock. Public entry points acquire it and then
	// operate through a locked{} token; internal helpers require the
	// token, making "lock held" part of their signatures.
	mu sync.Mutex

	// dying is set once teardown begins; freed pool frames then go
	// straight back to the bank. Read locklessly on free paths.
	dying atomicbitops.Bool
	// crashed is set when guest misbehavior kills the domain.
	crashed atomicbitops.Bool

	// pauseCount tracks control-plane pauses; vcpus may not run while
	// it is nonzero.
	pauseCount atomicbitops.Int32

	// dirtyCPUs tracks vcpus that may hold stale translations.
	dirtyCPUs atomicbitops.Uint64
	// tlbEpoch counts domain TLB flushes, for recycled-frame filtering.
	tlbEpoch atomicbitops.Uint64

	// optLinuxL3Toplevel enables pinning of l3 shadows for guests that
	// switch an l3 instead of the top level. Read locklessly by the
	// pinnable-type predicate.
	optLinuxL3Toplevel atomicbitops.Uint32

	// pathFlags accumulates trace path flags; test/diagnostic use only.
	pathFlags atomicbitops.Uint32

	// Everything below is guarded by mu.

	mode  ModeFlags
	vcpus []*Vcpu

	// pages is the frame metadata arena, indexed by Mfn.
	pages []pageInfo

	// guestPages is the configured guest memory size in frames.
	guestPages uint64

	// Pool accounting.
	freeSet        *freeSet
	totalPages     uint32
	freePages      uint32
	p2mPages       uint32
	p2mAllocFailed bool

	// Hash table; nil until shadow mode is first enabled.
	hashTable   []Mfn
	hashWalking bool

	// Pinned top-level shadows, most recently pinned first.
	pinnedHead, pinnedTail Mfn

	// oosActive is set while every vcpu is in an OOS-eligible paging
	// mode; cleared whenever any vcpu runs unpaged.
	oosActive bool
	oosOff    bool

	// unpagedTable identity-maps the guest while it has paging
	// disabled. Allocated at enable time for external domains.
	unpagedTable Mfn

	// logDirtyBitmap tracks frames written since the last clean, one
	// bit per bank frame; nil while log-dirty mode is off.
	logDirtyBitmap []uint64
	dirtyCount     uint64

	// preemptCheck returns true when a long-running resize should yield
	// to the caller. Overridable for tests.
	preemptCheck func() bool
	preemptTick  uint32
}

// Vcpu is the per-virtual-CPU shadow state.
type Vcpu struct {
	id int
	d  *Domain

	// running is set by the embedder while the vcpu executes guest
	// code. A runnable vcpu's live root table cannot be swapped by a
	// third party.
	running atomicbitops.Bool

	// lastFlush is the domain TLB epoch this vcpu last flushed at.
	lastFlush atomicbitops.Uint64

	// Guest control-register state, set via SetGuestState; guarded by
	// the paging lock.
	pagingEnabled bool
	paeEnabled    bool
	longMode      bool
	cr3           Gfn

	// mode is the active paging-mode record; nil until the first
	// UpdatePagingModes.
	mode *pagingMode

	// guestTable is the gmfn of the current top-level guest table (or
	// the domain's unpaged table when paging is off).
	guestTable Mfn

	// shadowTable holds the installed top-level shadows, one slot per
	// active root (four for PAE, one otherwise).
	shadowTable [numRootSlots]Mfn

	// monitorTable is the hypervisor-owned top level loaded in hardware
	// for external domains.
	monitorTable Mfn

	// Out-of-sync state: oos holds gmfns currently allowed to diverge,
	// oosSnapshot the matching content snapshots, oosFixup the bounded
	// writable-mapping records.
	oos         [oosPages]Mfn
	oosSnapshot [oosPages]Mfn
	oosFixup    [oosPages]oosFixup

	// lastWritableSmfn remembers where the last brute-force writable
	// search succeeded. Pure hint; re-verified before use.
	lastWritableSmfn Mfn
}

// numRootSlots is the size of the top-level shadow array (PAE guests have
// four roots).
const numRootSlots = 4

// NewDomain creates the shadow state for a domain. The pool starts empty;
// Enable or SetAllocation funds it.
func NewDomain(cfg DomainConfig) (*Domain, error) {
	if cfg.Bank == nil {
		return nil, fmt.Errorf("%w: domain needs a page bank", ErrInvalid)
	}
	if cfg.MaxVcpus <= 0 || cfg.MaxVcpus > 64 {
		return nil, fmt.Errorf("%w: bad max vcpu count %d", ErrInvalid, cfg.MaxVcpus)
	}
	d := &Domain{
		id:         cfg.ID,
		maxVcpus:   cfg.MaxVcpus,
		bank:       cfg.Bank,
		phys:       cfg.Phys,
		tlb:        cfg.TLB,
		trace:      cfg.Trace,
		pages:      make([]pageInfo, cfg.Bank.Frames()),
		guestPages: cfg.GuestPages,
		freeSet:    newFreeSet(),
		oosOff:     cfg.OOSOff,
	}
	if d.phys == nil {
		d.phys = IdentityMap(cfg.Bank.Frames())
	}
	if d.tlb == nil {
		d.tlb = NopFlusher{}
	}
	if d.trace == nil {
		d.trace = nopTraceSink{}
	}
	d.unpagedTable = InvalidMfn
	for i := range d.pages {
		d.pages[i].next = InvalidMfn
		d.pages[i].pinNext = InvalidMfn
		d.pages[i].pinPrev = InvalidMfn
	}
	d.pinnedHead = InvalidMfn
	d.pinnedTail = InvalidMfn
	d.preemptCheck = d.defaultPreemptCheck
	return d, nil
}

// CreateVcpu creates vcpu state. Vcpus are never destroyed individually
// before domain teardown.
func (d *Domain) CreateVcpu(id int) (*Vcpu, error) {
	l := d.lockPaging()
	defer l.unlock()

	if id < 0 || id >= d.maxVcpus {
		return nil, fmt.Errorf("%w: vcpu id %d out of range", ErrInvalid, id)
	}
	for _, v := range d.vcpus {
		if v.id == id {
			return nil, fmt.Errorf("%w: vcpu %d already exists", ErrInvalid, id)
		}
	}
	v := &Vcpu{
		id:               id,
		d:                d,
		guestTable:       InvalidMfn,
		monitorTable:     InvalidMfn,
		lastWritableSmfn: InvalidMfn,
	}
	for i := range v.shadowTable {
		v.shadowTable[i] = InvalidMfn
	}
	for i := range v.oos {
		v.oos[i] = InvalidMfn
		v.oosSnapshot[i] = InvalidMfn
		for j := range v.oosFixup[i].smfn {
			v.oosFixup[i].smfn[j] = InvalidMfn
		}
	}
	d.vcpus = append(d.vcpus, v)
	return v, nil
}

// ID returns the vcpu's identifier.
func (v *Vcpu) ID() int { return v.id }

// Domain returns the owning domain.
func (v *Vcpu) Domain() *Domain { return v.d }

// SetRunning marks the vcpu as executing (or not) guest code. The embedder
// must keep this accurate: mode changes on a running vcpu by a third party
// are fatal to the domain.
func (v *Vcpu) SetRunning(running bool) {
	v.running.Store(running)
	if !running {
		return
	}
	// Concurrent vcpus race to set their bits; a plain read-modify-write
	// here would let one entry overwrite another's and drop a vcpu from
	// the dirty mask the flush filter consults.
	for {
		old := v.d.dirtyCPUs.Load()
		if v.d.dirtyCPUs.CompareAndSwap(old, old|1<<v.id) {
			return
		}
	}
}

// Running returns whether the vcpu is executing guest code.
func (v *Vcpu) Running() bool { return v.running.Load() }

// SetGuestState records the vcpu's control-register state. The caller must
// follow with UpdatePagingModes for the change to take effect, mirroring
// how CR0/CR4/EFER writes are trapped and then applied.
func (v *Vcpu) SetGuestState(pagingEnabled, pae, longMode bool, cr3 Gfn) {
	l := v.d.lockPaging()
	defer l.unlock()
	v.pagingEnabled = pagingEnabled
	v.paeEnabled = pae
	v.longMode = longMode
	v.cr3 = cr3
}

// ID returns the domain's identifier.
func (d *Domain) ID() int32 { return d.id }

// Dying returns whether teardown has begun.
func (d *Domain) Dying() bool { return d.dying.Load() }

// Crashed returns whether the domain has been killed for misbehavior.
func (d *Domain) Crashed() bool { return d.crashed.Load() }

// SetDying begins teardown; freed pool frames bypass the pool afterwards.
func (d *Domain) SetDying() { d.dying.Store(true) }

// Crash kills the guest domain, preserving host integrity. Idempotent.
func (d *Domain) Crash() {
	if d.crashed.Swap(true) {
		return
	}
	log.Warningf("shadow: d%d crashed", d.id)
	d.dying.Store(true)
}

// Pause prevents vcpus from entering guest code and waits for any that are
// currently running to deschedule.
func (d *Domain) Pause() {
	d.pauseCount.Add(1)
	l := d.lockPaging()
	vcpus := append([]*Vcpu(nil), d.vcpus...)
	l.unlock()
	for _, v := range vcpus {
		for v.running.Load() {
			runtime.Gosched()
		}
	}
}

// Unpause releases a Pause.
func (d *Domain) Unpause() {
	if d.pauseCount.Add(-1) < 0 {
		panic("shadow: unbalanced Unpause")
	}
}

// Paused returns whether the domain is control-plane paused.
func (d *Domain) Paused() bool { return d.pauseCount.Load() > 0 }

// locked is the proof token that the paging lock is held. Internal helpers
// take it as their receiver; the only way to mint one is lockPaging.
type locked struct {
	d *Domain
}

// lockPaging acquires the paging lock. Callers must not already hold it;
// paths that historically re-acquired it recursively are structured so
// that only their outermost public entry point locks.
func (d *Domain) lockPaging() locked {
	d.mu.Lock()
	return locked{d}
}

func (l locked) unlock() {
	l.d.mu.Unlock()
}

// flushTLBMask severs stale translations on the given vcpus. Must be
// called only after the offending mappings are gone.
func (l locked) flushTLBMask(mask CPUSet) {
	d := l.d
	epoch := d.tlbEpoch.Add(1)
	for _, v := range d.vcpus {
		if mask.Has(v.id) {
			v.lastFlush.Store(epoch)
		}
	}
	d.tlb.Flush(d, mask)
}

// dirtyMask returns the set of vcpus that may hold stale translations.
func (l locked) dirtyMask() CPUSet {
	return CPUSet(l.d.dirtyCPUs.Load())
}

// tlbflushFilter trims mask to the vcpus that have not flushed since the
// given epoch.
func (l locked) tlbflushFilter(mask CPUSet, stamp uint64) CPUSet {
	var out CPUSet
	for _, v := range l.d.vcpus {
		if mask.Has(v.id) && v.lastFlush.Load() < stamp {
			out.Add(v.id)
		}
	}
	return out
}

// defaultPreemptCheck requests a yield every few hundred pool operations.
func (d *Domain) defaultPreemptCheck() bool {
	d.preemptTick++
	return d.preemptTick%512 == 0
}

func (d *Domain) tracePathFlag(f uint32) {
	for {
		old := d.pathFlags.Load()
		if d.pathFlags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

// vcpu0 returns the first vcpu, or nil if none exist yet.
func (l locked) vcpu0() *Vcpu {
	if len(l.d.vcpus) == 0 {
		return nil
	}
	return l.d.vcpus[0]
}
