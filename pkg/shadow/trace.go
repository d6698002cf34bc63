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

// TraceEvent identifies a point of interest in the engine, reported to the
// domain's TraceSink as it happens.
type TraceEvent uint32

const (
	// TraceEventUnsync: a leaf guest table was let go out of sync.
	TraceEventUnsync TraceEvent = iota
	// TraceEventResyncFull: an out-of-sync page was brought back and its
	// tracking dropped.
	TraceEventResyncFull
	// TraceEventResyncOnly: an out-of-sync page was brought back but left
	// on the tracker because writable mappings remain.
	TraceEventResyncOnly
	// TraceEventPreallocUnpin: reclaim unpinned a pinned top-level shadow.
	TraceEventPreallocUnpin
	// TraceEventWritableBruteForce: the heuristics missed and every leaf
	// shadow was searched for writable mappings of a frame.
	TraceEventWritableBruteForce
)

var traceEventNames = [...]string{
	TraceEventUnsync:             "unsync",
	TraceEventResyncFull:         "resync-full",
	TraceEventResyncOnly:         "resync-only",
	TraceEventPreallocUnpin:      "prealloc-unpin",
	TraceEventWritableBruteForce: "wrmap-bf",
}

// String implements fmt.Stringer.
func (ev TraceEvent) String() string {
	if int(ev) < len(traceEventNames) {
		return traceEventNames[ev]
	}
	return "bogus"
}

// TraceSink receives engine trace events. Implementations must be cheap;
// events fire with the paging lock held.
type TraceSink interface {
	Trace(ev TraceEvent, gfn Gfn)
}

// nopTraceSink is the default sink.
type nopTraceSink struct{}

func (nopTraceSink) Trace(TraceEvent, Gfn) {}

// Sticky path flags, accumulated in Domain.pathFlags so tests and the
// control plane can tell which code paths a workload exercised without
// paying for a full trace.
const (
	traceFlagPromote uint32 = 1 << iota
	traceFlagDemote
	traceFlagUnsync
	traceFlagResync
	traceFlagPreallocUnhook
	traceFlagWritableHeuristic
	traceFlagWritableBruteForce
	traceFlagOOSFixupAdd
	traceFlagOOSFixupEvict
	traceFlagUnshadow
	traceFlagUpPointer
)

// PathFlags returns and clears the sticky path-flag accumulator.
func (d *Domain) PathFlags() uint32 {
	return d.pathFlags.Swap(0)
}

func (l locked) trace(ev TraceEvent, gmfn Mfn) {
	if _, ok := l.d.trace.(nopTraceSink); ok {
		return
	}
	l.d.trace.Trace(ev, l.d.phys.GfnOf(gmfn))
}

func (l locked) traceUnpin(smfn Mfn) {
	l.trace(TraceEventPreallocUnpin, l.d.backpointer(l.d.page(smfn)))
}
