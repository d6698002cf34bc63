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
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// perf counts interesting events across all domains. Counters are updated
// with the paging lock held but read locklessly by Metrics.
var perf perfCounters

type perfCounters struct {
	alloc          atomicbitops.Uint64
	allocTLBFlush  atomicbitops.Uint64
	allocCount     atomicbitops.Uint64 // Live pool frames; decremented on free.
	free           atomicbitops.Uint64
	preallocUnpin  atomicbitops.Uint64
	preallocUnhook atomicbitops.Uint64

	hashLookups    atomicbitops.Uint64
	hashLookupHead atomicbitops.Uint64
	hashLookupMiss atomicbitops.Uint64
	hashInserts    atomicbitops.Uint64
	hashDeletes    atomicbitops.Uint64

	writable           atomicbitops.Uint64
	writableHeuristic  atomicbitops.Uint64
	writableBruteForce atomicbitops.Uint64
	mappings           atomicbitops.Uint64
	mappingsBruteForce atomicbitops.Uint64

	unshadow           atomicbitops.Uint64
	upPointer          atomicbitops.Uint64
	unshadowBruteForce atomicbitops.Uint64

	unsync        atomicbitops.Uint64
	resync        atomicbitops.Uint64
	oosFixupAdd   atomicbitops.Uint64
	oosFixupEvict atomicbitops.Uint64
}

// Metrics returns a snapshot of the engine's event counters, keyed by a
// stable counter name.
func Metrics() map[string]uint64 {
	return map[string]uint64{
		"shadow_alloc":           perf.alloc.Load(),
		"shadow_alloc_tlbflush":  perf.allocTLBFlush.Load(),
		"shadow_alloc_count":     perf.allocCount.Load(),
		"shadow_free":            perf.free.Load(),
		"shadow_prealloc_unpin":  perf.preallocUnpin.Load(),
		"shadow_prealloc_unhook": perf.preallocUnhook.Load(),

		"shadow_hash_lookups":     perf.hashLookups.Load(),
		"shadow_hash_lookup_head": perf.hashLookupHead.Load(),
		"shadow_hash_lookup_miss": perf.hashLookupMiss.Load(),
		"shadow_hash_inserts":     perf.hashInserts.Load(),
		"shadow_hash_deletes":     perf.hashDeletes.Load(),

		"shadow_writeable":    perf.writable.Load(),
		"shadow_writeable_h":  perf.writableHeuristic.Load(),
		"shadow_writeable_bf": perf.writableBruteForce.Load(),
		"shadow_mappings":     perf.mappings.Load(),
		"shadow_mappings_bf":  perf.mappingsBruteForce.Load(),

		"shadow_unshadow":    perf.unshadow.Load(),
		"shadow_up_pointer":  perf.upPointer.Load(),
		"shadow_unshadow_bf": perf.unshadowBruteForce.Load(),

		"shadow_unsync":          perf.unsync.Load(),
		"shadow_resync":          perf.resync.Load(),
		"shadow_oos_fixup_add":   perf.oosFixupAdd.Load(),
		"shadow_oos_fixup_evict": perf.oosFixupEvict.Load(),
	}
}
