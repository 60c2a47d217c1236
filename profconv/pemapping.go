// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import "sort"

// peMappingTable is the PeMappingHeuristic's AVMA-keyed store of
// suspected PE mappings (data model §3): a sorted-slice lookup, point-
// indexed (largest entry whose start is <= avma) rather than interval-
// indexed.
type peMappingTable struct {
	ents   []suspectedPeMapping
	sorted bool
}

// add inserts a suspected PE mapping discovered at MemoryMap time:
// page_offset == 0 and a .exe/.dll extension (§4.1's MemoryMap
// handling).
func (t *peMappingTable) add(path string, startAvma, size uint64) {
	t.ents = append(t.ents, suspectedPeMapping{path: path, startAvma: startAvma, size: size})
	t.sorted = false
}

func (t *peMappingTable) ensureSorted() {
	if t.sorted {
		return
	}
	sort.Slice(t.ents, func(i, j int) bool { return t.ents[i].startAvma < t.ents[j].startAvma })
	t.sorted = true
}

// lookup finds the suspected PE mapping whose AVMA range contains
// avma: the entry with the largest startAvma <= avma, if avma also
// falls below its end.
func (t *peMappingTable) lookup(avma uint64) (suspectedPeMapping, bool) {
	t.ensureSorted()
	i := sort.Search(len(t.ents), func(i int) bool { return t.ents[i].startAvma > avma }) - 1
	if i < 0 {
		return suspectedPeMapping{}, false
	}
	e := t.ents[i]
	if avma < e.startAvma+e.size {
		return e, true
	}
	return suspectedPeMapping{}, false
}
