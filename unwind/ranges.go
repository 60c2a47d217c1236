// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import "sort"

// moduleTable stores Modules by their AVMA range and supports
// efficient lookup by address. This is the same add-then-binary-search
// shape as a generic range table: entries accumulate unsorted via add
// and are sorted lazily on first lookup.
type moduleTable struct {
	ents   []moduleEnt
	sorted bool
}

type moduleEnt struct {
	lo, hi uint64
	mod    Module
}

func (t *moduleTable) add(m Module) {
	t.ents = append(t.ents, moduleEnt{m.AvmaRange[0], m.AvmaRange[1], m})
	t.sorted = false
}

func (t *moduleTable) lookup(avma uint64) (Module, bool) {
	ents := t.ents
	if !t.sorted {
		sort.Slice(ents, func(i, j int) bool {
			return ents[i].lo < ents[j].lo
		})
		t.sorted = true
	}

	i := sort.Search(len(ents), func(i int) bool {
		return avma < ents[i].hi
	})
	if i < len(ents) && ents[i].lo <= avma && avma < ents[i].hi {
		return ents[i].mod, true
	}
	return Module{}, false
}
