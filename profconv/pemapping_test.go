// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import "testing"

// TestPEHeuristicContainment is the literal PE heuristic scenario: a
// first MemoryMap for game.exe recorded with its full image size
// (0x4c0c000, as read from the PE header rather than the mmap
// record's own small length), then a second, separately-mapped
// executable region that falls entirely within that image's AVMA
// range and so should resolve against game.exe with
// base_avma = 0x140000000.
func TestPEHeuristicContainment(t *testing.T) {
	var table peMappingTable
	table.add("game.exe", 0x140000000, 0x4c0c000)

	second := MemoryMapEvent{
		StartAvma: 0x140001000,
		EndAvma:   0x140001000 + 0x3be7000,
	}

	suspected, ok := table.lookup(second.StartAvma)
	if !ok {
		t.Fatal("lookup: expected a suspected PE mapping")
	}
	if suspected.path != "game.exe" {
		t.Fatalf("suspected.path = %q, want game.exe", suspected.path)
	}
	if second.EndAvma > suspected.startAvma+suspected.size {
		t.Fatalf("second mapping [%#x,%#x) not contained in suspected range [%#x,%#x)",
			second.StartAvma, second.EndAvma, suspected.startAvma, suspected.startAvma+suspected.size)
	}
	if suspected.startAvma != 0x140000000 {
		t.Fatalf("base_avma = %#x, want %#x", suspected.startAvma, uint64(0x140000000))
	}
}

func TestPEMappingTableMissAboveRange(t *testing.T) {
	var table peMappingTable
	table.add("a.dll", 0x1000, 0x1000)
	table.add("b.dll", 0x10000, 0x1000)

	if _, ok := table.lookup(0x2000); ok {
		t.Error("lookup: expected a miss for an address past a.dll's range and before b.dll's")
	}
	if _, ok := table.lookup(0x10500); !ok {
		t.Error("lookup: expected a hit inside b.dll's range")
	}
}
