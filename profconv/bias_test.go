// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import "testing"

func TestComputeBiasEasyCase(t *testing.T) {
	ranges := []SvmaFileRange{
		{Svma: 0, FileOffset: 0, Size: 0x1000},
		{Svma: 0x2000, FileOffset: 0x1000, Size: 0x1000},
	}
	m := mappingInfo{FileOffset: 0x1000, Avma: 0x55f000, Size: 0x1000}

	bias, ok := computeBias(ranges, m)
	if !ok {
		t.Fatal("computeBias: no reference range found")
	}
	if want := uint64(0x55d000); bias != want {
		t.Errorf("bias = %#x, want %#x", bias, want)
	}
}

// TestComputeBiasHardCaseWithGap covers a PT_LOAD segment whose stated
// virtual address does not start at the same point as its file offset
// (a common layout once the ELF header and program header table are
// excluded from the first loadable segment's declared address), with
// a mapping whose file range falls entirely within that segment.
func TestComputeBiasHardCaseWithGap(t *testing.T) {
	ranges := []SvmaFileRange{
		{Svma: 0x1000, FileOffset: 0, Size: 0x3000000},
	}
	m := mappingInfo{FileOffset: 0x14bd0c0, Avma: 0x100014be0c0, Size: 0xf5bf60}

	bias, ok := computeBias(ranges, m)
	if !ok {
		t.Fatal("computeBias: no reference range found")
	}
	if want := uint64(0x10000000000); bias != want {
		t.Errorf("bias = %#x, want %#x", bias, want)
	}
}

func TestComputeBiasNoReference(t *testing.T) {
	ranges := []SvmaFileRange{
		{Svma: 0, FileOffset: 0, Size: 0x100},
	}
	m := mappingInfo{FileOffset: 0x10000, Avma: 0x400000, Size: 0x1000}

	if _, ok := computeBias(ranges, m); ok {
		t.Error("computeBias: expected no reference range, got one")
	}
}
