// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import (
	"testing"
)

// stackBuf builds a little-endian stack image addressed starting at
// base, for use with a ReadStackFunc in tests.
type stackBuf struct {
	base  uint64
	words []uint64
}

func (s *stackBuf) read(addr uint64) (uint64, bool) {
	if addr < s.base {
		return 0, false
	}
	i := (addr - s.base) / 8
	if i >= uint64(len(s.words)) {
		return 0, false
	}
	return s.words[i], true
}

func TestFrameWalkerX86Chain(t *testing.T) {
	// Simulate two stacked x86-64 frame records: fp0 -> fp1 -> 0.
	// Layout (by 8-byte word index from base):
	//   [0] = fp1 (saved rbp at fp0)
	//   [1] = retAddr for frame 0
	//   [2] = 0   (saved rbp at fp1, root)
	//   [3] = retAddr for frame 1
	const base = 0x7ffff000
	buf := &stackBuf{base: base, words: []uint64{
		base + 16, 0x401111,
		0, 0x401222,
	}}

	u := New().(*frameWalker)
	it := u.IterFrames(0x401000, UnwindRegs{SP: base, FP: base}, NewCache(), buf.read)

	var got []uint64
	for {
		addr, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, addr)
	}
	want := []uint64{0x401000, 0x401111, 0x401222}
	if len(got) != len(want) {
		t.Fatalf("got %d frames %#x, want %d frames %#x", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %#x, want %#x", i, got[i], want[i])
		}
	}
	if it.Truncated() {
		t.Errorf("unexpected truncation")
	}
}

func TestFrameWalkerAarch64LR(t *testing.T) {
	// LR supplies the return address for the innermost frame
	// directly; FP==0 means no deeper frames exist.
	u := New().(*frameWalker)
	it := u.IterFrames(0x1000, UnwindRegs{SP: 0x8000, FP: 0, LR: 0x2000}, NewCache(), func(uint64) (uint64, bool) {
		t.Fatalf("readStack should not be called when FP == 0")
		return 0, false
	})

	addr, ok := it.Next()
	if !ok || addr != 0x1000 {
		t.Fatalf("frame 0 = %#x, %v; want 0x1000, true", addr, ok)
	}
	addr, ok = it.Next()
	if !ok || addr != 0x2000 {
		t.Fatalf("frame 1 = %#x, %v; want 0x2000, true", addr, ok)
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("expected iteration to end")
	}
}

func TestFrameWalkerTruncatesOnReadFailure(t *testing.T) {
	u := New().(*frameWalker)
	it := u.IterFrames(0x1000, UnwindRegs{SP: 0x8000, FP: 0x8000}, NewCache(), func(uint64) (uint64, bool) {
		return 0, false
	})
	// Drain the iterator.
	for {
		if _, ok := it.Next(); !ok {
			break
		}
	}
	if !it.Truncated() {
		t.Errorf("expected truncation on read failure")
	}
}

func TestFrameWalkerCycleGuard(t *testing.T) {
	// fp chain that points back at a non-increasing address must
	// terminate rather than loop forever.
	const fp = 0x9000
	u := New().(*frameWalker)
	it := u.IterFrames(0x1000, UnwindRegs{SP: 0x8000, FP: fp}, NewCache(), func(addr uint64) (uint64, bool) {
		if addr == fp+8 {
			return 0x401000, true
		}
		if addr == fp {
			return fp, true // cycle: next fp == current fp
		}
		return 0, false
	})
	count := 0
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		count++
		if count > maxFrameDepth+1 {
			t.Fatalf("frame walk did not terminate")
		}
	}
	if !it.Truncated() {
		t.Errorf("expected cycle to be reported as truncation")
	}
}

func TestModuleTableLookup(t *testing.T) {
	var tab moduleTable
	tab.add(Module{Name: "a", AvmaRange: [2]uint64{0x1000, 0x2000}})
	tab.add(Module{Name: "b", AvmaRange: [2]uint64{0x3000, 0x4000}})

	if m, ok := tab.lookup(0x1500); !ok || m.Name != "a" {
		t.Errorf("lookup(0x1500) = %+v, %v; want a, true", m, ok)
	}
	if m, ok := tab.lookup(0x3fff); !ok || m.Name != "b" {
		t.Errorf("lookup(0x3fff) = %+v, %v; want b, true", m, ok)
	}
	if _, ok := tab.lookup(0x2500); ok {
		t.Errorf("lookup(0x2500) should miss the gap between modules")
	}
}

func TestModuleToAvma(t *testing.T) {
	m := Module{BaseAvma: 0x55f000, BaseSvma: 0x2000}
	if got := m.ToAvma(0x2100); got != 0x55f100 {
		t.Errorf("ToAvma(0x2100) = %#x, want 0x55f100", got)
	}
}
