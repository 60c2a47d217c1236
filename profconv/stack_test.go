// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"reflect"
	"testing"

	"github.com/aclements/go-profconv/perffile"
)

// TestFoldRecursivePrefix: stack before fold [A,B,B,B], fold enabled,
// expects [A,B].
func TestFoldRecursivePrefix(t *testing.T) {
	c := &Converter{foldRecursivePrefix: true}
	in := sampleStackInput{
		Callchain: []uint64{0xA, 0xB, 0xB, 0xB},
		CPUMode:   ModeUser,
	}

	got := c.reconstructStack(in, nil, nil)
	want := []StackFrame{ipFrame(0xA, ModeUser), retFrame(0xB, ModeUser)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reconstructStack = %+v, want %+v", got, want)
	}
}

func TestNoFoldWhenDisabled(t *testing.T) {
	c := &Converter{foldRecursivePrefix: false}
	in := sampleStackInput{
		Callchain: []uint64{0xA, 0xB, 0xB, 0xB},
		CPUMode:   ModeUser,
	}

	got := c.reconstructStack(in, nil, nil)
	if len(got) != 4 {
		t.Errorf("len(reconstructStack) = %d, want 4 (no folding)", len(got))
	}
}

// TestRoundTripUserCallchain: with all callchain entries preceded by
// the PERF_CONTEXT_USER sentinel and no regs/stack/DWARF data, the
// reconstructed stack equals the callchain in order, frame 0 as the
// sampled IP and the rest as return addresses.
func TestRoundTripUserCallchain(t *testing.T) {
	c := &Converter{}
	in := sampleStackInput{
		Callchain: []uint64{perffile.CallchainUser, 0x1000, 0x2000, 0x3000},
	}

	got := c.reconstructStack(in, nil, nil)
	want := []StackFrame{
		ipFrame(0x1000, ModeUser),
		retFrame(0x2000, ModeUser),
		retFrame(0x3000, ModeUser),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reconstructStack = %+v, want %+v", got, want)
	}
}

// TestFallbackIPOnly: a sample with only a fallback ip and no
// callchain/regs/stack produces a one-frame stack.
func TestFallbackIPOnly(t *testing.T) {
	c := &Converter{}
	in := sampleStackInput{
		HaveFallbackIP: true,
		FallbackIP:     0x400500,
		CPUMode:        ModeUser,
	}

	got := c.reconstructStack(in, nil, nil)
	want := []StackFrame{ipFrame(0x400500, ModeUser)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reconstructStack = %+v, want %+v", got, want)
	}
}
