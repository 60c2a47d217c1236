// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import "testing"

// TestOffCPUExpansion is the literal scenario from the off-CPU
// accounting design: a sample while on-CPU, a saved stack at the
// sched-switch sample, a switch-out, then a switch-in 5.5ms later with
// a 1ms off-CPU interval and weight-per-sample of 1. It expects one
// synthetic sample at the switch-out timestamp with cpu_delta=1000 and
// weight=1, then one synthetic sample at the switch-in timestamp with
// cpu_delta=0 and weight=4 (the remaining 4 of the 5 elapsed ticks).
func TestOffCPUExpansion(t *testing.T) {
	h := newContextSwitchHandler(true, 1_000_000)

	var st offCpuState
	st.onCPU = true
	st.lastOnCPUBeginTs = 0

	// Sample{tid=7,ts=0,ip=0x1000}: on-CPU, just accumulates.
	if _, have := h.handleSample(0, &st); have {
		t.Fatal("handleSample at ts=0: unexpected off-CPU group")
	}

	// ContextSwitch.Out{tid=7,ts=1_000}.
	h.handleSwitchOut(1_000, &st)
	if st.onCPU {
		t.Fatal("handleSwitchOut: thread still marked on-CPU")
	}

	// ContextSwitch.In{tid=7,ts=5_500_000}.
	group, have := h.handleSwitchIn(5_500_000, &st)
	if !have {
		t.Fatal("handleSwitchIn: expected an off-CPU group")
	}
	if group.sampleCount != 5 {
		t.Fatalf("sampleCount = %d, want 5", group.sampleCount)
	}
	if group.beginTs != 1_000 || group.endTs != 5_500_000 {
		t.Fatalf("group = %+v, want beginTs=1000 endTs=5500000", group)
	}

	// emitOffCPUSamples' first synthetic sample consumes the on-CPU
	// time accumulated up through the switch-out: at beginTs,
	// cpu_delta=1000, weight=1.
	firstCPUDelta := h.consumeCPUDelta(&st)
	if firstCPUDelta != 1_000 {
		t.Fatalf("first synthetic sample cpu_delta = %d, want 1000", firstCPUDelta)
	}
	if h.offCpuWeightPerSample != 1 {
		t.Fatalf("first synthetic sample weight = %d, want 1", h.offCpuWeightPerSample)
	}

	// Second synthetic sample: at endTs, cpu_delta=0, weight = (count-1)*1 = 4.
	secondWeight := int64(group.sampleCount-1) * h.offCpuWeightPerSample
	if secondWeight != 4 {
		t.Fatalf("second synthetic sample weight = %d, want 4", secondWeight)
	}
}

// TestOffCPUGroupZeroTicksBeforeSwitchOut: a sample immediately
// preceding a switch-out produces no off-CPU group at sample time, and
// a switch-in less than one off-CPU interval after the switch-out
// produces no group either.
func TestOffCPUGroupZeroTicksBeforeSwitchOut(t *testing.T) {
	h := newContextSwitchHandler(true, 1_000_000)
	var st offCpuState
	st.onCPU = true
	st.lastOnCPUBeginTs = 0

	if _, have := h.handleSample(500, &st); have {
		t.Fatal("handleSample while on-CPU must not produce a group")
	}
	h.handleSwitchOut(500, &st)

	// Switch back in immediately: elapsed off-CPU time is under one
	// full interval, so zero ticks and no group.
	if _, have := h.handleSwitchIn(600, &st); have {
		t.Fatal("handleSwitchIn: expected no off-CPU group for sub-interval gap")
	}
}

func TestOffCPUGroupSingleTick(t *testing.T) {
	h := newContextSwitchHandler(true, 1_000_000)
	var st offCpuState
	st.onCPU = false
	st.offCPUBeginTs = 0

	group, have := h.handleSwitchIn(1_000_000, &st)
	if !have {
		t.Fatal("handleSwitchIn: expected an off-CPU group")
	}
	if group.sampleCount != 1 {
		t.Fatalf("sampleCount = %d, want 1", group.sampleCount)
	}
}
