// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

// offCpuState is the per-thread bookkeeping ContextSwitchHandler
// maintains (data model §3's Thread "context-switch state").
type offCpuState struct {
	onCPU              bool
	lastOnCPUBeginTs   Nanos
	accumulatedOnCPUNs Nanos
	offCPUTickCount    uint64
	offCPUBeginTs      Nanos
}

// offCpuSampleGroup describes a run of off-CPU sampling ticks to
// expand into synthetic samples.
type offCpuSampleGroup struct {
	beginTs, endTs Nanos
	sampleCount    uint64
}

// contextSwitchHandler implements §4.4: per-thread on/off-CPU interval
// tracking, off-CPU sample-group derivation, and CPU-delta accounting.
type contextSwitchHandler struct {
	// offCpuIntervalNs equals the main event's period when it is
	// time-based; otherwise a default of 1ms.
	offCpuIntervalNs Nanos
	// offCpuWeightPerSample is 1 when the main event is time-based,
	// else 0 (a non-time-based event must not fabricate wall time).
	offCpuWeightPerSample int64
}

func newContextSwitchHandler(mainEventIsTimeBased bool, periodNs Nanos) *contextSwitchHandler {
	h := &contextSwitchHandler{}
	if mainEventIsTimeBased {
		h.offCpuIntervalNs = periodNs
		h.offCpuWeightPerSample = 1
	} else {
		h.offCpuIntervalNs = 1_000_000 // 1ms default
		h.offCpuWeightPerSample = 0
	}
	if h.offCpuIntervalNs == 0 {
		h.offCpuIntervalNs = 1_000_000
	}
	return h
}

// handleSample implements handle_sample(ts, state): while on-CPU,
// accumulates elapsed time and returns no group; while off-CPU,
// reports the elapsed off-CPU ticks as a sample group.
func (h *contextSwitchHandler) handleSample(ts Nanos, st *offCpuState) (offCpuSampleGroup, bool) {
	if st.onCPU {
		base := st.lastOnCPUBeginTs
		if ts > base {
			st.accumulatedOnCPUNs += ts - base
		}
		st.lastOnCPUBeginTs = ts
		return offCpuSampleGroup{}, false
	}
	group := h.offCpuGroup(ts, st)
	return group, group.sampleCount > 0
}

// handleSwitchIn implements handle_switch_in(ts, state): symmetric to
// handleSample, but unconditionally marks the thread on-CPU
// afterwards.
func (h *contextSwitchHandler) handleSwitchIn(ts Nanos, st *offCpuState) (offCpuSampleGroup, bool) {
	var group offCpuSampleGroup
	var ok bool
	if !st.onCPU {
		group = h.offCpuGroup(ts, st)
		ok = group.sampleCount > 0
	}
	st.onCPU = true
	st.lastOnCPUBeginTs = ts
	return group, ok
}

// handleSwitchOut implements handle_switch_out(ts, state): finalises
// on-CPU accumulation up to ts and marks the thread off-CPU.
func (h *contextSwitchHandler) handleSwitchOut(ts Nanos, st *offCpuState) {
	if st.onCPU {
		base := st.lastOnCPUBeginTs
		if ts > base {
			st.accumulatedOnCPUNs += ts - base
		}
	}
	st.onCPU = false
	st.offCPUBeginTs = ts
	st.offCPUTickCount = 0
}

// offCpuGroup computes the full off_cpu_interval_ns ticks elapsed
// between the thread's switch-out and ts, and resets the tick
// counter.
func (h *contextSwitchHandler) offCpuGroup(ts Nanos, st *offCpuState) offCpuSampleGroup {
	begin := st.offCPUBeginTs
	var ticks uint64
	if ts > begin && h.offCpuIntervalNs > 0 {
		ticks = uint64(ts-begin) / uint64(h.offCpuIntervalNs)
	}
	st.offCPUTickCount = 0
	if ticks == 0 {
		return offCpuSampleGroup{}
	}
	return offCpuSampleGroup{beginTs: begin, endTs: ts, sampleCount: ticks}
}

// consumeCPUDelta implements consume_cpu_delta(state): returns the
// accumulated on-CPU time and resets it.
func (h *contextSwitchHandler) consumeCPUDelta(st *offCpuState) Nanos {
	d := st.accumulatedOnCPUNs
	st.accumulatedOnCPUNs = 0
	return d
}
