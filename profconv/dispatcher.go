// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"encoding/binary"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/aclements/go-profconv/perffile"
)

// AttributeDescription pairs one of the input stream's event
// attributes with its resolved name, used only to divine an
// EventInterpretation once at construction time (§4.1a).
type AttributeDescription struct {
	Attr *perffile.EventAttr
	Name string
}

// EventInterpretation is the construction-time decision of which
// event is "the" sampled event driving off-CPU accounting, and which
// attribute indices (if any) correspond to the sched-switch and
// rss-stat tracepoints.
type EventInterpretation struct {
	MainEventAttrIndex int
	// SamplingIsTimeBased is non-nil (pointing at the nanosecond
	// period) when the main event is a fixed-period software clock
	// event; nil for frequency-based or hardware-counted sampling.
	SamplingIsTimeBased *uint64
	HaveContextSwitches bool

	SchedSwitchAttrIndex *int
	RssStatAttrIndex     *int

	EventNames []string
}

// DivineFromAttrs implements §4.1a: decide the main event's sampling
// behaviour and locate the sched-switch/rss-stat tracepoints by name.
func DivineFromAttrs(attrs []AttributeDescription) (EventInterpretation, error) {
	if len(attrs) == 0 {
		return EventInterpretation{}, fmt.Errorf("profconv: no event attributes supplied")
	}
	main := attrs[0].Attr
	if main.SamplePeriod == 0 && main.SampleFreq == 0 {
		return EventInterpretation{}, fmt.Errorf("profconv: main event has no sampling_policy (neither period nor frequency configured)")
	}

	interp := EventInterpretation{
		MainEventAttrIndex:  0,
		HaveContextSwitches: main.Flags&perffile.EventFlagContextSwitch != 0,
		EventNames:          make([]string, len(attrs)),
	}

	if main.Flags&perffile.EventFlagFreq == 0 {
		if ev, ok := main.Event.(perffile.EventSoftware); ok &&
			(ev == perffile.EventSoftwareCPUClock || ev == perffile.EventSoftwareTaskClock) {
			period := main.SamplePeriod
			interp.SamplingIsTimeBased = &period
		}
	}

	for i, a := range attrs {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("<unknown event %d>", i)
		}
		interp.EventNames[i] = name
		switch name {
		case "sched:sched_switch":
			idx := i
			interp.SchedSwitchAttrIndex = &idx
		case "kmem:rss_stat":
			idx := i
			interp.RssStatAttrIndex = &idx
		}
	}

	return interp, nil
}

// Converter is the top-level RecordDispatcher (§4.1): it owns the
// process/thread registries, the event interpretation decided at
// construction, and the per-run stack interner, and routes each
// record kind to the appropriate subsystem.
type Converter struct {
	sink Sink
	arch Arch

	// foldRecursivePrefix enables StackReconstructor's step 4
	// (collapsing a repeated frame at the base of the stack).
	foldRecursivePrefix bool

	searchPath []string

	interp   EventInterpretation
	cs       *contextSwitchHandler
	registry *ProcessRegistry
	ts       *TimestampConverter
	stacks   *stackInterner

	attrIndex map[*perffile.EventAttr]int

	kernelSyms *kernelSymbolTable
}

// ConverterOptions configures a Converter beyond what EventInterpretation
// divines automatically.
type ConverterOptions struct {
	Arch                Arch
	FoldRecursivePrefix bool
	SearchPath          []string
	Registry            RegistryOptions
	// ReadKernelSymbols, when true, attempts to load /proc/kallsyms
	// and the running kernel's build ID at construction (§4.8).
	ReadKernelSymbols bool
}

// NewConverter builds a Converter from the input stream's resolved
// event attributes and wires it to sink.
func NewConverter(sink Sink, attrs []AttributeDescription, opts ConverterOptions) (*Converter, error) {
	interp, err := DivineFromAttrs(attrs)
	if err != nil {
		return nil, err
	}

	var periodNs Nanos
	timeBased := interp.SamplingIsTimeBased != nil
	if timeBased {
		periodNs = *interp.SamplingIsTimeBased
	}

	c := &Converter{
		sink:                sink,
		arch:                opts.Arch,
		foldRecursivePrefix: opts.FoldRecursivePrefix,
		searchPath:          opts.SearchPath,
		interp:              interp,
		cs:                  newContextSwitchHandler(timeBased, periodNs),
		ts:                  &TimestampConverter{},
		stacks:              newStackInterner(),
		attrIndex:           make(map[*perffile.EventAttr]int, len(attrs)),
	}
	c.registry = NewProcessRegistry(sink, opts.Registry, c.ts)
	for i, a := range attrs {
		c.attrIndex[a.Attr] = i
	}
	if opts.ReadKernelSymbols {
		c.kernelSyms = loadKernelSymbols()
	}
	return c, nil
}

func cpuModeOf(m perffile.CPUMode) CPUMode {
	switch m {
	case perffile.CPUModeKernel, perffile.CPUModeGuestKernel:
		return ModeKernel
	default:
		return ModeUser
	}
}

// Dispatch routes one record to the appropriate handler. Record kinds
// with no defined handling (aux, itrace, ksymbol, etc.) are ignored.
func (c *Converter) Dispatch(rec perffile.Record) {
	switch r := rec.(type) {
	case *perffile.RecordSample:
		c.onSample(r)
	case *perffile.RecordMmap:
		c.onMmap(r)
	case *perffile.RecordComm:
		c.onComm(r)
	case *perffile.RecordFork:
		c.onFork(r)
	case *perffile.RecordExit:
		c.onExit(r)
	case *perffile.RecordSwitch:
		c.onSwitch(r.Common().PID, r.Common().TID, r.Common().Time, r.Out)
	case *perffile.RecordSwitchCPUWide:
		// The switched thread is the one identified by SwitchPID/TID,
		// not the monitoring context's PID/TID.
		c.onSwitch(r.SwitchPID, r.SwitchTID, r.Common().Time, r.Out)
	}
}

// Finish implements finish(): flush every live process and thread
// into the sink. Call once the input stream is exhausted.
func (c *Converter) Finish(ts Nanos) {
	c.registry.Finish(ts)
}

func (c *Converter) onMmap(r *perffile.RecordMmap) {
	base := filepath.Base(r.Filename)
	if strings.HasPrefix(base, "jit-") && strings.HasSuffix(base, ".dump") {
		p := c.processFor(int32(r.PID), r.Common().Time)
		p.jit.recordJitDumpPath(r.Filename)
		return
	}

	ext := strings.ToLower(filepath.Ext(base))
	if r.FileOffset == 0 && (ext == ".exe" || ext == ".dll") {
		p := c.processFor(int32(r.PID), r.Common().Time)
		size := r.Len
		if imageSize, ok := peSizeOfImage(r.Filename); ok && imageSize > size {
			size = imageSize
		}
		p.peMappings.add(r.Filename, r.Addr, size)
		return
	}

	if r.Prot&0x4 /* PROT_EXEC */ == 0 {
		return
	}

	p := c.processFor(int32(r.PID), r.Common().Time)
	ev := MemoryMapEvent{
		StartAvma:  r.Addr,
		EndAvma:    r.Addr + r.Len,
		PageOffset: r.FileOffset,
		Filename:   r.Filename,
		Executable: true,
	}
	if len(r.BuildID) > 0 {
		ev.HaveBuildID = true
		ev.BuildID = fmt.Sprintf("%x", r.BuildID)
	}
	c.loadModule(p, r.Common().Time, ev)
}

// processFor returns the process a MemoryMap record applies to:
// pid == -1 denotes a kernel module, registered globally.
func (c *Converter) processFor(pid int32, ts Nanos) *Process {
	if pid == kernelPID {
		return c.registry.Kernel()
	}
	return c.registry.GetByPID(pid, ts)
}

func (c *Converter) onComm(r *perffile.RecordComm) {
	ts := r.Common().Time
	pid, tid := int32(r.PID), int32(r.TID)
	p, ok := c.registry.Lookup(pid)
	if !ok {
		p = c.registry.GetByPID(pid, ts)
	}

	if r.Exec {
		// Destroy the old identity, then attempt reuse by new name.
		c.registry.Remove(pid, ts)
		if reused, ok := c.registry.AttemptReuseProcess(pid, r.Comm); ok {
			reused.SetName(c.registry, r.Comm)
			return
		}
		p = c.registry.GetByPID(pid, ts)
		p.SetName(c.registry, r.Comm)
		if pid != tid {
			log.Printf("profconv: execve on non-main thread pid=%d tid=%d; treating as rename", pid, tid)
		}
		return
	}

	if r.Comm == "perf-exec" {
		// Sentinel placeholder name; suppress any rename side effect.
		return
	}
	if tid == pid {
		p.SetName(c.registry, r.Comm)
		return
	}
	t := p.GetByTID(c.registry, tid, ts)
	t.name = r.Comm
	c.sink.SetThreadName(t.handle, r.Comm)
}

func (c *Converter) onFork(r *perffile.RecordFork) {
	ts := r.Common().Time
	pid, tid := int32(r.PID), int32(r.TID)
	ppid := int32(r.PPID)

	if pid == ppid {
		// New thread within an existing process.
		p := c.registry.GetByPID(pid, ts)
		if t, ok := p.AttemptReuseThread(c.registry, tid, p.name); ok {
			t.cs = offCpuState{onCPU: true, lastOnCPUBeginTs: ts}
			return
		}
		p.GetByTID(c.registry, tid, ts)
		return
	}

	if pid != tid {
		log.Printf("profconv: fork record with pid=%d ppid=%d tid=%d matches neither same-process-new-thread nor new-process shape; ignoring", pid, ppid, tid)
		return
	}

	// A new process whose main thread has tid == pid.
	parentName := ""
	if parent, ok := c.registry.Lookup(ppid); ok {
		parentName = parent.name
	}
	if reused, ok := c.registry.AttemptReuseProcess(pid, parentName); ok {
		_ = reused
		return
	}
	p := c.registry.GetByPID(pid, ts)
	if parentName != "" {
		p.SetName(c.registry, parentName)
	}
}

func (c *Converter) onExit(r *perffile.RecordExit) {
	ts := r.Common().Time
	pid, tid := int32(r.PID), int32(r.TID)
	if pid == tid {
		c.registry.Remove(pid, ts)
		return
	}
	if p, ok := c.registry.Lookup(pid); ok {
		p.RemoveThread(c.registry, tid, ts)
	}
}

func (c *Converter) onSwitch(pid, tid int, ts Nanos, out bool) {
	p, ok := c.registry.Lookup(int32(pid))
	if !ok {
		return
	}
	t := p.GetByTID(c.registry, int32(tid), ts)
	if out {
		c.cs.handleSwitchOut(ts, &t.cs)
		return
	}
	group, have := c.cs.handleSwitchIn(ts, &t.cs)
	if have {
		c.emitOffCPUSamples(p, t, group)
	}
}

func (c *Converter) onSample(r *perffile.RecordSample) {
	idx, known := c.attrIndex[r.EventAttr]
	if !known {
		idx = -1
	}

	switch {
	case c.interp.SchedSwitchAttrIndex != nil && idx == *c.interp.SchedSwitchAttrIndex:
		c.onSchedSwitchSample(r)
		return
	case c.interp.RssStatAttrIndex != nil && idx == *c.interp.RssStatAttrIndex:
		c.onRssStatSample(r)
		return
	case idx != c.interp.MainEventAttrIndex:
		c.onOtherEventSample(r, idx)
		return
	}

	ts := r.Common().Time
	pid, tid := int32(r.Common().PID), int32(r.Common().TID)
	p := c.processFor(pid, ts)
	t := p.GetByTID(c.registry, tid, ts)

	if t.haveLastSampleTs && t.lastSampleTs == ts {
		return // duplicate sample at the same timestamp
	}
	t.haveLastSampleTs = true
	t.lastSampleTs = ts

	stack := c.reconstructStack(c.sampleInput(r), p.unwinder, p.cache)
	handle := c.stacks.intern(stack)

	group, have := c.cs.handleSample(ts, &t.cs)
	if have {
		c.emitOffCPUSamples(p, t, group)
	}

	cpuDelta := c.cs.consumeCPUDelta(&t.cs)
	if !c.interp.HaveContextSwitches {
		cpuDelta = 0
		if r.Format&perffile.SampleFormatPeriod != 0 {
			cpuDelta = Nanos(r.Period)
		}
	}

	p.enqueueSample(t.handle, c.ts.Convert(ts), c.stacks.frames(handle), cpuDelta, 1)
}

func (c *Converter) onSchedSwitchSample(r *perffile.RecordSample) {
	ts := r.Common().Time
	pid, tid := int32(r.Common().PID), int32(r.Common().TID)
	p := c.processFor(pid, ts)
	t := p.GetByTID(c.registry, tid, ts)

	stack := c.reconstructStack(c.sampleInput(r), p.unwinder, p.cache)
	t.offCPUStack = c.stacks.intern(stack)
	t.haveOffCPUStack = true
}

func (c *Converter) onRssStatSample(r *perffile.RecordSample) {
	ts := r.Common().Time
	pid, tid := int32(r.Common().PID), int32(r.Common().TID)
	p := c.processFor(pid, ts)
	t := p.GetByTID(c.registry, tid, ts)

	// perffile only supports little-endian profiles (see perffile.Open).
	st, ok := decodeRssStat(r.Raw, binary.LittleEndian)
	if !ok {
		return
	}
	delta := p.rssDelta(st.member, st.size)
	if st.member == rssAnon {
		c.sink.AddCounterSample(p.memCounterHandle(c.registry), c.ts.Convert(ts), delta)
	}

	stack := c.reconstructStack(c.sampleInput(r), p.unwinder, p.cache)
	handle := c.stacks.intern(stack)
	_ = handle
	c.sink.AddMarker(t.handle, c.ts.Convert(ts), "RssStat", fmt.Sprintf("%s: %+d (now %d)", st.member, delta, st.size))
}

func (c *Converter) onOtherEventSample(r *perffile.RecordSample, attrIdx int) {
	ts := r.Common().Time
	pid, tid := int32(r.Common().PID), int32(r.Common().TID)
	p := c.processFor(pid, ts)
	t := p.GetByTID(c.registry, tid, ts)

	name := fmt.Sprintf("<unknown event %d>", attrIdx)
	if attrIdx >= 0 && attrIdx < len(c.interp.EventNames) {
		name = c.interp.EventNames[attrIdx]
	}
	c.sink.AddMarker(t.handle, c.ts.Convert(ts), name, "")
}

// emitOffCPUSamples implements §4.4's off-CPU sample emission: two
// synthetic samples built from the thread's saved off-CPU stack, then
// clears that stack.
func (c *Converter) emitOffCPUSamples(p *Process, t *Thread, group offCpuSampleGroup) {
	if !t.haveOffCPUStack || group.sampleCount == 0 {
		return
	}
	frames := c.stacks.frames(t.offCPUStack)

	cpuDelta := c.cs.consumeCPUDelta(&t.cs)
	p.enqueueSample(t.handle, c.ts.Convert(group.beginTs), frames, cpuDelta, c.cs.offCpuWeightPerSample)

	if group.sampleCount > 1 {
		weight := int64(group.sampleCount-1) * c.cs.offCpuWeightPerSample
		p.enqueueSample(t.handle, c.ts.Convert(group.endTs), frames, 0, weight)
	}

	t.haveOffCPUStack = false
	t.offCPUStack = emptyStack
}

func (c *Converter) sampleInput(r *perffile.RecordSample) sampleStackInput {
	in := sampleStackInput{
		Callchain:      r.Callchain,
		HaveFallbackIP: r.Format&perffile.SampleFormatIP != 0,
		FallbackIP:     r.IP,
		CPUMode:        cpuModeOf(r.CPUMode),
	}
	if r.Format&perffile.SampleFormatRegsUser != 0 && len(r.RegsUser) > 0 {
		in.HaveRegs = true
		in.RegsMask = r.EventAttr.SampleRegsUser
		in.RegsValues = r.RegsUser
	}
	if r.Format&perffile.SampleFormatStackUser != 0 && len(r.StackUser) > 0 {
		in.HaveStack = true
		in.StackBytes = r.StackUser
	}
	return in
}
