// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"fmt"

	"github.com/aclements/go-profconv/unwind"
)

// kernelPID is the pseudo-pid a MemoryMap record uses to denote a
// kernel module.
const kernelPID int32 = -1

// RegistryOptions configures the process/thread reuse behaviour of
// ProcessRegistry, per §4.5 and §4.7.
type RegistryOptions struct {
	// ReuseProcesses enables attempt_reuse for forked/exec'd
	// processes, preserving JIT-recycler state and prior library
	// symbolication across short-lived worker processes.
	ReuseProcesses bool
	// ReuseThreads enables attempt_reuse for forked threads within a
	// process.
	ReuseThreads bool
	// MergeThreads enables recycling an identically-named ended
	// thread on a non-execve rename (§4.7's "merge-threads mode").
	MergeThreads bool
}

// Thread is THE CORE's per-thread state (data model §3).
type Thread struct {
	pid, tid int32
	handle   ThreadHandle
	name     string

	cs offCpuState

	haveLastSampleTs bool
	lastSampleTs     Nanos

	haveOffCPUStack bool
	offCPUStack     StackHandle
}

// pendingSample is one entry of a process's unresolved-samples
// buffer, held until the process ends or the registry is flushed.
type pendingSample struct {
	thread   ThreadHandle
	ts       ProfileTimestamp
	stack    []StackFrame
	cpuDelta Nanos
	weight   int64
}

// Process is THE CORE's per-process state (data model §3): a live
// mmap set generalized into a time-ordered mapping-op log, extended
// with name-indexed reuse pools, a JIT handle, and RSS counters.
type Process struct {
	pid    int32
	name   string
	handle ProcessHandle

	unwinder unwind.Unwinder
	cache    *unwind.Cache

	mappingOps []mappingOp
	peMappings peMappingTable

	jit *jitState

	rssPrev        [4]int64
	haveMemCounter bool
	memCounter     CounterHandle

	mainTid    int32
	threads    map[int32]*Thread
	threadPool map[string][]*Thread

	pending []pendingSample
}

// ProcessRegistry owns the live pid -> Process map and, when reuse is
// enabled, a name -> pool of recently-ended processes (§4.5).
type ProcessRegistry struct {
	sink Sink
	opts RegistryOptions
	ts   *TimestampConverter

	live map[int32]*Process
	pool map[string][]*Process

	kernel *Process
}

// NewProcessRegistry creates a registry backed by sink, with a
// pre-populated pseudo-process for kernel modules at pid -1.
func NewProcessRegistry(sink Sink, opts RegistryOptions, ts *TimestampConverter) *ProcessRegistry {
	r := &ProcessRegistry{
		sink: sink,
		opts: opts,
		ts:   ts,
		live: make(map[int32]*Process),
		pool: make(map[string][]*Process),
	}
	r.kernel = r.createProcess(kernelPID, "[kernel]", 0)
	return r
}

// Kernel returns the pseudo-process that owns globally-registered
// kernel modules.
func (r *ProcessRegistry) Kernel() *Process { return r.kernel }

// GetByPID returns the live Process for pid, lazily creating one with
// a placeholder name if none exists yet (§4.5's get_by_pid).
func (r *ProcessRegistry) GetByPID(pid int32, ts Nanos) *Process {
	if p, ok := r.live[pid]; ok {
		return p
	}
	return r.createProcess(pid, fmt.Sprintf("<%d>", pid), ts)
}

// Lookup returns the live Process for pid without creating one.
func (r *ProcessRegistry) Lookup(pid int32) (*Process, bool) {
	p, ok := r.live[pid]
	return p, ok
}

func (r *ProcessRegistry) createProcess(pid int32, name string, ts Nanos) *Process {
	pts := r.ts.Convert(ts)
	handle := r.sink.AddProcess(pid, name, pts)
	p := &Process{
		pid:        pid,
		name:       name,
		handle:     handle,
		unwinder:   unwind.New(),
		cache:      unwind.NewCache(),
		jit:        newJitState(r.opts.ReuseProcesses),
		threads:    make(map[int32]*Thread),
		threadPool: make(map[string][]*Thread),
		mainTid:    pid,
	}
	p.threads[pid] = r.newThread(p, pid, name, ts)
	r.live[pid] = p
	return p
}

func (r *ProcessRegistry) newThread(p *Process, tid int32, name string, ts Nanos) *Thread {
	pts := r.ts.Convert(ts)
	h := r.sink.AddThread(p.handle, tid, name, pts)
	return &Thread{
		pid:    p.pid,
		tid:    tid,
		handle: h,
		name:   name,
		// A thread begins on-CPU: it must have been scheduled to be
		// observed at all, and no switch-out has happened yet.
		cs: offCpuState{onCPU: true, lastOnCPUBeginTs: ts},
	}
}

// AttemptReuseProcess implements §4.5's attempt_reuse: if no live
// entry exists for pid and the pool has an ended process of name,
// pop the oldest, rekey it to pid, and reinsert it live.
func (r *ProcessRegistry) AttemptReuseProcess(pid int32, name string) (*Process, bool) {
	if !r.opts.ReuseProcesses {
		return nil, false
	}
	if _, live := r.live[pid]; live {
		return nil, false
	}
	q := r.pool[name]
	if len(q) == 0 {
		return nil, false
	}
	p := q[0]
	r.pool[name] = q[1:]
	if len(r.pool[name]) == 0 {
		delete(r.pool, name)
	}

	oldPID := p.pid
	p.pid = pid
	p.mainTid = pid
	if mt, ok := p.threads[oldPID]; ok {
		delete(p.threads, oldPID)
		mt.pid, mt.tid = pid, pid
		p.threads[pid] = mt
	}
	r.live[pid] = p
	return p, true
}

// Remove implements §4.5's remove: finalise the process (flush its
// JIT manager and unresolved samples, record process-end in the
// sink), then, if reuse is enabled and the process has a real name,
// park it in the reuse pool.
func (r *ProcessRegistry) Remove(pid int32, ts Nanos) {
	p, ok := r.live[pid]
	if !ok {
		return
	}
	delete(r.live, pid)

	p.jit.flush()
	p.flushSamples(r.sink)
	r.sink.EndProcess(p.handle, r.ts.Convert(ts))

	if r.opts.ReuseProcesses && p.name != "" {
		r.pool[p.name] = append(r.pool[p.name], p)
	}
}

// Finish implements §4.5's finish(): remove every live process. Each
// Remove call already flushes its ProcessSampleData into the sink, so
// no further action is required here.
func (r *ProcessRegistry) Finish(ts Nanos) {
	pids := make([]int32, 0, len(r.live))
	for pid := range r.live {
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		r.Remove(pid, ts)
	}
}

// GetByTID returns the live Thread for tid within p, lazily creating
// one with a placeholder name if none exists yet.
func (p *Process) GetByTID(r *ProcessRegistry, tid int32, ts Nanos) *Thread {
	if t, ok := p.threads[tid]; ok {
		return t
	}
	t := r.newThread(p, tid, fmt.Sprintf("<%d>", tid), ts)
	p.threads[tid] = t
	return t
}

// AttemptReuseThread is ThreadRegistry's attempt_reuse, scoped to one
// process: the main thread is never poolable.
func (p *Process) AttemptReuseThread(r *ProcessRegistry, tid int32, name string) (*Thread, bool) {
	if !r.opts.ReuseThreads {
		return nil, false
	}
	if _, live := p.threads[tid]; live {
		return nil, false
	}
	q := p.threadPool[name]
	if len(q) == 0 {
		return nil, false
	}
	t := q[0]
	p.threadPool[name] = q[1:]
	if len(p.threadPool[name]) == 0 {
		delete(p.threadPool, name)
	}
	t.tid = tid
	p.threads[tid] = t
	return t, true
}

// RemoveThread removes a non-main thread, parking it in the reuse
// pool if enabled and named.
func (p *Process) RemoveThread(r *ProcessRegistry, tid int32, ts Nanos) {
	if tid == p.mainTid {
		return
	}
	t, ok := p.threads[tid]
	if !ok {
		return
	}
	delete(p.threads, tid)
	r.sink.EndThread(t.handle, r.ts.Convert(ts))
	if r.opts.ReuseThreads && t.name != "" {
		p.threadPool[t.name] = append(p.threadPool[t.name], t)
	}
}

// SetName updates the process's symbolic name and propagates it to
// its main thread, matching a forked/exec'd process inheriting its
// parent's name until renamed.
func (p *Process) SetName(r *ProcessRegistry, name string) {
	p.name = name
	r.sink.SetProcessName(p.handle, name)
	if mt, ok := p.threads[p.mainTid]; ok {
		mt.name = name
		r.sink.SetThreadName(mt.handle, name)
	}
}

// addMapping records one Add operation in the process's time-ordered
// mapping-op log (data model §3's MappingOp).
func (p *Process) addMapping(ts Nanos, startAvma, endAvma uint64, relAddr uint32, lib LibraryHandle, cat Category) {
	p.mappingOps = append(p.mappingOps, mappingOp{
		ts: ts, startAvma: startAvma, endAvma: endAvma,
		relAddrAtStart: relAddr, lib: lib, category: cat,
	})
}

// removeMapping records a Remove operation at startAvma.
func (p *Process) removeMapping(ts Nanos, startAvma uint64) {
	p.mappingOps = append(p.mappingOps, mappingOp{ts: ts, isRemove: true, startAvma: startAvma})
}

// rssDelta updates member's previous-observed size and returns the
// signed delta against the new size.
func (p *Process) rssDelta(member rssMember, size int64) int64 {
	prev := p.rssPrev[member]
	p.rssPrev[member] = size
	return size - prev
}

// memCounterHandle lazily creates the process's anonymous-memory
// counter on first use.
func (p *Process) memCounterHandle(r *ProcessRegistry) CounterHandle {
	if !p.haveMemCounter {
		p.memCounter = r.sink.AddCounter(p.handle, "Memory (anonymous)")
		p.haveMemCounter = true
	}
	return p.memCounter
}

func (p *Process) enqueueSample(thread ThreadHandle, ts ProfileTimestamp, stack []StackFrame, cpuDelta Nanos, weight int64) {
	p.pending = append(p.pending, pendingSample{thread, ts, stack, cpuDelta, weight})
}

func (p *Process) flushSamples(sink Sink) {
	for _, s := range p.pending {
		sink.AddSample(s.thread, s.ts, reverseStack(s.stack), s.cpuDelta, s.weight)
	}
	p.pending = p.pending[:0]
}

// reverseStack converts a stack from reconstructStack's callee-most-
// first order into the caller-to-callee order Sink.AddSample's
// interface documents.
func reverseStack(stack []StackFrame) []StackFrame {
	out := make([]StackFrame, len(stack))
	for i, f := range stack {
		out[len(stack)-1-i] = f
	}
	return out
}
