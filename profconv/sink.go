// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

// ProcessHandle, ThreadHandle, LibraryHandle, and CounterHandle are
// opaque identifiers minted by a Sink implementation. THE CORE treats
// them as inert values: it stores them in its own tables but never
// interprets their contents.
type ProcessHandle uint32
type ThreadHandle uint32
type LibraryHandle uint32
type CounterHandle uint32

// Category classifies a library mapping or a synthetic sample for the
// downstream profile viewer.
type Category string

const (
	CategoryUser   Category = "User"
	CategoryKernel Category = "Kernel"
	CategoryJIT    Category = "JIT"
	CategoryOther  Category = "Other"
)

// LibraryInfo describes one on-disk (or JIT-emitted) binary image to
// register with the sink.
type LibraryInfo struct {
	DebugID   string
	CodeID    string
	Path      string
	DebugPath string
	Name      string
	Arch      string

	// Symbols is an optional relative-address -> name table, used
	// only for libraries whose symbol table THE CORE already had to
	// read for its own purposes (e.g. a matched kernel build ID, or a
	// JIT symbol name); it is not a general symbolication pass.
	Symbols map[uint32]string
}

// Sink is the downstream profile-aggregation collaborator. THE CORE
// never persists or symbolicates a profile itself — it only calls
// Sink, which is supplied by the caller (see cmd/profconv and
// jsonsink.Sink for the one concrete implementation this repo ships).
type Sink interface {
	AddProcess(pid int32, name string, startTs ProfileTimestamp) ProcessHandle
	SetProcessName(p ProcessHandle, name string)
	EndProcess(p ProcessHandle, endTs ProfileTimestamp)

	AddThread(p ProcessHandle, tid int32, name string, startTs ProfileTimestamp) ThreadHandle
	SetThreadName(t ThreadHandle, name string)
	EndThread(t ThreadHandle, endTs ProfileTimestamp)

	AddLibrary(info LibraryInfo) LibraryHandle
	AddLibraryMapping(p ProcessHandle, lib LibraryHandle, startAvma, endAvma uint64, relAddrAtStart uint32, category Category)

	AddCounter(p ProcessHandle, name string) CounterHandle
	AddCounterSample(c CounterHandle, ts ProfileTimestamp, value int64)

	// AddMarker attaches a tagged, timed payload to a thread that is
	// not itself a sample — used for JIT-function-add events and
	// other-event/RSS-stat markers (§4.1).
	AddMarker(t ThreadHandle, ts ProfileTimestamp, name string, payload string)

	// AddSample records one real or synthesized (off-CPU) sample.
	// stack is in caller-to-callee order, as required by §3's
	// UnresolvedStack contract.
	AddSample(t ThreadHandle, ts ProfileTimestamp, stack []StackFrame, cpuDelta Nanos, weight int64)
}
