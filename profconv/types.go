// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package profconv implements the core of a sampling-profiler
// converter: it ingests a time-ordered stream of process/thread
// lifecycle events, memory-map events, context switches, and CPU
// samples, and drives a Sink with a fully-resolved, symbolicatable
// execution profile.
package profconv

// Nanos is a monotonic source timestamp, in nanoseconds from an
// unspecified zero.
type Nanos = uint64

// ProfileTimestamp is a Nanos value relative to a conversion run's
// chosen reference point (see TimestampConverter).
type ProfileTimestamp uint64

// CPUMode is the privilege level a stack frame was captured in.
type CPUMode int

const (
	ModeUser CPUMode = iota
	ModeKernel
)

func (m CPUMode) String() string {
	if m == ModeKernel {
		return "kernel"
	}
	return "user"
}

type frameKind uint8

const (
	frameIP frameKind = iota
	frameReturn
	frameTruncated
)

// StackFrame is one element of a reconstructed stack. Stacks are
// stored and iterated callee-most first; the first frame of a
// non-empty stack is always a frameIP, and every later frame (except
// a trailing frameTruncated) is a frameReturn.
type StackFrame struct {
	Kind frameKind
	Addr uint64
	Mode CPUMode
}

func ipFrame(addr uint64, mode CPUMode) StackFrame   { return StackFrame{frameIP, addr, mode} }
func retFrame(addr uint64, mode CPUMode) StackFrame  { return StackFrame{frameReturn, addr, mode} }
var truncatedFrame = StackFrame{Kind: frameTruncated}

// IsTruncated reports whether f is the synthetic marker appended when
// unwinding failed mid-stack.
func (f StackFrame) IsTruncated() bool { return f.Kind == frameTruncated }

// StackHandle identifies a de-duplicated, interned stack. It is
// immortal for the lifetime of a conversion run. The zero value
// denotes the empty stack.
type StackHandle uint32

const emptyStack StackHandle = 0

// stackInterner de-duplicates reconstructed stacks, storing each
// distinct frame sequence exactly once. There is no third-party
// interning library anywhere in the example pack, so this is a small
// hand-rolled map keyed by a packed byte encoding of the frames —
// justified in DESIGN.md.
type stackInterner struct {
	byKey  map[string]StackHandle
	stacks [][]StackFrame
}

func newStackInterner() *stackInterner {
	si := &stackInterner{byKey: make(map[string]StackHandle)}
	si.stacks = append(si.stacks, nil) // handle 0 is the empty stack
	return si
}

func stackKey(frames []StackFrame) string {
	buf := make([]byte, len(frames)*10)
	for i, f := range frames {
		o := i * 10
		buf[o] = byte(f.Kind)
		buf[o+1] = byte(f.Mode)
		for b := 0; b < 8; b++ {
			buf[o+2+b] = byte(f.Addr >> (8 * uint(b)))
		}
	}
	return string(buf)
}

func (si *stackInterner) intern(frames []StackFrame) StackHandle {
	if len(frames) == 0 {
		return emptyStack
	}
	key := stackKey(frames)
	if h, ok := si.byKey[key]; ok {
		return h
	}
	cp := make([]StackFrame, len(frames))
	copy(cp, frames)
	h := StackHandle(len(si.stacks))
	si.stacks = append(si.stacks, cp)
	si.byKey[key] = h
	return h
}

func (si *stackInterner) frames(h StackHandle) []StackFrame {
	if int(h) >= len(si.stacks) {
		return nil
	}
	return si.stacks[h]
}

// rssMember identifies which memory counter an RSS-stat tracepoint
// sample refers to.
type rssMember int32

const (
	rssFile rssMember = iota
	rssAnon
	rssSwap
	rssShmem
)

func (m rssMember) String() string {
	switch m {
	case rssFile:
		return "file"
	case rssAnon:
		return "anon"
	case rssSwap:
		return "swap"
	case rssShmem:
		return "shmem"
	}
	return "unknown"
}

// rssStat is a decoded kmem:rss_stat tracepoint payload.
type rssStat struct {
	mmID   uint32
	member rssMember
	size   int64
	ok     bool // false if member was not one of the four known values
}

// mappingOp is one entry in a process's time-ordered library-mapping
// operation queue (data model §3's MappingOp).
type mappingOp struct {
	ts       Nanos
	isRemove bool

	startAvma, endAvma uint64
	relAddrAtStart     uint32
	lib                LibraryHandle
	category           Category
}

// suspectedPeMapping is one entry of the PeMappingHeuristic's
// AVMA-keyed map (data model §3's SuspectedPeMapping).
type suspectedPeMapping struct {
	path       string
	startAvma  uint64
	size       uint64
}
