// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package unwind provides the external unwinder capability THE CORE
// drives from StackReconstructor: given a process's registered
// Modules and a register snapshot, it walks the user-space call
// stack one return address at a time.
//
// There is no DWARF CFI bytecode interpreter here (see the repo's
// design notes for why); the concrete Unwinder performs frame-pointer
// chain walking, the same fallback a CFI-based unwinder uses when
// call-frame information is unavailable for a function.
package unwind

// SvmaRange is a half-open range of stated virtual addresses,
// [Start, End), within a binary's own address space.
type SvmaRange struct {
	Start, End uint64
}

// Len reports the length of the range in bytes.
func (r SvmaRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range carries no bytes, i.e. the section
// or segment it describes was absent from the binary.
func (r SvmaRange) Empty() bool {
	return r.End <= r.Start
}

// TextByteData is a copy of raw instruction bytes from a module,
// addressed by SVMA, retained for callee-saved-register recovery by a
// fuller unwinder. The shipped frame-pointer unwinder does not read
// this field itself.
type TextByteData struct {
	Svma  uint64
	Bytes []byte
}

// Module describes one loaded binary image within a process's address
// space, as built by ModuleLoader. All of Text/TextEnv/EhFrame/
// EhFrameHdr/Got are expressed as SVMA ranges; callers translate
// between SVMA and AVMA using BaseAvma/BaseSvma.
type Module struct {
	Name string

	// AvmaRange is the mapped [start, end) region of this module in
	// the process's actual address space.
	AvmaRange [2]uint64

	BaseAvma uint64
	BaseSvma uint64

	Text       SvmaRange
	TextEnv    SvmaRange
	EhFrame    SvmaRange
	EhFrameHdr SvmaRange
	Got        *SvmaRange

	// TextData is a copy of the module's executable bytes, retained
	// for a future CFI-based unwinder. May be nil.
	TextData *TextByteData
}

// ToAvma translates a stated virtual address within this module to
// its actual runtime address.
func (m *Module) ToAvma(svma uint64) uint64 {
	return m.BaseAvma + (svma - m.BaseSvma)
}

// Contains reports whether avma falls within this module's mapped
// AVMA range.
func (m *Module) Contains(avma uint64) bool {
	return m.AvmaRange[0] <= avma && avma < m.AvmaRange[1]
}

// UnwindRegs is the architecture-generic register carrier the
// frame-pointer unwinder consumes. FP is the frame-pointer register
// (RBP on x86-64, X29 on aarch64). LR is the link register on
// architectures that have one (aarch64); it is 0 on x86-64, where the
// return address for the innermost frame is not held in a register at
// all and must be read from the top of the FP chain along with every
// other frame.
type UnwindRegs struct {
	SP, FP, LR uint64
}

// ReadStackFunc reads the 8-byte little-endian word at addr from the
// copied stack-bytes buffer for the sample being unwound. It reports
// ok=false if addr falls outside the copied buffer.
type ReadStackFunc func(addr uint64) (uint64, bool)

// Cache is threaded through every IterFrames call by the dispatcher,
// one per process. The frame-pointer unwinder is stateless, but the
// Cache exists so a future CFI-based unwinder can memoize DWARF
// parsing without changing the Unwinder interface.
type Cache struct{}

// NewCache returns a fresh, empty unwinder cache.
func NewCache() *Cache { return &Cache{} }

// FrameIter iterates the frames produced by one IterFrames call, from
// innermost (the sampled pc) to outermost.
type FrameIter struct {
	frames    []uint64
	i         int
	truncated bool
}

// Next returns the next frame address, or ok=false once exhausted.
func (it *FrameIter) Next() (addr uint64, ok bool) {
	if it == nil || it.i >= len(it.frames) {
		return 0, false
	}
	addr = it.frames[it.i]
	it.i++
	return addr, true
}

// Truncated reports whether unwinding stopped because of a read
// failure or a cycle, rather than reaching a natural root frame.
func (it *FrameIter) Truncated() bool {
	return it != nil && it.truncated
}

// Unwinder is the per-process external capability StackReconstructor
// drives. The core owns exactly one per process; it stores Modules by
// value and never shares them across processes.
type Unwinder interface {
	// AddModule registers m so that later IterFrames/Lookup calls
	// whose addresses fall in m.AvmaRange can resolve against it.
	AddModule(m Module)

	// IterFrames walks the user-space call stack starting at pc with
	// the given register snapshot, reading stack memory through
	// readStack. cache is owned by the calling dispatcher and reused
	// across samples for the same process.
	IterFrames(pc uint64, regs UnwindRegs, cache *Cache, readStack ReadStackFunc) *FrameIter

	// Lookup resolves avma to its containing Module, for diagnostics
	// and for the unwind_lookup testable property. It plays no part
	// in the frame-pointer walk itself.
	Lookup(avma uint64) (Module, bool)
}

// New returns the default Unwinder: a frame-pointer chain walker.
func New() Unwinder {
	return &frameWalker{}
}
