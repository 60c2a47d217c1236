// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import "strings"

// JitCategoryManager classifies a JIT-generated symbol name into a
// profile category (§4.9). It is a small prefix table, not a general
// demangler or engine detector.
type JitCategoryManager struct {
	prefixes []jitPrefixRule
}

type jitPrefixRule struct {
	prefix   string
	category Category
	isJS     bool
}

// NewJitCategoryManager builds the default prefix table: common
// JavaScript VM interpreter/baseline-JIT naming conventions classify
// as JS, everything else recognized as JIT-emitted code falls back to
// a generic JIT category.
func NewJitCategoryManager() *JitCategoryManager {
	return &JitCategoryManager{
		prefixes: []jitPrefixRule{
			{"v8::internal::", CategoryJIT, true},
			{"Builtins_", CategoryJIT, true},
			{"JS_", CategoryJIT, true},
			{"Interpreter::", CategoryJIT, true},
			{"Baseline::", CategoryJIT, true},
		},
	}
}

// ClassifyJitSymbol reports the category a JIT symbol name belongs to
// and whether it looks like JavaScript engine code specifically.
func (m *JitCategoryManager) ClassifyJitSymbol(name string) (category Category, isJS bool) {
	for _, r := range m.prefixes {
		if strings.HasPrefix(name, r.prefix) {
			return r.category, r.isJS
		}
	}
	return CategoryJIT, false
}

// jitRegionKey identifies a JIT code region by the attributes that
// make it recognizably "the same" region across a reused process.
type jitRegionKey struct {
	name          string
	size          uint64
	relAddrAtStart uint32
}

// JitFunctionRecycler maps previously-seen JIT regions (by name, size,
// and relative start address) to the library handle already registered
// for them, so a reused process's identical JIT code does not get
// re-registered and re-symbolicated from scratch (§4.9).
type JitFunctionRecycler struct {
	seen map[jitRegionKey]LibraryHandle
}

func NewJitFunctionRecycler() *JitFunctionRecycler {
	return &JitFunctionRecycler{seen: make(map[jitRegionKey]LibraryHandle)}
}

// Recycle looks up a previously-registered library handle for a JIT
// region of the same name/size/relative-address, returning it along
// with a recycled symbol offset of 0 (the whole region is one
// symbol); if none is found, it records lib under this key for future
// reuse and returns (lib, 0).
func (r *JitFunctionRecycler) Recycle(startAvma, endAvma uint64, relAddr uint32, name string, lib LibraryHandle) (LibraryHandle, uint32) {
	key := jitRegionKey{name: name, size: endAvma - startAvma, relAddrAtStart: relAddr}
	if prior, ok := r.seen[key]; ok {
		return prior, 0
	}
	r.seen[key] = lib
	return lib, 0
}

// JitDumpManager is the narrow stub matching the data model's "JIT
// manager handle" per process: it records jitdump file paths handed
// to it by the MemoryMap dispatch rule and does nothing else, since
// parsing jitdump's binary record format is an out-of-scope external
// collaborator.
type JitDumpManager struct {
	paths []string
}

func NewJitDumpManager() *JitDumpManager { return &JitDumpManager{} }

func (m *JitDumpManager) recordPath(path string) {
	if m == nil {
		return
	}
	m.paths = append(m.paths, path)
}

// jitState bundles a process's JIT manager handle and its optional
// recycler, per §4.5's "JIT manager handle and optional JIT-function
// recycler" data-model field. A nil *jitState behaves as a fully
// absent JIT manager: all methods are safe to call on it.
type jitState struct {
	categories *JitCategoryManager
	recycler   *JitFunctionRecycler
	dump       *JitDumpManager
}

func newJitState(reuseEnabled bool) *jitState {
	s := &jitState{categories: NewJitCategoryManager(), dump: NewJitDumpManager()}
	if reuseEnabled {
		s.recycler = NewJitFunctionRecycler()
	}
	return s
}

func (s *jitState) recordJitDumpPath(path string) {
	if s == nil {
		return
	}
	s.dump.recordPath(path)
}

func (s *jitState) classify(name string) (Category, bool) {
	if s == nil {
		return CategoryJIT, false
	}
	return s.categories.ClassifyJitSymbol(name)
}

func (s *jitState) recycle(startAvma, endAvma uint64, relAddr uint32, name string, lib LibraryHandle) (LibraryHandle, uint32) {
	if s == nil || s.recycler == nil {
		return lib, 0
	}
	return s.recycler.Recycle(startAvma, endAvma, relAddr, name, lib)
}

// flush is a no-op: THE CORE never buffers jitdump decoding, only the
// list of paths handed to it, and that list has nothing to flush to.
func (s *jitState) flush() {}
