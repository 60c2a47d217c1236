// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"encoding/binary"

	"github.com/aclements/go-profconv/perffile"
	"github.com/aclements/go-profconv/unwind"
)

// sampleStackInput gathers the inputs StackReconstructor needs from
// one RecordSample (or synthetic off-CPU reconstruction) without
// coupling it directly to perffile's record shape.
type sampleStackInput struct {
	Callchain []uint64

	HaveRegs   bool
	RegsMask   uint64
	RegsValues []uint64

	HaveStack  bool
	StackBytes []byte

	HaveFallbackIP bool
	FallbackIP     uint64

	CPUMode CPUMode
}

// callchainMode reports the CPUMode a PERF_CONTEXT_* sentinel
// switches the callchain into, and whether v is such a sentinel at
// all (as opposed to a real address).
func callchainMode(v uint64) (CPUMode, bool) {
	switch v {
	case perffile.CallchainKernel, perffile.CallchainGuestKernel:
		return ModeKernel, true
	case perffile.CallchainUser, perffile.CallchainGuestUser, perffile.CallchainHV, perffile.CallchainGuest:
		return ModeUser, true
	}
	return 0, false
}

// reconstructStack implements §4.2: it merges the kernel-supplied
// callchain with a user-space frame-pointer unwind from a register
// snapshot and copied stack bytes into one ordered, callee-most-first
// frame list.
func (c *Converter) reconstructStack(in sampleStackInput, unw unwind.Unwinder, cache *unwind.Cache) []StackFrame {
	var frames []StackFrame
	mode := in.CPUMode

	if len(in.Callchain) > 0 {
		first := true
		for _, v := range in.Callchain {
			if m, isSentinel := callchainMode(v); isSentinel {
				mode = m
				continue
			}
			if first {
				frames = append(frames, ipFrame(v, mode))
				first = false
			} else {
				frames = append(frames, retFrame(v, mode))
			}
		}
	}

	if in.HaveRegs && in.HaveStack {
		conv := regConverterForArch(c.arch)
		get := regsGetter(in.RegsMask, in.RegsValues)
		pc, sp, uregs, ok := conv.convertRegs(get)
		if ok {
			readStack := stackReader(sp, in.StackBytes)
			it := unw.IterFrames(pc, uregs, cache, readStack)
			first := true
			for {
				addr, more := it.Next()
				if !more {
					break
				}
				if first {
					frames = append(frames, ipFrame(addr, ModeUser))
					first = false
				} else {
					frames = append(frames, retFrame(addr, ModeUser))
				}
			}
			if it.Truncated() {
				frames = append(frames, truncatedFrame)
			}
		}
	}

	if len(frames) == 0 && in.HaveFallbackIP {
		frames = append(frames, ipFrame(in.FallbackIP, in.CPUMode))
	}

	if c.foldRecursivePrefix {
		for len(frames) >= 2 && frames[len(frames)-1] == frames[len(frames)-2] {
			frames = frames[:len(frames)-1]
		}
	}

	return frames
}

// stackReader implements the read_stack(addr) contract from §4.2:
// index = (addr - sp) / 8, an 8-byte little-endian word lookup into
// the copied stack buffer, failing if out of range.
func stackReader(sp uint64, stackBytes []byte) unwind.ReadStackFunc {
	return func(addr uint64) (uint64, bool) {
		if addr < sp {
			return 0, false
		}
		idx := (addr - sp) / 8
		off := idx * 8
		if off+8 > uint64(len(stackBytes)) {
			return 0, false
		}
		return binary.LittleEndian.Uint64(stackBytes[off : off+8]), true
	}
}
