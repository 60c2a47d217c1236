// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

// maxFrameDepth bounds the frame-pointer walk so a corrupt or
// cyclic chain cannot loop forever.
const maxFrameDepth = 512

// frameWalker is the concrete, CFI-free Unwinder: it reconstructs the
// call stack by following the classic frame-pointer chain convention
// rather than interpreting .eh_frame opcodes.
type frameWalker struct {
	mods moduleTable
}

func (u *frameWalker) AddModule(m Module) {
	u.mods.add(m)
}

func (u *frameWalker) Lookup(avma uint64) (Module, bool) {
	return u.mods.lookup(avma)
}

func (u *frameWalker) IterFrames(pc uint64, regs UnwindRegs, cache *Cache, readStack ReadStackFunc) *FrameIter {
	frames := make([]uint64, 0, 8)
	frames = append(frames, pc)

	if regs.LR != 0 {
		// aarch64: the return address for the innermost frame is
		// the link register, not part of the FP chain.
		frames = append(frames, regs.LR)
	}

	fp := regs.FP
	var prevFP uint64
	first := true
	truncated := false
	for fp != 0 && len(frames) < maxFrameDepth {
		if !first && fp <= prevFP {
			// The frame pointer must strictly increase up the
			// stack; anything else is a cycle or corruption.
			truncated = true
			break
		}
		first = false

		retAddr, ok := readStack(fp + 8)
		if !ok {
			truncated = true
			break
		}
		nextFP, ok := readStack(fp)
		if !ok {
			truncated = true
			break
		}
		if retAddr == 0 {
			// A zero return address marks the root frame, not a
			// failure.
			break
		}

		frames = append(frames, retAddr)
		prevFP = fp
		fp = nextFP
	}

	return &FrameIter{frames: frames, truncated: truncated}
}
