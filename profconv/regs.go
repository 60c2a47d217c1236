// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import "github.com/aclements/go-profconv/unwind"

// Arch selects the register-extraction capability StackReconstructor
// uses. Per §6, architecture detection is a compile-time or
// construction-time parameter, not something THE CORE infers from the
// input stream.
type Arch int

const (
	ArchX86_64 Arch = iota
	ArchAarch64
)

// regGetter resolves a kernel perf_regs.h register number to its
// captured value in a single sample's register snapshot. RecordSample
// only transmits the registers selected by EventAttr.SampleRegsUser,
// in increasing bit order, so resolving register N requires counting
// the set bits below N.
type regGetter func(regNum uint) (uint64, bool)

// regsGetter builds a regGetter over a raw RegsUser-style snapshot:
// mask is the sampled register bitmask (EventAttr.SampleRegsUser) and
// values[i] is the value of the i-th set bit of mask.
func regsGetter(mask uint64, values []uint64) regGetter {
	return func(regNum uint) (uint64, bool) {
		bit := uint64(1) << regNum
		if mask&bit == 0 {
			return 0, false
		}
		idx := popcount(mask & (bit - 1))
		if idx >= len(values) {
			return 0, false
		}
		return values[idx], true
	}
}

func popcount(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// regConverter extracts (pc, sp, unwind regs) from a register
// snapshot for one architecture — the "Supporting: regs-per-architecture"
// component from the system overview.
type regConverter interface {
	// regsMask is the register bitmask this architecture's converter
	// needs the event's SampleRegsUser to include.
	regsMask() uint64
	convertRegs(get regGetter) (pc, sp uint64, regs unwind.UnwindRegs, ok bool)
}

// Kernel perf register numbers for x86-64
// (arch/x86/include/uapi/asm/perf_regs.h).
const (
	regX86IP uint = 8
	regX86SP uint = 7
	regX86BP uint = 6
)

// Kernel perf register numbers for aarch64
// (arch/arm64/include/uapi/asm/perf_regs.h). X29 is the frame
// pointer; X30/LR is the link register.
const (
	regArm64X29 uint = 29
	regArm64LR  uint = 30
	regArm64SP  uint = 31
	regArm64PC  uint = 32
)

type x86_64Regs struct{}

func (x86_64Regs) regsMask() uint64 {
	return uint64(1)<<regX86IP | uint64(1)<<regX86SP | uint64(1)<<regX86BP
}

func (x86_64Regs) convertRegs(get regGetter) (pc, sp uint64, regs unwind.UnwindRegs, ok bool) {
	ip, ok1 := get(regX86IP)
	spv, ok2 := get(regX86SP)
	bp, ok3 := get(regX86BP)
	if !ok1 || !ok2 || !ok3 {
		return 0, 0, unwind.UnwindRegs{}, false
	}
	return ip, spv, unwind.UnwindRegs{SP: spv, FP: bp}, true
}

type aarch64Regs struct{}

func (aarch64Regs) regsMask() uint64 {
	return uint64(1)<<regArm64PC | uint64(1)<<regArm64SP | uint64(1)<<regArm64LR | uint64(1)<<regArm64X29
}

func (aarch64Regs) convertRegs(get regGetter) (pc, sp uint64, regs unwind.UnwindRegs, ok bool) {
	pcv, ok1 := get(regArm64PC)
	spv, ok2 := get(regArm64SP)
	lr, ok3 := get(regArm64LR)
	fp, ok4 := get(regArm64X29)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, 0, unwind.UnwindRegs{}, false
	}
	return pcv, spv, unwind.UnwindRegs{SP: spv, FP: fp, LR: lr}, true
}

func regConverterForArch(a Arch) regConverter {
	if a == ArchAarch64 {
		return aarch64Regs{}
	}
	return x86_64Regs{}
}
