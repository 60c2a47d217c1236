// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

// SvmaFileRange describes one file-backed range of a binary's layout:
// its declared (stated) virtual address, its on-disk file offset, and
// its size. ModuleLoader builds these from ELF program-header
// segments, or, when a binary has none usable, from the union of
// .text-kind sections.
type SvmaFileRange struct {
	Svma       uint64
	FileOffset uint64
	Size       uint64
}

func (r SvmaFileRange) fileEnd() uint64 { return r.FileOffset + r.Size }

// mappingInfo is the subset of a MemoryMap record BiasComputer needs.
type mappingInfo struct {
	FileOffset uint64
	Avma       uint64
	Size       uint64
}

func (m mappingInfo) fileEnd() uint64 { return m.FileOffset + m.Size }

// computeBias implements §4.3's bias computation: find a "reference
// contribution" among ranges — one that either fully contains the
// mapping's file-range or is fully contained by it — and use it to
// derive the constant AVMA-SVMA bias for the whole image. It returns
// ok=false when no such range exists, which the caller turns into
// "log and skip the mapping" per the error table in §7.
//
// All arithmetic is unsigned and deliberately relies on uint64
// wraparound: ref.FileOffset can be smaller than m.FileOffset, in
// which case the subtraction wraps exactly the way a signed
// subtraction followed by a wrapping add would, because addition and
// subtraction modulo 2^64 commute with truncation to uint64.
func computeBias(ranges []SvmaFileRange, m mappingInfo) (bias uint64, ok bool) {
	var ref *SvmaFileRange
	for i := range ranges {
		r := &ranges[i]
		contains := r.FileOffset <= m.FileOffset && m.fileEnd() <= r.fileEnd()
		contained := m.FileOffset <= r.FileOffset && r.fileEnd() <= m.fileEnd()
		if contains || contained {
			ref = r
			break
		}
	}
	if ref == nil {
		return 0, false
	}

	refAvma := m.Avma + (ref.FileOffset - m.FileOffset)
	return refAvma - ref.Svma, true
}
