// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import "encoding/binary"

// decodeRssStat parses the kmem:rss_stat tracepoint payload per §6's
// fixed layout. byteOrder matches the perf.data stream's declared
// endianness.
//
//	offset  size  field
//	0       2     common_type
//	2       1     common_flags
//	3       1     common_preempt_count
//	4       4     common_pid (i32)
//	8       4     mm_id (u32)
//	12      4     curr (u32)
//	16      4     member (i32; 0=FILE,1=ANON,2=SWAP,3=SHMEM)
//	20      4     padding
//	24      8     size (i64)
func decodeRssStat(raw []byte, byteOrder binary.ByteOrder) (rssStat, bool) {
	const wantLen = 32
	if len(raw) < wantLen {
		return rssStat{}, false
	}
	mmID := byteOrder.Uint32(raw[8:12])
	member := int32(byteOrder.Uint32(raw[16:20]))
	size := int64(byteOrder.Uint64(raw[24:32]))

	st := rssStat{mmID: mmID, size: size}
	switch member {
	case 0:
		st.member, st.ok = rssFile, true
	case 1:
		st.member, st.ok = rssAnon, true
	case 2:
		st.member, st.ok = rssSwap, true
	case 3:
		st.member, st.ok = rssShmem, true
	default:
		// Unknown RSS-stat member: silently ignore per §7.
		st.ok = false
	}
	return st, st.ok
}
