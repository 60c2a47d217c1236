// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"encoding/binary"
	"testing"
)

func TestDecodeRssStat(t *testing.T) {
	raw := make([]byte, 32)
	binary.LittleEndian.PutUint32(raw[8:12], 42)     // mm_id
	binary.LittleEndian.PutUint32(raw[16:20], 1)     // member = ANON
	binary.LittleEndian.PutUint64(raw[24:32], 1<<20) // size

	st, ok := decodeRssStat(raw, binary.LittleEndian)
	if !ok {
		t.Fatal("decodeRssStat: expected ok")
	}
	if st.mmID != 42 {
		t.Errorf("mmID = %d, want 42", st.mmID)
	}
	if st.member != rssAnon {
		t.Errorf("member = %v, want rssAnon", st.member)
	}
	if st.size != 1<<20 {
		t.Errorf("size = %d, want %d", st.size, 1<<20)
	}
}

func TestDecodeRssStatUnknownMemberIgnored(t *testing.T) {
	raw := make([]byte, 32)
	binary.LittleEndian.PutUint32(raw[16:20], 99) // unrecognized member

	if _, ok := decodeRssStat(raw, binary.LittleEndian); ok {
		t.Error("decodeRssStat: expected ok=false for an unrecognized member")
	}
}

func TestDecodeRssStatTooShort(t *testing.T) {
	if _, ok := decodeRssStat(make([]byte, 10), binary.LittleEndian); ok {
		t.Error("decodeRssStat: expected ok=false for a too-short payload")
	}
}

func TestRssDelta(t *testing.T) {
	p := &Process{}
	if d := p.rssDelta(rssAnon, 100); d != 100 {
		t.Errorf("first rssDelta = %d, want 100", d)
	}
	if d := p.rssDelta(rssAnon, 80); d != -20 {
		t.Errorf("second rssDelta = %d, want -20", d)
	}
}
