// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"encoding/binary"
	"testing"
)

// buildNoteBlob constructs a single ELF note record: namesz/descsz/type
// header, the NUL-padded name, then the NUL-padded description, each
// rounded up to a 4-byte boundary, matching /sys/kernel/notes' layout.
func buildNoteBlob(name string, noteType uint32, desc []byte) []byte {
	nameBytes := append([]byte(name), 0)
	namePadded := make([]byte, align4(uint32(len(nameBytes))))
	copy(namePadded, nameBytes)
	descPadded := make([]byte, align4(uint32(len(desc))))
	copy(descPadded, desc)

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(nameBytes)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(desc)))
	binary.LittleEndian.PutUint32(buf[8:12], noteType)
	buf = append(buf, namePadded...)
	buf = append(buf, descPadded...)
	return buf
}

func TestPseudoELFNotesBuildID(t *testing.T) {
	want := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	blob := buildNoteBlob("GNU", 3 /* NT_GNU_BUILD_ID */, want)

	p := &pseudoELFNotes{data: blob}
	id, ok := p.buildID()
	if !ok {
		t.Fatal("buildID: expected a build ID note to be found")
	}
	if want := "deadbeef01020304"; id != want {
		t.Errorf("buildID = %q, want %q", id, want)
	}
}

func TestPseudoELFNotesSkipsOtherNoteTypes(t *testing.T) {
	blob := buildNoteBlob("GNU", 1 /* NT_GNU_ABI_TAG, not a build ID */, []byte{1, 2, 3, 4})
	blob = append(blob, buildNoteBlob("GNU", 3, []byte{0xaa, 0xbb})...)

	p := &pseudoELFNotes{data: blob}
	id, ok := p.buildID()
	if !ok {
		t.Fatal("buildID: expected the second note's build ID to be found")
	}
	if want := "aabb"; id != want {
		t.Errorf("buildID = %q, want %q", id, want)
	}
}

func TestPseudoELFNotesNoBuildID(t *testing.T) {
	blob := buildNoteBlob("GNU", 1, []byte{1, 2, 3, 4})
	p := &pseudoELFNotes{data: blob}
	if _, ok := p.buildID(); ok {
		t.Error("buildID: expected no build ID note to be found")
	}
}
