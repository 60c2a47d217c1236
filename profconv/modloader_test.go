// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestJittedSoPattern(t *testing.T) {
	cases := map[string]bool{
		"jitted-1234-56.so": true,
		"jitted-1.so":       true,
		"libc.so":           false,
		"jitted-abc.so":     false,
	}
	for name, want := range cases {
		if got := jittedSoPattern.MatchString(name); got != want {
			t.Errorf("jittedSoPattern.MatchString(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestDemangleIfMangledPassesThroughPlainNames(t *testing.T) {
	if got := demangleIfMangled("v8::internal::Builtins::Generate"); got != "v8::internal::Builtins::Generate" {
		t.Errorf("demangleIfMangled modified a non-mangled name: %q", got)
	}
}

func TestAlign4(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 4, 3: 4, 4: 4, 5: 8}
	for in, want := range cases {
		if got := align4(in); got != want {
			t.Errorf("align4(%d) = %d, want %d", in, got, want)
		}
	}
}

// minimalELF64 builds just enough of an ELF64 header (e_ident through
// e_phnum) for rewriteFixedJIT's field offsets to be well defined; it
// is not a loadable binary, only a byte layout fixture.
func minimalELF64(phoff uint64, phnum uint16) []byte {
	buf := make([]byte, 64)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint16(buf[56:58], phnum)
	return buf
}

func TestRewriteFixedJITZeroesProgramHeaderTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jitted-1.so")
	if err := os.WriteFile(path, minimalELF64(64, 2), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fixedPath, err := rewriteFixedJIT(path)
	if err != nil {
		t.Fatalf("rewriteFixedJIT: %v", err)
	}
	if want := filepath.Join(dir, "jitted-1-fixed.so"); fixedPath != want {
		t.Fatalf("fixedPath = %q, want %q", fixedPath, want)
	}

	out, err := os.ReadFile(fixedPath)
	if err != nil {
		t.Fatalf("ReadFile(fixed): %v", err)
	}
	if phoff := binary.LittleEndian.Uint64(out[32:40]); phoff != 0 {
		t.Errorf("e_phoff = %d, want 0", phoff)
	}
	if phnum := binary.LittleEndian.Uint16(out[56:58]); phnum != 0 {
		t.Errorf("e_phnum = %d, want 0", phnum)
	}
}

func TestRewriteFixedJITRejectsTooSmallFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.so")
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := rewriteFixedJIT(path); err == nil {
		t.Fatal("rewriteFixedJIT: expected an error for a too-small file")
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !fileExists(path) {
		t.Error("fileExists: expected true for a file that exists")
	}
	if fileExists(filepath.Join(dir, "absent")) {
		t.Error("fileExists: expected false for a file that does not exist")
	}
}

func TestArchName(t *testing.T) {
	if archName(ArchX86_64) == archName(ArchAarch64) {
		t.Error("archName: expected distinct names per architecture")
	}
}
