// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
)

// kernelSymbolTable is the optional result of reading /proc/kallsyms
// and the running kernel's build ID (§4.8). It is pure library
// metadata attached to the kernel's library registration — it plays
// no part in symbolicating sampled frames, which stays out of scope.
type kernelSymbolTable struct {
	buildID string
	symbols map[uint32]string // relative address (addr - lowest addr) -> name
	base    uint64
}

// loadKernelSymbols attempts to read /proc/kallsyms and the running
// kernel's build ID. Any failure (permission denied, file absent —
// e.g. inside a container or on a non-Linux host) is logged once and
// nil is returned, matching §7's error table entry for this helper.
func loadKernelSymbols() *kernelSymbolTable {
	buildID, err := readRunningKernelBuildID()
	if err != nil {
		log.Printf("profconv: kernel build ID unavailable, proceeding without kernel symbols: %v", err)
		return nil
	}

	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		log.Printf("profconv: /proc/kallsyms unavailable, proceeding without kernel symbols: %v", err)
		return nil
	}
	defer f.Close()

	syms := make(map[uint32]string)
	var base uint64
	haveBase := false

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		// kallsyms types 't'/'T' are text (function) symbols; others
		// (data, absolute, weak) are not useful for IP resolution.
		if fields[1] != "t" && fields[1] != "T" {
			continue
		}
		if !haveBase || addr < base {
			base = addr
			haveBase = true
		}
		syms[uint32(addr)] = fields[2]
	}
	if err := sc.Err(); err != nil {
		log.Printf("profconv: error scanning /proc/kallsyms, proceeding without kernel symbols: %v", err)
		return nil
	}

	relSyms := make(map[uint32]string, len(syms))
	for addr, name := range syms {
		relSyms[addr-uint32(base)] = name
	}

	return &kernelSymbolTable{buildID: buildID, symbols: relSyms, base: base}
}

// readRunningKernelBuildID reads the running kernel's build ID from
// /sys/kernel/notes, the same .note.gnu.build-id ELF note format used
// by on-disk binaries.
func readRunningKernelBuildID() (string, error) {
	data, err := os.ReadFile("/sys/kernel/notes")
	if err != nil {
		return "", err
	}
	f := &pseudoELFNotes{data: data}
	id, ok := f.buildID()
	if !ok {
		return "", errNoBuildIDNote
	}
	return id, nil
}

var errNoBuildIDNote = noteErr("profconv: no NT_GNU_BUILD_ID note in /sys/kernel/notes")

type noteErr string

func (e noteErr) Error() string { return string(e) }

// pseudoELFNotes parses a raw ELF note section blob (the same format
// /sys/kernel/notes exposes directly, without a surrounding ELF file).
type pseudoELFNotes struct {
	data []byte
}

func (p *pseudoELFNotes) buildID() (string, bool) {
	data := p.data
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:4])
		descsz := binary.LittleEndian.Uint32(data[4:8])
		noteType := binary.LittleEndian.Uint32(data[8:12])
		off := 12 + align4(namesz)
		end := off + descsz
		if uint64(end) > uint64(len(data)) {
			return "", false
		}
		if noteType == 3 {
			return hex.EncodeToString(data[off:end]), true
		}
		data = data[align4(end):]
	}
	return "", false
}
