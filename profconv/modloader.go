// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/saferwall/pe"

	"github.com/aclements/go-profconv/unwind"
)

// jittedSoPattern matches the injected-JIT shared-object naming
// convention ModuleLoader treats specially: both the malformed-object
// detection in §4.3 and the JIT classification path key off it.
var jittedSoPattern = regexp.MustCompile(`jitted-\d+.*\.so$`)

// MemoryMapEvent gathers the fields ModuleLoader needs out of one
// MMAP/MMAP2 record, decoupling it from perffile's record shape.
type MemoryMapEvent struct {
	StartAvma, EndAvma uint64
	PageOffset         uint64
	Filename           string
	Executable         bool

	HaveBuildID bool
	BuildID     string
}

// peSizeOfImage reads a PE file's OptionalHeader.SizeOfImage, used to
// size a suspected PE mapping's AVMA range at MemoryMap time (§4.6):
// the initial mmap of the file itself is typically far smaller than
// the image the loader actually reserves, so the mapping's declared
// length is not a usable containment bound on its own.
func peSizeOfImage(path string) (uint64, bool) {
	f, err := pe.New(path, &pe.Options{})
	if err != nil {
		return 0, false
	}
	if err := f.Parse(); err != nil {
		return 0, false
	}
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		return uint64(oh.SizeOfImage), true
	case pe.ImageOptionalHeader64:
		return uint64(oh.SizeOfImage), true
	default:
		return 0, false
	}
}

// searchCandidates returns the paths to try opening a mapped binary
// at, in order: the literal recorded path, then the literal path
// rooted under each configured fallback search directory (a toy
// sysroot/symbol-store mechanism).
func (c *Converter) searchCandidates(filename string) []string {
	out := []string{filename}
	for _, dir := range c.searchPath {
		out = append(out, filepath.Join(dir, filename))
	}
	return out
}

func openFirst(paths []string) (*os.File, string, error) {
	var lastErr error
	for _, p := range paths {
		f, err := os.Open(p)
		if err == nil {
			return f, p, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

// readELFBuildID extracts the hex-encoded NT_GNU_BUILD_ID note from
// .note.gnu.build-id, if present. The standard library has no
// accessor for this, so it is parsed manually per the ELF note
// format: namesz(4) descsz(4) type(4) name(padded) desc(padded).
func readELFBuildID(elff *elf.File) (string, bool) {
	sec := elff.Section(".note.gnu.build-id")
	if sec == nil {
		return "", false
	}
	data, err := sec.Data()
	if err != nil || len(data) < 12 {
		return "", false
	}
	order := elff.ByteOrder
	namesz := order.Uint32(data[0:4])
	descsz := order.Uint32(data[4:8])
	noteType := order.Uint32(data[8:12])
	off := 12 + align4(namesz)
	if noteType != 3 /* NT_GNU_BUILD_ID */ || uint64(off+descsz) > uint64(len(data)) {
		return "", false
	}
	desc := data[off : off+descsz]
	return hex.EncodeToString(desc), true
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

// elfSvmaRanges builds the SvmaFileRange list ModuleLoader's bias
// computation consumes: loadable program-header segments, or, absent
// any, the union of .text-kind sections.
func elfSvmaRanges(elff *elf.File) []SvmaFileRange {
	var ranges []SvmaFileRange
	for _, prog := range elff.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		ranges = append(ranges, SvmaFileRange{Svma: prog.Vaddr, FileOffset: prog.Off, Size: prog.Filesz})
	}
	if len(ranges) > 0 {
		return ranges
	}
	for _, sec := range elff.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		ranges = append(ranges, SvmaFileRange{Svma: sec.Addr, FileOffset: sec.Offset, Size: sec.Size})
	}
	return ranges
}

func elfSvmaRange(elff *elf.File, name string) unwind.SvmaRange {
	sec := elff.Section(name)
	if sec == nil {
		return unwind.SvmaRange{}
	}
	return unwind.SvmaRange{Start: sec.Addr, End: sec.Addr + sec.Size}
}

func elfTextData(elff *elf.File) *unwind.TextByteData {
	sec := elff.Section(".text")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return &unwind.TextByteData{Svma: sec.Addr, Bytes: data}
}

// firstTextSymbol returns the name of the first STT_FUNC symbol in
// elff's symbol table, used to name an injected JIT function whose
// mapping carries no other metadata.
func firstTextSymbol(elff *elf.File) (string, bool) {
	syms, err := elff.Symbols()
	if err != nil {
		// Dynsym is the only table available for stripped JIT objects.
		syms, err = elff.DynamicSymbols()
		if err != nil {
			return "", false
		}
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Name != "" {
			return s.Name, true
		}
	}
	return "", false
}

// demangleIfMangled demangles name with Itanium C++ rules when it
// looks mangled (the `_Z` prefix convention), otherwise returns it
// verbatim.
func demangleIfMangled(name string) string {
	if !strings.HasPrefix(name, "_Z") {
		return name
	}
	if out, err := demangle.ToString(name, demangle.NoParams); err == nil {
		return out
	}
	return name
}

// detectMalformedInjectedJIT implements §4.3's "malformed injected JIT
// object" check: exactly one segment at {offset=0, addr=0} and a
// .text section whose on-disk offset differs from its address.
func detectMalformedInjectedJIT(elff *elf.File) bool {
	loadSegs := 0
	zeroSeg := false
	for _, prog := range elff.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		loadSegs++
		if prog.Off == 0 && prog.Vaddr == 0 {
			zeroSeg = true
		}
	}
	if loadSegs != 1 || !zeroSeg {
		return false
	}
	text := elff.Section(".text")
	return text != nil && text.Offset != text.Addr
}

// rewriteFixedJIT implements the fixed-JIT rewrite file format: the
// input bytes with the program-header table excised (segment count
// zeroed, program-header offset zeroed), written to a `-fixed.so`
// sibling.
func rewriteFixedJIT(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(raw) < 20 {
		return "", fmt.Errorf("%s: too small to be ELF", path)
	}
	if raw[4] == 2 /* ELFCLASS64 */ {
		if len(raw) < 64 {
			return "", fmt.Errorf("%s: too small to be ELF64", path)
		}
		binary.LittleEndian.PutUint64(raw[32:40], 0) // e_phoff
		binary.LittleEndian.PutUint16(raw[56:58], 0) // e_phnum
	} else {
		if len(raw) < 52 {
			return "", fmt.Errorf("%s: too small to be ELF32", path)
		}
		binary.LittleEndian.PutUint32(raw[28:32], 0) // e_phoff
		binary.LittleEndian.PutUint16(raw[44:46], 0) // e_phnum
	}
	fixed := strings.TrimSuffix(path, ".so") + "-fixed.so"
	if err := os.WriteFile(fixed, raw, 0644); err != nil {
		return "", err
	}
	return fixed, nil
}

// openFixedJIT rewrites path per rewriteFixedJIT and opens the result
// as an ELF file, for use in place of the original malformed object.
func openFixedJIT(path string) (*elf.File, *os.File, error) {
	fixedPath, err := rewriteFixedJIT(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(fixedPath)
	if err != nil {
		return nil, nil, err
	}
	elff, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return elff, f, nil
}

// loadModule implements §4.3 (ModuleLoader): resolve the mapped
// binary (falling back to a suspected PE mapping when the direct open
// fails), compute the SVMA/AVMA bias, build an unwind.Module, register
// it with the process's unwinder, and register either a regular
// library mapping or a JIT function mapping with the sink.
func (c *Converter) loadModule(p *Process, ts Nanos, ev MemoryMapEvent) {
	if suspected, ok := p.peMappings.lookup(ev.StartAvma); ok &&
		ev.EndAvma <= suspected.startAvma+suspected.size && !fileExists(ev.Filename) {
		c.loadPEModule(p, ts, ev, suspected)
		return
	}

	f, foundPath, err := openFirst(c.searchCandidates(ev.Filename))
	if err != nil {
		log.Printf("profconv: could not open %s: %v; fabricating mapping", ev.Filename, err)
		c.fabricateMapping(p, ts, ev)
		return
	}
	defer f.Close()

	elff, err := elf.NewFile(f)
	if err != nil {
		log.Printf("profconv: could not parse %s as ELF: %v; fabricating mapping", ev.Filename, err)
		c.fabricateMapping(p, ts, ev)
		return
	}
	defer elff.Close()

	if ev.HaveBuildID {
		if id, ok := readELFBuildID(elff); ok && id != ev.BuildID {
			log.Printf("profconv: build-id mismatch for %s: mapping says %s, file has %s", ev.Filename, ev.BuildID, id)
			return
		}
	}

	if jittedSoPattern.MatchString(ev.Filename) && detectMalformedInjectedJIT(elff) {
		if fixed, fixedFile, rerr := openFixedJIT(foundPath); rerr == nil {
			defer fixedFile.Close()
			elff = fixed
		}
	}

	ranges := elfSvmaRanges(elff)
	bias, ok := computeBias(ranges, mappingInfo{FileOffset: ev.PageOffset, Avma: ev.StartAvma, Size: ev.EndAvma - ev.StartAvma})
	if !ok {
		log.Printf("profconv: no reference contribution for %s; skipping mapping", ev.Filename)
		return
	}

	baseSvma := uint64(0)
	baseAvma := baseSvma + bias

	mod := unwind.Module{
		Name:       ev.Filename,
		AvmaRange:  [2]uint64{ev.StartAvma, ev.EndAvma},
		BaseAvma:   baseAvma,
		BaseSvma:   baseSvma,
		Text:       elfSvmaRange(elff, ".text"),
		TextEnv:    elfSvmaRange(elff, ".text"),
		EhFrame:    elfSvmaRange(elff, ".eh_frame"),
		EhFrameHdr: elfSvmaRange(elff, ".eh_frame_hdr"),
		TextData:   elfTextData(elff),
	}
	if got := elfSvmaRange(elff, ".got"); !got.Empty() {
		mod.Got = &got
	}
	p.unwinder.AddModule(mod)

	buildID, _ := readELFBuildID(elff)
	info := LibraryInfo{
		DebugID: buildID,
		CodeID:  buildID,
		Path:    ev.Filename,
		Name:    filepath.Base(ev.Filename),
		Arch:    archName(c.arch),
	}

	if jittedSoPattern.MatchString(ev.Filename) {
		c.registerJitMapping(p, ts, ev, elff, info)
		return
	}

	category := CategoryUser
	if p == c.registry.Kernel() {
		category = CategoryKernel
		if c.kernelSyms != nil && c.kernelSyms.buildID == buildID {
			info.Symbols = c.kernelSyms.symbols
		}
	}

	lib := c.sink.AddLibrary(info)
	p.addMapping(ts, ev.StartAvma, ev.EndAvma, uint32(ev.StartAvma-baseAvma), lib, category)
	c.sink.AddLibraryMapping(p.handle, lib, ev.StartAvma, ev.EndAvma, uint32(ev.StartAvma-baseAvma), category)
}

func (c *Converter) registerJitMapping(p *Process, ts Nanos, ev MemoryMapEvent, elff *elf.File, info LibraryInfo) {
	name, ok := firstTextSymbol(elff)
	if !ok {
		name = filepath.Base(ev.Filename)
	} else {
		name = demangleIfMangled(name)
	}
	category, _ := p.jit.classify(name)
	info.Name = name
	lib := c.sink.AddLibrary(info)
	relAddr := uint32(ev.StartAvma - ev.StartAvma) // JIT regions have no SVMA base; relative address is 0.
	lib, _ = p.jit.recycle(ev.StartAvma, ev.EndAvma, relAddr, name, lib)

	p.addMapping(ts, ev.StartAvma, ev.EndAvma, relAddr, lib, category)
	c.sink.AddLibraryMapping(p.handle, lib, ev.StartAvma, ev.EndAvma, relAddr, category)

	main, mainOK := p.threads[p.mainTid]
	if mainOK {
		c.sink.AddMarker(main.handle, c.ts.Convert(ts), "JitFunctionAdd", name)
	}
}

// loadPEModule handles a mapping resolved through the PE heuristic:
// the original mapped file could not be opened directly, but its AVMA
// range falls within a suspected PE mapping recorded by MemoryMap
// dispatch.
func (c *Converter) loadPEModule(p *Process, ts Nanos, ev MemoryMapEvent, suspected suspectedPeMapping) {
	f, err := pe.New(suspected.path, &pe.Options{})
	if err != nil {
		log.Printf("profconv: could not open %s: %v; fabricating mapping", suspected.path, err)
		c.fabricateMapping(p, ts, ev)
		return
	}
	if err := f.Parse(); err != nil {
		log.Printf("profconv: could not parse %s as PE: %v; fabricating mapping", suspected.path, err)
		c.fabricateMapping(p, ts, ev)
		return
	}

	var textStart, textEnd uint64
	for _, sec := range f.Sections {
		if strings.EqualFold(strings.TrimRight(sec.Header.Name[:], "\x00"), ".text") {
			textStart = uint64(sec.Header.VirtualAddress)
			textEnd = textStart + uint64(sec.Header.VirtualSize)
			break
		}
	}

	// Bias is overridden so that base_avma = suspected.start, per §4.3.
	baseAvma := suspected.startAvma
	mod := unwind.Module{
		Name:      suspected.path,
		AvmaRange: [2]uint64{ev.StartAvma, ev.EndAvma},
		BaseAvma:  baseAvma,
		BaseSvma:  0,
		Text:      unwind.SvmaRange{Start: textStart, End: textEnd},
	}
	p.unwinder.AddModule(mod)

	info := LibraryInfo{Path: suspected.path, Name: filepath.Base(suspected.path), Arch: "unknown"}
	lib := c.sink.AddLibrary(info)
	p.addMapping(ts, ev.StartAvma, ev.EndAvma, uint32(ev.StartAvma-baseAvma), lib, CategoryUser)
	c.sink.AddLibraryMapping(p.handle, lib, ev.StartAvma, ev.EndAvma, uint32(ev.StartAvma-baseAvma), CategoryUser)
}

// fabricateMapping implements §4.3's final fallback: when the mapped
// file cannot be opened at all, register a Module assuming
// base_avma = mapping.avma - mapping.file_offset, with no unwind
// sections, so samples in this region still get a conservative
// [ip-only] frame instead of being silently dropped.
func (c *Converter) fabricateMapping(p *Process, ts Nanos, ev MemoryMapEvent) {
	baseAvma := ev.StartAvma - ev.PageOffset
	mod := unwind.Module{
		Name:      ev.Filename,
		AvmaRange: [2]uint64{ev.StartAvma, ev.EndAvma},
		BaseAvma:  baseAvma,
		BaseSvma:  0,
	}
	p.unwinder.AddModule(mod)

	lib := c.sink.AddLibrary(LibraryInfo{Path: ev.Filename, Name: filepath.Base(ev.Filename)})
	p.addMapping(ts, ev.StartAvma, ev.EndAvma, uint32(ev.StartAvma-baseAvma), lib, CategoryOther)
	c.sink.AddLibraryMapping(p.handle, lib, ev.StartAvma, ev.EndAvma, uint32(ev.StartAvma-baseAvma), CategoryOther)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func archName(a Arch) string {
	if a == ArchAarch64 {
		return "arm64"
	}
	return "x86_64"
}
