// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package jsonsink implements profconv.Sink by rendering every
// operation into a single JSON document, the one concrete profile
// sink this repository ships (symbolication, persistence to a
// particular profile format, and UI rendering are all out of scope
// and left to downstream tooling).
package jsonsink

import (
	"encoding/json"
	"io"

	"github.com/aclements/go-profconv/profconv"
)

type process struct {
	PID      int32                 `json:"pid"`
	Name     string                `json:"name"`
	StartTs  profconv.ProfileTimestamp `json:"startTs"`
	EndTs    *profconv.ProfileTimestamp `json:"endTs,omitempty"`
	Threads  []*thread             `json:"threads"`
	Mappings []*mapping            `json:"mappings"`
	Counters []*counter            `json:"counters"`
}

type thread struct {
	TID     int32                      `json:"tid"`
	Name    string                     `json:"name"`
	StartTs profconv.ProfileTimestamp  `json:"startTs"`
	EndTs   *profconv.ProfileTimestamp `json:"endTs,omitempty"`
	Samples []*sample                  `json:"samples"`
	Markers []*marker                  `json:"markers"`
}

type sample struct {
	Ts       profconv.ProfileTimestamp `json:"ts"`
	Stack    []frame                   `json:"stack"`
	CPUDelta profconv.Nanos            `json:"cpuDelta"`
	Weight   int64                     `json:"weight"`
}

type frame struct {
	Kind string `json:"kind"`
	Addr uint64 `json:"addr"`
	Mode string `json:"mode"`
}

type marker struct {
	Ts      profconv.ProfileTimestamp `json:"ts"`
	Name    string                    `json:"name"`
	Payload string                    `json:"payload"`
}

type mapping struct {
	LibraryIndex int            `json:"libraryIndex"`
	StartAvma    uint64         `json:"startAvma"`
	EndAvma      uint64         `json:"endAvma"`
	RelAddr      uint32         `json:"relAddrAtStart"`
	Category     string         `json:"category"`
}

type counter struct {
	Name    string                  `json:"name"`
	Samples []counterSample         `json:"samples"`
}

type counterSample struct {
	Ts    profconv.ProfileTimestamp `json:"ts"`
	Value int64                     `json:"value"`
}

type library struct {
	DebugID   string `json:"debugId"`
	CodeID    string `json:"codeId"`
	Path      string `json:"path"`
	DebugPath string `json:"debugPath"`
	Name      string `json:"name"`
	Arch      string `json:"arch"`
}

// doc is the full JSON document Sink accumulates across one
// conversion run.
type doc struct {
	Processes []*process `json:"processes"`
	Libraries []*library `json:"libraries"`
}

// Sink is a concrete profconv.Sink that accumulates every operation
// in memory and renders it as one JSON document on Flush. Handles are
// dense indices into its internal slices.
type Sink struct {
	doc doc

	threadsByHandle  map[profconv.ThreadHandle]*thread
	procsByHandle    map[profconv.ProcessHandle]*process
	countersByHandle map[profconv.CounterHandle]*counter
}

// New returns an empty Sink ready to be driven by a Converter.
func New() *Sink {
	return &Sink{
		threadsByHandle:  make(map[profconv.ThreadHandle]*thread),
		procsByHandle:    make(map[profconv.ProcessHandle]*process),
		countersByHandle: make(map[profconv.CounterHandle]*counter),
	}
}

func (s *Sink) AddProcess(pid int32, name string, startTs profconv.ProfileTimestamp) profconv.ProcessHandle {
	p := &process{PID: pid, Name: name, StartTs: startTs}
	s.doc.Processes = append(s.doc.Processes, p)
	h := profconv.ProcessHandle(len(s.doc.Processes))
	s.procsByHandle[h] = p
	return h
}

func (s *Sink) SetProcessName(p profconv.ProcessHandle, name string) {
	if proc, ok := s.procsByHandle[p]; ok {
		proc.Name = name
	}
}

func (s *Sink) EndProcess(p profconv.ProcessHandle, endTs profconv.ProfileTimestamp) {
	if proc, ok := s.procsByHandle[p]; ok {
		proc.EndTs = &endTs
	}
}

func (s *Sink) AddThread(p profconv.ProcessHandle, tid int32, name string, startTs profconv.ProfileTimestamp) profconv.ThreadHandle {
	proc, ok := s.procsByHandle[p]
	if !ok {
		return 0
	}
	t := &thread{TID: tid, Name: name, StartTs: startTs}
	proc.Threads = append(proc.Threads, t)
	h := profconv.ThreadHandle(len(s.threadsByHandle) + 1)
	s.threadsByHandle[h] = t
	return h
}

func (s *Sink) SetThreadName(t profconv.ThreadHandle, name string) {
	if th, ok := s.threadsByHandle[t]; ok {
		th.Name = name
	}
}

func (s *Sink) EndThread(t profconv.ThreadHandle, endTs profconv.ProfileTimestamp) {
	if th, ok := s.threadsByHandle[t]; ok {
		th.EndTs = &endTs
	}
}

func (s *Sink) AddLibrary(info profconv.LibraryInfo) profconv.LibraryHandle {
	s.doc.Libraries = append(s.doc.Libraries, &library{
		DebugID:   info.DebugID,
		CodeID:    info.CodeID,
		Path:      info.Path,
		DebugPath: info.DebugPath,
		Name:      info.Name,
		Arch:      info.Arch,
	})
	return profconv.LibraryHandle(len(s.doc.Libraries) - 1)
}

func (s *Sink) AddLibraryMapping(p profconv.ProcessHandle, lib profconv.LibraryHandle, startAvma, endAvma uint64, relAddrAtStart uint32, category profconv.Category) {
	proc, ok := s.procsByHandle[p]
	if !ok {
		return
	}
	proc.Mappings = append(proc.Mappings, &mapping{
		LibraryIndex: int(lib),
		StartAvma:    startAvma,
		EndAvma:      endAvma,
		RelAddr:      relAddrAtStart,
		Category:     string(category),
	})
}

func (s *Sink) AddCounter(p profconv.ProcessHandle, name string) profconv.CounterHandle {
	proc, ok := s.procsByHandle[p]
	if !ok {
		return 0
	}
	c := &counter{Name: name}
	proc.Counters = append(proc.Counters, c)
	h := profconv.CounterHandle(len(s.countersByHandle) + 1)
	s.countersByHandle[h] = c
	return h
}

func (s *Sink) AddCounterSample(c profconv.CounterHandle, ts profconv.ProfileTimestamp, value int64) {
	if cnt, ok := s.countersByHandle[c]; ok {
		cnt.Samples = append(cnt.Samples, counterSample{Ts: ts, Value: value})
	}
}

func (s *Sink) AddMarker(t profconv.ThreadHandle, ts profconv.ProfileTimestamp, name string, payload string) {
	if th, ok := s.threadsByHandle[t]; ok {
		th.Markers = append(th.Markers, &marker{Ts: ts, Name: name, Payload: payload})
	}
}

func (s *Sink) AddSample(t profconv.ThreadHandle, ts profconv.ProfileTimestamp, stack []profconv.StackFrame, cpuDelta profconv.Nanos, weight int64) {
	th, ok := s.threadsByHandle[t]
	if !ok {
		return
	}
	frames := make([]frame, len(stack))
	for i, sf := range stack {
		frames[i] = frame{Kind: frameKindName(sf), Addr: sf.Addr, Mode: sf.Mode.String()}
	}
	th.Samples = append(th.Samples, &sample{Ts: ts, Stack: frames, CPUDelta: cpuDelta, Weight: weight})
}

func frameKindName(f profconv.StackFrame) string {
	switch {
	case f.IsTruncated():
		return "truncated"
	default:
		return "frame"
	}
}

// Flush writes the accumulated JSON document to w.
func (s *Sink) Flush(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s.doc)
}
