// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jsonsink

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/aclements/go-profconv/profconv"
)

func TestAddSamplePreservesStackOrder(t *testing.T) {
	s := New()
	p := s.AddProcess(1, "test", 0)
	th := s.AddThread(p, 1, "test", 0)

	// AddSample trusts its caller to have already put stack in
	// caller-to-callee order per the Sink contract, and emits it as-is.
	stack := []profconv.StackFrame{
		{Addr: 0x3000},
		{Addr: 0x2000},
		{Addr: 0x1000},
	}
	s.AddSample(th, 100, stack, 5, 1)

	got := s.threadsByHandle[th].Samples[0].Stack
	if len(got) != 3 {
		t.Fatalf("len(Stack) = %d, want 3", len(got))
	}
	if got[0].Addr != 0x3000 || got[1].Addr != 0x2000 || got[2].Addr != 0x1000 {
		t.Errorf("Stack = %+v, want caller-to-callee order [0x3000, 0x2000, 0x1000]", got)
	}
}

func TestFlushProducesValidJSON(t *testing.T) {
	s := New()
	p := s.AddProcess(1, "test", 0)
	s.AddThread(p, 1, "main", 0)

	var buf bytes.Buffer
	if err := s.Flush(&buf); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Flush produced invalid JSON: %v", err)
	}
	if _, ok := decoded["processes"]; !ok {
		t.Error(`Flush output missing top-level "processes" key`)
	}
}

func TestUnknownHandlesAreIgnored(t *testing.T) {
	s := New()
	// None of these must panic when given handles the sink never
	// minted.
	s.SetProcessName(999, "x")
	s.EndProcess(999, 0)
	s.SetThreadName(999, "x")
	s.EndThread(999, 0)
	s.AddCounterSample(999, 0, 1)
	s.AddMarker(999, 0, "x", "")
	s.AddSample(999, 0, nil, 0, 1)
	if s.AddThread(999, 1, "x", 0) != 0 {
		t.Error("AddThread on an unknown process handle should return the zero handle")
	}
	if s.AddCounter(999, "x") != 0 {
		t.Error("AddCounter on an unknown process handle should return the zero handle")
	}
}
