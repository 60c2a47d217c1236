// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profconv

import (
	"testing"

	"github.com/aclements/go-profconv/perffile"
)

func sampleRecord(attr *perffile.EventAttr, pid, tid int, ts uint64, ip uint64) *perffile.RecordSample {
	return &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{
			Format:    perffile.SampleFormatIP | perffile.SampleFormatTID | perffile.SampleFormatTime,
			EventAttr: attr,
			PID:       pid,
			TID:       tid,
			Time:      ts,
		},
		IP: ip,
	}
}

// TestDuplicateSampleDropped is the literal duplicate-drop scenario:
// feeding the same Sample{pid=10,tid=10,ts=1000,ip=0x400500} twice
// must produce exactly one sample.
func TestDuplicateSampleDropped(t *testing.T) {
	a := &perffile.EventAttr{
		Event:        perffile.EventSoftwareCPUClock,
		SamplePeriod: 1_000_000,
		SampleFormat: perffile.SampleFormatIP | perffile.SampleFormatTID | perffile.SampleFormatTime,
	}
	sink := &fakeSink{}
	conv, err := NewConverter(sink, []AttributeDescription{{Attr: a, Name: "cpu-clock"}}, ConverterOptions{Arch: ArchX86_64})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	rec := sampleRecord(a, 10, 10, 1000, 0x400500)
	conv.Dispatch(rec)
	conv.Dispatch(rec)
	conv.Finish(1000)

	if len(sink.samples) != 1 {
		t.Fatalf("got %d samples, want 1 (duplicate must be dropped)", len(sink.samples))
	}
}

// TestFoldRecursivePrefixEndToEnd drives a single sample with a
// callchain that should fold through the dispatcher.
func TestFoldRecursivePrefixEndToEnd(t *testing.T) {
	a := &perffile.EventAttr{
		Event:        perffile.EventSoftwareCPUClock,
		SamplePeriod: 1_000_000,
		SampleFormat: perffile.SampleFormatIP | perffile.SampleFormatTID | perffile.SampleFormatTime | perffile.SampleFormatCallchain,
	}
	sink := &fakeSink{}
	conv, err := NewConverter(sink, []AttributeDescription{{Attr: a, Name: "cpu-clock"}}, ConverterOptions{
		Arch:                ArchX86_64,
		FoldRecursivePrefix: true,
	})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	rec := &perffile.RecordSample{
		RecordCommon: perffile.RecordCommon{
			Format:    a.SampleFormat,
			EventAttr: a,
			PID:       20,
			TID:       20,
			Time:      1000,
		},
		Callchain: []uint64{perffile.CallchainUser, 0xA, 0xB, 0xB, 0xB},
	}
	conv.Dispatch(rec)
	conv.Finish(1000)

	if len(sink.samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(sink.samples))
	}
	if got := len(sink.samples[0].stack); got != 2 {
		t.Fatalf("folded stack has %d frames, want 2", got)
	}
}
