// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command profconv converts a perf.data recording into a JSON
// execution profile.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aclements/go-profconv/jsonsink"
	"github.com/aclements/go-profconv/perffile"
	"github.com/aclements/go-profconv/profconv"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("profconv: ")

	var (
		arch                = flag.String("arch", "x86_64", "target architecture (x86_64 or aarch64)")
		out                 = flag.String("o", "-", "output file (\"-\" for stdout)")
		foldRecursivePrefix = flag.Bool("fold-recursive-prefix", true, "collapse a repeated frame at the base of a stack")
		reuseProcesses      = flag.Bool("reuse-processes", true, "reuse ended processes by name across exec/fork churn")
		reuseThreads        = flag.Bool("reuse-threads", true, "reuse ended threads by name within a process")
		mergeThreads        = flag.Bool("merge-threads", false, "recycle an identically-named ended thread on a non-execve rename")
		searchPath          = flag.String("search-path", "", "colon-separated fallback directories to search for mapped binaries")
		readKernelSymbols   = flag.Bool("kernel-symbols", true, "attempt to read /proc/kallsyms for kernel library metadata")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] perf.data\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	a := profconv.ArchX86_64
	switch strings.ToLower(*arch) {
	case "x86_64", "amd64":
		a = profconv.ArchX86_64
	case "aarch64", "arm64":
		a = profconv.ArchAarch64
	default:
		log.Fatalf("unknown -arch %q", *arch)
	}

	f, err := perffile.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("opening %s: %v", flag.Arg(0), err)
	}
	defer f.Close()

	attrs := make([]profconv.AttributeDescription, len(f.Events))
	for i, ev := range f.Events {
		attrs[i] = profconv.AttributeDescription{Attr: ev, Name: eventName(f, ev)}
	}

	var search []string
	if *searchPath != "" {
		search = strings.Split(*searchPath, ":")
	}

	sink := jsonsink.New()
	conv, err := profconv.NewConverter(sink, attrs, profconv.ConverterOptions{
		Arch:                a,
		FoldRecursivePrefix: *foldRecursivePrefix,
		SearchPath:          search,
		ReadKernelSymbols:   *readKernelSymbols,
		Registry: profconv.RegistryOptions{
			ReuseProcesses: *reuseProcesses,
			ReuseThreads:   *reuseThreads,
			MergeThreads:   *mergeThreads,
		},
	})
	if err != nil {
		log.Fatalf("interpreting event attributes: %v", err)
	}

	records := f.Records(perffile.RecordsTimeOrder)
	var lastTs uint64
	for records.Next() {
		rec := records.Record
		conv.Dispatch(rec)
		if c := rec.Common(); c != nil && c.Time > lastTs {
			lastTs = c.Time
		}
	}
	if err := records.Err(); err != nil {
		log.Fatalf("reading records: %v", err)
	}
	conv.Finish(lastTs)

	w := os.Stdout
	if *out != "-" {
		wf, err := os.Create(*out)
		if err != nil {
			log.Fatalf("creating %s: %v", *out, err)
		}
		defer wf.Close()
		w = wf
	}
	if err := sink.Flush(w); err != nil {
		log.Fatalf("writing output: %v", err)
	}
}

// eventName returns a name for ev. perffile does not resolve
// tracepoint IDs to names, so a tracepoint event is named
// "tracepoint:<id>" after its numeric ID; every other event is named
// by its Event's %v form.
func eventName(f *perffile.File, ev *perffile.EventAttr) string {
	g := ev.Event.Generic()
	if g.Type == perffile.EventTypeTracepoint {
		// Tracepoint names require a full tracing-metadata walk that
		// is outside the converted core's scope; callers that need
		// sched:sched_switch/kmem:rss_stat recognized by name should
		// supply their own AttributeDescription.Name instead.
		return fmt.Sprintf("tracepoint:%d", g.ID)
	}
	return fmt.Sprintf("%v", ev.Event)
}
