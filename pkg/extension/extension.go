/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package extension is the orchestrator: it binds the layout probe,
// memory reader, ring topology resolver and event schema extractor into
// one immutable context built once per invocation.
// Nothing here lives in a package-level variable the way the original
// extension's static globals did -- every invocation gets its own
// *Extension, so two commands against two different dumps in the same
// process never share state.
package extension

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/crashutils/trace-extract/pkg/archive"
	"github.com/crashutils/trace-extract/pkg/errdefs"
	"github.com/crashutils/trace-extract/pkg/eventschema"
	"github.com/crashutils/trace-extract/pkg/inspector"
	"github.com/crashutils/trace-extract/pkg/layout"
	"github.com/crashutils/trace-extract/pkg/memreader"
	"github.com/crashutils/trace-extract/pkg/metrics"
	"github.com/crashutils/trace-extract/pkg/ringbuffer"
	"github.com/crashutils/trace-extract/pkg/store"
	"github.com/crashutils/trace-extract/pkg/tracetree"
)

// Options configures one Extension's behavior, beyond what the Layout
// Probe can infer automatically.
type Options struct {
	// FailOnTruncatedRing turns a ring whose commit_page could not be
	// reached from its head into a hard per-CPU failure instead of a
	// logged, best-effort emission.
	FailOnTruncatedRing bool

	// Cache, Release and BuildID let New skip a fresh layout probe when
	// an earlier run against the same kernel build already resolved
	// one. Cache may be nil, in which case New always probes fresh.
	Cache   *store.ProbeCache
	Release string
	BuildID string
}

// Extension is everything resolved once against one kernel dump: the
// probed layout, both ring buffers (global and the optional snapshot
// ring), and the full event schema.
type Extension struct {
	RunID string

	insp   inspector.Inspector
	reader *memreader.Reader
	probe  *layout.Probe
	opts   Options

	NrCPUs        int
	CurrentTracer string

	Global   []*ringbuffer.PerCPU
	Snapshot []*ringbuffer.PerCPU // nil when the kernel has no snapshot ring

	Schema *eventschema.Result
}

// mandatory kernel symbols every initialization needs, mirroring
// ftrace_init's symbol_search calls.
type kernelSymbols struct {
	globalTrace  inspector.Addr
	maxTrTrace   inspector.Addr
	ftraceEvents inspector.Addr
	currentTrace inspector.Addr
}

// New resolves a complete Extension against insp. Any mandatory struct
// layout or kernel symbol missing aborts with errdefs.ErrLayoutMismatch;
// the caller must not proceed to Dump/Show when this returns an error.
func New(insp inspector.Inspector, opts Options) (*Extension, error) {
	probe, err := resolveProbe(insp, opts)
	if err != nil {
		return nil, errors.Wrap(err, "probe layout")
	}
	reader := memreader.New(insp)

	syms, err := resolveSymbols(insp)
	if err != nil {
		return nil, err
	}

	nrCPUs := 1
	if addr, ok := insp.Lookup("nr_cpu_ids"); ok {
		if v, err := reader.ReadU32(addr); err == nil {
			nrCPUs = int(v)
		}
	}

	e := &Extension{
		RunID:  xid.New().String(),
		insp:   insp,
		reader: reader,
		probe:  probe,
		opts:   opts,
		NrCPUs: nrCPUs,
	}

	global, err := e.resolveRing(syms.globalTrace)
	if err != nil {
		return nil, errors.Wrap(err, "global ring")
	}
	e.Global = e.applyTruncationPolicy(global)

	maxTrRingBuffer, err := reader.ReadAddr(syms.maxTrTrace + inspector.Addr(probe.TraceArrayBuffer))
	if err != nil {
		return nil, errors.Wrap(err, "max_tr.buffer")
	}
	if !maxTrRingBuffer.IsZero() {
		snapshot, err := e.resolveRing(syms.maxTrTrace)
		if err != nil {
			logrus.WithError(err).Warn("snapshot ring present but failed to resolve, continuing without it")
		} else {
			e.Snapshot = e.applyTruncationPolicy(snapshot)
		}
	}

	extractor := eventschema.New(reader, probe)
	schema, err := extractor.ExtractAll(syms.ftraceEvents)
	if err != nil {
		return nil, errors.Wrap(err, "extract event schema")
	}
	e.Schema = schema

	tracer, err := e.resolveCurrentTracer(syms.currentTrace)
	if err != nil {
		return nil, errors.Wrap(err, "current tracer")
	}
	e.CurrentTracer = tracer

	return e, nil
}

// resolveProbe consults opts.Cache, if set, before falling back to a
// fresh layout.NewProbe, and populates the cache on a fresh resolution
// so the next invocation against the same kernel build skips the probe.
func resolveProbe(insp inspector.Inspector, opts Options) (*layout.Probe, error) {
	if opts.Cache != nil {
		if cached, err := opts.Cache.Get(opts.Release, opts.BuildID); err == nil {
			metrics.ProbeCacheHits.Inc()
			return cached, nil
		} else if !errdefs.IsNotFound(err) {
			logrus.WithError(err).Warn("probe cache lookup failed, probing fresh")
		}
		metrics.ProbeCacheMisses.Inc()
	}

	probe, err := layout.NewProbe(insp)
	if err != nil {
		return nil, err
	}

	if opts.Cache != nil {
		if err := opts.Cache.Put(opts.Release, opts.BuildID, probe); err != nil {
			logrus.WithError(err).Warn("failed to persist probe result to cache")
		}
	}
	return probe, nil
}

func resolveSymbols(insp inspector.Inspector) (kernelSymbols, error) {
	var syms kernelSymbols

	named := []struct {
		name string
		dst  *inspector.Addr
	}{
		{"global_trace", &syms.globalTrace},
		{"max_tr", &syms.maxTrTrace},
		{"ftrace_events", &syms.ftraceEvents},
		{"current_trace", &syms.currentTrace},
	}

	for _, n := range named {
		addr, ok := insp.Lookup(n.name)
		if !ok {
			return syms, errors.Wrapf(errdefs.ErrLayoutMismatch, "symbol %q", n.name)
		}
		*n.dst = addr
	}

	return syms, nil
}

// resolveRing resolves one trace_array's ring buffer: reads its
// ring_buffer pointer off traceArray, then walks every CPU's topology.
func (e *Extension) resolveRing(traceArray inspector.Addr) ([]*ringbuffer.PerCPU, error) {
	ringBuffer, err := e.reader.ReadAddr(traceArray + inspector.Addr(e.probe.TraceArrayBuffer))
	if err != nil {
		return nil, errors.Wrap(err, "trace_array.buffer")
	}

	defaultPages := 0
	if !e.probe.PerCPUBufferSizes {
		pages, err := e.reader.ReadULong(ringBuffer + inspector.Addr(e.probe.RingBufferPages))
		if err != nil {
			return nil, errors.Wrap(err, "ring_buffer.pages")
		}
		defaultPages = int(pages)
	}

	return ringbuffer.Resolve(e.reader, e.probe, ringBuffer, e.NrCPUs, defaultPages)
}

// applyTruncationPolicy implements the configurable policy for a ring
// whose commit_page could not be reached: emit it and log a warning by
// default, or drop it like a failed CPU when FailOnTruncatedRing is set.
func (e *Extension) applyTruncationPolicy(bufs []*ringbuffer.PerCPU) []*ringbuffer.PerCPU {
	for i, cb := range bufs {
		if cb == nil || cb.Absent || !cb.Truncated {
			continue
		}
		logrus.WithField("cpu", cb.CPU).Warn("commit_page unreachable from real head page, ring buffer may be corrupted")
		if e.opts.FailOnTruncatedRing {
			bufs[i] = nil
		}
	}
	return bufs
}

// resolveCurrentTracer implements ftrace_init_current_tracer: current_trace
// holds a pointer to the active tracer, whose name field is itself a
// pointer to a NUL-terminated string.
func (e *Extension) resolveCurrentTracer(currentTrace inspector.Addr) (string, error) {
	tracerAddr, err := e.reader.ReadAddr(currentTrace)
	if err != nil {
		return "", errors.Wrap(err, "current_trace")
	}
	nameAddr, err := e.reader.ReadAddr(tracerAddr + inspector.Addr(e.probe.TracerName))
	if err != nil {
		return "", errors.Wrap(err, "tracer.name")
	}
	return e.reader.ReadString(nameAddr, 128)
}

// DumpTree writes a tracing-tree directory for either the global ring
// or, when useSnapshot is true, the optional snapshot ring.
func (e *Extension) DumpTree(dir string, useSnapshot bool, opts tracetree.Options) error {
	bufs := e.Global
	if useSnapshot {
		if e.Snapshot == nil {
			return errors.New("kernel has no snapshot ring buffer")
		}
		bufs = e.Snapshot
	}
	return tracetree.Dump(dir, e.insp, e.reader, e.probe, bufs, e.Schema, opts)
}

// DumpArchive writes a trace-archive v6 container to w.
func (e *Extension) DumpArchive(w io.WriteSeeker, useSnapshot bool) error {
	bufs := e.Global
	if useSnapshot {
		if e.Snapshot == nil {
			return errors.New("kernel has no snapshot ring buffer")
		}
		bufs = e.Snapshot
	}

	var cpuBuffers []archive.CPUBuffer
	for i, cb := range bufs {
		if cb == nil || cb.Absent {
			continue
		}
		cpuBuffers = append(cpuBuffers, archive.CPUBuffer{CPU: i, LinearPages: cb.LinearPages})
	}
	if len(cpuBuffers) == 0 && len(bufs) > 0 {
		return errors.New("every cpu buffer failed, nothing to archive")
	}

	bprintk, err := e.resolveBprintkFormats()
	if err != nil {
		logrus.WithError(err).Warn("ftrace_printk formats unavailable, archive will omit them")
	}

	in := &archive.Input{
		PageSize:       e.insp.PageSize(),
		LongSize:       e.insp.LongSize(),
		BigEndian:      binary.NativeEndian.Uint16([]byte{0x01, 0x00}) == 0x0100, // host byte order
		EventTypes:     e.Schema.Types,
		CommonFields:   e.Schema.CommonFields,
		Symbols:        e.insp.Symbols,
		BprintkFormats: bprintk,
		Cmdlines:       e.insp.Tasks(),
		CPUBuffers:     cpuBuffers,
	}

	return archive.Write(w, e.insp, e.reader, e.probe, in)
}

// resolveBprintkFormats implements save_ftrace_printk's address
// resolution: a contiguous array of format-string addresses between
// __start___trace_bprintk_fmt and __stop___trace_bprintk_fmt, plus any
// further formats registered by loaded modules via
// trace_bprintk_fmt_list. Kernels built without CONFIG_TRACING lack
// these symbols entirely; that is not an error, just an empty list.
func (e *Extension) resolveBprintkFormats() ([]archive.BprintkFormat, error) {
	start, ok1 := e.insp.Lookup("__start___trace_bprintk_fmt")
	stop, ok2 := e.insp.Lookup("__stop___trace_bprintk_fmt")
	if !ok1 || !ok2 {
		return nil, nil
	}

	longSize := inspector.Addr(e.insp.LongSize())
	if longSize == 0 || stop < start {
		return nil, errors.New("invalid bprintk fmt symbol range")
	}

	var out []archive.BprintkFormat
	for addr := start; addr < stop; addr += longSize {
		strAddr, err := e.reader.ReadAddr(addr)
		if err != nil {
			return out, errors.Wrap(err, "bprintk fmt address")
		}
		text, err := e.reader.ReadString(strAddr, 4096)
		if err != nil {
			return out, errors.Wrap(err, "bprintk fmt string")
		}
		out = append(out, archive.BprintkFormat{Address: strAddr, Text: text})
	}

	listHead, ok := e.insp.Lookup("trace_bprintk_fmt_list")
	if !ok {
		return out, nil
	}

	fmtOffset, hasFmt := e.insp.MemberOffset("trace_bprintk_fmt", "fmt")
	fmtIsArray := e.insp.MemberTypeKind("trace_bprintk_fmt", "fmt") == inspector.KindArray

	pos, err := e.reader.ReadAddr(listHead + inspector.Addr(e.probe.ListHeadNext))
	if err != nil {
		return out, errors.Wrap(err, "trace_bprintk_fmt_list.next")
	}
	for pos != listHead && !pos.IsZero() {
		entry := pos
		var strAddr inspector.Addr
		if hasFmt {
			if fmtIsArray {
				strAddr = entry + inspector.Addr(fmtOffset)
			} else {
				strAddr, err = e.reader.ReadAddr(entry + inspector.Addr(fmtOffset))
				if err != nil {
					return out, errors.Wrap(err, "trace_bprintk_fmt.fmt")
				}
			}
			text, err := e.reader.ReadString(strAddr, 4096)
			if err == nil {
				out = append(out, archive.BprintkFormat{Address: strAddr, Text: text})
			}
		}

		pos, err = e.reader.ReadAddr(pos + inspector.Addr(e.probe.ListHeadNext))
		if err != nil {
			return out, errors.Wrap(err, "trace_bprintk_fmt_list entry.next")
		}
	}

	return out, nil
}
