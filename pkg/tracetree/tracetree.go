/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package tracetree is the tracing-tree emitter: it lays out a
// directory that mirrors debugfs/tracing, the layout trace-cmd and other
// userspace tools already know how to read: per_cpu/cpuN/trace_pipe_raw,
// events/<system>/<event>/format, saved_cmdlines, and kallsyms.
package tracetree

import (
	"fmt"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/crashutils/trace-extract/pkg/eventschema"
	"github.com/crashutils/trace-extract/pkg/inspector"
	"github.com/crashutils/trace-extract/pkg/layout"
	"github.com/crashutils/trace-extract/pkg/memreader"
	"github.com/crashutils/trace-extract/pkg/ringbuffer"
	"github.com/crashutils/trace-extract/pkg/traceformat"

	units "github.com/docker/go-units"
)

// Options configures which parts of the tree dump are produced, mirroring
// trace.c's ftrace_dump getopt flags ("smt").
type Options struct {
	// DumpMetadata emits events/ and saved_cmdlines ("-m").
	DumpMetadata bool
	// DumpSymbols emits kallsyms ("-s").
	DumpSymbols bool
	// Compress zstd-compresses each per-CPU trace_pipe_raw file. This is a
	// tree-only convenience: the archive writer (pkg/archive) never
	// compresses, to keep trace-archive v6 output bit-exact.
	Compress bool
}

// Dump writes dir/per_cpu/cpuN/trace_pipe_raw for every resolved,
// non-absent CPU buffer, and optionally dir/events, dir/saved_cmdlines,
// dir/kallsyms. A CPU whose topology failed to resolve (nil in bufs) is
// skipped and logged, not treated as fatal; the command only fails if
// every CPU is absent or failed.
func Dump(dir string, insp inspector.Inspector, r *memreader.Reader, p *layout.Probe, bufs []*ringbuffer.PerCPU, schema *eventschema.Result, opts Options) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}

	perCPUDir, err := securejoin.SecureJoin(dir, "per_cpu")
	if err != nil {
		return errors.Wrap(err, "join per_cpu")
	}
	if err := os.MkdirAll(perCPUDir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir per_cpu")
	}

	dumped := 0
	for i, cb := range bufs {
		if cb == nil || cb.Absent {
			continue
		}
		if err := dumpCPU(perCPUDir, insp, r, p, i, cb, opts.Compress); err != nil {
			logrus.WithError(err).WithField("cpu", i).Warn("skipping cpu: topology dump failed")
			continue
		}
		dumped++
	}
	if dumped == 0 && len(bufs) > 0 {
		return errors.New("every cpu buffer failed, nothing dumped")
	}

	if opts.DumpMetadata {
		eventsDir, err := securejoin.SecureJoin(dir, "events")
		if err != nil {
			return errors.Wrap(err, "join events")
		}
		if err := dumpEventTypes(eventsDir, schema); err != nil {
			return errors.Wrap(err, "dump event types")
		}
		if err := dumpSavedCmdlines(dir, insp.Tasks()); err != nil {
			return errors.Wrap(err, "dump saved_cmdlines")
		}
	}

	if opts.DumpSymbols {
		if err := dumpKallsyms(dir, insp); err != nil {
			return errors.Wrap(err, "dump kallsyms")
		}
	}

	return nil
}

func dumpCPU(perCPUDir string, insp inspector.Inspector, r *memreader.Reader, p *layout.Probe, cpu int, cb *ringbuffer.PerCPU, compress bool) error {
	cpuDir, err := securejoin.SecureJoin(perCPUDir, fmt.Sprintf("cpu%d", cpu))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cpuDir, 0o755); err != nil {
		return err
	}

	rawPath, err := securejoin.SecureJoin(cpuDir, "trace_pipe_raw")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(rawPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", rawPath)
	}
	defer f.Close()

	var written int64
	writePage := func(buf []byte) error {
		n, err := f.Write(buf)
		written += int64(n)
		return err
	}

	if compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			return errors.Wrap(err, "zstd writer")
		}
		writePage = func(buf []byte) error {
			n, err := enc.Write(buf)
			written += int64(n)
			return err
		}
		defer enc.Close()
	}

	for _, page := range cb.LinearPages {
		buf, err := ringbuffer.DumpPage(insp, r, p, page)
		if err != nil {
			return errors.Wrapf(err, "cpu %d page %s", cpu, page)
		}
		if err := writePage(buf); err != nil {
			return errors.Wrap(err, "write page")
		}
	}

	logrus.WithFields(logrus.Fields{
		"cpu":     cpu,
		"pages":   len(cb.LinearPages),
		"written": units.HumanSize(float64(written)),
	}).Debug("dumped cpu buffer")

	return nil
}

func dumpEventTypes(eventsDir string, schema *eventschema.Result) error {
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return err
	}

	for _, et := range schema.Types {
		sysDir, err := securejoin.SecureJoin(eventsDir, et.System)
		if err != nil {
			return errors.Wrapf(err, "join system %q", et.System)
		}
		eventDir, err := securejoin.SecureJoin(sysDir, et.Name)
		if err != nil {
			return errors.Wrapf(err, "join event %q", et.Name)
		}
		if err := os.MkdirAll(eventDir, 0o755); err != nil {
			return err
		}

		formatPath, err := securejoin.SecureJoin(eventDir, "format")
		if err != nil {
			return err
		}

		text := traceformat.Format(et, schema.CommonFields)
		if err := os.WriteFile(formatPath, []byte(text), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", formatPath)
		}
	}

	return nil
}

func dumpSavedCmdlines(dir string, tasks []inspector.Task) error {
	path, err := securejoin.SecureJoin(dir, "saved_cmdlines")
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, t := range tasks {
		if _, err := fmt.Fprintf(f, "%d %s\n", t.Pid, t.Comm); err != nil {
			return err
		}
	}
	return nil
}

func dumpKallsyms(dir string, insp inspector.Inspector) error {
	path, err := securejoin.SecureJoin(dir, "kallsyms")
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var writeErr error
	insp.Symbols(func(s inspector.Symbol) bool {
		var err error
		if s.Module == "" {
			_, err = fmt.Fprintf(f, "%x %c %s\n", uint64(s.Value), s.Type, s.Name)
		} else if !strings.HasPrefix(s.Name, "_MODULE_") {
			_, err = fmt.Fprintf(f, "%x %c %s\t[%s]\n", uint64(s.Value), s.Type, s.Name, s.Module)
		}
		if err != nil {
			writeErr = err
			return false
		}
		return true
	})
	return writeErr
}
