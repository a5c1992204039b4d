/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package archive is the archive writer: it serializes a
// trace-archive v6 container, byte-for-byte compatible with what
// trace-cmd report expects, in the exact section order the format
// mandates: initial data, header files, event files bucketed by system,
// proc/kallsyms, ftrace_printk formats, saved cmdlines, a per-CPU record
// offset table, and finally the raw per-CPU page data.
//
// Every variable-length section is framed with a length prefix
// (recordBuf models the original's growable tmp_fprintf buffer: accumulate
// text, then prefix it with its own byte length before copying it out)
// so trace-cmd can skip sections it does not understand.
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/crashutils/trace-extract/pkg/eventschema"
	"github.com/crashutils/trace-extract/pkg/inspector"
	"github.com/crashutils/trace-extract/pkg/layout"
	"github.com/crashutils/trace-extract/pkg/memreader"
	"github.com/crashutils/trace-extract/pkg/ringbuffer"
	"github.com/crashutils/trace-extract/pkg/traceformat"
)

// fileVersion is the trace-archive format version this writer emits.
const fileVersion = "6"

var nativeEndian binary.ByteOrder

func init() {
	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = 0x0102
	if buf[0] == 0x01 {
		nativeEndian = binary.BigEndian
	} else {
		nativeEndian = binary.LittleEndian
	}
}

// BprintkFormat is one resolved bprintk format string and the kernel
// address it lives at, as read from __start/__stop___trace_bprintk_fmt
// and the trace_bprintk_fmt_list module chain. Resolving these requires
// walking kernel symbols and module lists, which is the orchestrator's
// job (pkg/extension); this package only serializes the result.
type BprintkFormat struct {
	Address inspector.Addr
	Text    string
}

// CPUBuffer is one non-absent, successfully-resolved CPU's contribution
// to the record section: its linear page addresses in dump order.
type CPUBuffer struct {
	CPU         int
	LinearPages []inspector.Addr
}

// Input is everything the archive writer needs, already resolved by the
// Layout Probe, Event Schema Extractor and Ring Topology Resolver.
type Input struct {
	PageSize  int
	LongSize  int
	BigEndian bool // host endianness, matching the original's host_bigendian()

	EventTypes   []*eventschema.EventType
	CommonFields []eventschema.Field

	Symbols        func(yield func(inspector.Symbol) bool)
	BprintkFormats []BprintkFormat
	Cmdlines       []inspector.Task

	CPUBuffers []CPUBuffer
}

// Write serializes in to w as a complete trace-archive v6 container.
func Write(w io.WriteSeeker, insp inspector.Inspector, r *memreader.Reader, p *layout.Probe, in *Input) error {
	if err := writeInitialData(w, in); err != nil {
		return errors.Wrap(err, "initial data")
	}
	if err := writeHeaderFiles(w, in); err != nil {
		return errors.Wrap(err, "header files")
	}
	if err := writeEventsFiles(w, in); err != nil {
		return errors.Wrap(err, "events files")
	}
	if err := writeProcKallsyms(w, in); err != nil {
		return errors.Wrap(err, "proc kallsyms")
	}
	if err := writeFtracePrintk(w, in); err != nil {
		return errors.Wrap(err, "ftrace printk")
	}
	if err := writeFtraceCmdlines(w, in); err != nil {
		return errors.Wrap(err, "ftrace cmdlines")
	}
	if err := writeResData(w, len(in.CPUBuffers)); err != nil {
		return errors.Wrap(err, "res data")
	}
	if err := writeRecordData(w, insp, r, p, in); err != nil {
		return errors.Wrap(err, "record data")
	}
	return nil
}

// recordBuf accumulates text for one length-prefixed section, mirroring
// the original's realloc-on-overflow tmp_fprintf buffer as a plain
// growable byte buffer -- Go's bytes.Buffer already grows itself, so
// there is nothing left to hand-roll here.
type recordBuf struct {
	buf bytes.Buffer
}

func (b *recordBuf) Printf(format string, args ...interface{}) {
	fmt.Fprintf(&b.buf, format, args...)
}

func (b *recordBuf) WriteString(s string) {
	b.buf.WriteString(s)
}

func (b *recordBuf) flush4(w io.Writer) error {
	if err := binary.Write(w, nativeEndian, uint32(b.buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(b.buf.Bytes())
	b.buf.Reset()
	return err
}

func (b *recordBuf) flush8(w io.Writer) error {
	if err := binary.Write(w, nativeEndian, uint64(b.buf.Len())); err != nil {
		return err
	}
	_, err := w.Write(b.buf.Bytes())
	b.buf.Reset()
	return err
}

func writeInitialData(w io.Writer, in *Input) error {
	if _, err := w.Write([]byte("\x17\x08\x44tracing")); err != nil {
		return err
	}
	if _, err := w.Write(append([]byte(fileVersion), 0)); err != nil {
		return err
	}

	endian := byte(0)
	if in.BigEndian {
		endian = 1
	}
	if _, err := w.Write([]byte{endian, byte(in.LongSize)}); err != nil {
		return err
	}

	return binary.Write(w, nativeEndian, int32(in.PageSize))
}

func writeHeaderFiles(w io.Writer, in *Input) error {
	if _, err := w.Write(append([]byte("header_page"), 0)); err != nil {
		return err
	}

	var b recordBuf
	b.Printf("\tfield: u64 timestamp;\toffset:0;\tsize:8;\tsigned:0;\n")
	b.Printf("\tfield: local_t commit;\toffset:8;\tsize:%d;\tsigned:1;\n", in.LongSize)
	b.Printf("\tfield: int overwrite;\toffset:8;\tsize:%d;\tsigned:1;\n", in.LongSize)
	b.Printf("\tfield: char data;\toffset:%d;\tsize:%d;\tsigned:1;\n",
		8+in.LongSize, in.PageSize-8-in.LongSize)
	if err := b.flush8(w); err != nil {
		return err
	}

	if _, err := w.Write(append([]byte("header_event"), 0)); err != nil {
		return err
	}
	b.WriteString("# compressed entry header\n" +
		"\ttype_len    :    5 bits\n" +
		"\ttime_delta  :   27 bits\n" +
		"\tarray       :   32 bits\n" +
		"\n" +
		"\tpadding     : type == 29\n" +
		"\ttime_extend : type == 30\n" +
		"\tdata max type_len  == 28\n")
	return b.flush8(w)
}

func writeEventFile(w io.Writer, et *eventschema.EventType, common []eventschema.Field) error {
	var b recordBuf
	b.WriteString(traceformat.Format(et, common))
	return b.flush8(w)
}

// bucketSystems groups event types by their system name into numbered
// buckets, always reserving bucket 1 for "ftrace" even if no event
// belongs to it, the way save_events_files' two-pass discovery does.
func bucketSystems(types []*eventschema.EventType) (ids []int, nrSystems int) {
	ids = make([]int, len(types))
	systemID := 1
	system := "ftrace"
	haveSystem := true

	for {
		for i, et := range types {
			if ids[i] != 0 {
				continue
			}
			if !haveSystem {
				system = et.System
				haveSystem = true
				ids[i] = systemID
				continue
			}
			if et.System == system {
				ids[i] = systemID
			}
		}
		if !haveSystem {
			break
		}
		systemID++
		haveSystem = false
	}

	return ids, systemID - 2
}

func writeSystemFiles(w io.Writer, types []*eventschema.EventType, common []eventschema.Field, ids []int, systemID int) error {
	total := int32(0)
	for _, id := range ids {
		if id == systemID {
			total++
		}
	}
	if err := binary.Write(w, nativeEndian, total); err != nil {
		return err
	}

	for i, et := range types {
		if ids[i] != systemID {
			continue
		}
		if err := writeEventFile(w, et, common); err != nil {
			return err
		}
	}
	return nil
}

func writeEventsFiles(w io.Writer, in *Input) error {
	ids, nrSystems := bucketSystems(in.EventTypes)

	if err := writeSystemFiles(w, in.EventTypes, in.CommonFields, ids, 1); err != nil {
		return err
	}

	if err := binary.Write(w, nativeEndian, int32(nrSystems)); err != nil {
		return err
	}

	for systemID := 2; systemID < nrSystems+2; systemID++ {
		var system string
		for i, id := range ids {
			if id == systemID {
				system = in.EventTypes[i].System
				break
			}
		}
		if _, err := w.Write(append([]byte(system), 0)); err != nil {
			return err
		}
		if err := writeSystemFiles(w, in.EventTypes, in.CommonFields, ids, systemID); err != nil {
			return err
		}
	}

	return nil
}

func writeProcKallsyms(w io.Writer, in *Input) error {
	var b recordBuf
	if in.Symbols != nil {
		in.Symbols(func(s inspector.Symbol) bool {
			if s.Module == "" {
				b.Printf("%x %c %s\n", uint64(s.Value), s.Type, s.Name)
			} else if !strings.HasPrefix(s.Name, "_MODULE_") {
				b.Printf("%x %c %s\t[%s]\n", uint64(s.Value), s.Type, s.Name, s.Module)
			}
			return true
		})
	}
	return b.flush4(w)
}

func escapePrintkString(s string) string {
	var out bytes.Buffer
	for _, r := range s {
		switch r {
		case '\n':
			out.WriteString("\\n")
		case '\t':
			out.WriteString("\\t")
		case '\\':
			out.WriteString("\\\\")
		case '"':
			out.WriteString("\\\"")
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

func writeFtracePrintk(w io.Writer, in *Input) error {
	if len(in.BprintkFormats) == 0 {
		return binary.Write(w, nativeEndian, uint32(0))
	}

	var b recordBuf
	for _, f := range in.BprintkFormats {
		b.Printf("0x%x : \"%s\"\n", uint64(f.Address), escapePrintkString(f.Text))
	}
	return b.flush4(w)
}

func writeFtraceCmdlines(w io.Writer, in *Input) error {
	var b recordBuf
	for _, t := range in.Cmdlines {
		b.Printf("%d %s\n", t.Pid, t.Comm)
	}
	return b.flush8(w)
}

func writeResData(w io.Writer, nrCPUBuffers int) error {
	if err := binary.Write(w, nativeEndian, int32(nrCPUBuffers)); err != nil {
		return err
	}
	if _, err := w.Write(append([]byte("options  "), 0)); err != nil {
		return err
	}
	if err := binary.Write(w, nativeEndian, uint16(0)); err != nil {
		return err
	}
	_, err := w.Write(append([]byte("flyrecord"), 0))
	return err
}

// writeRecordData writes the per-CPU (offset, size) table followed by
// the raw page data itself, page-aligned per the original's lseek
// rounding.
func writeRecordData(w io.WriteSeeker, insp inspector.Inspector, r *memreader.Reader, p *layout.Probe, in *Input) error {
	pos, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	pageSize := int64(in.PageSize)
	offset := pos + int64(len(in.CPUBuffers))*16
	offset = (offset + (pageSize - 1)) &^ (pageSize - 1)
	bufferOffset := offset

	for _, cb := range in.CPUBuffers {
		size := pageSize * int64(len(cb.LinearPages))
		if err := binary.Write(w, nativeEndian, uint64(bufferOffset)); err != nil {
			return err
		}
		if err := binary.Write(w, nativeEndian, uint64(size)); err != nil {
			return err
		}
		bufferOffset += size
	}

	if _, err := w.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	for _, cb := range in.CPUBuffers {
		for _, page := range cb.LinearPages {
			buf, err := ringbuffer.DumpPage(insp, r, p, page)
			if err != nil {
				return errors.Wrapf(err, "cpu %d page %s", cb.CPU, page)
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}

	return nil
}

