/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package inspector defines the boundary between trace-extract's core
// (ring-buffer topology, event-schema extraction, archive serialization)
// and its host: a kernel-crash-dump inspector that owns the symbol/type
// debug-info database, the raw memory-read primitive, and the
// running-task table. trace-extract never talks to a live kernel; every
// read in this package is a read of a frozen dump image through the
// Inspector the host provides.
package inspector

import "fmt"

// Addr is a kernel virtual address as recorded in the dump.
type Addr uint64

// IsZero reports whether addr is the null address, which the dump uses to
// mean "absent" for per-CPU ring-buffer pointers and optional fields.
func (a Addr) IsZero() bool { return a == 0 }

func (a Addr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// TypeKind classifies how a struct member is laid out, distinguishing a
// single embedded pointer from an embedded array or list head -- this is
// how the Layout Probe tells a lockless ring_buffer_per_cpu.pages (a bare
// pointer) from a classic one (an embedded list_head).
type TypeKind int

const (
	KindOther TypeKind = iota
	KindArray
	KindPointer
)

// TypeLayout answers struct-layout questions against the debug-info the
// host loaded for the dumped kernel. A negative offset or false exists
// means the member is absent in this kernel build.
type TypeLayout interface {
	MemberOffset(structName, member string) (offset int, ok bool)
	MemberSize(structName, member string) (size int, ok bool)
	MemberExists(structName, member string) bool
	MemberTypeKind(structName, member string) TypeKind
}

// MemReader copies bytes out of the frozen dump image, addressed by
// kernel virtual address. It never blocks on external I/O and never
// mutates the dump.
type MemReader interface {
	// ReadMem copies len(dst) bytes from addr into dst. false means the
	// address is unmapped or unreadable in this dump.
	ReadMem(addr Addr, dst []byte) bool

	// ReadString reads up to max-1 bytes starting at addr, stopping at the
	// first NUL. false means the read failed before any NUL was found.
	ReadString(addr Addr, max int) (string, bool)
}

// Symbol is one entry of the kernel's symbol table.
type Symbol struct {
	Value  Addr
	Type   byte
	Name   string
	Module string // empty for the vmlinux image itself
}

// SymbolTable resolves named kernel symbols to addresses and iterates the
// full symbol table, including per-module symbols, for kallsyms export.
type SymbolTable interface {
	Lookup(name string) (Addr, bool)
	// Symbols yields every symbol known to the dump, vmlinux first, then
	// modules; implementations should preserve that order since the
	// tracing-tree and archive writers rely on it for stable output.
	Symbols(yield func(Symbol) bool)
}

// Task is a running task's identity, as surfaced by the host's task
// enumerator; used only to populate saved_cmdlines.
type Task struct {
	Pid  int
	Comm string
}

// TaskEnumerator lists the tasks known to the dump at capture time.
type TaskEnumerator interface {
	Tasks() []Task
}

// Inspector is everything trace-extract's core needs from its host. A
// production host implements it on top of its own symbol/debug-info
// database and raw-read primitive; this module ships one concrete,
// self-contained implementation (pkg/inspector/btfsource) so the CLI is
// exercisable without a real crash-dump host.
type Inspector interface {
	TypeLayout
	MemReader
	SymbolTable
	TaskEnumerator

	// PageSize is the dumped kernel's MMU page size in bytes.
	PageSize() int
	// LongSize is sizeof(long) for the dumped kernel's architecture.
	LongSize() int
	// BigEndian reports the byte order of the dumped kernel, which need
	// not match the host's own byte order.
	BigEndian() bool
}
