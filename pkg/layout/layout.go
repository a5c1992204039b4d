/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package layout is the layout probe: it resolves, once at
// startup, every struct-member offset the ring-buffer and event-schema
// walkers need, and decides which of several schema variants the probed
// kernel uses. Kernels have changed these structs across versions; the
// rest of trace-extract expresses that as a handful of booleans and
// addresses chosen here, instead of re-testing the kernel version at
// every call site (see the Design Notes' "Schema variant selection").
package layout

import (
	"github.com/pkg/errors"

	"github.com/crashutils/trace-extract/pkg/errdefs"
	"github.com/crashutils/trace-extract/pkg/inspector"
)

// FieldsStrategy selects how the Event Schema Extractor locates an event's
// field-list head.
type FieldsStrategy int

const (
	// FieldsInline means ftrace_event_call.fields exists directly.
	FieldsInline FieldsStrategy = iota
	// FieldsViaClass means fields live on ftrace_event_call.class, reached
	// through an optional get_fields indirection.
	FieldsViaClass
)

// Probe holds every offset and schema decision resolved against one
// kernel's debug info. It is built once and is immutable thereafter.
type Probe struct {
	insp inspector.Inspector

	// trace_array / tracer
	TraceArrayBuffer int
	TracerName       int

	// ring_buffer
	RingBufferPages   int // absent when PerCPUBufferSizes
	RingBufferFlags   int
	RingBufferCPUs    int
	RingBufferBuffers int

	// ring_buffer_per_cpu
	PerCPUCPU        int
	PerCPUPages      int
	PerCPUNrPages    int // only valid when PerCPUBufferSizes
	PerCPUHeadPage   int
	PerCPUTailPage   int
	PerCPUCommitPage int
	PerCPUReaderPage int
	PerCPUOverrun    int
	PerCPUEntries    int

	// buffer_page
	BufferPageRead int
	BufferPageList int
	BufferPagePage int

	// list_head
	ListHeadNext int

	// ftrace_event_call
	EventCallList int

	// ftrace_event_field
	EventFieldLink     int
	EventFieldName     int
	EventFieldType     int
	EventFieldOffset   int
	EventFieldSize     int
	EventFieldIsSigned int

	// Schema variant decisions.
	LocklessRingBuffer bool
	PerCPUBufferSizes  bool

	FieldsStrategy  FieldsStrategy
	EventCallFields int // valid when FieldsStrategy == FieldsInline
	EventCallClass  int
	ClassFields     int
	ClassGetFields  int
	ClassSystem     int
	EventCallSystem int // valid if ftrace_event_call exposes its own "system"
	HasCallSystem   bool

	HasCallID   bool
	EventCallID int // valid if ftrace_event_call exposes its own "id"
	EventType   int // call->event.type fallback offset, when !HasCallID

	SyscallGetEnterFieldsSym inspector.Addr
	SyscallGetExitFieldsSym  inspector.Addr
	SyscallExitFieldsSymbol  inspector.Addr // standalone newer-kernel symbol, zero if absent
	EventCallData            int
	SyscallMetaEnterFields   int
	SyscallMetaExitFields    int
}

// NewProbe resolves the Layout Probe against insp. A missing mandatory
// member aborts with errdefs.ErrLayoutMismatch; the caller must not
// register the extension when this returns an error.
func NewProbe(insp inspector.Inspector) (*Probe, error) {
	p := &Probe{insp: insp}

	var err error
	if p.TraceArrayBuffer, err = require(insp, "trace_array", "buffer"); err != nil {
		return nil, err
	}
	if p.TracerName, err = require(insp, "tracer", "name"); err != nil {
		return nil, err
	}

	p.PerCPUBufferSizes = insp.MemberExists("ring_buffer_per_cpu", "nr_pages")
	if p.PerCPUBufferSizes {
		if p.PerCPUNrPages, err = require(insp, "ring_buffer_per_cpu", "nr_pages"); err != nil {
			return nil, err
		}
	} else {
		if p.RingBufferPages, err = require(insp, "ring_buffer", "pages"); err != nil {
			return nil, err
		}
	}
	if p.RingBufferFlags, err = require(insp, "ring_buffer", "flags"); err != nil {
		return nil, err
	}
	if p.RingBufferCPUs, err = require(insp, "ring_buffer", "cpus"); err != nil {
		return nil, err
	}
	if p.RingBufferBuffers, err = require(insp, "ring_buffer", "buffers"); err != nil {
		return nil, err
	}

	if size, ok := insp.MemberSize("ring_buffer_per_cpu", "pages"); ok && size == insp.LongSize() {
		p.LocklessRingBuffer = true
	}

	if p.PerCPUCPU, err = require(insp, "ring_buffer_per_cpu", "cpu"); err != nil {
		return nil, err
	}
	if p.PerCPUPages, err = require(insp, "ring_buffer_per_cpu", "pages"); err != nil {
		return nil, err
	}
	if p.PerCPUHeadPage, err = require(insp, "ring_buffer_per_cpu", "head_page"); err != nil {
		return nil, err
	}
	if p.PerCPUTailPage, err = require(insp, "ring_buffer_per_cpu", "tail_page"); err != nil {
		return nil, err
	}
	if p.PerCPUCommitPage, err = require(insp, "ring_buffer_per_cpu", "commit_page"); err != nil {
		return nil, err
	}
	if p.PerCPUReaderPage, err = require(insp, "ring_buffer_per_cpu", "reader_page"); err != nil {
		return nil, err
	}
	if p.PerCPUOverrun, err = require(insp, "ring_buffer_per_cpu", "overrun"); err != nil {
		return nil, err
	}
	if p.PerCPUEntries, err = require(insp, "ring_buffer_per_cpu", "entries"); err != nil {
		return nil, err
	}

	if p.BufferPageRead, err = require(insp, "buffer_page", "read"); err != nil {
		return nil, err
	}
	if p.BufferPageList, err = require(insp, "buffer_page", "list"); err != nil {
		return nil, err
	}
	if p.BufferPagePage, err = require(insp, "buffer_page", "page"); err != nil {
		return nil, err
	}

	if p.ListHeadNext, err = require(insp, "list_head", "next"); err != nil {
		return nil, err
	}

	if p.EventCallList, err = require(insp, "ftrace_event_call", "list"); err != nil {
		return nil, err
	}

	if p.EventFieldLink, err = require(insp, "ftrace_event_field", "link"); err != nil {
		return nil, err
	}
	if p.EventFieldName, err = require(insp, "ftrace_event_field", "name"); err != nil {
		return nil, err
	}
	if p.EventFieldType, err = require(insp, "ftrace_event_field", "type"); err != nil {
		return nil, err
	}
	if p.EventFieldOffset, err = require(insp, "ftrace_event_field", "offset"); err != nil {
		return nil, err
	}
	if p.EventFieldSize, err = require(insp, "ftrace_event_field", "size"); err != nil {
		return nil, err
	}
	if p.EventFieldIsSigned, err = require(insp, "ftrace_event_field", "is_signed"); err != nil {
		return nil, err
	}

	p.resolveFieldsStrategy()
	p.resolveIDStrategy()
	p.resolveSyscallStrategy()

	if p.HasCallSystem {
		// no-op, kept for readability of the decision procedure below
	}

	return p, nil
}

func require(insp inspector.TypeLayout, structName, member string) (int, error) {
	off, ok := insp.MemberOffset(structName, member)
	if !ok || off < 0 {
		return 0, errors.Wrapf(errdefs.ErrLayoutMismatch, "%s.%s", structName, member)
	}
	return off, nil
}

func optional(insp inspector.TypeLayout, structName, member string) (int, bool) {
	off, ok := insp.MemberOffset(structName, member)
	if !ok || off < 0 {
		return -1, false
	}
	return off, true
}

// resolveFieldsStrategy decides once whether fields live inline on the
// call or behind call.class, and caches the class/get_fields offsets
// either way.
func (p *Probe) resolveFieldsStrategy() {
	p.FieldsStrategy = FieldsViaClass
	if off, ok := optional(p.insp, "ftrace_event_call", "fields"); ok {
		p.FieldsStrategy = FieldsInline
		p.EventCallFields = off
	}

	p.EventCallClass, _ = optional(p.insp, "ftrace_event_call", "class")
	p.ClassFields, _ = optional(p.insp, "ftrace_event_class", "fields")
	p.ClassGetFields, _ = optional(p.insp, "ftrace_event_class", "get_fields")
	p.ClassSystem, _ = optional(p.insp, "ftrace_event_class", "system")

	if off, ok := optional(p.insp, "ftrace_event_call", "system"); ok {
		p.HasCallSystem = true
		p.EventCallSystem = off
	}

	if sym, ok := p.insp.Lookup("syscall_get_enter_fields"); ok {
		p.SyscallGetEnterFieldsSym = sym
	}
	if sym, ok := p.insp.Lookup("syscall_get_exit_fields"); ok {
		p.SyscallGetExitFieldsSym = sym
	}
}

// resolveIDStrategy decides between two ways to reach an event's id: it
// lives directly on the call on older kernels, or as call.event.type on
// newer ones.
func (p *Probe) resolveIDStrategy() {
	if off, ok := optional(p.insp, "ftrace_event_call", "id"); ok {
		p.HasCallID = true
		p.EventCallID = off
		return
	}

	f1, ok1 := optional(p.insp, "ftrace_event_call", "event")
	f2, ok2 := optional(p.insp, "trace_event", "type")
	if ok1 && ok2 {
		p.EventType = f1 + f2
	} else {
		p.EventType = -1
	}
}

// resolveSyscallStrategy resolves the syscall_get_{enter,exit}_fields
// function-pointer values and the offsets needed to reach
// syscall_metadata.{enter,exit}_fields through ftrace_event_call.data.
func (p *Probe) resolveSyscallStrategy() {
	p.EventCallData, _ = optional(p.insp, "ftrace_event_call", "data")
	p.SyscallMetaEnterFields, _ = optional(p.insp, "syscall_metadata", "enter_fields")
	p.SyscallMetaExitFields, _ = optional(p.insp, "syscall_metadata", "exit_fields")

	if sym, ok := p.insp.Lookup("syscall_exit_fields"); ok {
		p.SyscallExitFieldsSymbol = sym
	}
}
