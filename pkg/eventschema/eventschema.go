/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package eventschema is the event schema extractor: it walks
// the kernel's ftrace_events list and, for each ftrace_event_call,
// resolves its id, name, system, print_fmt and field list. Kernels have
// shipped three different ways to reach a call's field list (inline on
// the call, behind ftrace_event_call.class, or behind a syscall
// get_fields function pointer); that decision is made once per call by
// layout.Probe and consumed here, never re-derived per field.
package eventschema

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/crashutils/trace-extract/pkg/errdefs"
	"github.com/crashutils/trace-extract/pkg/inspector"
	"github.com/crashutils/trace-extract/pkg/layout"
	"github.com/crashutils/trace-extract/pkg/memreader"
)

// maxCacheID is the id ceiling below which EventType lookups are served
// from a direct-indexed slice instead of the primary, owning slice.
const maxCacheID = 256

const maxNameLen = 128

// Field is one member of an event's trace record, as described by one
// ftrace_event_field.
type Field struct {
	Name     string
	Type     string
	Offset   int
	Size     int
	IsSigned bool
}

// EventType is one fully-resolved ftrace_event_call.
type EventType struct {
	Call     inspector.Addr
	ID       int
	System   string
	Name     string
	PrintFmt string
	Fields   []Field
	Plugin   bool // true for system == "ftrace"
}

// Extractor resolves EventTypes against one probed kernel.
type Extractor struct {
	r *memreader.Reader
	p *layout.Probe
}

// New builds an Extractor bound to r and p.
func New(r *memreader.Reader, p *layout.Probe) *Extractor {
	return &Extractor{r: r, p: p}
}

// Result is the outcome of walking the whole ftrace_events list: every
// event type in declaration order, an id<256 accelerator over the same
// values (non-owning, per the Design Notes' "avoid the sequence becoming
// two owners of the same data" concern), and the shared common fields
// every trace record starts with.
type Result struct {
	Types        []*EventType
	ByID         map[int]*EventType
	CommonFields []Field
}

// ExtractAll walks the ftrace_events list head and resolves every event
// type reachable from it, then resolves the common fields shared by
// every trace record. An event whose get_fields pointer matches no known
// strategy is logged and skipped; any other failure to resolve an event
// aborts the whole walk.
func (e *Extractor) ExtractAll(ftraceEvents inspector.Addr) (*Result, error) {
	res := &Result{ByID: make(map[int]*EventType)}

	pos, err := e.r.ReadAddr(ftraceEvents + inspector.Addr(e.p.ListHeadNext))
	if err != nil {
		return nil, errors.Wrap(err, "ftrace_events.next")
	}

	for pos != ftraceEvents {
		call := pos - inspector.Addr(e.p.EventCallList)

		et, err := e.resolveOne(call)
		if errors.Is(err, errdefs.ErrUnknownGetFields) {
			logrus.WithError(err).WithField("call", call).Warn("skipping event")
		} else if err != nil {
			return nil, errors.Wrapf(err, "event call at %s", call)
		} else {
			et.Plugin = et.System == "ftrace"

			res.Types = append(res.Types, et)
			if et.ID >= 0 && et.ID < maxCacheID {
				res.ByID[et.ID] = et
			}
		}

		pos, err = e.r.ReadAddr(pos + inspector.Addr(e.p.ListHeadNext))
		if err != nil {
			return nil, errors.Wrap(err, "list_head.next")
		}
	}

	common, err := e.commonFields()
	if err != nil {
		return nil, errors.Wrap(err, "common fields")
	}
	res.CommonFields = common

	return res, nil
}

func (e *Extractor) resolveOne(call inspector.Addr) (*EventType, error) {
	id, err := e.eventTypeID(call)
	if err != nil {
		return nil, errors.Wrap(err, "id")
	}
	name, err := e.eventTypeName(call)
	if err != nil {
		return nil, errors.Wrap(err, "name")
	}
	system, err := e.eventTypeSystem(call)
	if err != nil {
		return nil, errors.Wrap(err, "system")
	}
	printFmt, err := e.eventTypePrintFmt(call)
	if err != nil {
		return nil, errors.Wrap(err, "print_fmt")
	}

	fieldsHead, err := e.eventTypeFields(call)
	if err != nil {
		return nil, errors.Wrap(err, "fields")
	}
	fields, err := e.initEventFields(fieldsHead)
	if err != nil {
		return nil, errors.Wrap(err, "init fields")
	}

	return &EventType{
		Call:     call,
		ID:       id,
		System:   system,
		Name:     name,
		PrintFmt: printFmt,
		Fields:   fields,
	}, nil
}

// eventTypeID implements ftrace_get_event_type_id.
func (e *Extractor) eventTypeID(call inspector.Addr) (int, error) {
	p := e.p
	if p.HasCallID {
		v, err := e.r.ReadU32(call + inspector.Addr(p.EventCallID))
		return int(v), err
	}
	if p.EventType < 0 {
		return 0, errors.New("no id strategy resolved")
	}
	v, err := e.r.ReadU32(call + inspector.Addr(p.EventType))
	return int(v), err
}

// eventTypeName implements ftrace_get_event_type_name.
func (e *Extractor) eventTypeName(call inspector.Addr) (string, error) {
	nameOff, ok := e.nameOffset()
	if !ok {
		return "", errors.New("ftrace_event_call.name unavailable")
	}
	addr, err := e.r.ReadAddr(call + inspector.Addr(nameOff))
	if err != nil {
		return "", err
	}
	return e.r.ReadString(addr, maxNameLen)
}

func (e *Extractor) nameOffset() (int, bool) {
	return e.insp().MemberOffset("ftrace_event_call", "name")
}

// eventTypeSystem implements ftrace_get_event_type_system.
func (e *Extractor) eventTypeSystem(call inspector.Addr) (string, error) {
	if e.p.HasCallSystem {
		addr, err := e.r.ReadAddr(call + inspector.Addr(e.p.EventCallSystem))
		if err != nil {
			return "", err
		}
		return e.r.ReadString(addr, maxNameLen)
	}

	class, err := e.r.ReadAddr(call + inspector.Addr(e.p.EventCallClass))
	if err != nil {
		return "", err
	}
	addr, err := e.r.ReadAddr(class + inspector.Addr(e.p.ClassSystem))
	if err != nil {
		return "", err
	}
	return e.r.ReadString(addr, maxNameLen)
}

// eventTypePrintFmt implements ftrace_get_event_type_print_fmt.
func (e *Extractor) eventTypePrintFmt(call inspector.Addr) (string, error) {
	off, ok := e.insp().MemberOffset("ftrace_event_call", "print_fmt")
	if !ok || off < 0 {
		return "Unknown print_fmt", nil
	}
	addr, err := e.r.ReadAddr(call + inspector.Addr(off))
	if err != nil {
		return "", err
	}
	return e.r.ReadLongString(addr, 1<<20)
}

// eventTypeFields implements ftrace_get_event_type_fields: the
// three-way inline/class/syscall decision procedure.
func (e *Extractor) eventTypeFields(call inspector.Addr) (inspector.Addr, error) {
	p := e.p
	if p.FieldsStrategy == layout.FieldsInline {
		return call + inspector.Addr(p.EventCallFields), nil
	}

	class, err := e.r.ReadAddr(call + inspector.Addr(p.EventCallClass))
	if err != nil {
		return 0, errors.Wrap(err, "ftrace_event_call.class")
	}

	getFields, err := e.r.ReadAddr(class + inspector.Addr(p.ClassGetFields))
	if err != nil {
		return 0, errors.Wrap(err, "ftrace_event_class.get_fields")
	}

	if getFields.IsZero() {
		return class + inspector.Addr(p.ClassFields), nil
	}

	if getFields == p.SyscallGetEnterFieldsSym {
		return e.syscallEnterFields(call)
	}
	if getFields == p.SyscallGetExitFieldsSym {
		return e.syscallExitFields(call)
	}

	return 0, errors.Wrapf(errdefs.ErrUnknownGetFields, "at %s", getFields)
}

// syscallEnterFields implements syscall_get_enter_fields: the fields
// head lives at syscall_metadata.enter_fields, reached through
// ftrace_event_call.data.
func (e *Extractor) syscallEnterFields(call inspector.Addr) (inspector.Addr, error) {
	metadata, err := e.r.ReadAddr(call + inspector.Addr(e.p.EventCallData))
	if err != nil {
		return 0, errors.Wrap(err, "ftrace_event_call.data")
	}
	return metadata + inspector.Addr(e.p.SyscallMetaEnterFields), nil
}

// syscallExitFields implements syscall_get_exit_fields: newer kernels
// expose a single shared syscall_exit_fields symbol for every syscall
// exit event; older kernels keep a per-call syscall_metadata.exit_fields
// like the enter side.
func (e *Extractor) syscallExitFields(call inspector.Addr) (inspector.Addr, error) {
	if !e.p.SyscallExitFieldsSymbol.IsZero() {
		return e.p.SyscallExitFieldsSymbol, nil
	}
	metadata, err := e.r.ReadAddr(call + inspector.Addr(e.p.EventCallData))
	if err != nil {
		return 0, errors.Wrap(err, "ftrace_event_call.data")
	}
	return metadata + inspector.Addr(e.p.SyscallMetaExitFields), nil
}

// initEventFields implements ftrace_init_event_fields: it walks a
// ftrace_event_field list_head and resolves every field hanging off it.
// An empty head (zero next pointer) means no fields, not a failure.
func (e *Extractor) initEventFields(fieldsHead inspector.Addr) ([]Field, error) {
	pos, err := e.r.ReadAddr(fieldsHead + inspector.Addr(e.p.ListHeadNext))
	if err != nil {
		return nil, errors.Wrap(err, "fields_head.next")
	}
	if pos.IsZero() {
		return nil, nil
	}

	var fields []Field
	for pos != fieldsHead {
		field := pos - inspector.Addr(e.p.EventFieldLink)

		nameAddr, err := e.r.ReadAddr(field + inspector.Addr(e.p.EventFieldName))
		if err != nil {
			return nil, errors.Wrap(err, "ftrace_event_field.name")
		}
		typeAddr, err := e.r.ReadAddr(field + inspector.Addr(e.p.EventFieldType))
		if err != nil {
			return nil, errors.Wrap(err, "ftrace_event_field.type")
		}
		offset, err := e.r.ReadU32(field + inspector.Addr(e.p.EventFieldOffset))
		if err != nil {
			return nil, errors.Wrap(err, "ftrace_event_field.offset")
		}
		size, err := e.r.ReadU32(field + inspector.Addr(e.p.EventFieldSize))
		if err != nil {
			return nil, errors.Wrap(err, "ftrace_event_field.size")
		}
		isSigned, err := e.r.ReadU32(field + inspector.Addr(e.p.EventFieldIsSigned))
		if err != nil {
			return nil, errors.Wrap(err, "ftrace_event_field.is_signed")
		}

		name, err := e.r.ReadString(nameAddr, maxNameLen)
		if err != nil {
			return nil, errors.Wrap(err, "field name")
		}
		typ, err := e.r.ReadString(typeAddr, maxNameLen)
		if err != nil {
			return nil, errors.Wrap(err, "field type")
		}

		fields = append(fields, Field{
			Name:     name,
			Type:     typ,
			Offset:   int(offset),
			Size:     int(size),
			IsSigned: isSigned != 0,
		})

		pos, err = e.r.ReadAddr(pos + inspector.Addr(e.p.ListHeadNext))
		if err != nil {
			return nil, errors.Wrap(err, "list_head.next")
		}
	}

	return fields, nil
}

// commonFields implements ftrace_init_common_fields: the fields shared
// by every trace record (common_type, common_flags, ...) hang off the
// ftrace_common_fields symbol; a kernel that lacks that symbol (ancient
// or heavily stripped) simply has no common fields.
func (e *Extractor) commonFields() ([]Field, error) {
	addr, ok := e.insp().Lookup("ftrace_common_fields")
	if !ok {
		return nil, nil
	}
	return e.initEventFields(addr)
}

func (e *Extractor) insp() inspector.Inspector {
	return e.r.Inspector()
}
