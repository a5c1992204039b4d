/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package traceformat renders one event type's "format" text: the
// same content trace-cmd expects under
// events/<system>/<event>/format in a tracing tree, and the same bytes
// the v6 archive embeds per event file. The original extension this
// module reimplements built this text twice, once for the tree dump and
// once for the archive writer, with the two copies drifting apart over
// time; trace-extract keeps one formatter and feeds it from both C5 and
// C6.
package traceformat

import (
	"strconv"
	"strings"

	"github.com/crashutils/trace-extract/pkg/eventschema"
)

// defaultCommonFieldCount is how many of an event's own trailing fields
// are the common fields, on kernels old enough to lack a standalone
// ftrace_common_fields symbol.
const defaultCommonFieldCount = 5

// Format renders "name: ...\nID: ...\nformat:\n\t<common fields>\n\n\t<event
// fields>\n\nprint fmt: ...\n" for et. common is the shared common-field
// list resolved once per kernel (eventschema.Result.CommonFields); it may
// be empty on kernels where the common fields must instead be sliced off
// the end of et.Fields.
func Format(et *eventschema.EventType, common []eventschema.Field) string {
	var b strings.Builder

	b.WriteString("name: ")
	b.WriteString(et.Name)
	b.WriteString("\nID: ")
	b.WriteString(strconv.Itoa(et.ID))
	b.WriteString("\nformat:\n")

	commonFields, eventFields := splitCommonFields(et, common)

	writeFields(&b, commonFields)
	b.WriteString("\n")
	writeFields(&b, eventFields)

	b.WriteString("\nprint fmt: ")
	b.WriteString(et.PrintFmt)
	b.WriteString("\n")

	return b.String()
}

// splitCommonFields separates an event's own fields from the common
// fields every trace record starts with, the way ftrace_dump_event_type
// does: use the resolved common-field table when the kernel has one,
// else assume the trailing defaultCommonFieldCount fields of the event
// itself (fields are walked event-specific first, common last) are the
// common fields.
func splitCommonFields(et *eventschema.EventType, common []eventschema.Field) (commonFields, eventFields []eventschema.Field) {
	if len(common) > 0 {
		return common, et.Fields
	}

	n := defaultCommonFieldCount
	if n > len(et.Fields) {
		n = len(et.Fields)
	}
	split := len(et.Fields) - n
	return et.Fields[split:], et.Fields[:split]
}

// writeFields writes fields in reverse declaration order, matching the
// original's "for (i = nfields - 1; i >= 0; i--)" walk: fields are
// linked onto their list_head with newest-first, so printing in reverse
// restores declaration order.
func writeFields(b *strings.Builder, fields []eventschema.Field) {
	for i := len(fields) - 1; i >= 0; i-- {
		writeField(b, fields[i])
	}
}

// writeField renders one field line, splitting a trailing array
// descriptor ("char[8]") off the type so the variable name ends up
// between the element type and the brackets ("char foo[8]"), the way C
// declares arrays. A __data_loc field is a variable-length descriptor,
// not a fixed array, and must not be split.
func writeField(b *strings.Builder, f eventschema.Field) {
	typ := f.Type
	name := f.Name

	if !strings.HasPrefix(typ, "__data_loc") {
		if idx := strings.IndexByte(typ, '['); idx >= 0 {
			name = name + typ[idx:]
			typ = typ[:idx]
		}
	}

	signed := 0
	if f.IsSigned {
		signed = 1
	}

	b.WriteString("\tfield:")
	b.WriteString(typ)
	b.WriteString(" ")
	b.WriteString(name)
	b.WriteString(";\toffset:")
	b.WriteString(strconv.Itoa(f.Offset))
	b.WriteString(";\tsize:")
	b.WriteString(strconv.Itoa(f.Size))
	b.WriteString(";\tsigned:")
	b.WriteString(strconv.Itoa(signed))
	b.WriteString(";\n")
}
