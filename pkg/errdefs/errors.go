/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package errdefs holds the sentinel errors shared across trace-extract's
// packages, mirroring the error taxonomy of the crash-dump extension this
// module reimplements: layout mismatches abort initialization, topology
// anomalies and read failures are per-CPU/per-event, and filesystem/archive
// errors abort the current command.
package errdefs

import (
	"github.com/pkg/errors"
)

var (
	// ErrLayoutMismatch means a mandatory struct member is absent in the
	// probed kernel; initialization must abort and the extension must not
	// be registered.
	ErrLayoutMismatch = errors.New("mandatory struct layout missing")

	// ErrReadFailed means a read through the inspector's memory-read
	// primitive failed; it fails the current traversal only.
	ErrReadFailed = errors.New("kernel memory read failed")

	// ErrTopologyAnomaly means ring-buffer page enumeration found fewer or
	// more pages than nr_pages, or could not resolve the real head page.
	ErrTopologyAnomaly = errors.New("ring buffer topology anomaly")

	// ErrUnknownGetFields means an event's get_fields function pointer did
	// not match any known strategy (inline, syscall enter, syscall exit).
	ErrUnknownGetFields = errors.New("unknown get_fields function")

	// ErrNotFound is returned by caches and backends when a lookup misses.
	ErrNotFound = errors.New("not found")
)

// IsLayoutMismatch reports whether err is or wraps ErrLayoutMismatch.
func IsLayoutMismatch(err error) bool { return errors.Is(err, ErrLayoutMismatch) }

// IsTopologyAnomaly reports whether err is or wraps ErrTopologyAnomaly.
func IsTopologyAnomaly(err error) bool { return errors.Is(err, ErrTopologyAnomaly) }

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
