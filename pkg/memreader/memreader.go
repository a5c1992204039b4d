/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package memreader is the memory reader: a typed wrapper over
// the Inspector's raw byte-copy primitive. Every read in trace-extract's
// core goes through here so that word size and byte order are handled in
// one place instead of at each call site.
package memreader

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/crashutils/trace-extract/pkg/errdefs"
	"github.com/crashutils/trace-extract/pkg/inspector"
)

// Reader reads typed values out of a frozen dump image through an
// Inspector, using that inspector's word size and byte order.
type Reader struct {
	insp inspector.Inspector
	bo   binary.ByteOrder
}

// New builds a Reader bound to insp.
func New(insp inspector.Inspector) *Reader {
	bo := binary.ByteOrder(binary.LittleEndian)
	if insp.BigEndian() {
		bo = binary.BigEndian
	}
	return &Reader{insp: insp, bo: bo}
}

// Inspector returns the underlying Inspector, for callers that need
// layout or symbol lookups alongside typed reads.
func (r *Reader) Inspector() inspector.Inspector { return r.insp }

// ReadULong reads one native-width unsigned integer (4 or 8 bytes,
// per insp.LongSize) at addr.
func (r *Reader) ReadULong(addr inspector.Addr) (uint64, error) {
	buf := make([]byte, r.insp.LongSize())
	if !r.insp.ReadMem(addr, buf) {
		return 0, errors.Wrapf(errdefs.ErrReadFailed, "ulong at %s", addr)
	}
	return r.decodeUint(buf), nil
}

// ReadU32 reads a fixed 4-byte unsigned integer at addr.
func (r *Reader) ReadU32(addr inspector.Addr) (uint32, error) {
	var buf [4]byte
	if !r.insp.ReadMem(addr, buf[:]) {
		return 0, errors.Wrapf(errdefs.ErrReadFailed, "u32 at %s", addr)
	}
	return r.bo.Uint32(buf[:]), nil
}

// ReadU16 reads a fixed 2-byte unsigned integer at addr.
func (r *Reader) ReadU16(addr inspector.Addr) (uint16, error) {
	var buf [2]byte
	if !r.insp.ReadMem(addr, buf[:]) {
		return 0, errors.Wrapf(errdefs.ErrReadFailed, "u16 at %s", addr)
	}
	return r.bo.Uint16(buf[:]), nil
}

// ReadU8 reads a single byte at addr.
func (r *Reader) ReadU8(addr inspector.Addr) (uint8, error) {
	var buf [1]byte
	if !r.insp.ReadMem(addr, buf[:]) {
		return 0, errors.Wrapf(errdefs.ErrReadFailed, "u8 at %s", addr)
	}
	return buf[0], nil
}

// ReadAddr reads a native-width pointer value at addr and returns it as
// an Addr.
func (r *Reader) ReadAddr(addr inspector.Addr) (inspector.Addr, error) {
	v, err := r.ReadULong(addr)
	if err != nil {
		return 0, err
	}
	return inspector.Addr(v), nil
}

func (r *Reader) decodeUint(buf []byte) uint64 {
	if len(buf) == 4 {
		return uint64(r.bo.Uint32(buf))
	}
	return r.bo.Uint64(buf)
}

// ReadString reads a single NUL-terminated string at addr, up to max-1
// bytes, directly through the inspector.
func (r *Reader) ReadString(addr inspector.Addr, max int) (string, error) {
	s, ok := r.insp.ReadString(addr, max)
	if !ok {
		return "", errors.Wrapf(errdefs.ErrReadFailed, "string at %s", addr)
	}
	return s, nil
}

// ReadLongString reads a NUL-terminated string that may span several
// pages of the dump, growing its buffer by one page at a time until the
// terminator is found or limit is exceeded. This mirrors
// read_long_string()'s page-wise strategy: a single bounded ReadString
// can miss a terminator that falls exactly on a page boundary or lives
// past it, so the buffer is grown and re-read from the same start
// address rather than assumed to fit in one page.
func (r *Reader) ReadLongString(addr inspector.Addr, limit int) (string, error) {
	page := r.insp.PageSize()
	if page <= 0 {
		page = 4096
	}

	for sz := page; sz <= limit; sz += page {
		s, ok := r.insp.ReadString(addr, sz)
		// A string that fills the whole sz-1 byte window may have been cut
		// short before its terminator; only a shorter one is known complete.
		if ok && len(s) < sz-1 {
			return s, nil
		}
		if sz+page > limit && sz < limit {
			sz = limit - page
		}
	}

	s, ok := r.insp.ReadString(addr, limit)
	if !ok {
		return "", errors.Wrapf(errdefs.ErrReadFailed, "long string at %s", addr)
	}
	return s, nil
}
