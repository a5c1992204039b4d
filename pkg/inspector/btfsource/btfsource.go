/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package btfsource is a concrete inspector.Inspector: it answers struct
// layout questions from a vmlinux BTF blob via cilium/ebpf/btf, and reads
// memory from a flat image file captured alongside it. It exists so
// trace-extract is runnable end-to-end without a real crash-dump host --
// a production host has its own debug-info database and raw-read
// primitive and would implement inspector.Inspector directly against
// those instead of going through this package.
package btfsource

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/btf"
	"github.com/pkg/errors"

	"github.com/crashutils/trace-extract/pkg/inspector"
)

// Config describes the flat files a Source is built from.
type Config struct {
	BTFPath    string // vmlinux BTF blob (e.g. /sys/kernel/btf/vmlinux or a saved copy)
	ImagePath  string // flat physical/virtual memory image captured from the dump
	BaseAddr   inspector.Addr // the kernel virtual address ImagePath's byte 0 corresponds to
	SymbolPath string // optional kallsyms-format text file: "<hex addr> <type> <name> [module]"
	TasksPath  string // optional text file: "<pid> <comm>" per line

	PageSize  int
	LongSize  int
	BigEndian bool
}

// Source is a Config resolved against its files.
type Source struct {
	cfg  Config
	spec *btf.Spec
	img  *os.File

	symbols   []inspector.Symbol
	byName    map[string]inspector.Addr
	tasks     []inspector.Task
}

// Open loads the BTF spec and opens the memory image; symbol and task
// files are optional and simply yield empty results when absent.
func Open(cfg Config) (*Source, error) {
	spec, err := btf.LoadSpec(cfg.BTFPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load BTF spec %s", cfg.BTFPath)
	}

	img, err := os.Open(cfg.ImagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open memory image %s", cfg.ImagePath)
	}

	s := &Source{cfg: cfg, spec: spec, img: img, byName: make(map[string]inspector.Addr)}

	if cfg.SymbolPath != "" {
		if err := s.loadSymbols(cfg.SymbolPath); err != nil {
			img.Close()
			return nil, errors.Wrap(err, "load symbols")
		}
	}
	if cfg.TasksPath != "" {
		if err := s.loadTasks(cfg.TasksPath); err != nil {
			img.Close()
			return nil, errors.Wrap(err, "load tasks")
		}
	}

	return s, nil
}

// Close releases the open memory image file.
func (s *Source) Close() error { return s.img.Close() }

func (s *Source) loadSymbols(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		sym := inspector.Symbol{
			Value: inspector.Addr(v),
			Type:  fields[1][0],
			Name:  fields[2],
		}
		if len(fields) >= 4 {
			sym.Module = strings.Trim(fields[3], "[]")
		}
		s.symbols = append(s.symbols, sym)
		if _, exists := s.byName[sym.Name]; !exists {
			s.byName[sym.Name] = sym.Value
		}
	}
	return scanner.Err()
}

func (s *Source) loadTasks(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 2)
		if len(fields) != 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		s.tasks = append(s.tasks, inspector.Task{Pid: pid, Comm: fields[1]})
	}
	return scanner.Err()
}

// findStruct resolves a struct type by name, peeling off qualifiers BTF
// may wrap it in.
func (s *Source) findStruct(name string) (*btf.Struct, bool) {
	typ, err := s.spec.AnyTypeByName(name)
	if err != nil {
		return nil, false
	}
	st, ok := underlying(typ).(*btf.Struct)
	return st, ok
}

func (s *Source) member(structName, name string) (btf.Member, bool) {
	st, ok := s.findStruct(structName)
	if !ok {
		return btf.Member{}, false
	}
	for _, m := range st.Members {
		if m.Name == name {
			return m, true
		}
	}
	return btf.Member{}, false
}

// underlying peels Typedef/Const/Volatile/Restrict wrappers off t.
func underlying(t btf.Type) btf.Type {
	for {
		switch v := t.(type) {
		case *btf.Typedef:
			t = v.Type
		case *btf.Const:
			t = v.Type
		case *btf.Volatile:
			t = v.Type
		case *btf.Restrict:
			t = v.Type
		default:
			return t
		}
	}
}

// MemberOffset implements inspector.TypeLayout.
func (s *Source) MemberOffset(structName, name string) (int, bool) {
	m, ok := s.member(structName, name)
	if !ok {
		return -1, false
	}
	return int(m.Offset.Bytes()), true
}

// MemberSize implements inspector.TypeLayout.
func (s *Source) MemberSize(structName, name string) (int, bool) {
	m, ok := s.member(structName, name)
	if !ok {
		return 0, false
	}
	sz, err := btf.Sizeof(underlying(m.Type))
	if err != nil {
		return 0, false
	}
	return sz, true
}

// MemberExists implements inspector.TypeLayout.
func (s *Source) MemberExists(structName, name string) bool {
	_, ok := s.member(structName, name)
	return ok
}

// MemberTypeKind implements inspector.TypeLayout.
func (s *Source) MemberTypeKind(structName, name string) inspector.TypeKind {
	m, ok := s.member(structName, name)
	if !ok {
		return inspector.KindOther
	}
	switch underlying(m.Type).(type) {
	case *btf.Array:
		return inspector.KindArray
	case *btf.Pointer:
		return inspector.KindPointer
	default:
		return inspector.KindOther
	}
}

// ReadMem implements inspector.MemReader by reading out of the flat
// image file at addr - BaseAddr.
func (s *Source) ReadMem(addr inspector.Addr, dst []byte) bool {
	if addr < s.cfg.BaseAddr {
		return false
	}
	off := int64(addr - s.cfg.BaseAddr)
	n, err := s.img.ReadAt(dst, off)
	return err == nil && n == len(dst)
}

// ReadString implements inspector.MemReader.
func (s *Source) ReadString(addr inspector.Addr, max int) (string, bool) {
	buf := make([]byte, max)
	if !s.ReadMem(addr, buf) {
		// Tolerate a short read at end-of-image, matching a NUL-terminated
		// string that simply doesn't need the full max bytes, as long as
		// the NUL lies within the bytes that could be read.
		off := int64(addr - s.cfg.BaseAddr)
		n, _ := s.img.ReadAt(buf, off)
		if indexByte(buf[:n], 0) < 0 {
			return "", false
		}
		buf = buf[:n]
	}
	if idx := indexByte(buf, 0); idx >= 0 {
		buf = buf[:idx]
	} else if max > 0 {
		buf = buf[:max-1]
	}
	return string(buf), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Lookup implements inspector.SymbolTable.
func (s *Source) Lookup(name string) (inspector.Addr, bool) {
	v, ok := s.byName[name]
	return v, ok
}

// Symbols implements inspector.SymbolTable.
func (s *Source) Symbols(yield func(inspector.Symbol) bool) {
	for _, sym := range s.symbols {
		if !yield(sym) {
			return
		}
	}
}

// Tasks implements inspector.TaskEnumerator.
func (s *Source) Tasks() []inspector.Task { return s.tasks }

// PageSize implements inspector.Inspector.
func (s *Source) PageSize() int { return s.cfg.PageSize }

// LongSize implements inspector.Inspector.
func (s *Source) LongSize() int { return s.cfg.LongSize }

// BigEndian implements inspector.Inspector.
func (s *Source) BigEndian() bool { return s.cfg.BigEndian }

var _ inspector.Inspector = (*Source)(nil)
