/*
 * Copyright (c) 2024. trace-extract authors. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package ringbuffer is the ring topology resolver: given one
// ring_buffer_per_cpu's control-block fields already read off the dump,
// it walks the page list hanging off it, finds the true head page behind
// the lockless ring's 2-bit tagged next pointer, and linearizes the
// [reader_page] + [real_head_page .. commit_page] sequence the rest of
// trace-extract dumps or archives.
package ringbuffer

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/crashutils/trace-extract/pkg/errdefs"
	"github.com/crashutils/trace-extract/pkg/inspector"
	"github.com/crashutils/trace-extract/pkg/layout"
	"github.com/crashutils/trace-extract/pkg/memreader"
)

// tagMask isolates the 2 low bits the lockless ring buffer borrows from
// a buffer_page's embedded list_head.next to mark the head page.
const tagMask = 0x3

// PerCPU is one CPU's resolved ring-buffer topology: its control-block
// fields plus the page list and linearized dump order.
type PerCPU struct {
	CPU    int
	KAddr  inspector.Addr
	Absent bool // true when the ring_buffer's per-CPU slot is NULL

	HeadPage   inspector.Addr
	TailPage   inspector.Addr
	CommitPage inspector.Addr
	ReaderPage inspector.Addr
	Overrun    uint64
	Entries    uint64
	NrPages    int

	// Pages holds every buffer_page address in ring (next-pointer) order,
	// starting from an arbitrary page and wrapping back to it.
	Pages []inspector.Addr

	RealHeadPage  inspector.Addr
	HeadPageIndex int

	// LinearPages is reader_page followed by real_head_page..commit_page
	// in ring order; this is the sequence trace-cmd expects on dump.
	LinearPages []inspector.Addr

	// Truncated is set when commit_page could not be reached while
	// walking forward from real_head_page -- the ring's commit_page may
	// be corrupted. LinearPages still holds a best-effort sequence.
	Truncated bool
}

// Resolve walks every CPU slot of a ring_buffer at ringBuffer and returns
// one entry per slot (nrCPUs long); a CPU whose pointer is NULL is
// reported as Absent rather than omitted, so callers can report it by
// index, and a CPU whose control block or page list fails to resolve is
// logged and left nil. defaultPages is used when the kernel does not
// carry a per-CPU page count (layout.Probe.PerCPUBufferSizes == false).
func Resolve(r *memreader.Reader, p *layout.Probe, ringBuffer inspector.Addr, nrCPUs int, defaultPages int) ([]*PerCPU, error) {
	buffersArray, err := r.ReadAddr(ringBuffer + inspector.Addr(p.RingBufferBuffers))
	if err != nil {
		return nil, errors.Wrap(err, "ring_buffer.buffers")
	}

	longSize := r.Inspector().LongSize()
	out := make([]*PerCPU, nrCPUs)
	for i := 0; i < nrCPUs; i++ {
		slotAddr := buffersArray + inspector.Addr(i*longSize)
		kaddr, err := r.ReadAddr(slotAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "ring_buffer.buffers[%d]", i)
		}
		if kaddr.IsZero() {
			out[i] = &PerCPU{CPU: i, Absent: true}
			continue
		}

		cb := &PerCPU{CPU: i, KAddr: kaddr}
		if err := readControlBlock(r, p, cb); err != nil {
			logrus.WithError(err).WithField("cpu", i).Warn("skipping cpu: control block unreadable")
			continue
		}

		pages := defaultPages
		if p.PerCPUBufferSizes {
			pages = cb.NrPages
		} else {
			cb.NrPages = pages
		}

		if err := initPages(r, p, cb, pages); err != nil {
			logrus.WithError(err).WithField("cpu", i).Warn("skipping cpu: ring topology did not resolve")
			continue
		}

		out[i] = cb
	}

	return out, nil
}

func readControlBlock(r *memreader.Reader, p *layout.Probe, cb *PerCPU) error {
	var err error
	if cb.HeadPage, err = r.ReadAddr(cb.KAddr + inspector.Addr(p.PerCPUHeadPage)); err != nil {
		return err
	}
	if cb.TailPage, err = r.ReadAddr(cb.KAddr + inspector.Addr(p.PerCPUTailPage)); err != nil {
		return err
	}
	if cb.CommitPage, err = r.ReadAddr(cb.KAddr + inspector.Addr(p.PerCPUCommitPage)); err != nil {
		return err
	}
	if cb.ReaderPage, err = r.ReadAddr(cb.KAddr + inspector.Addr(p.PerCPUReaderPage)); err != nil {
		return err
	}
	overrun, err := r.ReadULong(cb.KAddr + inspector.Addr(p.PerCPUOverrun))
	if err != nil {
		return err
	}
	cb.Overrun = overrun
	entries, err := r.ReadULong(cb.KAddr + inspector.Addr(p.PerCPUEntries))
	if err != nil {
		return err
	}
	cb.Entries = entries

	if p.PerCPUBufferSizes {
		nrPages, err := r.ReadULong(cb.KAddr + inspector.Addr(p.PerCPUNrPages))
		if err != nil {
			return err
		}
		cb.NrPages = int(nrPages)
	}
	return nil
}

// initPages implements ftrace_init_pages: it walks the page list hanging
// off cb, disambiguates the real head page via the lockless ring's
// tagged next pointer, then linearizes reader_page followed by
// real_head_page..commit_page in ring order.
func initPages(r *memreader.Reader, p *layout.Probe, cb *PerCPU, nrPages int) error {
	if nrPages <= 0 {
		return errors.Wrap(errdefs.ErrTopologyAnomaly, "non-positive page count")
	}

	cb.Pages = make([]inspector.Addr, 0, nrPages)
	realHeadPage := cb.HeadPage

	var head, page inspector.Addr
	if p.LocklessRingBuffer {
		v, err := r.ReadAddr(cb.KAddr + inspector.Addr(p.PerCPUPages))
		if err != nil {
			return errors.Wrap(err, "ring_buffer_per_cpu.pages")
		}
		head = v
		cb.Pages = append(cb.Pages, head-inspector.Addr(p.BufferPageList))
	} else {
		head = cb.KAddr + inspector.Addr(p.PerCPUPages)
	}

	page = head
	for {
		next, err := r.ReadAddr(page + inspector.Addr(p.ListHeadNext))
		if err != nil {
			return errors.Wrap(err, "list_head.next")
		}
		page = next

		if page&tagMask != 0 {
			page &= ^inspector.Addr(tagMask)
			realHeadPage = page - inspector.Addr(p.BufferPageList)
		}

		if len(cb.Pages) == nrPages {
			break
		}

		if page == head {
			return errors.Wrapf(errdefs.ErrTopologyAnomaly, "fewer pages than %d", nrPages)
		}

		cb.Pages = append(cb.Pages, page-inspector.Addr(p.BufferPageList))
	}

	if page != head {
		return errors.Wrapf(errdefs.ErrTopologyAnomaly, "more pages than %d", nrPages)
	}

	cb.RealHeadPage = realHeadPage
	cb.HeadPageIndex = -1
	for j, pg := range cb.Pages {
		if pg == realHeadPage {
			cb.HeadPageIndex = j
			break
		}
	}
	if cb.HeadPageIndex == -1 {
		return errors.Wrap(errdefs.ErrTopologyAnomaly, "cannot resolve head_page_index")
	}

	linearize(cb, nrPages)
	return nil
}

// DumpPage reads the raw page bytes a buffer_page address refers to: one
// indirection through buffer_page.page, then a flat PageSize-byte copy.
func DumpPage(insp inspector.Inspector, r *memreader.Reader, p *layout.Probe, page inspector.Addr) ([]byte, error) {
	raw, err := r.ReadAddr(page + inspector.Addr(p.BufferPagePage))
	if err != nil {
		return nil, errors.Wrap(err, "buffer_page.page")
	}

	buf := make([]byte, insp.PageSize())
	if !insp.ReadMem(raw, buf) {
		return nil, errors.Wrapf(errdefs.ErrReadFailed, "page at %s", raw)
	}
	return buf, nil
}

func linearize(cb *PerCPU, nrPages int) {
	cb.LinearPages = make([]inspector.Addr, 0, nrPages+1)
	cb.LinearPages = append(cb.LinearPages, cb.ReaderPage)

	if cb.ReaderPage == cb.CommitPage {
		return
	}

	j := cb.HeadPageIndex
	for {
		cb.LinearPages = append(cb.LinearPages, cb.Pages[j])

		if cb.Pages[j] == cb.CommitPage {
			return
		}

		j++
		if j == nrPages {
			j = 0
		}

		if j == cb.HeadPageIndex {
			// commit_page may be corrupted: stop rather than loop forever.
			cb.Truncated = true
			return
		}
	}
}
