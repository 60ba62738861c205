// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfi // import "go.opentelemetry.io/crashunwind/nativeunwind/cfi"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
)

// Exception Frame Header (.eh_frame_hdr section)
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
//
//	version       u8
//	ehFramePtrEnc u8
//	fdeCountEnc   u8
//	tableEnc      u8
//	ehFramePtr    ptr{ehFramePtrEnc}
//	fdeCount      ptr{fdeCountEnc}
//	searchTable   [fdeCount]struct {
//		startIP ptr{tableEnc}
//		fdeAddr ptr{tableEnc}
//	}
const (
	ehFrameHdrVersion = 1
	// Only the table encoding emitted by all linkers is supported.
	searchTableEnc       = encAdjustDataRel | encSignedMask | encFormatData4
	searchTableEntrySize = 8
)

// ErrBadSearchTable is returned when a search table entry points outside of
// the call frame section.
var ErrBadSearchTable = nativeunwind.NewError(nativeunwind.KindFormat,
	"search table entry outside of section")

// UseSearchTable makes FindFDE binary search the .eh_frame_hdr table hdr
// instead of scanning the section. Tables in an unsupported format are
// ignored, and false is returned.
func (t *Table) UseSearchTable(hdr imagelookup.Section) bool {
	t.hdr = hdr
	t.hdrCount = 0
	if !hdr.Present() || t.debugFrame {
		return false
	}

	c := t.rm.Cursor(hdr.Start, hdr.End())
	version := c.U8()
	ehFramePtrEnc := encoding(c.U8())
	fdeCountEnc := encoding(c.U8())
	tableEnc := encoding(c.U8())
	if c.Err() != nil || version != ehFrameHdrVersion || tableEnc != searchTableEnc {
		return false
	}
	if _, err := t.ptrRel(&c, ehFramePtrEnc, hdr.Start); err != nil {
		return false
	}
	count, err := t.ptrRel(&c, fdeCountEnc, hdr.Start)
	if err != nil || count == 0 || count > c.Remaining()/searchTableEntrySize {
		return false
	}
	t.hdrTable = c.Pos()
	t.hdrCount = count
	return true
}

// searchEntry reads entry i of the search table.
func (t *Table) searchEntry(i uint64) (start, fde libpf.Address, err error) {
	c := t.rm.Cursor(t.hdr.Start, t.hdr.End())
	c = c.At(t.hdrTable + libpf.Address(i*searchTableEntrySize))
	start = t.hdr.Start.Add(int64(int32(c.U32())))
	fde = t.hdr.Start.Add(int64(int32(c.U32())))
	return start, fde, c.Err()
}

// searchFDE binary searches the table for the last entry starting at or
// before pc, and verifies that its FDE covers pc.
func (t *Table) searchFDE(pc libpf.Address) (libpf.Address, error) {
	lo, hi := uint64(0), t.hdrCount
	for lo < hi {
		mid := lo + (hi-lo)/2
		start, _, err := t.searchEntry(mid)
		if err != nil {
			return 0, err
		}
		if start > pc {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return 0, ErrNotFound
	}
	_, fdeAddr, err := t.searchEntry(lo - 1)
	if err != nil {
		return 0, err
	}
	if !fdeAddr.InRange(t.section.Start, t.section.End()) {
		return 0, ErrBadSearchTable
	}

	c := t.cursor(fdeAddr)
	fde, _, err := t.parseFDE(&c)
	if err != nil {
		return 0, err
	}
	if uint64(pc) < fde.ipStart || uint64(pc) >= fde.ipEnd {
		return 0, ErrNotFound
	}
	return fdeAddr, nil
}
