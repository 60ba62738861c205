// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package compactunwind decodes the compact unwind tables (__unwind_info) of
// Mach-O images and recovers caller registers from their per-function encodings.
package compactunwind // import "go.opentelemetry.io/crashunwind/nativeunwind/compactunwind"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/remotememory"
)

const (
	unwindSectionVersion = 1

	headerSize     = 28
	indexEntrySize = 12

	pageKindRegular    = 2
	pageKindCompressed = 3

	compressedOffsetMask = 0x00ffffff
	compressedIndexShift = 24
)

var (
	ErrNotFound = nativeunwind.NewError(nativeunwind.KindFormat,
		"no compact unwind entry for address")
	ErrUnsupportedVersion = nativeunwind.NewError(nativeunwind.KindFormat,
		"unsupported compact unwind version")
	ErrUnknownPageKind = nativeunwind.NewError(nativeunwind.KindFormat,
		"unknown second level page kind")
	ErrRangeMismatch = nativeunwind.NewError(nativeunwind.KindFormat,
		"function range does not contain address")
	ErrOutOfRange = nativeunwind.NewError(nativeunwind.KindBounds,
		"second level lookup out of range")
)

// Entry is the result of a table lookup.
type Entry struct {
	Encoding      uint32
	FunctionStart libpf.Address
	FunctionEnd   libpf.Address
}

// Table is a view of one __unwind_info section in remote memory. It keeps
// scratch space for decoding and must not be used concurrently.
type Table struct {
	rm          *remotememory.RemoteMemory
	section     imagelookup.Section
	loadAddress libpf.Address

	commonOffset uint32
	commonCount  uint32
	indexOffset  uint32
	indexCount   uint32

	// code holds prologue bytes being verified
	code [16]byte
}

// NewTable returns a Table reading through rm. Reset must be called before
// the first lookup.
func NewTable(rm *remotememory.RemoteMemory) *Table {
	return &Table{rm: rm}
}

// Reset selects the section of an image loaded at loadAddress and validates
// its header.
func (t *Table) Reset(section imagelookup.Section, loadAddress libpf.Address) error {
	t.section = section
	t.loadAddress = loadAddress
	t.indexCount = 0

	c := t.cursor(0)
	version := c.U32()
	t.commonOffset = c.U32()
	t.commonCount = c.U32()
	c.Skip(8) // personality array
	t.indexOffset = c.U32()
	t.indexCount = c.U32()
	if err := c.Err(); err != nil {
		t.indexCount = 0
		return err
	}
	if version != unwindSectionVersion {
		t.indexCount = 0
		return ErrUnsupportedVersion
	}
	return nil
}

// cursor returns a cursor at offset off of the section.
func (t *Table) cursor(off uint32) remotememory.Cursor {
	c := t.rm.Cursor(t.section.Start, t.section.End())
	return c.At(t.section.Start + libpf.Address(off))
}

func (t *Table) u32(off uint32) (uint32, error) {
	c := t.cursor(off)
	v := c.U32()
	return v, c.Err()
}

// indexEntry reads the function offset and second level page offset of the
// first level index entry i.
func (t *Table) indexEntry(i uint32) (funcOffset, pageOffset uint32, err error) {
	c := t.cursor(t.indexOffset + i*indexEntrySize)
	funcOffset = c.U32()
	pageOffset = c.U32()
	return funcOffset, pageOffset, c.Err()
}

// Lookup finds the encoding of the function containing pc.
func (t *Table) Lookup(pc libpf.Address) (Entry, error) {
	if t.indexCount < 2 || pc < t.loadAddress || uint64(pc-t.loadAddress) > 0xffffffff {
		return Entry{}, ErrNotFound
	}
	target := uint32(pc - t.loadAddress)

	// Binary search for the last index entry with a function offset <= target.
	// The last entry is a sentinel marking the end of the covered range.
	last := t.indexCount - 1
	first, _, err := t.indexEntry(0)
	if err != nil {
		return Entry{}, err
	}
	end, _, err := t.indexEntry(last)
	if err != nil {
		return Entry{}, err
	}
	if target < first || target >= end {
		return Entry{}, ErrNotFound
	}
	lo, hi := uint32(0), last
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		off, _, err := t.indexEntry(mid)
		if err != nil {
			return Entry{}, err
		}
		if off <= target {
			lo = mid
		} else {
			hi = mid
		}
	}
	baseOffset, pageOffset, err := t.indexEntry(lo)
	if err != nil {
		return Entry{}, err
	}
	nextOffset, _, err := t.indexEntry(lo + 1)
	if err != nil {
		return Entry{}, err
	}
	if pageOffset == 0 {
		return Entry{}, ErrNotFound
	}

	kind, err := t.u32(pageOffset)
	if err != nil {
		return Entry{}, err
	}
	var funcStart, funcEnd, encoding uint32
	switch kind {
	case pageKindRegular:
		funcStart, funcEnd, encoding, err = t.lookupRegular(pageOffset, target, nextOffset)
	case pageKindCompressed:
		funcStart, funcEnd, encoding, err = t.lookupCompressed(pageOffset, target,
			baseOffset, nextOffset)
	default:
		return Entry{}, ErrUnknownPageKind
	}
	if err != nil {
		return Entry{}, err
	}
	if encoding == 0 {
		return Entry{}, ErrNotFound
	}

	e := Entry{
		Encoding:      encoding,
		FunctionStart: t.loadAddress + libpf.Address(funcStart),
		FunctionEnd:   t.loadAddress + libpf.Address(funcEnd),
	}
	if !pc.InRange(e.FunctionStart, e.FunctionEnd) {
		return Entry{}, ErrRangeMismatch
	}
	return e, nil
}

// lookupRegular searches a page of {functionOffset, encoding} pairs.
func (t *Table) lookupRegular(page, target, nextOffset uint32) (
	funcStart, funcEnd, encoding uint32, err error) {
	c := t.cursor(page + 4)
	entriesOffset := uint32(c.U16())
	count := uint32(c.U16())
	if err = c.Err(); err != nil {
		return 0, 0, 0, err
	}
	entries := page + entriesOffset
	entry := func(i uint32) (uint32, error) {
		return t.u32(entries + 8*i)
	}

	i, err := search(count, target, entry)
	if err != nil {
		return 0, 0, 0, err
	}
	if funcStart, err = entry(i); err != nil {
		return 0, 0, 0, err
	}
	funcEnd = nextOffset
	if i+1 < count {
		if funcEnd, err = entry(i + 1); err != nil {
			return 0, 0, 0, err
		}
	}
	encoding, err = t.u32(entries + 8*i + 4)
	return funcStart, funcEnd, encoding, err
}

// lookupCompressed searches a page of packed {encodingIndex, functionOffset}
// words. Function offsets are relative to the first level index entry.
func (t *Table) lookupCompressed(page, target, baseOffset, nextOffset uint32) (
	funcStart, funcEnd, encoding uint32, err error) {
	c := t.cursor(page + 4)
	entriesOffset := uint32(c.U16())
	count := uint32(c.U16())
	encodingsOffset := uint32(c.U16())
	encodingsCount := uint32(c.U16())
	if err = c.Err(); err != nil {
		return 0, 0, 0, err
	}
	entries := page + entriesOffset
	entry := func(i uint32) (uint32, error) {
		v, err := t.u32(entries + 4*i)
		return v & compressedOffsetMask, err
	}

	i, err := search(count, target-baseOffset, entry)
	if err != nil {
		return 0, 0, 0, err
	}
	raw, err := t.u32(entries + 4*i)
	if err != nil {
		return 0, 0, 0, err
	}
	funcStart = baseOffset + raw&compressedOffsetMask
	funcEnd = nextOffset
	if i+1 < count {
		next, err := entry(i + 1)
		if err != nil {
			return 0, 0, 0, err
		}
		funcEnd = baseOffset + next
	}

	encIndex := raw >> compressedIndexShift
	if encIndex < t.commonCount {
		encoding, err = t.u32(t.commonOffset + 4*encIndex)
		return funcStart, funcEnd, encoding, err
	}
	encIndex -= t.commonCount
	if encIndex >= encodingsCount {
		return 0, 0, 0, ErrOutOfRange
	}
	encoding, err = t.u32(page + encodingsOffset + 4*encIndex)
	return funcStart, funcEnd, encoding, err
}

// search returns the index of the last of count sorted entries whose key is
// <= target.
func search(count, target uint32, key func(uint32) (uint32, error)) (uint32, error) {
	if count == 0 {
		return 0, ErrOutOfRange
	}
	k, err := key(0)
	if err != nil {
		return 0, err
	}
	if k > target {
		return 0, ErrOutOfRange
	}
	lo, hi := uint32(0), count
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if k, err = key(mid); err != nil {
			return 0, err
		}
		if k <= target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}
