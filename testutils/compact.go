// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testutils // import "go.opentelemetry.io/crashunwind/testutils"

import (
	"encoding/binary"
	"slices"
)

// CompactFunction is one function entry of a compact unwind table. Offset is
// relative to the image load address.
type CompactFunction struct {
	Offset   uint32
	Encoding uint32
}

// CompactTable describes an __unwind_info section to build.
type CompactTable struct {
	// Common holds the encodings of the common encodings array.
	Common []uint32
	// Functions must be sorted by offset.
	Functions []CompactFunction
	// End is the function offset of the sentinel index entry.
	End uint32
	// Regular selects regular instead of compressed second level pages.
	Regular bool
	// PageEntries limits the number of functions per page. Zero puts all
	// functions in a single page.
	PageEntries int
}

const (
	unwindHeaderSize     = 28
	unwindIndexEntrySize = 12
)

// Build serializes the table.
func (ct *CompactTable) Build() []byte {
	perPage := ct.PageEntries
	if perPage == 0 {
		perPage = max(len(ct.Functions), 1)
	}
	var pages [][]CompactFunction
	for i := 0; i < len(ct.Functions); i += perPage {
		pages = append(pages, ct.Functions[i:min(i+perPage, len(ct.Functions))])
	}

	le := binary.LittleEndian
	commonOff := uint32(unwindHeaderSize)
	indexOff := commonOff + 4*uint32(len(ct.Common))
	lsdaOff := indexOff + unwindIndexEntrySize*uint32(len(pages)+1)

	var out []byte
	out = le.AppendUint32(out, 1)
	out = le.AppendUint32(out, commonOff)
	out = le.AppendUint32(out, uint32(len(ct.Common)))
	out = le.AppendUint32(out, indexOff)
	out = le.AppendUint32(out, 0)
	out = le.AppendUint32(out, indexOff)
	out = le.AppendUint32(out, uint32(len(pages)+1))
	for _, enc := range ct.Common {
		out = le.AppendUint32(out, enc)
	}

	pageData := make([][]byte, len(pages))
	pageOff := lsdaOff
	for i, page := range pages {
		if ct.Regular {
			pageData[i] = regularPage(page)
		} else {
			pageData[i] = ct.compressedPage(page)
		}
		out = le.AppendUint32(out, page[0].Offset)
		out = le.AppendUint32(out, pageOff)
		out = le.AppendUint32(out, lsdaOff)
		pageOff += uint32(len(pageData[i]))
	}
	out = le.AppendUint32(out, ct.End)
	out = le.AppendUint32(out, 0)
	out = le.AppendUint32(out, lsdaOff)

	for _, data := range pageData {
		out = append(out, data...)
	}
	return out
}

func regularPage(page []CompactFunction) []byte {
	le := binary.LittleEndian
	var out []byte
	out = le.AppendUint32(out, 2)
	out = le.AppendUint16(out, 8)
	out = le.AppendUint16(out, uint16(len(page)))
	for _, fn := range page {
		out = le.AppendUint32(out, fn.Offset)
		out = le.AppendUint32(out, fn.Encoding)
	}
	return out
}

func (ct *CompactTable) compressedPage(page []CompactFunction) []byte {
	le := binary.LittleEndian
	var local []uint32
	entries := make([]uint32, 0, len(page))
	for _, fn := range page {
		idx := slices.Index(ct.Common, fn.Encoding)
		if idx < 0 {
			li := slices.Index(local, fn.Encoding)
			if li < 0 {
				li = len(local)
				local = append(local, fn.Encoding)
			}
			idx = len(ct.Common) + li
		}
		entries = append(entries, uint32(idx)<<24|(fn.Offset-page[0].Offset)&0xffffff)
	}

	const headerSize = 12
	var out []byte
	out = le.AppendUint32(out, 3)
	out = le.AppendUint16(out, headerSize)
	out = le.AppendUint16(out, uint16(len(entries)))
	out = le.AppendUint16(out, uint16(headerSize+4*len(entries)))
	out = le.AppendUint16(out, uint16(len(local)))
	for _, e := range entries {
		out = le.AppendUint32(out, e)
	}
	for _, enc := range local {
		out = le.AppendUint32(out, enc)
	}
	return out
}
