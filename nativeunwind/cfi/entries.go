// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfi // import "go.opentelemetry.io/crashunwind/nativeunwind/cfi"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// maxAugmentation is the longest augmentation string accepted.
const maxAugmentation = 8

// cieInfo describes the contents of one Common Information Entry (CIE)
type cieInfo struct {
	dataAlign       int64
	codeAlign       uint64
	regRA           uint64
	enc             encoding
	lsdaEnc         encoding
	hasAugmentation bool
	isSignalHandler bool

	// insnStart and insnEnd bound the initial instructions
	insnStart libpf.Address
	insnEnd   libpf.Address
}

// fdeInfo contains one Frame Description Entry (FDE)
type fdeInfo struct {
	ciePos    libpf.Address
	ipStart   uint64
	ipEnd     uint64
	insnStart libpf.Address
	insnEnd   libpf.Address
}

// entryHeader is the common part of CIE and FDE blocks
type entryHeader struct {
	data   remotememory.Cursor
	isCIE  bool
	ciePos libpf.Address
}

// parseHDR parses the common part of CIE and FDE blocks and advances c past
// the entry.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (t *Table) parseHDR(c *remotememory.Cursor) (entryHeader, error) {
	var hdr entryHeader
	var idPos libpf.Address
	var id, cieMarker uint64

	dlen := uint64(c.U32())
	if err := c.Err(); err != nil {
		return hdr, err
	}
	switch {
	case dlen == 0:
		return hdr, errEmptyEntry
	case dlen < 0xfffffff0:
		// Normal 32-bit dwarf
		if dlen < 4 {
			return hdr, ErrInvalidLength
		}
		idPos = c.Pos()
		id = uint64(c.U32())
		cieMarker = 0xffffffff
		dlen -= 4
	case dlen == 0xffffffff:
		// 64-bit dwarf
		dlen = c.U64()
		if dlen < 8 {
			return hdr, ErrInvalidLength
		}
		idPos = c.Pos()
		id = c.U64()
		cieMarker = 0xffffffffffffffff
		dlen -= 8
	default:
		return hdr, ErrInvalidLength
	}

	hdr.data = c.Sub(dlen)
	if err := c.Err(); err != nil {
		return hdr, err
	}
	if !t.debugFrame {
		// In .eh_frame's the CIE marker pointer value is zero
		cieMarker = 0
	}
	hdr.isCIE = id == cieMarker
	if hdr.isCIE {
		return hdr, nil
	}
	if t.debugFrame {
		hdr.ciePos = t.section.Start + libpf.Address(id)
	} else {
		// In .eh_frame, the CIE pointer is relative to its own position.
		hdr.ciePos = idPos - libpf.Address(id)
	}
	if !hdr.ciePos.InRange(t.section.Start, t.section.End()) {
		return hdr, ErrInvalidCIEPointer
	}
	return hdr, nil
}

// cie returns the parsed CIE at pos using the cache.
func (t *Table) cie(pos libpf.Address) (cieInfo, error) {
	if cie, ok := t.cies.Get(pos); ok {
		t.stats.CIECacheHits++
		return cie, nil
	}
	t.stats.CIECacheMisses++
	c := t.cursor(pos)
	cie, err := t.parseCIE(&c)
	if err != nil {
		return cieInfo{}, err
	}
	t.cies.Add(pos, cie)
	return cie, nil
}

// parseCIE reads and processes one Common Information Entry
func (t *Table) parseCIE(c *remotememory.Cursor) (cieInfo, error) {
	hdr, err := t.parseHDR(c)
	if err != nil {
		return cieInfo{}, err
	}
	if !hdr.isCIE {
		return cieInfo{}, errUnexpectedType
	}
	data := &hdr.data

	ver := data.U8()
	if ver != 1 && ver != 3 && ver != 4 {
		return cieInfo{}, ErrUnsupportedVersion
	}

	cie := cieInfo{
		enc:     encFormatNative | encAdjustAbs,
		lsdaEnc: encOmit,
	}

	var augBuf [maxAugmentation]byte
	augmentation := augBuf[:data.CString(augBuf[:])]
	if ver == 4 {
		// Skip the address_size and segment_selector_size fields
		data.Skip(2)
	}

	cie.codeAlign = data.Uleb()
	cie.dataAlign = data.Sleb()
	if ver == 1 {
		cie.regRA = uint64(data.U8())
	} else {
		cie.regRA = data.Uleb()
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return cieInfo{}, ErrUnsupportedAugmentation
		}
		augLen := data.Uleb()
		augEnd := data.Pos() + libpf.Address(augLen)
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				cie.lsdaEnc = encoding(data.U8())
			case 'R':
				cie.enc = encoding(data.U8())
			case 'P':
				// The personality routine is not needed, but must be parsed
				// to find the following fields.
				enc := encoding(data.U8()) &^ encIndirect
				if _, err = t.ptr(data, enc); err != nil {
					return cieInfo{}, err
				}
			case 'S':
				cie.isSignalHandler = true
			default:
				return cieInfo{}, ErrUnsupportedAugmentation
			}
		}
		data.Seek(augEnd)
	}

	if err = data.Err(); err != nil {
		return cieInfo{}, err
	}
	cie.insnStart = data.Pos()
	cie.insnEnd = data.End()
	return cie, nil
}

// parseFDE reads the FDE at the cursor position together with its CIE.
func (t *Table) parseFDE(c *remotememory.Cursor) (fdeInfo, cieInfo, error) {
	t.funcBase = 0
	hdr, err := t.parseHDR(c)
	if err != nil {
		return fdeInfo{}, cieInfo{}, err
	}
	if hdr.isCIE {
		return fdeInfo{}, cieInfo{}, errUnexpectedType
	}
	cie, err := t.cie(hdr.ciePos)
	if err != nil {
		return fdeInfo{}, cieInfo{}, err
	}

	data := &hdr.data
	fde := fdeInfo{ciePos: hdr.ciePos}
	fde.ipStart, err = t.ptr(data, cie.enc)
	if err != nil {
		return fdeInfo{}, cieInfo{}, err
	}
	// The range is never relative nor indirect
	ipLen, err := t.ptr(data, cie.enc&(encFormatMask|encSignedMask))
	if err != nil {
		return fdeInfo{}, cieInfo{}, err
	}
	if t.debugFrame {
		fde.ipStart = uint64(libpf.Address(fde.ipStart).Add(t.slide))
	}
	fde.ipEnd = fde.ipStart + ipLen

	if cie.hasAugmentation {
		data.Skip(data.Uleb())
	}
	if err = data.Err(); err != nil {
		return fdeInfo{}, cieInfo{}, err
	}
	fde.insnStart = data.Pos()
	fde.insnEnd = data.End()
	return fde, cie, nil
}
