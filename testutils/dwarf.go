// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testutils // import "go.opentelemetry.io/crashunwind/testutils"

import (
	"encoding/binary"
	"strings"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
)

// Uleb appends v in unsigned LEB128 encoding.
func Uleb(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// Sleb appends v in signed LEB128 encoding.
func Sleb(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// Block returns a DWARF expression block with its length prefix.
func Block(expr ...byte) []byte {
	return append(Uleb(nil, uint64(len(expr))), expr...)
}

// CFA assembles call frame instructions.
type CFA []byte

func (c CFA) op(op byte) CFA { return append(c, op) }
func (c CFA) uleb(v uint64) CFA {
	return Uleb(c, v)
}

func (c CFA) Nop() CFA { return c.op(0x00) }
func (c CFA) AdvanceLoc(delta uint8) CFA { return c.op(0x40 | delta&0x3f) }
func (c CFA) AdvanceLoc1(delta uint8) CFA {
	return append(c, 0x02, delta)
}
func (c CFA) AdvanceLoc2(delta uint16) CFA {
	return binary.LittleEndian.AppendUint16(c.op(0x03), delta)
}
func (c CFA) AdvanceLoc4(delta uint32) CFA {
	return binary.LittleEndian.AppendUint32(c.op(0x04), delta)
}
func (c CFA) Offset(reg uint8, off uint64) CFA {
	return c.op(0x80 | reg&0x3f).uleb(off)
}
func (c CFA) OffsetExtendedSf(reg uint64, off int64) CFA {
	return Sleb(c.op(0x11).uleb(reg), off)
}
func (c CFA) Restore(reg uint8) CFA { return c.op(0xc0 | reg&0x3f) }
func (c CFA) Undefined(reg uint64) CFA {
	return c.op(0x07).uleb(reg)
}
func (c CFA) SameValue(reg uint64) CFA {
	return c.op(0x08).uleb(reg)
}
func (c CFA) Register(reg, other uint64) CFA {
	return c.op(0x09).uleb(reg).uleb(other)
}
func (c CFA) RememberState() CFA { return c.op(0x0a) }
func (c CFA) RestoreState() CFA { return c.op(0x0b) }
func (c CFA) DefCFA(reg, off uint64) CFA {
	return c.op(0x0c).uleb(reg).uleb(off)
}
func (c CFA) DefCFARegister(reg uint64) CFA {
	return c.op(0x0d).uleb(reg)
}
func (c CFA) DefCFAOffset(off uint64) CFA {
	return c.op(0x0e).uleb(off)
}
func (c CFA) DefCFAExpression(expr ...byte) CFA {
	return append(c.op(0x0f), Block(expr...)...)
}
func (c CFA) Expression(reg uint64, expr ...byte) CFA {
	return append(c.op(0x10).uleb(reg), Block(expr...)...)
}
func (c CFA) ValOffset(reg, off uint64) CFA {
	return c.op(0x14).uleb(reg).uleb(off)
}
func (c CFA) ValExpression(reg uint64, expr ...byte) CFA {
	return append(c.op(0x16).uleb(reg), Block(expr...)...)
}
func (c CFA) GNUArgsSize(size uint64) CFA {
	return c.op(0x2e).uleb(size)
}

// Pointer encodings understood by the CFI builder
const (
	EncAbsPtr      = 0x00
	EncUData4      = 0x03
	EncPCRelSData4 = 0x1b
	EncOmit        = 0xff

	// EncDataRelSData4 is only valid in .eh_frame_hdr tables.
	EncDataRelSData4 = 0x3b
)

// CIE describes a Common Information Entry to build.
type CIE struct {
	// Version defaults to 1.
	Version       uint8
	Augmentation  string
	CodeAlign     uint64
	DataAlign     int64
	ReturnAddress uint64
	// PointerEncoding is emitted for the 'R' augmentation.
	PointerEncoding uint8
	Instructions    CFA
}

// FrameSection builds .eh_frame or .debug_frame contents at a fixed address.
type FrameSection struct {
	Base       libpf.Address
	PtrSize    int
	DebugFrame bool

	buf  []byte
	cies map[libpf.Address]CIE
}

// NewFrameSection returns an empty section builder.
func NewFrameSection(base libpf.Address, ptrSize int, debugFrame bool) *FrameSection {
	return &FrameSection{
		Base:       base,
		PtrSize:    ptrSize,
		DebugFrame: debugFrame,
		cies:       make(map[libpf.Address]CIE),
	}
}

func (s *FrameSection) pos() libpf.Address {
	return s.Base + libpf.Address(len(s.buf))
}

// entry appends an entry with a 32-bit length and returns its address.
func (s *FrameSection) entry(id uint32, body []byte) libpf.Address {
	pos := s.pos()
	// pad to pointer alignment with DW_CFA_nop
	for (4+4+len(body))%s.PtrSize != 0 {
		body = append(body, 0)
	}
	s.buf = binary.LittleEndian.AppendUint32(s.buf, uint32(4+len(body)))
	s.buf = binary.LittleEndian.AppendUint32(s.buf, id)
	s.buf = append(s.buf, body...)
	return pos
}

// AddCIE appends a CIE and returns its address.
func (s *FrameSection) AddCIE(cie CIE) libpf.Address {
	if cie.Version == 0 {
		cie.Version = 1
	}
	if cie.CodeAlign == 0 {
		cie.CodeAlign = 1
	}
	body := []byte{cie.Version}
	body = append(body, cie.Augmentation...)
	body = append(body, 0)
	if cie.Version == 4 {
		body = append(body, byte(s.PtrSize), 0)
	}
	body = Uleb(body, cie.CodeAlign)
	body = Sleb(body, cie.DataAlign)
	if cie.Version == 1 {
		body = append(body, byte(cie.ReturnAddress))
	} else {
		body = Uleb(body, cie.ReturnAddress)
	}
	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		var aug []byte
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'R':
				aug = append(aug, cie.PointerEncoding)
			case 'L':
				aug = append(aug, EncOmit)
			}
		}
		body = Uleb(body, uint64(len(aug)))
		body = append(body, aug...)
	}
	body = append(body, cie.Instructions...)

	id := uint32(0)
	if s.DebugFrame {
		id = 0xffffffff
	}
	pos := s.entry(id, body)
	s.cies[pos] = cie
	return pos
}

// AddFDE appends an FDE covering [start, start+length) and returns its address.
func (s *FrameSection) AddFDE(ciePos libpf.Address, start, length uint64, insns CFA) libpf.Address {
	cie := s.cies[ciePos]
	pos := s.pos()
	id := uint32(pos + 4 - ciePos)
	if s.DebugFrame {
		id = uint32(ciePos - s.Base)
	}
	// Fields start after the length and CIE pointer.
	fieldPos := pos + 8
	var body []byte
	enc := uint8(EncAbsPtr)
	if strings.ContainsRune(cie.Augmentation, 'R') {
		enc = cie.PointerEncoding
	}
	switch enc {
	case EncPCRelSData4:
		body = binary.LittleEndian.AppendUint32(body, uint32(int32(int64(start)-int64(fieldPos))))
		body = binary.LittleEndian.AppendUint32(body, uint32(length))
	case EncUData4:
		body = binary.LittleEndian.AppendUint32(body, uint32(start))
		body = binary.LittleEndian.AppendUint32(body, uint32(length))
	default:
		body = appendPtr(body, s.PtrSize, start)
		body = appendPtr(body, s.PtrSize, length)
	}
	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		body = Uleb(body, 0)
	}
	body = append(body, insns...)
	return s.entry(id, body)
}

// Terminate appends the zero length terminator of .eh_frame.
func (s *FrameSection) Terminate() {
	s.buf = binary.LittleEndian.AppendUint32(s.buf, 0)
}

// Bytes returns the section contents.
func (s *FrameSection) Bytes() []byte {
	return s.buf
}

// Section returns the address range of the section.
func (s *FrameSection) Section() imagelookup.Section {
	return imagelookup.Section{Start: s.Base, Size: uint64(len(s.buf))}
}

func appendPtr(b []byte, size int, v uint64) []byte {
	if size == 4 {
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(b, v)
}

// SearchTableEntry is one row of an .eh_frame_hdr search table.
type SearchTableEntry struct {
	Start libpf.Address
	FDE   libpf.Address
}

// EHFrameHdr builds an .eh_frame_hdr section located at base, indexing the
// .eh_frame section at ehFrame. Entries must be sorted by Start.
func EHFrameHdr(base, ehFrame libpf.Address, entries []SearchTableEntry) []byte {
	le := binary.LittleEndian
	out := []byte{1, EncPCRelSData4, EncUData4, EncDataRelSData4}
	out = le.AppendUint32(out, uint32(int32(int64(ehFrame)-int64(base+4))))
	out = le.AppendUint32(out, uint32(len(entries)))
	for _, e := range entries {
		out = le.AppendUint32(out, uint32(int32(int64(e.Start)-int64(base))))
		out = le.AppendUint32(out, uint32(int32(int64(e.FDE)-int64(base))))
	}
	return out
}
