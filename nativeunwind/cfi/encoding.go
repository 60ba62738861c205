// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfi // import "go.opentelemetry.io/crashunwind/nativeunwind/cfi"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustTextRel encoding = 0x20
	encAdjustDataRel encoding = 0x30
	encAdjustFuncRel encoding = 0x40
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// ptr reads one pointer value encoded with enc encoding. Data relative values
// are relative to the start of the section, text relative values to the start
// of the image text and function relative values to the start of the function
// whose instructions are being run.
func (t *Table) ptr(c *remotememory.Cursor, enc encoding) (uint64, error) {
	return t.ptrRel(c, enc, t.section.Start)
}

// ptrRel is like ptr, with data relative values relative to dataBase.
func (t *Table) ptrRel(c *remotememory.Cursor, enc encoding, dataBase libpf.Address) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(c.Pos())
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatNative:
		val = c.Sized(t.layout.PointerSize)
	case encFormatNative | encSignedMask:
		val = c.Sized(t.layout.PointerSize)
		if t.layout.PointerSize == 4 {
			val = uint64(int64(int32(val)))
		}
	case encFormatLeb128:
		val = c.Uleb()
	case encFormatData2:
		val = uint64(c.U16())
	case encFormatData4:
		val = uint64(c.U32())
	case encFormatData8, encFormatData8 | encSignedMask:
		val = c.U64()
	case encFormatLeb128 | encSignedMask:
		val = uint64(c.Sleb())
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(c.U16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(c.U32())))
	default:
		return 0, ErrUnsupportedEncoding
	}
	if err := c.Err(); err != nil {
		return 0, err
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos
	case encAdjustDataRel:
		val += uint64(dataBase)
	case encAdjustTextRel:
		if t.textBase == 0 {
			return 0, ErrUnsupportedEncoding
		}
		val += uint64(t.textBase)
	case encAdjustFuncRel:
		if t.funcBase == 0 {
			return 0, ErrUnsupportedEncoding
		}
		val += t.funcBase
	default:
		return 0, ErrUnsupportedEncoding
	}
	val &= t.addrMask()

	if enc&encIndirect != 0 {
		v, err := t.rm.Ptr(libpf.Address(val), t.layout.PointerSize)
		if err != nil {
			return 0, err
		}
		val = uint64(v)
	}
	return val, nil
}

func (t *Table) addrMask() uint64 {
	if t.layout.PointerSize == 4 {
		return 0xffffffff
	}
	return ^uint64(0)
}
