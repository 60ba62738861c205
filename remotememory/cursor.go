// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
)

// ErrTruncated is recorded by a Cursor that was asked to read past its end.
var ErrTruncated = nativeunwind.NewError(nativeunwind.KindFormat, "read past end of table")

// Cursor is a bounds-checked reader over the address range [pos, end) of remote
// memory. Reads never go past end. The first failure is sticky: all following
// reads return zero values and Err reports the original failure.
type Cursor struct {
	rm  *RemoteMemory
	pos libpf.Address
	end libpf.Address
	err error
}

// Cursor returns a cursor reading [start, end).
func (rm *RemoteMemory) Cursor(start, end libpf.Address) Cursor {
	c := Cursor{rm: rm, pos: start, end: end}
	if end < start {
		c.err = ErrTruncated
	}
	return c
}

// Pos returns the address of the next read.
func (c *Cursor) Pos() libpf.Address {
	return c.pos
}

// End returns the address one past the last readable byte.
func (c *Cursor) End() libpf.Address {
	return c.end
}

// Remaining returns the number of bytes left before End.
func (c *Cursor) Remaining() uint64 {
	if c.err != nil || c.pos >= c.end {
		return 0
	}
	return uint64(c.end - c.pos)
}

// HasData checks if the cursor is in a valid state and has bytes left.
func (c *Cursor) HasData() bool {
	return c.err == nil && c.pos < c.end
}

// Err returns the first failure of the cursor, or nil.
func (c *Cursor) Err() error {
	return c.err
}

// Fail makes err the sticky failure of the cursor unless one is already set.
func (c *Cursor) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// claim reserves n bytes, returning their address.
func (c *Cursor) claim(n uint64) (libpf.Address, bool) {
	if c.err != nil {
		return 0, false
	}
	if n > c.Remaining() {
		c.err = ErrTruncated
		return 0, false
	}
	pos := c.pos
	c.pos += libpf.Address(n)
	return pos, true
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n uint64) {
	c.claim(n)
}

// Seek moves the cursor to an absolute address within its range.
func (c *Cursor) Seek(pos libpf.Address) {
	if c.err != nil {
		return
	}
	if pos > c.end {
		c.err = ErrTruncated
		return
	}
	c.pos = pos
}

// At returns a new cursor starting at pos sharing this cursor's end.
func (c *Cursor) At(pos libpf.Address) Cursor {
	sub := Cursor{rm: c.rm, pos: pos, end: c.end, err: c.err}
	if pos > c.end {
		sub.Fail(ErrTruncated)
	}
	return sub
}

// Sub returns a cursor over the next n bytes and advances past them.
func (c *Cursor) Sub(n uint64) Cursor {
	pos, ok := c.claim(n)
	if !ok {
		return Cursor{rm: c.rm, err: c.err}
	}
	return Cursor{rm: c.rm, pos: pos, end: pos + libpf.Address(n)}
}

func (c *Cursor) sized(n int) uint64 {
	pos, ok := c.claim(uint64(n))
	if !ok {
		return 0
	}
	v, err := c.rm.Sized(pos, n)
	if err != nil {
		c.err = err
		return 0
	}
	return v
}

// U8 reads one unsigned byte.
func (c *Cursor) U8() uint8 {
	return uint8(c.sized(1))
}

// U16 reads one unsigned 16-bit word.
func (c *Cursor) U16() uint16 {
	return uint16(c.sized(2))
}

// U32 reads one unsigned 32-bit word.
func (c *Cursor) U32() uint32 {
	return uint32(c.sized(4))
}

// U64 reads one unsigned 64-bit word.
func (c *Cursor) U64() uint64 {
	return c.sized(8)
}

// Sized reads an unsigned integer of 1, 2, 4 or 8 bytes.
func (c *Cursor) Sized(n int) uint64 {
	switch n {
	case 1, 2, 4, 8:
		return c.sized(n)
	}
	c.Fail(ErrTruncated)
	return 0
}

// Uleb reads one unsigned little endian base-128 encoded value
func (c *Cursor) Uleb() uint64 {
	b := uint8(0x80)
	val := uint64(0)
	for shift := 0; b&0x80 != 0 && c.err == nil; shift += 7 {
		b = c.U8()
		if shift < 64 {
			val |= uint64(b&0x7f) << shift
		}
	}
	return val
}

// Sleb reads one signed little endian base-128 encoded value
func (c *Cursor) Sleb() int64 {
	b := uint8(0x80)
	val := int64(0)
	shift := 0
	for ; b&0x80 != 0 && c.err == nil; shift += 7 {
		b = c.U8()
		if shift < 64 {
			val |= int64(b&0x7f) << shift
		}
	}
	if b&0x40 != 0 && shift < 64 {
		// Sign extend
		val |= int64(-1) << shift
	}
	return val
}

// CString reads a zero terminated string into dst and returns its length
// without the terminator. Strings that do not fit dst fail the cursor.
func (c *Cursor) CString(dst []byte) int {
	for n := 0; c.err == nil; n++ {
		b := c.U8()
		if c.err != nil {
			return 0
		}
		if b == 0 {
			return n
		}
		if n >= len(dst) {
			c.err = ErrTruncated
			return 0
		}
		dst[n] = b
	}
	return 0
}
