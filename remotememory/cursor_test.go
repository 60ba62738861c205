// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
)

func newTestMemory(t *testing.T, addr libpf.Address, data []byte) *RemoteMemory {
	t.Helper()
	segs, err := NewSegments(Segment{Address: addr, Data: data})
	require.NoError(t, err)
	return New(segs)
}

func TestCursorPrimitives(t *testing.T) {
	data := []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0xe5, 0x8e, 0x26, // uleb 624485
		0xc0, 0xbb, 0x78, // sleb -123456
		'z', 'R', 0,
		0x7f, // sleb -1
	}
	rm := newTestMemory(t, 0x4000, data)
	c := rm.Cursor(0x4000, 0x4000+libpf.Address(len(data)))

	assert.Equal(t, uint8(0x01), c.U8())
	assert.Equal(t, uint16(0x0302), c.U16())
	assert.Equal(t, uint32(0x07060504), c.U32())
	assert.Equal(t, uint64(624485), c.Uleb())
	assert.Equal(t, int64(-123456), c.Sleb())

	var aug [8]byte
	n := c.CString(aug[:])
	assert.Equal(t, "zR", string(aug[:n]))
	assert.Equal(t, int64(-1), c.Sleb())
	require.NoError(t, c.Err())
	assert.False(t, c.HasData())

	// Reading past the end is sticky.
	assert.Equal(t, uint8(0), c.U8())
	assert.ErrorIs(t, c.Err(), ErrTruncated)
	assert.Equal(t, uint32(0), c.U32())
	assert.ErrorIs(t, c.Err(), ErrTruncated)
}

func TestCursorBounds(t *testing.T) {
	rm := newTestMemory(t, 0x4000, make([]byte, 16))

	c := rm.Cursor(0x4000, 0x4006)
	sub := c.Sub(4)
	assert.Equal(t, uint64(4), sub.Remaining())
	assert.Equal(t, libpf.Address(0x4004), c.Pos())

	// The sub cursor can not read past its own end even though memory is there.
	sub.Skip(2)
	_ = sub.U32()
	assert.ErrorIs(t, sub.Err(), ErrTruncated)
	require.NoError(t, c.Err())

	// A read inside the bounds but outside of memory fails with a memory error.
	c = rm.Cursor(0x400e, 0x4020)
	_ = c.U64()
	assert.ErrorIs(t, c.Err(), ErrReadFailed)

	c = rm.Cursor(0x4000, 0x4010)
	at := c.At(0x4008)
	assert.Equal(t, uint64(8), at.Remaining())
	at = c.At(0x4011)
	assert.ErrorIs(t, at.Err(), ErrTruncated)

	var small [2]byte
	c = newTestMemory(t, 0x100, []byte{'a', 'b', 'c', 0}).Cursor(0x100, 0x104)
	c.CString(small[:])
	assert.ErrorIs(t, c.Err(), ErrTruncated)
}
