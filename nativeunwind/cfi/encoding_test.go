// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/testutils"
)

func TestPointerEncodings(t *testing.T) {
	const dataAddr = libpf.Address(0x600000)

	tests := map[string]struct {
		data     []byte
		enc      encoding
		ptrSize  int
		textBase libpf.Address
		funcBase uint64
		want     uint64
		err      error
	}{
		"absolute native": {
			data:    []byte{0x00, 0x10, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00},
			enc:     encFormatNative,
			ptrSize: 8,
			want:    0x401000,
		},
		"pc relative sdata4": {
			data:    []byte{0xf0, 0xff, 0xff, 0xff},
			enc:     encAdjustPcRel | encFormatData4 | encSignedMask,
			ptrSize: 8,
			want:    0x5ffff0,
		},
		"text relative udata4": {
			data:     []byte{0x34, 0x12, 0x00, 0x00},
			enc:      encAdjustTextRel | encFormatData4,
			ptrSize:  8,
			textBase: 0x401000,
			want:     0x402234,
		},
		"text relative without text": {
			data:    []byte{0x34, 0x12, 0x00, 0x00},
			enc:     encAdjustTextRel | encFormatData4,
			ptrSize: 8,
			err:     ErrUnsupportedEncoding,
		},
		"function relative uleb128": {
			data:     []byte{0x90, 0x01},
			enc:      encAdjustFuncRel | encFormatLeb128,
			ptrSize:  8,
			funcBase: 0x401000,
			want:     0x401090,
		},
		"function relative outside of a function": {
			data:    []byte{0x90, 0x01},
			enc:     encAdjustFuncRel | encFormatLeb128,
			ptrSize: 8,
			err:     ErrUnsupportedEncoding,
		},
		"signed native": {
			data:    []byte{0xf0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			enc:     encAdjustPcRel | encFormatNative | encSignedMask,
			ptrSize: 8,
			want:    0x5ffff0,
		},
		"signed native 32-bit": {
			data:    []byte{0xf0, 0xff, 0xff, 0xff},
			enc:     encAdjustPcRel | encFormatNative | encSignedMask,
			ptrSize: 4,
			want:    0x5ffff0,
		},
		"aligned": {
			data:    []byte{0x00, 0x10, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00},
			enc:     0x50,
			ptrSize: 8,
			err:     ErrUnsupportedEncoding,
		},
		"omitted": {
			data:    []byte{0x01},
			enc:     encOmit,
			ptrSize: 8,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			mem := testutils.NewMemory(test.ptrSize).Add(dataAddr, test.data)
			arch := regs.ArchX86_64
			if test.ptrSize == 4 {
				arch = regs.ArchX86
			}
			table, err := NewTable(mem.RemoteMemory(t), arch)
			require.NoError(t, err)
			table.textBase = test.textBase
			table.funcBase = test.funcBase

			c := table.rm.Cursor(dataAddr, dataAddr+libpf.Address(len(test.data)))
			got, err := table.ptr(&c, test.enc)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestResetForImageTextBase(t *testing.T) {
	table, err := NewTable(testutils.NewMemory(8).RemoteMemory(t), regs.ArchX86_64)
	require.NoError(t, err)

	img := imagelookup.Image{
		Name:      "libfoo.so",
		TextStart: 0x401000,
		TextEnd:   0x402000,
		EHFrame:   imagelookup.Section{Start: 0x403000, Size: 0x100},
	}
	require.True(t, table.ResetForImage(&img))
	assert.Equal(t, libpf.Address(0x401000), table.textBase)

	// A bare section carries no image text.
	table.Reset(img.EHFrame, false, 0)
	assert.Zero(t, table.textBase)
}
