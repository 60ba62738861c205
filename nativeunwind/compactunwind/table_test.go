// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/testutils"
)

const (
	loadAddress    = libpf.Address(0x100000000)
	sectionAddress = libpf.Address(0x100800000)
)

func newTable(t *testing.T, ct *testutils.CompactTable) *Table {
	t.Helper()
	data := ct.Build()
	mem := testutils.NewMemory(8).Add(sectionAddress, data)
	table := NewTable(mem.RemoteMemory(t))
	require.NoError(t, table.Reset(imagelookup.Section{
		Start: sectionAddress,
		Size:  uint64(len(data)),
	}, loadAddress))
	return table
}

func sampleFunctions() []testutils.CompactFunction {
	return []testutils.CompactFunction{
		{Offset: 0x1000, Encoding: 0x01000000},
		{Offset: 0x1010, Encoding: 0x02020000},
		{Offset: 0x1020, Encoding: 0x01000000},
		{Offset: 0x1030, Encoding: 0x04000040},
	}
}

func TestLookup(t *testing.T) {
	layouts := map[string]testutils.CompactTable{
		"compressed": {
			Common:    []uint32{0x01000000},
			Functions: sampleFunctions(),
			End:       0x1040,
		},
		"compressed paged": {
			Functions:   sampleFunctions(),
			End:         0x1040,
			PageEntries: 2,
		},
		"regular": {
			Functions: sampleFunctions(),
			End:       0x1040,
			Regular:   true,
		},
		"regular paged": {
			Common:      []uint32{0x02020000},
			Functions:   sampleFunctions(),
			End:         0x1040,
			Regular:     true,
			PageEntries: 3,
		},
	}

	tests := map[string]struct {
		offset uint32
		want   Entry
		err    error
	}{
		"first function": {
			offset: 0x1000,
			want:   Entry{Encoding: 0x01000000, FunctionStart: 0x1000, FunctionEnd: 0x1010},
		},
		"inside third function": {
			offset: 0x1000 + 40,
			want:   Entry{Encoding: 0x01000000, FunctionStart: 0x1020, FunctionEnd: 0x1030},
		},
		"last function ends at sentinel": {
			offset: 0x1000 + 48,
			want:   Entry{Encoding: 0x04000040, FunctionStart: 0x1030, FunctionEnd: 0x1040},
		},
		"last byte": {
			offset: 0x103f,
			want:   Entry{Encoding: 0x04000040, FunctionStart: 0x1030, FunctionEnd: 0x1040},
		},
		"before first function": {offset: 0xfff, err: ErrNotFound},
		"at sentinel":           {offset: 0x1040, err: ErrNotFound},
	}

	for layoutName, layout := range layouts {
		table := newTable(t, &layout)
		for name, test := range tests {
			t.Run(layoutName+"/"+name, func(t *testing.T) {
				e, err := table.Lookup(loadAddress + libpf.Address(test.offset))
				if test.err != nil {
					require.ErrorIs(t, err, test.err)
					return
				}
				require.NoError(t, err)
				want := test.want
				want.FunctionStart += loadAddress
				want.FunctionEnd += loadAddress
				assert.Equal(t, want, e)
			})
		}
	}
}

func TestLookupMonotonic(t *testing.T) {
	var functions []testutils.CompactFunction
	for off := uint32(0x1000); off < 0x3000; off += 0x30 {
		functions = append(functions, testutils.CompactFunction{
			Offset:   off,
			Encoding: 0x01000000 | off>>4,
		})
	}
	table := newTable(t, &testutils.CompactTable{
		Functions:   functions,
		End:         0x3000,
		PageEntries: 7,
	})

	prev := libpf.Address(0)
	for pc := loadAddress + 0x1000; pc < loadAddress+0x3000; pc += 3 {
		e, err := table.Lookup(pc)
		require.NoError(t, err)
		assert.True(t, pc.InRange(e.FunctionStart, e.FunctionEnd), "pc %#x", pc)
		assert.GreaterOrEqual(t, e.FunctionStart, prev)
		prev = e.FunctionStart
	}
}

func TestLookupZeroEncoding(t *testing.T) {
	table := newTable(t, &testutils.CompactTable{
		Functions: []testutils.CompactFunction{
			{Offset: 0x1000, Encoding: 0x01000000},
			{Offset: 0x1010, Encoding: 0},
		},
		End: 0x1020,
	})
	_, err := table.Lookup(loadAddress + 0x1014)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResetRejectsVersion(t *testing.T) {
	data := (&testutils.CompactTable{
		Functions: sampleFunctions(),
		End:       0x1040,
	}).Build()
	data[0] = 2
	mem := testutils.NewMemory(8).Add(sectionAddress, data)
	table := NewTable(mem.RemoteMemory(t))
	err := table.Reset(imagelookup.Section{Start: sectionAddress, Size: uint64(len(data))},
		loadAddress)
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = table.Lookup(loadAddress + 0x1000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupTruncatedSection(t *testing.T) {
	data := (&testutils.CompactTable{
		Functions: sampleFunctions(),
		End:       0x1040,
	}).Build()
	mem := testutils.NewMemory(8).Add(sectionAddress, data)
	table := NewTable(mem.RemoteMemory(t))
	// Cut the section right after the first level index.
	require.NoError(t, table.Reset(imagelookup.Section{Start: sectionAddress, Size: 28 + 24},
		loadAddress))

	_, err := table.Lookup(loadAddress + 0x1000)
	require.Error(t, err)
}
