// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
)

func RemoteMemTests(t *testing.T, rm *RemoteMemory) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dataPtr := libpf.Address(uintptr(unsafe.Pointer(&data[0])))

	foo := make([]byte, len(data))
	err := rm.Read(dataPtr, foo)
	if errors.Is(err, syscall.ENOSYS) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, data, foo)

	v32, err := rm.Uint32(dataPtr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v32)

	ptr, err := rm.Ptr(dataPtr, 8)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x0807060504030201), ptr)

	ptr, err = rm.Ptr(dataPtr+4, 4)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x08070605), ptr)

	// The zero page is never mapped.
	_, err = rm.Uint64(0x10)
	require.Error(t, err)
	assert.Equal(t, nativeunwind.KindMemory, nativeunwind.KindOf(err))
	runtime.KeepAlive(data)
}

func TestProcessVirtualMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	RemoteMemTests(t, NewProcessVirtualMemory(libpf.PID(os.Getpid())))
}

func TestProcessMapped(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	rm, err := NewProcessMapped(libpf.PID(os.Getpid()))
	require.NoError(t, err)
	RemoteMemTests(t, rm)
}

func TestSegments(t *testing.T) {
	segs, err := NewSegments(
		Segment{Address: 0x2000, Data: []byte{5, 6, 7, 8}},
		Segment{Address: 0x1000, Data: []byte{1, 2, 3, 4}},
		Segment{Address: 0x2004, Data: []byte{9, 10}},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, segs.Len())
	rm := New(segs)

	tests := map[string]struct {
		addr   libpf.Address
		size   int
		expect []byte
	}{
		"start":      {addr: 0x1000, size: 4, expect: []byte{1, 2, 3, 4}},
		"inner":      {addr: 0x1001, size: 2, expect: []byte{2, 3}},
		"adjacent":   {addr: 0x2002, size: 4, expect: []byte{7, 8, 9, 10}},
		"past end":   {addr: 0x1002, size: 4},
		"gap":        {addr: 0x1800, size: 1},
		"after last": {addr: 0x2006, size: 1},
		"before":     {addr: 0xfff, size: 2},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, test.size)
			err := rm.Read(test.addr, buf)
			if test.expect == nil {
				assert.ErrorIs(t, err, ErrReadFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expect, buf)
		})
	}

	_, err = NewSegments(
		Segment{Address: 0x1000, Data: make([]byte, 16)},
		Segment{Address: 0x1008, Data: make([]byte, 16)},
	)
	assert.Error(t, err)
}

func TestMapped(t *testing.T) {
	backing, err := NewSegments(Segment{Address: 0x1000, Data: bytes.Repeat([]byte{0xaa}, 0x100)})
	require.NoError(t, err)
	m := NewMapped(backing, []Mapping{{Start: 0x1000, End: 0x1080}})
	rm := New(m)

	v, err := rm.Uint8(0x107f)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xaa), v)

	// Backed by data, but outside of the known mappings.
	_, err = rm.Uint16(0x107f)
	assert.ErrorIs(t, err, ErrReadFailed)
	_, err = rm.Uint8(0x1080)
	assert.ErrorIs(t, err, ErrReadFailed)
}

func TestParseMappings(t *testing.T) {
	maps := strings.Join([]string{
		"55fe82710000-55fe8273c000 r--p 00000000 fd:01 1068432 /usr/bin/app",
		"55fe8273c000-55fe827be000 r-xp 0002c000 fd:01 1068432 /usr/bin/app (deleted)",
		"7ffc1b1e0000-7ffc1b201000 rw-p 00000000 00:00 0 [stack]",
		"7ffc1b3f8000-7ffc1b3fa000 ---p 00000000 00:00 0",
		"garbage",
	}, "\n")
	mappings, numErrors, err := ParseMappings(strings.NewReader(maps))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), numErrors)
	require.Len(t, mappings, 3)
	assert.Equal(t, Mapping{
		Start:      0x55fe8273c000,
		End:        0x55fe827be000,
		Executable: true,
		Path:       "/usr/bin/app",
	}, mappings[1])
	assert.Equal(t, "[stack]", mappings[2].Path)
}
