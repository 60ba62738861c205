// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutils builds synthetic process memory, unwind tables and object
// files for tests.
package testutils // import "go.opentelemetry.io/crashunwind/testutils"

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// Memory collects regions of a synthetic address space.
type Memory struct {
	PtrSize int
	segs    []remotememory.Segment
}

// NewMemory returns an empty address space with the given pointer size.
func NewMemory(ptrSize int) *Memory {
	return &Memory{PtrSize: ptrSize}
}

// Add maps data at addr.
func (m *Memory) Add(addr libpf.Address, data []byte) *Memory {
	m.segs = append(m.segs, remotememory.Segment{Address: addr, Data: data})
	return m
}

// Words maps the pointer sized little endian words at addr.
func (m *Memory) Words(addr libpf.Address, words ...uint64) *Memory {
	data := make([]byte, len(words)*m.PtrSize)
	for i, w := range words {
		PutPtr(data[i*m.PtrSize:], m.PtrSize, w)
	}
	return m.Add(addr, data)
}

// RemoteMemory returns a reader over all added regions.
func (m *Memory) RemoteMemory(t testing.TB) *remotememory.RemoteMemory {
	t.Helper()
	segs, err := remotememory.NewSegments(m.segs...)
	require.NoError(t, err)
	return remotememory.New(segs)
}

// PutPtr stores v as a little endian word of size bytes.
func PutPtr(b []byte, size int, v uint64) {
	if size == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}
