// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to memory space of a crashed process. The ReaderAt
// interface is used for the basic access, and various checked convenience functions
// are provided to help reading specific data types. Every failed read is reported
// as an error and never faults the reader.
package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"encoding/binary"
	"io"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
)

// ErrReadFailed is returned by all typed reads when the underlying reader could not
// provide the requested bytes.
var ErrReadFailed = nativeunwind.NewError(nativeunwind.KindMemory, "memory read failed")

// RemoteMemory implements a set of convenience functions to access the remote memory.
// It is not safe for concurrent use: typed reads go through an internal scratch buffer.
type RemoteMemory struct {
	io.ReaderAt

	scratch [8]byte
}

// New returns a RemoteMemory reading through r.
func New(r io.ReaderAt) *RemoteMemory {
	return &RemoteMemory{ReaderAt: r}
}

// Valid determines if this RemoteMemory instance contains a valid reference to target memory
func (rm *RemoteMemory) Valid() bool {
	return rm != nil && rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr
func (rm *RemoteMemory) Read(addr libpf.Address, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if uint64(addr)+uint64(len(p)) < uint64(addr) || int64(addr) < 0 {
		return ErrReadFailed
	}
	n, err := rm.ReadAt(p, int64(addr))
	if n != len(p) {
		return ErrReadFailed
	}
	if err != nil && err != io.EOF {
		return ErrReadFailed
	}
	return nil
}

func (rm *RemoteMemory) read(addr libpf.Address, size int) ([]byte, error) {
	buf := rm.scratch[:size]
	if err := rm.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Uint8 reads an 8-bit unsigned integer from remote memory
func (rm *RemoteMemory) Uint8(addr libpf.Address) (uint8, error) {
	buf, err := rm.read(addr, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Uint16 reads a 16-bit unsigned integer from remote memory
func (rm *RemoteMemory) Uint16(addr libpf.Address) (uint16, error) {
	buf, err := rm.read(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm *RemoteMemory) Uint32(addr libpf.Address) (uint32, error) {
	buf, err := rm.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm *RemoteMemory) Uint64(addr libpf.Address) (uint64, error) {
	buf, err := rm.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Sized reads an unsigned integer of 1, 2, 4 or 8 bytes.
func (rm *RemoteMemory) Sized(addr libpf.Address, size int) (uint64, error) {
	switch size {
	case 1:
		v, err := rm.Uint8(addr)
		return uint64(v), err
	case 2:
		v, err := rm.Uint16(addr)
		return uint64(v), err
	case 4:
		v, err := rm.Uint32(addr)
		return uint64(v), err
	case 8:
		return rm.Uint64(addr)
	default:
		return 0, ErrReadFailed
	}
}

// Ptr reads a native pointer of ptrSize bytes (4 or 8) from remote memory
func (rm *RemoteMemory) Ptr(addr libpf.Address, ptrSize int) (libpf.Address, error) {
	v, err := rm.Sized(addr, ptrSize)
	return libpf.Address(v), err
}
