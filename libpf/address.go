// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the small value types shared by all unwinder packages.
package libpf // import "go.opentelemetry.io/crashunwind/libpf"

import "go.opentelemetry.io/crashunwind/libpf/hash"

// Address represents an address, or offset within a process
type Address uint64

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(hash.Uint64(uint64(adr)))
}

// Add returns the address displaced by a signed offset.
func (adr Address) Add(off int64) Address {
	return Address(int64(adr) + off)
}

// InRange reports whether adr lies in [start, end).
func (adr Address) InRange(start, end Address) bool {
	return adr >= start && adr < end
}
