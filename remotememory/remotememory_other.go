//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"fmt"
	"runtime"

	"go.opentelemetry.io/crashunwind/libpf"
)

// ProcessVirtualMemory is only implemented on Linux.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

func (vm ProcessVirtualMemory) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, fmt.Errorf("reading memory of PID %v is not supported on %s",
		vm.pid, runtime.GOOS)
}

// NewProcessVirtualMemory returns a RemoteMemory reading the memory of pid.
func NewProcessVirtualMemory(pid libpf.PID) *RemoteMemory {
	return New(ProcessVirtualMemory{pid})
}

// NewProcessMapped is only implemented on Linux.
func NewProcessMapped(pid libpf.PID) (*RemoteMemory, error) {
	return nil, fmt.Errorf("reading mappings of PID %v is not supported on %s",
		pid, runtime.GOOS)
}
