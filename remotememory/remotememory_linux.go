//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/crashunwind/libpf"
)

// ProcessVirtualMemory implements io.ReaderAt by using process_vm_readv syscalls
// to read the remote memory. Unmapped addresses produce EFAULT instead of a signal,
// which makes it usable on the memory of the crashing process itself.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	numBytesWanted := len(p)
	if numBytesWanted == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(numBytesWanted)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: numBytesWanted}}
	numBytesRead, err := unix.ProcessVMReadv(int(vm.pid), localIov, remoteIov, 0)
	if err != nil {
		err = fmt.Errorf("failed to read PID %v at 0x%x: %w", vm.pid, off, err)
	} else if numBytesRead != numBytesWanted {
		err = fmt.Errorf("failed to read PID %v at 0x%x: got only %d of %d",
			vm.pid, off, numBytesRead, numBytesWanted)
	}
	return numBytesRead, err
}

// NewProcessVirtualMemory returns a RemoteMemory reading the memory of pid.
func NewProcessVirtualMemory(pid libpf.PID) *RemoteMemory {
	return New(ProcessVirtualMemory{pid})
}

// NewProcessMapped returns a RemoteMemory for pid that only reads addresses
// listed as readable in /proc/PID/maps at the time of the call.
func NewProcessMapped(pid libpf.PID) (*RemoteMemory, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := ParseMappings(mapsFile)
	if err != nil {
		return nil, err
	}
	if numParseErrors > 0 {
		log.Debugf("Failed to parse %d lines of PID %d mappings", numParseErrors, pid)
	}
	return New(NewMapped(ProcessVirtualMemory{pid}, mappings)), nil
}
