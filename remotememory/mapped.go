// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf"
)

// Mapping is one readable range of a process address space.
type Mapping struct {
	Start      libpf.Address
	End        libpf.Address
	Executable bool
	Path       string
}

// Mapped implements io.ReaderAt by validating every read against a list of known
// readable mappings before delegating to the inner reader. It keeps a reader that
// would fault on unmapped memory from ever being asked to touch it.
type Mapped struct {
	inner    io.ReaderAt
	mappings []Mapping
}

// NewMapped returns a Mapped reader. The mappings are sorted by start address.
func NewMapped(inner io.ReaderAt, mappings []Mapping) *Mapped {
	m := &Mapped{inner: inner, mappings: append([]Mapping(nil), mappings...)}
	sort.Slice(m.mappings, func(i, j int) bool {
		return m.mappings[i].Start < m.mappings[j].Start
	})
	return m
}

// Mappings returns the known mappings sorted by address.
func (m *Mapped) Mappings() []Mapping {
	return m.mappings
}

// Contains reports whether [addr, addr+size) lies in a single mapping.
func (m *Mapped) Contains(addr libpf.Address, size uint64) bool {
	end := addr + libpf.Address(size)
	if end < addr {
		return false
	}
	idx := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].End > addr
	})
	return idx < len(m.mappings) && m.mappings[idx].Start <= addr &&
		end <= m.mappings[idx].End
}

// ReadAt implements io.ReaderAt.
func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	if !m.Contains(libpf.Address(off), uint64(len(p))) {
		return 0, fmt.Errorf("address range 0x%x+%d is not mapped", off, len(p))
	}
	return m.inner.ReadAt(p, off)
}

// ParseMappings parses the /proc/PID/maps format and returns the readable
// mappings. Lines that can not be parsed are counted and skipped.
func ParseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			numParseErrors++
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) < 2 {
			numParseErrors++
			continue
		}
		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		// Ignore non-readable mappings
		if mapsFlags[0] != 'r' {
			continue
		}
		vaddr, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			log.Debugf("vaddr: failed to convert %s to uint64: %v", addrs[0], err)
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			log.Debugf("vend: failed to convert %s to uint64: %v", addrs[1], err)
			numParseErrors++
			continue
		}
		var path string
		if len(fields) > 5 {
			path = strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		}
		mappings = append(mappings, Mapping{
			Start:      libpf.Address(vaddr),
			End:        libpf.Address(vend),
			Executable: mapsFlags[2] == 'x',
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}
