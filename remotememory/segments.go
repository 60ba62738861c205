// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/crashunwind/remotememory"

import (
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/crashunwind/libpf"
)

// Segment is a captured region of process memory.
type Segment struct {
	Address libpf.Address
	Data    []byte
}

// End returns the address one past the last byte of the segment.
func (s *Segment) End() libpf.Address {
	return s.Address + libpf.Address(len(s.Data))
}

// Segments implements io.ReaderAt over a set of non-overlapping captured regions,
// such as the stack and image bytes of a crash snapshot. Reads may span adjacent
// segments, but any gap fails the read.
type Segments struct {
	segs []Segment
}

// NewSegments sorts the given segments and rejects overlapping ones.
func NewSegments(segs ...Segment) (*Segments, error) {
	s := &Segments{}
	for _, seg := range segs {
		if err := s.Add(seg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts one segment. Empty segments are ignored.
func (s *Segments) Add(seg Segment) error {
	if len(seg.Data) == 0 {
		return nil
	}
	if seg.End() < seg.Address {
		return fmt.Errorf("segment at 0x%x wraps around the address space", seg.Address)
	}
	idx := sort.Search(len(s.segs), func(i int) bool {
		return s.segs[i].Address >= seg.Address
	})
	if idx > 0 && s.segs[idx-1].End() > seg.Address {
		return fmt.Errorf("segment at 0x%x overlaps segment at 0x%x",
			seg.Address, s.segs[idx-1].Address)
	}
	if idx < len(s.segs) && seg.End() > s.segs[idx].Address {
		return fmt.Errorf("segment at 0x%x overlaps segment at 0x%x",
			seg.Address, s.segs[idx].Address)
	}
	s.segs = append(s.segs, Segment{})
	copy(s.segs[idx+1:], s.segs[idx:])
	s.segs[idx] = seg
	return nil
}

// Len returns the number of segments.
func (s *Segments) Len() int {
	return len(s.segs)
}

// find returns the index of the segment containing addr, or -1.
func (s *Segments) find(addr libpf.Address) int {
	idx := sort.Search(len(s.segs), func(i int) bool {
		return s.segs[i].End() > addr
	})
	if idx < len(s.segs) && s.segs[idx].Address <= addr {
		return idx
	}
	return -1
}

// ReadAt implements io.ReaderAt.
func (s *Segments) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	idx := s.find(addr)
	n := 0
	for n < len(p) {
		if idx < 0 || idx >= len(s.segs) || s.segs[idx].Address != addr && n != 0 {
			return n, io.EOF
		}
		seg := &s.segs[idx]
		n += copy(p[n:], seg.Data[addr-seg.Address:])
		addr = seg.End()
		idx++
	}
	return n, nil
}
