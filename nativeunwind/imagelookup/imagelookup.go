// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package imagelookup maps code addresses to the loaded binary image containing
// them, and to the unwind tables that image carries.
package imagelookup // import "go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
)

// Section is the runtime address range of an unwind table inside the
// memory of the inspected process. A zero Size means the table is absent.
type Section struct {
	Start libpf.Address
	Size  uint64
}

// End returns the address one past the section.
func (s Section) End() libpf.Address {
	return s.Start + libpf.Address(s.Size)
}

// Present reports whether the image has this table.
func (s Section) Present() bool {
	return s.Size != 0
}

// Image describes one loaded binary image.
type Image struct {
	Name string
	Arch regs.Arch
	// LoadAddress is the runtime address of the image header. Compact unwind
	// function offsets are relative to it.
	LoadAddress libpf.Address
	// Slide is the difference between runtime and link time addresses.
	// Absolute addresses in .debug_frame tables are adjusted by it.
	Slide int64
	// TextStart and TextEnd bound the executable code of the image.
	TextStart libpf.Address
	TextEnd   libpf.Address

	CompactUnwind Section
	EHFrame       Section
	// EHFrameHdr is the binary search table indexing EHFrame, if present.
	EHFrameHdr Section
	DebugFrame Section
}

// ContainsText reports whether pc lies within the executable code.
func (img *Image) ContainsText(pc libpf.Address) bool {
	return pc.InRange(img.TextStart, img.TextEnd)
}

func (img *Image) String() string {
	return fmt.Sprintf("%s@0x%x [0x%x-0x%x)", img.Name, img.LoadAddress,
		img.TextStart, img.TextEnd)
}

// Lookup finds the image containing a code address. Implementations must not
// allocate or block in FindImage.
type Lookup interface {
	FindImage(pc libpf.Address) (*Image, bool)
}

// Registry is an immutable Lookup over a fixed set of images sorted by text
// address.
type Registry struct {
	images []Image
}

var _ Lookup = (*Registry)(nil)

// NewRegistry validates the images and returns a Registry. Images with an empty
// text range or with text ranges overlapping another image are rejected.
func NewRegistry(images ...Image) (*Registry, error) {
	r := &Registry{images: append([]Image(nil), images...)}
	sort.Slice(r.images, func(i, j int) bool {
		return r.images[i].TextStart < r.images[j].TextStart
	})
	for i := range r.images {
		img := &r.images[i]
		if img.TextEnd <= img.TextStart {
			return nil, fmt.Errorf("image %s has an empty text range", img.Name)
		}
		if i > 0 && r.images[i-1].TextEnd > img.TextStart {
			return nil, fmt.Errorf("image %s overlaps image %s",
				img.Name, r.images[i-1].Name)
		}
	}
	return r, nil
}

// FindImage implements Lookup using binary search.
func (r *Registry) FindImage(pc libpf.Address) (*Image, bool) {
	idx := sort.Search(len(r.images), func(i int) bool {
		return r.images[i].TextEnd > pc
	})
	if idx < len(r.images) && r.images[idx].ContainsText(pc) {
		return &r.images[idx], true
	}
	return nil, false
}

// Images returns the registered images sorted by text address.
func (r *Registry) Images() []Image {
	return r.images
}
