// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package imagelookup // import "go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"

import (
	"debug/elf"
	"debug/macho"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/remotememory"
)

const pageSize = 0x1000

// Mach-O VM protection bit for writable segments
const vmProtWrite = 0x2

var errUnknownFormat = errors.New("not an ELF or Mach-O file")

// Load detects the object file format of r and loads it at loadAddress. See
// LoadMachO and LoadELF.
func Load(r io.ReaderAt, name string, loadAddress libpf.Address) (
	Image, []remotememory.Segment, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return Image{}, nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	switch {
	case string(magic[:]) == elf.ELFMAG:
		return LoadELF(r, name, loadAddress)
	case magic == [4]byte{0xcf, 0xfa, 0xed, 0xfe}, magic == [4]byte{0xce, 0xfa, 0xed, 0xfe}:
		return LoadMachO(r, name, loadAddress)
	default:
		return Image{}, nil, fmt.Errorf("%s: %w", name, errUnknownFormat)
	}
}

// LoadMachO describes a Mach-O image whose header was loaded at loadAddress.
// The returned segments hold the file contents of the read-only segments at
// their runtime addresses, so that an offline snapshot can read the unwind
// tables and code of the image.
func LoadMachO(r io.ReaderAt, name string, loadAddress libpf.Address) (
	Image, []remotememory.Segment, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return Image{}, nil, fmt.Errorf("failed to parse Mach-O %s: %w", name, err)
	}

	img := Image{Name: name, LoadAddress: loadAddress}
	switch f.Cpu {
	case macho.CpuAmd64:
		img.Arch = regs.ArchX86_64
	case macho.Cpu386:
		img.Arch = regs.ArchX86
	case macho.CpuArm64:
		img.Arch = regs.ArchARM64
	case macho.CpuArm:
		img.Arch = regs.ArchARM32
	default:
		return Image{}, nil, fmt.Errorf("%s: unsupported Mach-O cpu %v", name, f.Cpu)
	}

	text := f.Segment("__TEXT")
	if text == nil {
		return Image{}, nil, fmt.Errorf("%s: no __TEXT segment", name)
	}
	img.Slide = int64(loadAddress) - int64(text.Addr)
	img.TextStart = libpf.Address(text.Addr).Add(img.Slide)
	img.TextEnd = img.TextStart + libpf.Address(text.Memsz)

	if sec := f.Section("__unwind_info"); sec != nil {
		img.CompactUnwind = Section{libpf.Address(sec.Addr).Add(img.Slide), sec.Size}
	}
	if sec := f.Section("__eh_frame"); sec != nil {
		img.EHFrame = Section{libpf.Address(sec.Addr).Add(img.Slide), sec.Size}
	}

	var segs []remotememory.Segment
	for _, l := range f.Loads {
		seg, ok := l.(*macho.Segment)
		if !ok || seg.Filesz == 0 || seg.Name == "__LINKEDIT" || seg.Prot&vmProtWrite != 0 {
			continue
		}
		data, err := seg.Data()
		if err != nil {
			return Image{}, nil, fmt.Errorf("%s: failed to read segment %s: %w",
				name, seg.Name, err)
		}
		segs = append(segs, remotememory.Segment{
			Address: libpf.Address(seg.Addr).Add(img.Slide),
			Data:    data,
		})
	}
	return img, segs, nil
}

// LoadELF describes an ELF image whose lowest PT_LOAD segment was loaded at
// loadAddress. A zero loadAddress keeps the link time addresses. Since
// .debug_frame is not part of any loaded segment, it is placed in a segment
// of its own directly after the image.
func LoadELF(r io.ReaderAt, name string, loadAddress libpf.Address) (
	Image, []remotememory.Segment, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Image{}, nil, fmt.Errorf("failed to parse ELF %s: %w", name, err)
	}

	img := Image{Name: name}
	switch f.Machine {
	case elf.EM_X86_64:
		img.Arch = regs.ArchX86_64
	case elf.EM_386:
		img.Arch = regs.ArchX86
	case elf.EM_AARCH64:
		img.Arch = regs.ArchARM64
	case elf.EM_ARM:
		img.Arch = regs.ArchARM32
	default:
		return Image{}, nil, fmt.Errorf("%s: unsupported ELF machine %v", name, f.Machine)
	}

	var minVaddr, maxVaddr uint64
	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < minVaddr {
			minVaddr = p.Vaddr
		}
		maxVaddr = max(maxVaddr, p.Vaddr+p.Memsz)
		first = false
	}
	if first {
		return Image{}, nil, fmt.Errorf("%s: no PT_LOAD segments", name)
	}
	minVaddr &^= pageSize - 1
	if loadAddress != 0 {
		img.Slide = int64(loadAddress) - int64(minVaddr)
	}
	img.LoadAddress = libpf.Address(minVaddr).Add(img.Slide)

	var segs []remotememory.Segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := libpf.Address(p.Vaddr).Add(img.Slide)
		if p.Flags&elf.PF_X != 0 {
			if img.TextEnd == 0 || start < img.TextStart {
				img.TextStart = start
			}
			img.TextEnd = max(img.TextEnd, start+libpf.Address(p.Memsz))
		}
		if p.Flags&elf.PF_W != 0 || p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			return Image{}, nil, fmt.Errorf("%s: failed to read segment at 0x%x: %w",
				name, p.Vaddr, err)
		}
		segs = append(segs, remotememory.Segment{Address: start, Data: data})
	}
	if img.TextEnd == 0 {
		return Image{}, nil, fmt.Errorf("%s: no executable segment", name)
	}

	if sec := f.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		img.EHFrame = Section{libpf.Address(sec.Addr).Add(img.Slide), sec.Size}
		if hdr := f.Section(".eh_frame_hdr"); hdr != nil && hdr.Type != elf.SHT_NOBITS {
			img.EHFrameHdr = Section{libpf.Address(hdr.Addr).Add(img.Slide), hdr.Size}
		}
	}
	if sec := f.Section(".debug_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			return Image{}, nil, fmt.Errorf("%s: failed to read .debug_frame: %w", name, err)
		}
		start := libpf.Address((maxVaddr + pageSize - 1) &^ (pageSize - 1)).Add(img.Slide)
		img.DebugFrame = Section{start, uint64(len(data))}
		segs = append(segs, remotememory.Segment{Address: start, Data: data})
	}
	return img, segs, nil
}
