// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testutils // import "go.opentelemetry.io/crashunwind/testutils"

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"encoding/binary"
)

// ELFSegment is a PT_LOAD segment of a synthetic ELF file.
type ELFSegment struct {
	Vaddr uint64
	Flags elf.ProgFlag
	Data  []byte
}

// ELFSection is a section of a synthetic ELF file. Sections with a non-zero
// Addr must lie within a segment and take their contents from it.
type ELFSection struct {
	Name string
	Addr uint64
	Size uint64
	// Data is the contents of sections which are not loaded.
	Data []byte
}

func align16(v int) int {
	return (v + 15) &^ 15
}

// BuildELF returns a minimal little endian ELF64 shared object.
func BuildELF(machine elf.Machine, segs []ELFSegment, sections []ELFSection) []byte {
	le := binary.LittleEndian
	phoff := 64
	off := align16(phoff + 56*len(segs))

	progs := make([]elf.Prog64, len(segs))
	var data bytes.Buffer
	for i, seg := range segs {
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    uint64(off + data.Len()),
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  uint64(len(seg.Data)),
			Align:  0x1000,
		}
		data.Write(seg.Data)
		for data.Len()%16 != 0 {
			data.WriteByte(0)
		}
	}

	shstrtab := []byte{0}
	shdrs := []elf.Section64{{}}
	for _, sec := range sections {
		sh := elf.Section64{
			Name:      uint32(len(shstrtab)),
			Type:      uint32(elf.SHT_PROGBITS),
			Addr:      sec.Addr,
			Size:      sec.Size,
			Addralign: 1,
		}
		shstrtab = append(append(shstrtab, sec.Name...), 0)
		if sec.Addr != 0 {
			sh.Flags = uint64(elf.SHF_ALLOC)
			for i, seg := range segs {
				if sec.Addr >= seg.Vaddr && sec.Addr < seg.Vaddr+uint64(len(seg.Data)) {
					sh.Off = progs[i].Off + sec.Addr - seg.Vaddr
				}
			}
		} else {
			sh.Off = uint64(off + data.Len())
			sh.Size = uint64(len(sec.Data))
			data.Write(sec.Data)
		}
		shdrs = append(shdrs, sh)
	}
	shstrndx := len(shdrs)
	shdrs = append(shdrs, elf.Section64{
		Name: uint32(len(shstrtab)),
		Type: uint32(elf.SHT_STRTAB),
		Off:  uint64(off + data.Len()),
	})
	shstrtab = append(append(shstrtab, ".shstrtab"...), 0)
	shdrs[shstrndx].Size = uint64(len(shstrtab))
	data.Write(shstrtab)
	for data.Len()%16 != 0 {
		data.WriteByte(0)
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     uint64(phoff),
		Shoff:     uint64(off + data.Len()),
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(segs)),
		Shentsize: 64,
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  uint16(shstrndx),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	_ = binary.Write(&out, le, &hdr)
	_ = binary.Write(&out, le, progs)
	for out.Len() < off {
		out.WriteByte(0)
	}
	out.Write(data.Bytes())
	_ = binary.Write(&out, le, shdrs)
	return out.Bytes()
}

// MachOSection is a section of a synthetic Mach-O segment.
type MachOSection struct {
	Name string
	Addr uint64
	Size uint64
}

// MachOSegment is a segment of a synthetic Mach-O file.
type MachOSegment struct {
	Name     string
	Addr     uint64
	Prot     uint32
	Data     []byte
	Sections []MachOSection
}

func name16(s string) (n [16]byte) {
	copy(n[:], s)
	return n
}

// BuildMachO returns a minimal little endian 64-bit Mach-O executable.
func BuildMachO(cpu macho.Cpu, segs []MachOSegment) []byte {
	le := binary.LittleEndian
	const headerSize = 32
	cmdsz := 0
	for _, seg := range segs {
		cmdsz += 72 + 80*len(seg.Sections)
	}
	off := align16(headerSize + cmdsz)

	var cmds, data bytes.Buffer
	for _, seg := range segs {
		segOff := uint64(off + data.Len())
		_ = binary.Write(&cmds, le, &macho.Segment64{
			Cmd:     macho.LoadCmdSegment64,
			Len:     uint32(72 + 80*len(seg.Sections)),
			Name:    name16(seg.Name),
			Addr:    seg.Addr,
			Memsz:   uint64(len(seg.Data)),
			Offset:  segOff,
			Filesz:  uint64(len(seg.Data)),
			Maxprot: seg.Prot,
			Prot:    seg.Prot,
			Nsect:   uint32(len(seg.Sections)),
		})
		for _, sec := range seg.Sections {
			_ = binary.Write(&cmds, le, &macho.Section64{
				Name:   name16(sec.Name),
				Seg:    name16(seg.Name),
				Addr:   sec.Addr,
				Size:   sec.Size,
				Offset: uint32(segOff + sec.Addr - seg.Addr),
			})
		}
		data.Write(seg.Data)
		for data.Len()%16 != 0 {
			data.WriteByte(0)
		}
	}

	var out bytes.Buffer
	_ = binary.Write(&out, le, &macho.FileHeader{
		Magic: macho.Magic64,
		Cpu:   cpu,
		Type:  macho.TypeExec,
		Ncmd:  uint32(len(segs)),
		Cmdsz: uint32(cmdsz),
	})
	_ = binary.Write(&out, le, uint32(0))
	out.Write(cmds.Bytes())
	for out.Len() < off {
		out.WriteByte(0)
	}
	out.Write(data.Bytes())
	return out.Bytes()
}
