// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package imagelookup_test

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/remotememory"
	"go.opentelemetry.io/crashunwind/testutils"
)

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestLoadELF(t *testing.T) {
	file := testutils.BuildELF(elf.EM_X86_64,
		[]testutils.ELFSegment{
			{Vaddr: 0x1000, Flags: elf.PF_R | elf.PF_X, Data: filled(0x200, 0x90)},
			{Vaddr: 0x2000, Flags: elf.PF_R, Data: filled(0x100, 0xee)},
			{Vaddr: 0x3000, Flags: elf.PF_R | elf.PF_W, Data: filled(0x80, 0xdd)},
		},
		[]testutils.ELFSection{
			{Name: ".eh_frame_hdr", Addr: 0x2000, Size: 0x10},
			{Name: ".eh_frame", Addr: 0x2010, Size: 0x40},
			{Name: ".debug_frame", Data: filled(0x30, 0xdf)},
		})

	const loadAddress = libpf.Address(0x7f0000000000)
	img, segs, err := imagelookup.Load(bytes.NewReader(file), "libfoo.so", loadAddress)
	require.NoError(t, err)

	slide := int64(loadAddress) - 0x1000
	assert.Equal(t, "libfoo.so", img.Name)
	assert.Equal(t, regs.ArchX86_64, img.Arch)
	assert.Equal(t, slide, img.Slide)
	assert.Equal(t, loadAddress, img.LoadAddress)
	assert.Equal(t, loadAddress, img.TextStart)
	assert.Equal(t, loadAddress+0x200, img.TextEnd)
	assert.Equal(t, imagelookup.Section{Start: loadAddress + 0x1010, Size: 0x40}, img.EHFrame)
	assert.Equal(t, imagelookup.Section{Start: loadAddress + 0x1000, Size: 0x10}, img.EHFrameHdr)
	assert.Equal(t, imagelookup.Section{Start: loadAddress + 0x3000, Size: 0x30}, img.DebugFrame)
	assert.False(t, img.CompactUnwind.Present())

	// Text, read-only data and .debug_frame; the writable segment is skipped.
	require.Len(t, segs, 3)
	mem, err := remotememory.NewSegments(segs...)
	require.NoError(t, err)
	rm := remotememory.New(mem)

	v, err := rm.Uint8(img.TextStart)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x90), v)
	v, err = rm.Uint8(img.EHFrame.Start)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xee), v)
	v, err = rm.Uint8(img.DebugFrame.End() - 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xdf), v)
	_, err = rm.Uint8(loadAddress + 0x2000)
	require.Error(t, err)
}

func TestLoadELFKeepsLinkAddresses(t *testing.T) {
	file := testutils.BuildELF(elf.EM_AARCH64,
		[]testutils.ELFSegment{
			{Vaddr: 0x400000, Flags: elf.PF_R | elf.PF_X, Data: filled(0x100, 0x1f)},
		}, nil)

	img, segs, err := imagelookup.LoadELF(bytes.NewReader(file), "a.out", 0)
	require.NoError(t, err)
	assert.Equal(t, regs.ArchARM64, img.Arch)
	assert.Zero(t, img.Slide)
	assert.Equal(t, libpf.Address(0x400000), img.TextStart)
	assert.False(t, img.EHFrame.Present())
	assert.False(t, img.DebugFrame.Present())
	assert.Len(t, segs, 1)
}

func TestLoadMachO(t *testing.T) {
	file := testutils.BuildMachO(macho.CpuArm64, []testutils.MachOSegment{
		{
			Name: "__TEXT",
			Addr: 0x100000000,
			Prot: 5,
			Data: filled(0x4000, 0xd5),
			Sections: []testutils.MachOSection{
				{Name: "__text", Addr: 0x100000400, Size: 0x3000},
				{Name: "__unwind_info", Addr: 0x100003400, Size: 0x200},
				{Name: "__eh_frame", Addr: 0x100003600, Size: 0x100},
				{Name: ".eh_frame_hdr", Addr: 0x100003700, Size: 0x40},
			},
		},
		{Name: "__DATA", Addr: 0x100004000, Prot: 3, Data: filled(0x100, 0)},
		{Name: "__LINKEDIT", Addr: 0x100008000, Prot: 1, Data: filled(0x100, 0)},
	})

	const loadAddress = libpf.Address(0x100400000)
	img, segs, err := imagelookup.Load(bytes.NewReader(file), "libbar.dylib", loadAddress)
	require.NoError(t, err)

	assert.Equal(t, regs.ArchARM64, img.Arch)
	assert.Equal(t, int64(0x400000), img.Slide)
	assert.Equal(t, loadAddress, img.LoadAddress)
	assert.Equal(t, loadAddress, img.TextStart)
	assert.Equal(t, loadAddress+0x4000, img.TextEnd)
	assert.Equal(t, imagelookup.Section{Start: loadAddress + 0x3400, Size: 0x200},
		img.CompactUnwind)
	assert.Equal(t, imagelookup.Section{Start: loadAddress + 0x3600, Size: 0x100},
		img.EHFrame)
	// Mach-O images have no binary search table for __eh_frame.
	assert.Zero(t, img.EHFrameHdr)

	require.Len(t, segs, 1)
	assert.Equal(t, loadAddress, segs[0].Address)
	assert.Len(t, segs[0].Data, 0x4000)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	_, _, err := imagelookup.Load(bytes.NewReader([]byte("#!/bin/sh\n")), "script", 0x1000)
	require.Error(t, err)

	_, _, err = imagelookup.Load(bytes.NewReader(nil), "empty", 0x1000)
	require.Error(t, err)
}
