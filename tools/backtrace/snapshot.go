// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Defines the crash snapshot format read by the unwind command.

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// hexValue is an integer that is written as a hex string. Plain JSON numbers
// are accepted when reading.
type hexValue uint64

func (h hexValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(h)))
}

func (h *hexValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n uint64
		if err = json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid value %s", b)
		}
		*h = hexValue(n)
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q: %v", s, err)
	}
	*h = hexValue(v)
	return nil
}

// SectionInfo is the runtime location of an unwind table.
type SectionInfo struct {
	Start hexValue `json:"start"`
	Size  hexValue `json:"size"`
}

func (s *SectionInfo) section() imagelookup.Section {
	if s == nil {
		return imagelookup.Section{}
	}
	return imagelookup.Section{Start: libpf.Address(s.Start), Size: uint64(s.Size)}
}

// ImageInfo describes a loaded image. Either Path names the binary, relative
// to the snapshot, or the text range and tables are given explicitly.
type ImageInfo struct {
	Name          string       `json:"name"`
	Path          string       `json:"path,omitempty"`
	LoadAddress   hexValue     `json:"load-address"`
	Slide         int64        `json:"slide,omitempty"`
	TextStart     hexValue     `json:"text-start,omitempty"`
	TextEnd       hexValue     `json:"text-end,omitempty"`
	CompactUnwind *SectionInfo `json:"compact-unwind,omitempty"`
	EHFrame       *SectionInfo `json:"eh-frame,omitempty"`
	EHFrameHdr    *SectionInfo `json:"eh-frame-hdr,omitempty"`
	DebugFrame    *SectionInfo `json:"debug-frame,omitempty"`
}

// MemoryRegion is captured memory, hex encoded.
type MemoryRegion struct {
	Address hexValue `json:"address"`
	Data    string   `json:"data"`
}

// Snapshot is the state of a crashed thread.
type Snapshot struct {
	Arch      string              `json:"arch"`
	Registers map[string]hexValue `json:"registers"`
	Memory    []MemoryRegion      `json:"memory"`
	Images    []ImageInfo         `json:"images"`
	// PID selects reading memory from a stopped live process instead of
	// the captured regions.
	PID int `json:"pid,omitempty"`

	// dir resolves relative image paths.
	dir string
	// symbols of the images loaded from files, by image name
	symbols map[string]*symbolMap
	loaded  []LoadedImage
}

// LoadedImage identifies an image file that was loaded from disk.
type LoadedImage struct {
	Name   string       `json:"name"`
	FileID libpf.FileID `json:"file-id"`
}

// readSnapshot reads a snapshot file. Files ending in .zst are decompressed.
func readSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	snap := &Snapshot{dir: filepath.Dir(path)}
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()
	if err = d.Decode(snap); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return snap, nil
}

// prepare builds the register context, the memory and the image registry
// described by the snapshot.
func (s *Snapshot) prepare() (regs.Context, *remotememory.RemoteMemory,
	*imagelookup.Registry, error) {
	arch, err := regs.ParseArch(s.Arch)
	if err != nil {
		return regs.Context{}, nil, nil, err
	}
	ctx, err := regs.NewContext(arch)
	if err != nil {
		return regs.Context{}, nil, nil, err
	}
	layout := ctx.Layout()
	for name, value := range s.Registers {
		n, ok := layout.RegisterNumber(name)
		if !ok {
			return regs.Context{}, nil, nil,
				fmt.Errorf("unknown %v register '%s'", arch, name)
		}
		ctx.SetDwarfRegister(uint64(n), uint64(value))
	}

	var segs []remotememory.Segment
	for _, m := range s.Memory {
		data, err := hex.DecodeString(m.Data)
		if err != nil {
			return regs.Context{}, nil, nil,
				fmt.Errorf("invalid memory at 0x%x: %w", uint64(m.Address), err)
		}
		segs = append(segs, remotememory.Segment{Address: libpf.Address(m.Address), Data: data})
	}

	images := make([]imagelookup.Image, 0, len(s.Images))
	for i := range s.Images {
		img, imgSegs, err := s.loadImage(&s.Images[i], arch)
		if err != nil {
			return regs.Context{}, nil, nil, err
		}
		images = append(images, img)
		segs = append(segs, imgSegs...)
	}

	registry, err := imagelookup.NewRegistry(images...)
	if err != nil {
		return regs.Context{}, nil, nil, err
	}
	if s.PID != 0 {
		rm, err := remotememory.NewProcessMapped(libpf.PID(s.PID))
		if err != nil {
			return regs.Context{}, nil, nil, err
		}
		return ctx, rm, registry, nil
	}
	mem, err := remotememory.NewSegments(segs...)
	if err != nil {
		return regs.Context{}, nil, nil, err
	}
	return ctx, remotememory.New(mem), registry, nil
}

func (s *Snapshot) loadImage(info *ImageInfo, arch regs.Arch) (
	imagelookup.Image, []remotememory.Segment, error) {
	if info.Path == "" {
		return imagelookup.Image{
			Name:          info.Name,
			Arch:          arch,
			LoadAddress:   libpf.Address(info.LoadAddress),
			Slide:         info.Slide,
			TextStart:     libpf.Address(info.TextStart),
			TextEnd:       libpf.Address(info.TextEnd),
			CompactUnwind: info.CompactUnwind.section(),
			EHFrame:       info.EHFrame.section(),
			EHFrameHdr:    info.EHFrameHdr.section(),
			DebugFrame:    info.DebugFrame.section(),
		}, nil, nil
	}

	path := info.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return imagelookup.Image{}, nil, err
	}
	defer f.Close()

	name := info.Name
	if name == "" {
		name = filepath.Base(path)
	}
	img, segs, err := imagelookup.Load(f, name, libpf.Address(info.LoadAddress))
	if err != nil {
		return imagelookup.Image{}, nil, err
	}
	if img.Arch != arch {
		return imagelookup.Image{}, nil,
			fmt.Errorf("image %s is %v, snapshot is %v", name, img.Arch, arch)
	}
	fileID, err := libpf.FileIDFromExecutableReader(f)
	if err != nil {
		return imagelookup.Image{}, nil, err
	}
	s.loaded = append(s.loaded, LoadedImage{Name: name, FileID: fileID})

	syms, err := readELFSymbols(f, img.Slide)
	if err != nil {
		log.Debugf("No symbols for %s: %v", name, err)
	} else if len(syms) != 0 {
		if s.symbols == nil {
			s.symbols = make(map[string]*symbolMap)
		}
		s.symbols[name] = newSymbolMap(syms)
	}
	return img, segs, nil
}
