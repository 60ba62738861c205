// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cfi interprets DWARF call frame information from .eh_frame and
// .debug_frame tables in the memory of the inspected process, and uses it to
// recover the registers of the calling frame.
//
// A Table owns all scratch state needed for one step, so that Step does not
// allocate. A Table must not be used concurrently.
package cfi // import "go.opentelemetry.io/crashunwind/nativeunwind/cfi"

import (
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/dwarfexpr"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// Most files have single CIE, and all FDEs use that. But multiple CIEs are needed
// in some cases.
const cieCacheSize = 64

var (
	ErrNotFound                = nativeunwind.NewError(nativeunwind.KindFormat, "no FDE covers the address")
	ErrPCNotCovered            = nativeunwind.NewError(nativeunwind.KindFormat, "FDE does not cover the address")
	ErrInvalidLength           = nativeunwind.NewError(nativeunwind.KindFormat, "unsupported CIE/FDE length")
	ErrInvalidCIEPointer       = nativeunwind.NewError(nativeunwind.KindFormat, "CIE pointer outside of section")
	ErrUnsupportedVersion      = nativeunwind.NewError(nativeunwind.KindFormat, "unsupported CIE version")
	ErrUnsupportedAugmentation = nativeunwind.NewError(nativeunwind.KindFormat, "unsupported CIE augmentation")
	ErrUnsupportedEncoding     = nativeunwind.NewError(nativeunwind.KindFormat, "unsupported pointer encoding")
	ErrUnsupportedOpcode       = nativeunwind.NewError(nativeunwind.KindFormat, "unsupported call frame instruction")
	ErrUnknownRegister         = nativeunwind.NewError(nativeunwind.KindFormat, "rule references an untracked register")
	ErrInvalidCFARule          = nativeunwind.NewError(nativeunwind.KindFormat, "CFA offset or register changed on expression rule")
	ErrStateStackOverflow      = nativeunwind.NewError(nativeunwind.KindBounds, "remember_state nesting too deep")
	ErrStateStackUnderflow     = nativeunwind.NewError(nativeunwind.KindBounds, "restore_state without remember_state")
)

// errUnexpectedType is used internally to detect inconsistent FDE/CIE types
var errUnexpectedType = nativeunwind.NewError(nativeunwind.KindFormat, "unexpected FDE/CIE type")

// errEmptyEntry is used internally to report FDEs/CIEs of length 0.
var errEmptyEntry = nativeunwind.NewError(nativeunwind.KindFormat, "FDE/CIE empty")

// Statistics counts CIE cache efficiency.
type Statistics struct {
	CIECacheHits   uint64
	CIECacheMisses uint64
}

// StepInfo describes properties of the frame recovered by Step.
type StepInfo struct {
	// SignalFrame is set when the unwound frame was interrupted by a signal,
	// so its program counter is exact rather than a return address.
	SignalFrame bool
	// FDE is the address of the FDE that was used.
	FDE libpf.Address
}

// Table interprets one call frame information section.
type Table struct {
	rm     *remotememory.RemoteMemory
	layout *regs.Layout
	cies   *lru.LRU[libpf.Address, cieInfo]
	stats  Statistics

	section    imagelookup.Section
	debugFrame bool
	slide      int64
	// textBase and funcBase resolve text and function relative pointers,
	// zero while unknown.
	textBase libpf.Address
	funcBase uint64

	// hdr is the .eh_frame_hdr search table; hdrCount is zero when it is
	// absent or unusable.
	hdr      imagelookup.Section
	hdrTable libpf.Address
	hdrCount uint64

	state      FrameState
	initial    FrameState
	remembered [rememberDepth]FrameState
	expr       dwarfexpr.Machine
}

// NewTable returns a Table reading from rm, recovering registers of the given
// architecture. All memory used by Step is allocated here.
func NewTable(rm *remotememory.RemoteMemory, arch regs.Arch) (*Table, error) {
	layout := arch.Layout()
	if layout == nil {
		return nil, fmt.Errorf("unsupported architecture %v", arch)
	}
	cies, err := lru.New[libpf.Address, cieInfo](cieCacheSize, libpf.Address.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create CIE cache: %w", err)
	}
	return &Table{rm: rm, layout: layout, cies: cies}, nil
}

// Reset selects the section subsequent calls operate on. For .debug_frame
// sections, debugFrame must be set and slide is added to the link time
// addresses found in the section.
func (t *Table) Reset(section imagelookup.Section, debugFrame bool, slide int64) {
	t.section = section
	t.debugFrame = debugFrame
	t.slide = slide
	t.textBase = 0
	t.hdr = imagelookup.Section{}
	t.hdrCount = 0
}

// ResetForImage selects the preferred call frame section of img. It returns
// false if the image has none.
func (t *Table) ResetForImage(img *imagelookup.Image) bool {
	switch {
	case img.EHFrame.Present():
		if t.section == img.EHFrame && !t.debugFrame && t.hdr == img.EHFrameHdr {
			return true
		}
		t.Reset(img.EHFrame, false, img.Slide)
		t.UseSearchTable(img.EHFrameHdr)
		t.textBase = img.TextStart
	case img.DebugFrame.Present():
		t.Reset(img.DebugFrame, true, img.Slide)
		t.textBase = img.TextStart
	default:
		return false
	}
	return true
}

// Section returns the currently selected section.
func (t *Table) Section() imagelookup.Section {
	return t.section
}

// Statistics returns the CIE cache statistics and resets them.
func (t *Table) Statistics() Statistics {
	s := t.stats
	t.stats = Statistics{}
	return s
}

func (t *Table) cursor(pos libpf.Address) remotememory.Cursor {
	c := t.rm.Cursor(t.section.Start, t.section.End())
	return c.At(pos)
}

// FrameStateAt parses the FDE at fdeAddr and runs its CIE instructions fully,
// then its own instructions up to pc. The returned state is owned by the Table
// and valid until the next call.
func (t *Table) FrameStateAt(fdeAddr, pc libpf.Address) (*FrameState, StepInfo, error) {
	c := t.cursor(fdeAddr)
	fde, cie, err := t.parseFDE(&c)
	if err != nil {
		return nil, StepInfo{}, err
	}
	if uint64(pc) < fde.ipStart || uint64(pc) >= fde.ipEnd {
		return nil, StepInfo{}, ErrPCNotCovered
	}

	t.initial.reset()
	t.state.reset()
	st := state{
		t:       t,
		cie:     &cie,
		cur:     &t.state,
		initial: &t.initial,
		target:  ^uint64(0),
	}
	// CIE instructions run to completion
	ci := t.rm.Cursor(cie.insnStart, cie.insnEnd)
	if err = st.run(&ci); err != nil {
		return nil, StepInfo{}, err
	}
	t.initial = t.state

	st.stackNdx = 0
	st.target = uint64(pc)
	t.state.Loc = fde.ipStart
	t.funcBase = fde.ipStart
	fi := t.rm.Cursor(fde.insnStart, fde.insnEnd)
	if err = st.run(&fi); err != nil {
		return nil, StepInfo{}, err
	}
	t.state.ReturnAddress = cie.regRA
	return &t.state, StepInfo{SignalFrame: cie.isSignalHandler, FDE: fdeAddr}, nil
}

// FindFDE returns the address of the FDE covering pc. The search table is
// used if available, otherwise the section is scanned.
func (t *Table) FindFDE(pc libpf.Address) (libpf.Address, error) {
	if t.hdrCount != 0 {
		return t.searchFDE(pc)
	}
	c := t.rm.Cursor(t.section.Start, t.section.End())
	for c.HasData() {
		pos := c.Pos()
		hdr, err := t.parseHDR(&c)
		if errors.Is(err, errEmptyEntry) {
			if t.debugFrame {
				continue
			}
			// Terminator of .eh_frame
			break
		}
		if err != nil {
			return 0, err
		}
		if hdr.isCIE {
			continue
		}
		fc := t.cursor(pos)
		fde, _, err := t.parseFDE(&fc)
		if err != nil {
			return 0, err
		}
		if uint64(pc) >= fde.ipStart && uint64(pc) < fde.ipEnd {
			return pos, nil
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNotFound
}
