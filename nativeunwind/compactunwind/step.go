// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/crashunwind/nativeunwind/compactunwind"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/cfi"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
)

var (
	ErrUnsupportedArch = nativeunwind.NewError(nativeunwind.KindFormat,
		"compact unwind not supported for architecture")
	ErrUnsupportedMode = nativeunwind.NewError(nativeunwind.KindFormat,
		"unsupported compact unwind mode")
	ErrBadRegister = nativeunwind.NewError(nativeunwind.KindFormat,
		"invalid saved register in compact encoding")
	ErrPrologueMismatch = nativeunwind.NewError(nativeunwind.KindFormat,
		"function prologue does not match compact encoding")
	ErrNoCFI = nativeunwind.NewError(nativeunwind.KindFormat,
		"compact encoding refers to missing call frame information")
)

// CFIStepper recovers the caller of a frame from the FDE at offset fdeOffset
// of an image's call frame information. *cfi.Table implements it.
type CFIStepper interface {
	Step(fdeOffset uint64, lookupPC libpf.Address, ctx *regs.Context) (cfi.StepInfo, error)
}

var _ CFIStepper = (*cfi.Table)(nil)

// Step applies the encoding of e to ctx, replacing its contents with the
// registers of the caller. Encodings that defer to DWARF are handed to
// stepper, which may be nil when the image has no CFI. On failure ctx is left
// untouched.
func (t *Table) Step(e Entry, lookupPC libpf.Address, ctx *regs.Context,
	stepper CFIStepper) (cfi.StepInfo, error) {
	var delegate bool
	var fdeOffset uint64
	out := *ctx
	var err error

	switch ctx.Arch() {
	case regs.ArchX86_64, regs.ArchX86:
		delegate, fdeOffset, err = t.stepX86(e, &out)
	case regs.ArchARM64:
		delegate, fdeOffset, err = t.stepARM64(e, &out)
	default:
		return cfi.StepInfo{}, ErrUnsupportedArch
	}
	if err != nil {
		return cfi.StepInfo{}, err
	}
	if delegate {
		if stepper == nil {
			return cfi.StepInfo{}, ErrNoCFI
		}
		return stepper.Step(fdeOffset, lookupPC, ctx)
	}
	if out.SP() == ctx.SP() && out.PC() == ctx.PC() {
		return cfi.StepInfo{}, nativeunwind.ErrNoProgress
	}
	*ctx = out
	return cfi.StepInfo{}, nil
}

// load reads one pointer sized word at addr.
func (t *Table) load(ctx *regs.Context, addr uint64) (uint64, error) {
	v, err := t.rm.Ptr(libpf.Address(addr), ctx.PointerSize())
	return uint64(v), err
}
