// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/crashunwind/nativeunwind/compactunwind"

import "go.opentelemetry.io/crashunwind/nativeunwind/regs"

// arm64 compact encoding fields.
const (
	arm64ModeMask      = 0x0F000000
	arm64ModeFrameless = 0x02000000
	arm64ModeDwarf     = 0x03000000
	arm64ModeFrame     = 0x04000000
	arm64StackSize     = 0x00FFF000
	arm64DwarfOffset   = 0x00FFFFFF

	arm64PairX19X20 = 0x00000001

	arm64PairCount = 5
)

func (t *Table) stepARM64(e Entry, ctx *regs.Context) (delegate bool, fdeOffset uint64, err error) {
	enc := e.Encoding
	switch enc & arm64ModeMask {
	case arm64ModeFrame:
		fp := ctx.FP()
		if err := t.restoreARM64Pairs(enc, fp, ctx); err != nil {
			return false, 0, err
		}
		callerFP, err := t.load(ctx, fp)
		if err != nil {
			return false, 0, err
		}
		lr, err := t.load(ctx, fp+8)
		if err != nil {
			return false, 0, err
		}
		ctx.SetFP(callerFP)
		ctx.SetSP(fp + 16)
		ctx.SetPC(lr)
		return false, 0, nil
	case arm64ModeFrameless:
		top := ctx.SP() + 16*uint64(extract(enc, arm64StackSize))
		if err := t.restoreARM64Pairs(enc, top, ctx); err != nil {
			return false, 0, err
		}
		lr, _ := ctx.LR()
		ctx.SetSP(top)
		ctx.SetPC(lr)
		return false, 0, nil
	case arm64ModeDwarf:
		return true, uint64(enc & arm64DwarfOffset), nil
	default:
		return false, 0, ErrUnsupportedMode
	}
}

// restoreARM64Pairs reloads the callee-saved register pairs stored downwards
// from top. x19 of the first pair lives in the highest slot.
func (t *Table) restoreARM64Pairs(enc uint32, top uint64, ctx *regs.Context) error {
	loc := top
	for i := 0; i < arm64PairCount; i++ {
		if enc&(arm64PairX19X20<<i) == 0 {
			continue
		}
		reg := uint64(regs.ARM64X19 + 2*i)
		for j := uint64(0); j < 2; j++ {
			loc -= 8
			v, err := t.load(ctx, loc)
			if err != nil {
				return err
			}
			ctx.SetDwarfRegister(reg+j, v)
		}
	}
	// D8-D15 pairs follow the integer pairs and are not tracked.
	return nil
}
