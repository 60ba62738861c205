// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/cfi"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/testutils"
)

const funcStart = libpf.Address(0x401000)

type recordingStepper struct {
	fdeOffset uint64
	lookupPC  libpf.Address
}

func (r *recordingStepper) Step(fdeOffset uint64, lookupPC libpf.Address,
	ctx *regs.Context) (cfi.StepInfo, error) {
	r.fdeOffset = fdeOffset
	r.lookupPC = lookupPC
	ctx.SetSP(ctx.SP() + 0x10)
	return cfi.StepInfo{SignalFrame: true}, nil
}

func newContext(t *testing.T, arch regs.Arch, pc, sp, fp uint64) regs.Context {
	t.Helper()
	ctx, err := regs.NewContext(arch)
	require.NoError(t, err)
	ctx.SetPC(pc)
	ctx.SetSP(sp)
	ctx.SetFP(fp)
	return ctx
}

func reg(t *testing.T, ctx *regs.Context, n uint64) uint64 {
	t.Helper()
	v, ok := ctx.DwarfRegister(n)
	require.True(t, ok)
	return v
}

func permutation(t *testing.T, order ...uint8) uint32 {
	t.Helper()
	perm, err := EncodePermutation(order)
	require.NoError(t, err)
	return perm
}

func TestStepX86_64Frame(t *testing.T) {
	// Frame pointer frame with rbx and r12 saved two slots below rbp.
	enc := uint32(x86ModeBPFrame | 2<<16 | 1 | 2<<3)
	mem := testutils.NewMemory(8).
		Words(0x6ff0, 0xb0b0, 0x1212).
		Words(0x7000, 0x8000, 0x405678)
	table := NewTable(mem.RemoteMemory(t))

	ctx := newContext(t, regs.ArchX86_64, 0x401010, 0x6fd0, 0x7000)
	_, err := table.Step(Entry{Encoding: enc, FunctionStart: funcStart}, 0x40100f, &ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x405678), ctx.PC())
	assert.Equal(t, uint64(0x7010), ctx.SP())
	assert.Equal(t, uint64(0x8000), ctx.FP())
	assert.Equal(t, uint64(0xb0b0), reg(t, &ctx, regs.X86_64RBX))
	assert.Equal(t, uint64(0x1212), reg(t, &ctx, regs.X86_64R12))
}

func TestStepX86Frame(t *testing.T) {
	// Same frame on 32-bit x86: ebx then esi one slot below ebp.
	enc := uint32(x86ModeBPFrame | 2<<16 | 1 | 5<<3)
	mem := testutils.NewMemory(4).
		Words(0x6ff8, 0xb0b0, 0x5151).
		Words(0x7000, 0x8000, 0x8048123)
	table := NewTable(mem.RemoteMemory(t))

	ctx := newContext(t, regs.ArchX86, 0x8048010, 0x6fe0, 0x7000)
	_, err := table.Step(Entry{Encoding: enc, FunctionStart: 0x8048000}, 0x804800f, &ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x8048123), ctx.PC())
	assert.Equal(t, uint64(0x7008), ctx.SP())
	assert.Equal(t, uint64(0x8000), ctx.FP())
	assert.Equal(t, uint64(0xb0b0), reg(t, &ctx, regs.X86EBX))
	assert.Equal(t, uint64(0x5151), reg(t, &ctx, regs.X86ESI))
}

func TestStepX86_64Frameless(t *testing.T) {
	// 32 byte frame, rbx and rbp pushed below the return address.
	enc := x86ModeStackImmd | 4<<16 | 2<<10 | permutation(t, 1, 6)
	mem := testutils.NewMemory(8).Words(0x7008, 0xb0b0, 0x9000, 0x405678)
	table := NewTable(mem.RemoteMemory(t))

	ctx := newContext(t, regs.ArchX86_64, 0x401010, 0x7000, 0x1)
	_, err := table.Step(Entry{Encoding: uint32(enc), FunctionStart: funcStart}, 0x40100f,
		&ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x405678), ctx.PC())
	assert.Equal(t, uint64(0x7020), ctx.SP())
	assert.Equal(t, uint64(0x9000), ctx.FP())
	assert.Equal(t, uint64(0xb0b0), reg(t, &ctx, regs.X86_64RBX))
}

func TestStepX86_64FramelessIndirect(t *testing.T) {
	// sub $0x1000,%rsp at the function start; the immediate sits at offset 3.
	enc := uint32(x86ModeStackInd | 3<<16 | 1<<13)
	tests := map[string]struct {
		code []byte
		err  error
	}{
		"sub rsp": {code: []byte{0x48, 0x81, 0xec, 0x00, 0x10, 0x00, 0x00}},
		"sub rax": {
			code: []byte{0x48, 0x81, 0xe8, 0x00, 0x10, 0x00, 0x00},
			err:  ErrPrologueMismatch,
		},
		"nops": {
			code: []byte{0x90, 0x90, 0x90, 0x00, 0x10, 0x00, 0x00},
			err:  ErrPrologueMismatch,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			mem := testutils.NewMemory(8).
				Add(funcStart, test.code).
				Words(0x8000, 0x405678)
			table := NewTable(mem.RemoteMemory(t))

			ctx := newContext(t, regs.ArchX86_64, 0x401010, 0x7000, 0x1)
			saved := ctx
			_, err := table.Step(Entry{Encoding: enc, FunctionStart: funcStart}, 0x40100f,
				&ctx, nil)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				assert.Equal(t, saved, ctx)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint64(0x405678), ctx.PC())
			assert.Equal(t, uint64(0x8008), ctx.SP())
		})
	}
}

func TestStepDelegatesToCFI(t *testing.T) {
	table := NewTable(testutils.NewMemory(8).RemoteMemory(t))

	ctx := newContext(t, regs.ArchX86_64, 0x401010, 0x7000, 0x1)
	entry := Entry{Encoding: x86ModeDwarf | 0x1234, FunctionStart: funcStart}
	stepper := &recordingStepper{}
	info, err := table.Step(entry, 0x40100f, &ctx, stepper)
	require.NoError(t, err)
	assert.True(t, info.SignalFrame)
	assert.Equal(t, uint64(0x1234), stepper.fdeOffset)
	assert.Equal(t, libpf.Address(0x40100f), stepper.lookupPC)
	assert.Equal(t, uint64(0x7010), ctx.SP())

	_, err = table.Step(entry, 0x40100f, &ctx, nil)
	require.ErrorIs(t, err, ErrNoCFI)

	ctx = newContext(t, regs.ArchARM64, 0x401010, 0x7000, 0x1)
	_, err = table.Step(Entry{Encoding: arm64ModeDwarf | 0x88}, 0x40100f, &ctx, stepper)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x88), stepper.fdeOffset)
}

func TestStepARM64Frame(t *testing.T) {
	// x19/x20 and x21/x22 pairs saved below the frame record.
	enc := uint32(arm64ModeFrame | 0x1 | 0x2)
	mem := testutils.NewMemory(8).
		Words(0x6fe0, 0x2222, 0x2121, 0x2020, 0x1919).
		Words(0x7000, 0x8000, 0x100405678)
	table := NewTable(mem.RemoteMemory(t))

	ctx := newContext(t, regs.ArchARM64, 0x100401010, 0x6fc0, 0x7000)
	_, err := table.Step(Entry{Encoding: enc}, 0x10040100f, &ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x100405678), ctx.PC())
	assert.Equal(t, uint64(0x7010), ctx.SP())
	assert.Equal(t, uint64(0x8000), ctx.FP())
	for i, want := range []uint64{0x1919, 0x2020, 0x2121, 0x2222} {
		assert.Equal(t, want, reg(t, &ctx, uint64(regs.ARM64X19+i)))
	}
}

func TestStepARM64Frameless(t *testing.T) {
	// 32 byte frame with x19/x20 at its top, return address in lr.
	enc := uint32(arm64ModeFrameless | 2<<12 | 0x1)
	mem := testutils.NewMemory(8).Words(0x7010, 0x2020, 0x1919)
	table := NewTable(mem.RemoteMemory(t))

	ctx := newContext(t, regs.ArchARM64, 0x100401010, 0x7000, 0x7100)
	ctx.SetLR(0x100405678)
	_, err := table.Step(Entry{Encoding: enc}, 0x10040100f, &ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x100405678), ctx.PC())
	assert.Equal(t, uint64(0x7020), ctx.SP())
	assert.Equal(t, uint64(0x7100), ctx.FP())
	assert.Equal(t, uint64(0x1919), reg(t, &ctx, regs.ARM64X19))
	assert.Equal(t, uint64(0x2020), reg(t, &ctx, regs.ARM64X19+1))
}

func TestStepFailures(t *testing.T) {
	tests := map[string]struct {
		arch regs.Arch
		enc  uint32
		lr   uint64
		err  error
		kind nativeunwind.Kind
	}{
		"arm32": {
			arch: regs.ArchARM32,
			enc:  0x01000000,
			err:  ErrUnsupportedArch,
			kind: nativeunwind.KindFormat,
		},
		"unknown x86 mode": {
			arch: regs.ArchX86_64,
			enc:  0x05000000,
			err:  ErrUnsupportedMode,
			kind: nativeunwind.KindFormat,
		},
		"unmapped frame": {
			arch: regs.ArchX86_64,
			enc:  x86ModeBPFrame,
			kind: nativeunwind.KindMemory,
		},
		"leaf without stack": {
			arch: regs.ArchARM64,
			enc:  arm64ModeFrameless,
			lr:   0x401010,
			err:  nativeunwind.ErrNoProgress,
			kind: nativeunwind.KindProgress,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			table := NewTable(testutils.NewMemory(8).RemoteMemory(t))
			ctx := newContext(t, test.arch, 0x401010, 0x7000, 0x7100)
			if test.lr != 0 {
				ctx.SetLR(test.lr)
			}
			saved := ctx
			_, err := table.Step(Entry{Encoding: test.enc}, 0x40100f, &ctx, nil)
			require.Error(t, err)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
			}
			assert.Equal(t, test.kind, nativeunwind.KindOf(err))
			assert.Equal(t, saved, ctx)
		})
	}
}
