// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/remotememory"
)

const codeBase = 0x10000

// setup places the length prefixed block in memory together with a data word
// at 0x1005, and returns a cursor over the block.
func setup(t *testing.T, ctx *regs.Context, code []byte) (*Machine, remotememory.Cursor) {
	t.Helper()
	block := append([]byte{byte(len(code))}, code...)
	segs, err := remotememory.NewSegments(
		remotememory.Segment{Address: 0x1000, Data: []byte{
			0, 0, 0, 0, 0, 0x42, 0, 0, 0, 0, 0, 0, 0, 0x11, 0x22}},
		remotememory.Segment{Address: codeBase, Data: block},
	)
	require.NoError(t, err)
	rm := remotememory.New(segs)

	m := &Machine{}
	m.Reset(rm, ctx)
	return m, rm.Cursor(codeBase, codeBase+libpf.Address(len(block)))
}

func newContext(t *testing.T) *regs.Context {
	t.Helper()
	ctx, err := regs.NewContext(regs.ArchX86_64)
	require.NoError(t, err)
	ctx.SetDwarfRegister(0, 0x1000)
	ctx.SetDwarfRegister(regs.X86_64RSP, 0x7000)
	return &ctx
}

func TestBregDeref(t *testing.T) {
	ctx := newContext(t)
	// DW_OP_breg0 5; DW_OP_deref
	m, c := setup(t, ctx, []byte{0x70, 0x05, 0x06})
	v, err := m.Evaluate(&c, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), v)
	assert.False(t, c.HasData())
}

func TestEvaluate(t *testing.T) {
	seed := uint64(0x7100)
	tests := map[string]struct {
		code   []byte
		seed   *uint64
		result uint64
		kind   nativeunwind.Kind
	}{
		"literal":            {code: []byte{0x3f}, result: 15},
		"plus_uconst":        {code: []byte{0x31, 0x23, 0x80, 0x01}, result: 129},
		"seeded":             {code: []byte{0x38, 0x22}, seed: &seed, result: 0x7108},
		"bregx rsp":          {code: []byte{0x92, 0x07, 0x78}, result: 0x7000 - 8},
		"minus":              {code: []byte{0x3a, 0x33, 0x1c}, result: 7},
		"and ne":             {code: []byte{0x3f, 0x33, 0x1a, 0x33, 0x2e}, result: 0},
		"dup swap":           {code: []byte{0x31, 0x12, 0x34, 0x16, 0x13, 0x22}, result: 5},
		"over":               {code: []byte{0x31, 0x32, 0x14, 0x22, 0x22}, result: 4},
		"pick":               {code: []byte{0x31, 0x32, 0x33, 0x15, 0x02}, result: 1},
		"rot":                {code: []byte{0x31, 0x32, 0x33, 0x17}, result: 2},
		"const2s neg":        {code: []byte{0x0b, 0xfe, 0xff, 0x1f}, result: 2},
		"consts shl":         {code: []byte{0x11, 0x01, 0x34, 0x24}, result: 16},
		"shra":               {code: []byte{0x11, 0x70, 0x32, 0x26}, result: ^uint64(3)},
		"shr":                {code: []byte{0x11, 0x70, 0x32, 0x25}, result: 0xfffffffffffffff0 >> 2},
		"lt":                 {code: []byte{0x11, 0x7f, 0x30, 0x2d}, result: 1},
		"deref_size":         {code: []byte{0x70, 0x0d, 0x94, 0x02}, result: 0x2211},
		"nop mul":            {code: []byte{0x96, 0x33, 0x34, 0x1e}, result: 12},
		"underflow":          {code: []byte{0x22}, kind: nativeunwind.KindBounds},
		"empty stack":        {code: []byte{0x96}, kind: nativeunwind.KindBounds},
		"unsupported opcode": {code: []byte{0x31, 0x2f, 0x00, 0x00}, kind: nativeunwind.KindFormat},
		"bad deref size":     {code: []byte{0x30, 0x94, 0x03}, kind: nativeunwind.KindFormat},
		"unknown register":   {code: []byte{0x92, 0x48, 0x00}, kind: nativeunwind.KindFormat},
		"truncated operand":  {code: []byte{0x0c, 0x01}, kind: nativeunwind.KindFormat},
		"unmapped deref":     {code: []byte{0x38, 0x06}, kind: nativeunwind.KindMemory},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m, c := setup(t, newContext(t), test.code)
			v, err := m.Evaluate(&c, test.seed)
			if test.kind != nativeunwind.KindNone {
				require.Error(t, err)
				assert.Equal(t, test.kind, nativeunwind.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.result, v)
		})
	}
}

func TestStackOverflow(t *testing.T) {
	code := make([]byte, StackSize+1)
	for i := range code {
		code[i] = 0x31
	}
	m, c := setup(t, newContext(t), code)
	_, err := m.Evaluate(&c, nil)
	assert.ErrorIs(t, err, ErrStackOverflow)
}

func TestResultRequiresEnd(t *testing.T) {
	m, c := setup(t, newContext(t), []byte{0x31, 0x32})
	require.NoError(t, m.PrepareForExecution(&c))
	require.NoError(t, m.ExecuteNextOpcode())
	assert.False(t, m.IsFinished())
	_, err := m.Result()
	assert.ErrorIs(t, err, ErrNotFinished)

	require.NoError(t, m.ExecuteNextOpcode())
	assert.True(t, m.IsFinished())
	v, err := m.Result()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	m.Reset(nil, newContext(t))
	_, err = m.Result()
	assert.ErrorIs(t, err, ErrNotPrepared)
}
