// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermutationRoundTrip(t *testing.T) {
	for count := 0; count <= MaxSavedRegisters; count++ {
		t.Run(fmt.Sprintf("count %d", count), func(t *testing.T) {
			seen := make(map[[MaxSavedRegisters]uint8]bool)
			for perm := uint32(0); perm < PermutationCount(count); perm++ {
				order, err := DecodePermutation(count, perm)
				require.NoError(t, err)
				assert.False(t, seen[order], "duplicate order for %d", perm)
				seen[order] = true

				back, err := EncodePermutation(order[:count])
				require.NoError(t, err)
				assert.Equal(t, perm, back)
			}
		})
	}
}

func TestDecodePermutation(t *testing.T) {
	tests := map[string]struct {
		count int
		perm  uint32
		want  []uint8
		err   error
	}{
		"empty":         {count: 0, perm: 0, want: []uint8{}},
		"identity":      {count: 6, perm: 0, want: []uint8{1, 2, 3, 4, 5, 6}},
		"reversed":      {count: 6, perm: 719, want: []uint8{6, 5, 4, 3, 2, 1}},
		"three":         {count: 3, perm: 20*5 + 4*1 + 2, want: []uint8{6, 2, 4}},
		"single":        {count: 1, perm: 5, want: []uint8{6}},
		"out of range":  {count: 2, perm: 30, err: ErrBadPermutation},
		"too many regs": {count: 7, perm: 0, err: ErrBadPermutation},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			order, err := DecodePermutation(test.count, test.perm)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, order[:test.count])
		})
	}
}

func TestEncodePermutationRejectsDuplicates(t *testing.T) {
	_, err := EncodePermutation([]uint8{1, 1})
	require.ErrorIs(t, err, ErrBadPermutation)
	_, err = EncodePermutation([]uint8{0})
	require.ErrorIs(t, err, ErrBadPermutation)
}
