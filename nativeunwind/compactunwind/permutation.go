// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/crashunwind/nativeunwind/compactunwind"

import "go.opentelemetry.io/crashunwind/nativeunwind"

// MaxSavedRegisters is the number of callee-saved registers a frameless x86
// encoding can describe.
const MaxSavedRegisters = 6

// ErrBadPermutation is returned for a register permutation that cannot be
// decoded.
var ErrBadPermutation = nativeunwind.NewError(nativeunwind.KindFormat,
	"invalid register permutation")

// permutationRadix holds, per register count, the multiplier of each digit of
// the permutation number. Digit i selects among the 6-i registers not yet used.
var permutationRadix = [MaxSavedRegisters + 1][MaxSavedRegisters]uint32{
	0: {},
	1: {1},
	2: {5, 1},
	3: {20, 4, 1},
	4: {60, 12, 3, 1},
	5: {120, 24, 6, 2, 1},
	6: {120, 24, 6, 2, 1, 1},
}

// PermutationCount returns the number of distinct permutation numbers for
// count saved registers.
func PermutationCount(count int) uint32 {
	if count < 0 || count > MaxSavedRegisters {
		return 0
	}
	n := uint32(1)
	for i := 0; i < count && i < MaxSavedRegisters-1; i++ {
		n *= uint32(MaxSavedRegisters - i)
	}
	return n
}

// DecodePermutation returns the compact register numbers (1..6), in push order,
// encoded by the permutation number perm for count registers.
func DecodePermutation(count int, perm uint32) ([MaxSavedRegisters]uint8, error) {
	var out [MaxSavedRegisters]uint8
	if count < 0 || count > MaxSavedRegisters || perm >= PermutationCount(count) {
		return out, ErrBadPermutation
	}

	var used [MaxSavedRegisters + 1]bool
	for i := 0; i < count; i++ {
		radix := permutationRadix[count][i]
		digit := perm / radix
		perm -= digit * radix

		renum := uint32(0)
		for reg := 1; reg <= MaxSavedRegisters; reg++ {
			if used[reg] {
				continue
			}
			if renum == digit {
				out[i] = uint8(reg)
				used[reg] = true
				break
			}
			renum++
		}
		if out[i] == 0 {
			return out, ErrBadPermutation
		}
	}
	return out, nil
}

// EncodePermutation is the inverse of DecodePermutation.
func EncodePermutation(registers []uint8) (uint32, error) {
	count := len(registers)
	if count > MaxSavedRegisters {
		return 0, ErrBadPermutation
	}

	var used [MaxSavedRegisters + 1]bool
	perm := uint32(0)
	for i, reg := range registers {
		if reg < 1 || reg > MaxSavedRegisters || used[reg] {
			return 0, ErrBadPermutation
		}
		renum := uint32(0)
		for r := uint8(1); r < reg; r++ {
			if !used[r] {
				renum++
			}
		}
		used[reg] = true
		perm += renum * permutationRadix[count][i]
	}
	return perm, nil
}
