// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/nativeunwind/unwinder"

import (
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
)

// callLengths lists the sizes of the x86 call forms, most common first:
// rel32, rip relative indirect, register, register with REX, SIB with
// disp32, and base with disp8.
var callLengths = [...]int{5, 6, 2, 3, 7, 4}

// isCallSite reports whether the instruction ending at ra is a call. It is
// used to filter stack scan candidates. Thumb code on ARM32 is not recognized.
func (s *Session) isCallSite(ra libpf.Address) bool {
	const window = 8
	code := s.code[:window]
	if ra < window || s.rm.Read(ra-window, code) != nil {
		return false
	}

	switch s.arch {
	case regs.ArchX86_64, regs.ArchX86:
		mode := 64
		if s.arch == regs.ArchX86 {
			mode = 32
		}
		for _, n := range callLengths {
			inst, err := x86asm.Decode(code[window-n:], mode)
			if err == nil && inst.Op == x86asm.CALL && inst.Len == n {
				return true
			}
		}
	case regs.ArchARM64:
		inst, err := arm64asm.Decode(code[window-4:])
		if err != nil {
			return false
		}
		return inst.Op == arm64asm.BL || inst.Op == arm64asm.BLR
	case regs.ArchARM32:
		inst, err := armasm.Decode(code[window-4:], armasm.ModeARM)
		if err != nil {
			return false
		}
		// Conditional forms carry a condition suffix.
		op := inst.Op.String()
		return op == "BL" || op == "BLX" || strings.HasPrefix(op, "BL.") ||
			strings.HasPrefix(op, "BLX.")
	}
	return false
}
