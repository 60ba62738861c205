// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package regs // import "go.opentelemetry.io/crashunwind/nativeunwind/regs"

// DWARF register numbers of the supported architectures.
const (
	// x86_64 abi (https://refspecs.linuxbase.org/elf/x86_64-abi-0.99.pdf, page 57)
	X86_64RAX = 0
	X86_64RDX = 1
	X86_64RCX = 2
	X86_64RBX = 3
	X86_64RSI = 4
	X86_64RDI = 5
	X86_64RBP = 6
	X86_64RSP = 7
	X86_64R8  = 8
	X86_64R12 = 12
	X86_64R13 = 13
	X86_64R14 = 14
	X86_64R15 = 15
	X86_64RIP = 16

	// System V i386 psABI, table 2.14
	X86EAX = 0
	X86ECX = 1
	X86EDX = 2
	X86EBX = 3
	X86ESP = 4
	X86EBP = 5
	X86ESI = 6
	X86EDI = 7
	X86EIP = 8

	// DWARF for the ARM 64-bit Architecture
	ARM64X19 = 19
	ARM64FP  = 29
	ARM64LR  = 30
	ARM64SP  = 31
	ARM64PC  = 32

	// DWARF for the ARM Architecture. The frame pointer is r7 as used by
	// the Apple ABI.
	ARM32R7 = 7
	ARM32SP = 13
	ARM32LR = 14
	ARM32PC = 15
)

var layoutX86_64 = Layout{
	Arch:          ArchX86_64,
	Name:          "x86_64",
	PointerSize:   8,
	NumRegs:       17,
	PC:            X86_64RIP,
	SP:            X86_64RSP,
	FP:            X86_64RBP,
	LR:            NoRegister,
	ReturnAddress: X86_64RIP,
	MaxAddress:    0x00007fffffffffff,
	names: []string{
		"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
	},
}

var layoutX86 = Layout{
	Arch:          ArchX86,
	Name:          "x86",
	PointerSize:   4,
	NumRegs:       9,
	PC:            X86EIP,
	SP:            X86ESP,
	FP:            X86EBP,
	LR:            NoRegister,
	ReturnAddress: X86EIP,
	MaxAddress:    0xffffffff,
	names:         []string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "eip"},
}

var layoutARM64 = Layout{
	Arch:          ArchARM64,
	Name:          "arm64",
	PointerSize:   8,
	NumRegs:       33,
	PC:            ARM64PC,
	SP:            ARM64SP,
	FP:            ARM64FP,
	LR:            ARM64LR,
	ReturnAddress: ARM64LR,
	MaxAddress:    0x0000ffffffffffff,
	names: []string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28", "x29", "x30", "sp", "pc",
	},
}

var layoutARM32 = Layout{
	Arch:          ArchARM32,
	Name:          "arm",
	PointerSize:   4,
	NumRegs:       16,
	PC:            ARM32PC,
	SP:            ARM32SP,
	FP:            ARM32R7,
	LR:            ARM32LR,
	ReturnAddress: ARM32LR,
	MaxAddress:    0xffffffff,
	names: []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	},
}
