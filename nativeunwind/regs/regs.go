// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package regs models the integer register snapshot of one thread for the
// architectures the unwinder supports. A Context is a plain value: it can be
// copied freely and never allocates, which allows the unwinder to keep the
// caller's registers and a scratch copy side by side.
package regs // import "go.opentelemetry.io/crashunwind/nativeunwind/regs"

import (
	"fmt"
	"strings"
)

// Arch identifies one of the supported register layouts.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchARM32
	ArchARM64
	ArchX86
	ArchX86_64
)

// MaxRegisters is the number of DWARF register slots a Context stores. It is
// large enough for the widest integer register file (ARM64 x0-x30, sp, pc).
const MaxRegisters = 33

// NoRegister marks a register role that the architecture does not have.
const NoRegister = -1

// minPlausibleAddress excludes the zero page.
const minPlausibleAddress = 0x1000

func (a Arch) String() string {
	if l := a.Layout(); l != nil {
		return l.Name
	}
	return fmt.Sprintf("arch(%d)", uint8(a))
}

// Layout returns the register table of the architecture, or nil.
func (a Arch) Layout() *Layout {
	switch a {
	case ArchARM32:
		return &layoutARM32
	case ArchARM64:
		return &layoutARM64
	case ArchX86:
		return &layoutX86
	case ArchX86_64:
		return &layoutX86_64
	default:
		return nil
	}
}

// ParseArch converts an architecture name to Arch. Both the Go and the
// common toolchain spelling are accepted.
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(name) {
	case "arm", "arm32", "armv7":
		return ArchARM32, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "386", "x86", "i386":
		return ArchX86, nil
	case "amd64", "x86_64", "x86-64":
		return ArchX86_64, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture '%s'", name)
	}
}

// Layout describes how the DWARF register numbers of an architecture map to
// the roles the unwinder cares about.
type Layout struct {
	Arch Arch
	Name string
	// PointerSize is the size of a native pointer in bytes.
	PointerSize int
	// NumRegs is the number of DWARF registers (0..NumRegs-1) that are tracked.
	NumRegs int
	// PC, SP and FP are the DWARF numbers of the program counter, stack
	// pointer and frame pointer.
	PC, SP, FP int
	// LR is the link register, or NoRegister.
	LR int
	// ReturnAddress is the default return address column of CFI on this
	// architecture.
	ReturnAddress int
	// MaxAddress is the highest user space address.
	MaxAddress uint64

	names []string
}

// HasLinkRegister reports whether return addresses are passed in a register.
func (l *Layout) HasLinkRegister() bool {
	return l.LR != NoRegister
}

// RegisterName returns the conventional name of DWARF register n.
func (l *Layout) RegisterName(n uint64) string {
	if n < uint64(len(l.names)) {
		return l.names[n]
	}
	return fmt.Sprintf("?%d", n)
}

// RegisterNumber returns the DWARF register number for a register name.
func (l *Layout) RegisterNumber(name string) (int, bool) {
	name = strings.ToLower(name)
	for i, n := range l.names {
		if n == name {
			return i, true
		}
	}
	// role aliases
	switch name {
	case "pc":
		return l.PC, true
	case "sp":
		return l.SP, true
	case "fp":
		return l.FP, true
	case "lr":
		if l.HasLinkRegister() {
			return l.LR, true
		}
	}
	return 0, false
}

// IsPlausiblePointer is a cheap sanity predicate for code and stack
// addresses. It is not a validity proof.
func (l *Layout) IsPlausiblePointer(v uint64) bool {
	return v >= minPlausibleAddress && v <= l.MaxAddress
}

func (l *Layout) mask() uint64 {
	if l.PointerSize == 4 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// Context is a register snapshot tagged with its architecture.
type Context struct {
	layout *Layout
	vals   [MaxRegisters]uint64
}

// NewContext returns a zeroed register context for the architecture.
func NewContext(arch Arch) (Context, error) {
	l := arch.Layout()
	if l == nil {
		return Context{}, fmt.Errorf("unsupported architecture %d", arch)
	}
	return Context{layout: l}, nil
}

// Valid reports whether the context was created for a known architecture.
func (c *Context) Valid() bool {
	return c.layout != nil
}

// Arch returns the architecture of the register snapshot.
func (c *Context) Arch() Arch {
	if c.layout == nil {
		return ArchUnknown
	}
	return c.layout.Arch
}

// Layout returns the register table for the snapshot.
func (c *Context) Layout() *Layout {
	return c.layout
}

// PointerSize returns the native pointer size in bytes.
func (c *Context) PointerSize() int {
	return c.layout.PointerSize
}

func (c *Context) PC() uint64 {
	return c.vals[c.layout.PC]
}

func (c *Context) SetPC(v uint64) {
	c.vals[c.layout.PC] = v & c.layout.mask()
}

func (c *Context) SP() uint64 {
	return c.vals[c.layout.SP]
}

func (c *Context) SetSP(v uint64) {
	c.vals[c.layout.SP] = v & c.layout.mask()
}

func (c *Context) FP() uint64 {
	return c.vals[c.layout.FP]
}

func (c *Context) SetFP(v uint64) {
	c.vals[c.layout.FP] = v & c.layout.mask()
}

// LR returns the link register. The second result is false on architectures
// without one.
func (c *Context) LR() (uint64, bool) {
	if !c.layout.HasLinkRegister() {
		return 0, false
	}
	return c.vals[c.layout.LR], true
}

// SetLR sets the link register, returning false if the architecture has none.
func (c *Context) SetLR(v uint64) bool {
	if !c.layout.HasLinkRegister() {
		return false
	}
	c.vals[c.layout.LR] = v & c.layout.mask()
	return true
}

// DwarfRegister returns the value of DWARF register n, or false if the
// register is not tracked.
func (c *Context) DwarfRegister(n uint64) (uint64, bool) {
	if n >= uint64(c.layout.NumRegs) {
		return 0, false
	}
	return c.vals[n], true
}

// SetDwarfRegister sets DWARF register n, returning false if the register is
// not tracked.
func (c *Context) SetDwarfRegister(n, v uint64) bool {
	if n >= uint64(c.layout.NumRegs) {
		return false
	}
	c.vals[n] = v & c.layout.mask()
	return true
}

func (c *Context) String() string {
	if c.layout == nil {
		return "<invalid>"
	}
	var sb strings.Builder
	for i := 0; i < c.layout.NumRegs; i++ {
		if i != 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%#x", c.layout.names[i], c.vals[i])
	}
	return sb.String()
}
