// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/nativeunwind/unwinder"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
)

// Strategy tells how a frame was recovered.
type Strategy uint8

const (
	// StrategyContext marks the first frame, taken from the register context.
	StrategyContext Strategy = iota
	StrategyCompact
	StrategyCFI
	StrategyFramePointer
	// StrategyLinkRegister marks a caller taken from the link register of a
	// leaf function without frame record.
	StrategyLinkRegister
	StrategyStackScan
)

var strategyNames = [...]string{
	StrategyContext:      "context",
	StrategyCompact:      "compact",
	StrategyCFI:          "cfi",
	StrategyFramePointer: "framepointer",
	StrategyLinkRegister: "linkregister",
	StrategyStackScan:    "stackscan",
}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// Reason tells why an unwind stopped.
type Reason uint8

const (
	// ReasonNone is reported while the unwind is still in progress.
	ReasonNone Reason = iota
	// ReasonEndOfStack is the natural end: the outermost frame was reached.
	ReasonEndOfStack
	// ReasonFrameLimit means the configured frame ceiling was hit.
	ReasonFrameLimit
	// ReasonExhausted means no strategy could recover the next caller, or
	// the recovered registers were rejected as corrupt.
	ReasonExhausted
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonEndOfStack:
		return "end-of-stack"
	case ReasonFrameLimit:
		return "frame-limit"
	case ReasonExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Frame is one entry of a backtrace.
type Frame struct {
	PC libpf.Address
	SP libpf.Address
	FP libpf.Address
	// Strategy recovered this frame from its callee.
	Strategy Strategy
	// Signal is set when PC is exact, for the first frame and for frames
	// interrupted by a signal. Otherwise PC is a return address.
	Signal bool
}

func (f Frame) String() string {
	return fmt.Sprintf("pc=0x%x sp=0x%x fp=0x%x (%v)", f.PC, f.SP, f.FP, f.Strategy)
}

// sameRegisters reports whether f and o describe the same machine state.
func (f *Frame) sameRegisters(o *Frame) bool {
	return f.PC == o.PC && f.SP == o.SP && f.FP == o.FP
}

// Result is a complete backtrace.
type Result struct {
	Frames []Frame
	Reason Reason
	// LastFailure classifies the last strategy failure seen, if any.
	LastFailure nativeunwind.Kind
	// Suppressed counts frames hidden from the observer by the recursion guard.
	Suppressed int
}

// Hash returns a stable 64-bit hash of the program counters of the backtrace,
// suitable to group identical crashes.
func (r *Result) Hash() uint64 {
	h := xxh3.New()
	var buf [8]byte
	for i := range r.Frames {
		binary.LittleEndian.PutUint64(buf[:], uint64(r.Frames[i].PC))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
