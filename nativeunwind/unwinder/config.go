// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/nativeunwind/unwinder"

import "fmt"

const (
	// DefaultMaxFrames is the default ceiling of frames per unwind.
	DefaultMaxFrames = 100000
	// DefaultRecursionThreshold is the default number of repeated program
	// counters after which frame emission is suppressed.
	DefaultRecursionThreshold = 50
	// DefaultScanLimit is the default number of stack words examined by the
	// stack scan.
	DefaultScanLimit = 256
)

// Config holds the tunables of a Session. Zero fields take their defaults.
type Config struct {
	// MaxFrames bounds the number of frames produced by one unwind.
	MaxFrames int
	// RecursionThreshold is the number of consecutive repeats of a program
	// counter after which the observer stops being told about frames.
	// A negative value never suppresses frames.
	RecursionThreshold int
	// ScanLimit bounds the number of words the stack scan looks at. A
	// negative value disables the stack scan.
	ScanLimit int
	// PACMask holds the pointer authentication bits cleared from recovered
	// arm64 code pointers.
	PACMask uint64
	// VerifyCallSites makes the stack scan only accept words preceded by a
	// call instruction.
	VerifyCallSites bool
}

// DefaultConfig returns a Config with all defaults filled in.
func DefaultConfig() Config {
	return Config{
		MaxFrames:          DefaultMaxFrames,
		RecursionThreshold: DefaultRecursionThreshold,
		ScanLimit:          DefaultScanLimit,
	}
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.MaxFrames == 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.RecursionThreshold == 0 {
		c.RecursionThreshold = DefaultRecursionThreshold
	}
	if c.ScanLimit == 0 {
		c.ScanLimit = DefaultScanLimit
	}
	return c
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.MaxFrames < 0 {
		return fmt.Errorf("invalid frame limit %d", c.MaxFrames)
	}
	return nil
}
