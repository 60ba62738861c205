// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		want    Config
		wantErr bool
	}{
		"zero value": {
			want: DefaultConfig(),
		},
		"explicit values": {
			cfg:  Config{MaxFrames: 10, RecursionThreshold: 2, ScanLimit: 4, VerifyCallSites: true},
			want: Config{MaxFrames: 10, RecursionThreshold: 2, ScanLimit: 4, VerifyCallSites: true},
		},
		"negative frame limit": {cfg: Config{MaxFrames: -1}, wantErr: true},
		"recursion suppression off": {
			cfg:  Config{RecursionThreshold: -1},
			want: Config{MaxFrames: DefaultMaxFrames, RecursionThreshold: -1, ScanLimit: DefaultScanLimit},
		},
		"stack scan off": {
			cfg:  Config{ScanLimit: -1},
			want: Config{MaxFrames: DefaultMaxFrames, RecursionThreshold: DefaultRecursionThreshold, ScanLimit: -1},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.want, test.cfg.WithDefaults())
		})
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "compact", StrategyCompact.String())
	assert.Equal(t, "strategy(42)", Strategy(42).String())
	assert.Equal(t, "frame-limit", ReasonFrameLimit.String())
	assert.Equal(t, "pc=0x401000 sp=0x7000 fp=0x0 (stackscan)",
		Frame{PC: 0x401000, SP: 0x7000, Strategy: StrategyStackScan}.String())
}
