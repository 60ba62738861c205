// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/crashunwind/nativeunwind/unwinder"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/libpf"
)

// Observer receives diagnostics of an unwind as it progresses. Calls are made
// synchronously from the unwinding goroutine.
type Observer interface {
	// Frame is called for every produced frame unless the recursion guard
	// suppresses it.
	Frame(index int, frame Frame)
	// StepFailed is called when strategy could not recover the caller of
	// frame index.
	StepFailed(index int, strategy Strategy, err error)
	// RecursionEnded reports the number of frames at pc that were not
	// passed to Frame.
	RecursionEnded(pc libpf.Address, suppressed int)
}

// LogObserver is the default Observer. It logs frames and failures at debug
// level, and recursion summaries at info level.
type LogObserver struct{}

var _ Observer = LogObserver{}

func (LogObserver) Frame(index int, frame Frame) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("#%-3d %v", index, frame)
	}
}

func (LogObserver) StepFailed(index int, strategy Strategy, err error) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("#%-3d %v failed: %v", index, strategy, err)
	}
}

func (LogObserver) RecursionEnded(pc libpf.Address, suppressed int) {
	log.Infof("Recursion at 0x%x: %d frames suppressed", pc, suppressed)
}
