// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides buildtime information.
package vc // import "go.opentelemetry.io/crashunwind/vc"

// Set at link time with
// -ldflags "-X go.opentelemetry.io/crashunwind/vc.version=..."
var (
	revision = ""
	version  = ""
)

// Revision returns the source revision the binary was built from.
func Revision() string {
	return revision
}

// Version in vX.Y.Z{-N-abbrev} format, or "dev" for local builds.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}
