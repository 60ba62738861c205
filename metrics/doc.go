// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics counts unwinder outcomes and publishes them as OpenTelemetry
instruments.

The metric IDs are generated from metrics.json. Hot paths accumulate values in
a Counters array and flush it once an unwind has finished:

	var c metrics.Counters
	c.Inc(metrics.IDUnwindFrames)
	c.Flush()
*/
package metrics
