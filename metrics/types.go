// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

// Create ids.go from metrics.json
//go:generate go run genids/main.go metrics.json ids.go

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// MetricType distinguishes counters from gauges.
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// MetricDefinition is one entry of metrics.json.
type MetricDefinition struct {
	Description string     `json:"description"`
	Type        MetricType `json:"type"`
	Name        string     `json:"name"`
	Field       string     `json:"field"`
	Unit        string     `json:"unit"`
	ID          MetricID   `json:"id"`
	Obsolete    bool       `json:"obsolete"`
}

// Counters accumulates metric values in a fixed array so that hot paths can
// count without allocating or locking. It is not safe for concurrent use.
type Counters [IDMax]MetricValue

// Inc increments the counter id by one.
func (c *Counters) Inc(id MetricID) {
	c.Add(id, 1)
}

// Add adds value to the counter id. Out of range IDs are ignored.
func (c *Counters) Add(id MetricID, value MetricValue) {
	if id > IDInvalid && id < IDMax {
		c[id] += value
	}
}

// Get returns the accumulated value of id.
func (c Counters) Get(id MetricID) MetricValue {
	if id < IDMax {
		return c[id]
	}
	return 0
}

// Flush reports all non-zero values with AddSlice and clears the counters.
func (c *Counters) Flush() {
	var batch [IDMax]Metric
	n := 0
	for id, value := range c {
		if value != 0 {
			batch[n] = Metric{ID: MetricID(id), Value: value}
			n++
		}
	}
	*c = Counters{}
	AddSlice(batch[:n])
}
