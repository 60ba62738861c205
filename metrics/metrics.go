// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/crashunwind/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/crashunwind/vc"
)

var (
	//go:embed metrics.json
	metricsJSON []byte

	// metricTypes is indexed by metric ID; the zero value marks unknown IDs.
	metricTypes [IDMax]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/crashunwind",
		metric.WithInstrumentationVersion(vc.Version()))
	counters [IDMax]metric.Int64Counter
	gauges   [IDMax]metric.Int64Gauge

	// mutex serializes AddSlice so that totals seen by Snapshot are consistent
	mutex  sync.Mutex
	totals [IDMax]MetricValue
)

func init() {
	defs, err := GetDefinitions()
	if err != nil {
		panic(err)
	}
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		if md.ID <= IDInvalid || md.ID >= IDMax {
			panic(fmt.Sprintf("metric %s has out of range id %d", md.Name, md.ID))
		}
		metricTypes[md.ID] = md.Type
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// AddSlice reports a slice of metrics through the OTel instruments. Counters
// with a zero value are skipped.
func AddSlice(newMetrics []Metric) {
	ctx := context.Background()

	mutex.Lock()
	defer mutex.Unlock()

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				m.ID, IDInvalid+1, IDMax-1)
			continue
		}

		switch metricTypes[m.ID] {
		case MetricTypeCounter:
			if m.Value == 0 {
				continue
			}
			totals[m.ID] += m.Value
			if counters[m.ID] != nil {
				counters[m.ID].Add(ctx, int64(m.Value))
			}
		case MetricTypeGauge:
			totals[m.ID] = m.Value
			if gauges[m.ID] != nil {
				gauges[m.ID].Record(ctx, int64(m.Value))
			}
		default:
			log.Warnf("Invalid metric id %d, skipping", m.ID)
		}
	}
}

// Add reports a single metric.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Snapshot returns the running totals of all counters and the last value of
// all gauges reported so far.
func Snapshot() map[MetricID]MetricValue {
	mutex.Lock()
	defer mutex.Unlock()

	out := make(map[MetricID]MetricValue)
	for id, value := range totals {
		if value != 0 {
			out[MetricID(id)] = value
		}
	}
	return out
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() ([]MetricDefinition, error) {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("extracting definitions from metrics.json: %v", err)
	}
	return defs, nil
}
