// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// genids generates the metric ID constants from metrics.json.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// fieldPrefix namespaces all exported instrument names.
const fieldPrefix = "crashunwind."

type metricDef struct {
	Description string `json:"description"`
	MetricType  string `json:"type"`
	Name        string `json:"name"`
	FieldName   string `json:"field"`
	Unit        string `json:"unit"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

// parse decodes and validates metric definitions. IDs are assigned by
// appending, so the n-th definition must carry ID n.
func parse(input []byte) ([]metricDef, error) {
	var defs []metricDef
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("unmarshaling: %v", err)
	}

	names := make(map[string]struct{}, len(defs))
	for i, m := range defs {
		if m.ID != uint32(i+1) {
			return nil, fmt.Errorf("metric %s has id %d, expected %d (only append)",
				m.Name, m.ID, i+1)
		}
		if _, ok := names[m.Name]; ok {
			return nil, fmt.Errorf("duplicate metric name %s", m.Name)
		}
		names[m.Name] = struct{}{}
		if m.Obsolete {
			continue
		}
		if m.MetricType != "counter" && m.MetricType != "gauge" {
			return nil, fmt.Errorf("metric %s has unknown type %q", m.Name, m.MetricType)
		}
		if !strings.HasPrefix(m.FieldName, fieldPrefix) {
			return nil, fmt.Errorf("metric %s field %q lacks prefix %s",
				m.Name, m.FieldName, fieldPrefix)
		}
	}
	return defs, nil
}

// generate renders ids.go.
func generate(defs []metricDef) []byte {
	var output bytes.Buffer
	output.WriteString(
		"// Code generated from metrics.json. DO NOT EDIT.\n" +
			"\n" +
			"package metrics\n" +
			"\n" +
			"// To add a new metric append an entry to metrics.json. ONLY APPEND !\n" +
			"// Then run 'go generate ./metrics' to update this file.\n" +
			"\n" +
			"// Below are the different metric IDs that we currently implement.\n" +
			"const (\n" +
			"\n" +
			"\t// Leave out the 0 value. It's an indication of not explicitly " +
			"initialized variables.\n" +
			"\tIDInvalid = 0\n")

	for _, m := range defs {
		if m.Obsolete {
			continue
		}
		fmt.Fprintf(&output, "\n\t// %s\n\tID%s = %d\n", m.Description, m.Name, m.ID)
	}

	fmt.Fprintf(&output, "\n\t// max number of ID values, keep this as *last entry*\n"+
		"\tIDMax = %d\n)\n", len(defs)+1)
	return output.Bytes()
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <metrics.json> <output.go>\n", os.Args[0])
		os.Exit(1)
	}

	input, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	defs, err := parse(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	if err = os.WriteFile(os.Args[2], generate(defs), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
