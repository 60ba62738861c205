// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package imagelookup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
)

func TestRegistry(t *testing.T) {
	registry, err := imagelookup.NewRegistry(
		imagelookup.Image{Name: "libc", TextStart: 0x7f0000, TextEnd: 0x7f8000},
		imagelookup.Image{Name: "main", TextStart: 0x400000, TextEnd: 0x401000},
		imagelookup.Image{Name: "libm", TextStart: 0x7f8000, TextEnd: 0x7f9000},
	)
	require.NoError(t, err)

	names := make([]string, 0, 3)
	for _, img := range registry.Images() {
		names = append(names, img.Name)
	}
	assert.Equal(t, []string{"main", "libc", "libm"}, names)

	tests := map[string]struct {
		pc   libpf.Address
		name string
	}{
		"first byte":        {pc: 0x400000, name: "main"},
		"last byte":         {pc: 0x400fff, name: "main"},
		"end is exclusive":  {pc: 0x401000},
		"below all":         {pc: 0x1000},
		"adjacent images":   {pc: 0x7f8000, name: "libm"},
		"inside libc":       {pc: 0x7f1234, name: "libc"},
		"above all":         {pc: 0x7f9000},
		"null pointer":      {pc: 0},
		"between neighbors": {pc: 0x500000},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			img, ok := registry.FindImage(test.pc)
			if test.name == "" {
				assert.False(t, ok)
				assert.Nil(t, img)
				return
			}
			require.True(t, ok)
			assert.Equal(t, test.name, img.Name)
			assert.True(t, img.ContainsText(test.pc))
		})
	}
}

func TestRegistryRejects(t *testing.T) {
	tests := map[string][]imagelookup.Image{
		"empty text": {
			{Name: "a", TextStart: 0x1000, TextEnd: 0x1000},
		},
		"overlap": {
			{Name: "a", TextStart: 0x1000, TextEnd: 0x3000},
			{Name: "b", TextStart: 0x2000, TextEnd: 0x4000},
		},
	}

	for name, images := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := imagelookup.NewRegistry(images...)
			require.Error(t, err)
		})
	}
}

func TestEmptyRegistry(t *testing.T) {
	registry, err := imagelookup.NewRegistry()
	require.NoError(t, err)
	_, ok := registry.FindImage(0x1000)
	assert.False(t, ok)
}
