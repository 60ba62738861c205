// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileIDMarshal(t *testing.T) {
	var id FileID
	require.NoError(t, id.UnmarshalText([]byte("600dcafe4a110000f2bf38c493f5fb92")))
	assert.Equal(t, byte(0x60), id[0])
	assert.Equal(t, byte(0x92), id[15])

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"600dcafe4a110000f2bf38c493f5fb92"`, string(data))

	var decoded FileID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)
}

func TestInvalidFileIDs(t *testing.T) {
	var id FileID
	// 15 characters
	require.Error(t, id.UnmarshalText([]byte("600DCAFE4A11000")))
	// Non-hex characters
	require.Error(t, id.UnmarshalText([]byte("600dcafe4a110000f2bf38c493f5fb9g")))
}

func TestFileIDFromExecutableReader(t *testing.T) {
	large := bytes.Repeat([]byte{0xcc}, 3*4096)
	tests := map[string]struct {
		data []byte
		id   string
	}{
		"ELF file": {
			data: []byte{0x7F, 'E', 'L', 'F', 0x00, 0x01, 0x2, 0x3, 0x4},
			id:   "caf6e5907166ac76eef618e5f7f59cd9",
		},
	}

	for name, testcase := range tests {
		t.Run(name, func(t *testing.T) {
			fileID, err := FileIDFromExecutableReader(bytes.NewReader(testcase.data))
			require.NoError(t, err, "Failed to calculate executable ID")
			assert.Equal(t, testcase.id, fileID.String())
		})
	}

	// Only the header and the trailer are hashed, but the length always is.
	a, err := FileIDFromExecutableReader(bytes.NewReader(large))
	require.NoError(t, err)
	middle := bytes.Clone(large)
	middle[6000] = 0
	b, err := FileIDFromExecutableReader(bytes.NewReader(middle))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	c, err := FileIDFromExecutableReader(bytes.NewReader(large[:len(large)-1]))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
