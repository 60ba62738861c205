// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/crashunwind/libpf"

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

// FileID identifies an executable file independently of its path.
type FileID [16]byte

// String returns the hexadecimal notation of the file ID.
func (f FileID) String() string {
	return hex.EncodeToString(f[:])
}

// MarshalText implements encoding.TextMarshaler.
func (f FileID) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FileID) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(f) {
		return fmt.Errorf("invalid file ID length %d", len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// FileIDFromExecutableReader hashes the first and the last 4 KiB of an
// executable together with its length. For ELF files these cover the program
// headers, usually the GNU build ID and the section headers.
func FileIDFromExecutableReader(reader io.ReadSeeker) (FileID, error) {
	h := sha256.New()

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return FileID{}, fmt.Errorf("failed to seek file header: %v", err)
	}
	if _, err := io.Copy(h, io.LimitReader(reader, 4096)); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file header: %v", err)
	}

	size, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return FileID{}, fmt.Errorf("failed to seek end of file: %v", err)
	}
	if _, err = reader.Seek(-min(size, 4096), io.SeekEnd); err != nil {
		return FileID{}, fmt.Errorf("failed to seek file trailer: %v", err)
	}
	if _, err = io.Copy(h, reader); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file trailer: %v", err)
	}

	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(size))
	h.Write(length[:])

	var id FileID
	copy(id[:], h.Sum(nil))
	return id, nil
}
