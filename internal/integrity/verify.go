// Package integrity holds the pure checks applied to an artifact before it is
// committed to the cache: declared size, minimum plausible size and checksum.
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/tinoosan/modeld/internal/data"
)

// DefaultAlgorithm is used when a descriptor carries a checksum without
// naming its algorithm.
const DefaultAlgorithm = "sha256"

// VerifySize compares the received byte count with the declared size.
// An undeclared size (expected <= 0) always passes.
func VerifySize(actual, expected int64) error {
	if expected <= 0 || actual == expected {
		return nil
	}
	return fmt.Errorf("%w: got %d bytes, want %d", data.ErrSizeMismatch, actual, expected)
}

// VerifyMinimumSize rejects artifacts smaller than floor as truncated.
func VerifyMinimumSize(actual, floor int64) error {
	if actual >= floor {
		return nil
	}
	return fmt.Errorf("%w: %d bytes < %d", data.ErrTooSmall, actual, floor)
}

// VerifyChecksum hashes the file at path and compares it with expected.
// No expected checksum means the artifact is accepted on size alone.
func VerifyChecksum(path, algorithm, expected string) error {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil
	}
	actual, err := Checksum(path, algorithm)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: got %s, want %s", data.ErrChecksumMismatch, actual, expected)
	}
	return nil
}

// Checksum returns the lowercase hex digest of the file at path.
func Checksum(path, algorithm string) (string, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewHash maps an algorithm name to a hash implementation.
func NewHash(algorithm string) (hash.Hash, error) {
	switch normalize(algorithm) {
	case "", "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", data.ErrUnsupportedAlgorithm, algorithm)
	}
}

func normalize(algorithm string) string {
	a := strings.ToLower(strings.TrimSpace(algorithm))
	return strings.ReplaceAll(a, "-", "")
}
