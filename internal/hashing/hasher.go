// Package hashing computes content hashes of files and reuses them through a
// size/mtime validated cache.
package hashing

import (
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"lukechampine.com/blake3"
)

// DigestSize is the digest length in bytes (256 bits).
const DigestSize = 32

// Hasher computes the content hash of a file on disk.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Blake3 hashes files with BLAKE3-256.
type Blake3 struct{}

// HashFile reads path completely and returns the hex encoded digest.
func (Blake3) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s for hashing", path)
	}
	defer func() {
		_ = f.Close()
	}()

	h := New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "failed to hash %s", path)
	}
	return Sum(h), nil
}

// New returns a streaming BLAKE3-256 hash, for callers that hash while copying.
func New() hash.Hash {
	return blake3.New(DigestSize, nil)
}

// Sum returns the hex encoded digest of h.
func Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
