// Package hashing computes streaming content digests for baseline and
// reconciliation hashing. Files are read in fixed 64 KiB chunks so memory
// use is bounded regardless of file size.
//
// Two interchangeable algorithms are supported: SHA-256 for cryptographic
// auditability and BLAKE3 where hashing throughput matters more than
// collision resistance against adversarial input. Both are content
// fingerprints, not proofs of authenticity.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"

	"github.com/zeebo/blake3"
)

// chunkSize is the fixed read buffer used for streaming hashing.
const chunkSize = 64 * 1024

// Algorithm selects the content digest algorithm.
type Algorithm string

const (
	// BLAKE3 is the fast default.
	BLAKE3 Algorithm = "blake3"
	// SHA256 is the cryptographic alternative.
	SHA256 Algorithm = "sha256"
)

// ParseAlgorithm validates a configuration string ("blake3" or "sha256").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case BLAKE3, SHA256:
		return Algorithm(s), nil
	default:
		return "", fmt.Errorf("hashing: unknown algorithm %q (want blake3 or sha256)", s)
	}
}

// newDigest returns a fresh hash.Hash for alg. Unknown algorithms fall back
// to BLAKE3; use ParseAlgorithm to reject them before this point.
func newDigest(alg Algorithm) hash.Hash {
	if alg == SHA256 {
		return sha256.New()
	}
	return blake3.New()
}

// File hashes the file at path with alg and returns the hex-encoded digest
// together with the size and modification time (unix seconds) observed on
// the open file descriptor.
//
// Error semantics follow the reconciliation contract: a not-found error
// means the file vanished after the triggering event and the caller should
// treat the path as deleted; a permission error means the path must be
// skipped with a warning; any other I/O error is retried once immediately
// before being returned.
func File(path string, alg Algorithm) (digest string, size int64, mtime int64, err error) {
	digest, size, mtime, err = hashOnce(path, alg)
	if err == nil || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return digest, size, mtime, err
	}
	// Transient I/O (file briefly locked, truncated mid-read): one retry.
	return hashOnce(path, alg)
}

// hashOnce performs a single streaming hash pass over path.
func hashOnce(path string, alg Algorithm) (string, int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, fmt.Errorf("hashing: open %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, 0, fmt.Errorf("hashing: stat %q: %w", path, err)
	}

	h := newDigest(alg)
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", 0, 0, fmt.Errorf("hashing: read %q: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), info.Size(), info.ModTime().Unix(), nil
}
