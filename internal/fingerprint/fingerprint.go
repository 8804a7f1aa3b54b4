// Package fingerprint computes content digests used as dedup keys.
//
// Digests are computed over raw bytes only. Content must never pass
// through platform text decoding or newline rewriting first, so two
// processes on different operating systems hashing the same file agree
// on the fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Compute returns the primary content fingerprint: hex-encoded SHA-256.
func Compute(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Checksum returns the secondary digest (hex-encoded BLAKE3) stored next
// to a dedup entry. A fingerprint hit is served only when both the stored
// length and this checksum match the requesting content.
func Checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
