// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// separator cannot appear in normalized text, so ("ab","c") and ("a","bc")
// never collide.
const separator = "\x1f"

// Hasher implements discovery.Fingerprinter using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Fingerprint hashes the ordered parts and returns a lowercase hex digest.
func (h *Hasher) Fingerprint(parts ...string) string {
	sum := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = sum.Write([]byte(separator))
		}
		_, _ = sum.Write([]byte(p))
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// Hash hashes raw bytes; used to name page snapshots.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
