// Package sha256 derives the stable ids of memory records from URLs and
// pattern text.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256. A positive length keeps
// only that many leading hex characters.
type Hasher struct {
	length int
}

// New returns a hasher producing the full 64-character hex digest.
func New() *Hasher {
	return &Hasher{}
}

// Truncated returns a hasher producing the first n hex characters.
func Truncated(n int) *Hasher {
	return &Hasher{length: n}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(digest) {
		digest = digest[:h.length]
	}
	return digest, nil
}
