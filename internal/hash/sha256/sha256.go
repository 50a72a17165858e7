// Package sha256 derives the fallback dedup key for articles that arrive
// without a url or link. The transformer passes headline, date and
// publisher joined by the unit separator, and the hex digest is stored as
// dedup_key.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher is stateless and safe for concurrent use.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the 64-character lowercase hex digest of data. It never
// fails.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
