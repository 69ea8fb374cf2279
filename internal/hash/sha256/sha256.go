// Package sha256 computes content digests for archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher hex-encodes SHA-256 digests.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through the digest.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}
