// Package sha256 provides SHA-256 digests for content addressing.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Digest accumulates a SHA-256 sum and byte count while data streams through it.
type Digest struct {
	h    hash.Hash
	size int64
}

// NewDigest returns an empty streaming digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write implements io.Writer. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	n, _ := d.h.Write(p)
	d.size += int64(n)
	return n, nil
}

// Hex returns the lowercase hex digest of everything written so far.
func (d *Digest) Hex() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes written.
func (d *Digest) Size() int64 {
	return d.size
}

// Sum hashes data in one shot and returns the hex digest.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
