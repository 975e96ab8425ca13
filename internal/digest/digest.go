// Package digest computes BLAKE3 content digests for staged sources and
// pipeline artifacts.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Bytes returns the hex-encoded BLAKE3-256 digest of data.
func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File streams the file at path through BLAKE3 and returns the hex digest.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Set accumulates named entries into a single order-sensitive digest.
type Set struct {
	h *blake3.Hasher
}

// NewSet returns an empty digest set.
func NewSet() *Set {
	return &Set{h: blake3.New()}
}

// Add mixes name and the content digest into the set. Names are length
// prefixed so ("ab","c") and ("a","bc") never collide.
func (s *Set) Add(name, contentDigest string) {
	fmt.Fprintf(s.h, "%d:%s%d:%s", len(name), name, len(contentDigest), contentDigest)
}

// Sum returns the hex digest of everything added so far.
func (s *Set) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
