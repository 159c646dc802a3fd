// Package voiceasset computes the content hash used to name and look
// up uploaded voice reference files, shared by the CLI and the worker
// pool's upload-once-per-worker memoization.
package voiceasset

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// HashFile returns the 16-hex-char SHA-256 hash of the full file at
// path, per spec.md §6: first 16 hex characters of SHA-256 over the
// full file bytes, not a prefix-read.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("voiceasset: open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("voiceasset: hash %q: %w", path, err)
	}
	sum := fmt.Sprintf("%x", h.Sum(nil))
	return sum[:16], nil
}
