// Package cache derives result-cache keys and defines the cached entry shape
// shared by the cache backends.
package cache

import (
	"fmt"
	"time"

	"github.com/JakeFAU/product-capture/internal/product"
)

// Entry is one cached merge result.
type Entry struct {
	Record     product.MergedRecord `json:"record"`
	CapturedAt time.Time            `json:"captured_at"`
}

// Fingerprinter builds cache keys from normalized URLs and, optionally, the
// raw page content.
type Fingerprinter struct {
	hasher product.Hasher
}

// NewFingerprinter wraps a Hasher.
func NewFingerprinter(h product.Hasher) *Fingerprinter {
	return &Fingerprinter{hasher: h}
}

// URL returns the fingerprint of a normalized URL.
func (f *Fingerprinter) URL(normalizedURL string) (string, error) {
	fp, err := f.hasher.Hash([]byte(normalizedURL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return fp, nil
}

// Content returns a fingerprint that also changes when the page body does.
func (f *Fingerprinter) Content(normalizedURL string, content []byte) (string, error) {
	contentHash, err := f.hasher.Hash(content)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	fp, err := f.hasher.Hash([]byte(normalizedURL + "\n" + contentHash))
	if err != nil {
		return "", fmt.Errorf("hash fingerprint: %w", err)
	}
	return fp, nil
}
