package utils

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a stable 64-bit content hash of b.
func Fingerprint(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// FingerprintString hashes s and renders the result as fixed-width hex.
func FingerprintString(s string) string {
	h := strconv.FormatUint(xxhash.Sum64String(s), 16)
	for len(h) < 16 {
		h = "0" + h
	}
	return h
}
