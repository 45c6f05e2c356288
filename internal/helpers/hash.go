package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// NormalizeDestination lower-cases and trims a payout destination so that the
// same recipient always hashes the same way.
func NormalizeDestination(destination string) string {
	return strings.ToLower(strings.TrimSpace(destination))
}

// Checksum hashes labelled fields in the given order. Labels keep adjacent
// values from colliding ("ab"+"c" vs "a"+"bc").
func Checksum(fields ...[2]string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(f[0]))
		h.Write([]byte{':'})
		h.Write([]byte(f[1]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SortedJoin returns a sorted copy of values joined with sep.
func SortedJoin(values []string, sep string) string {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	return strings.Join(sorted, sep)
}

// ShortHash returns the log-safe prefix of a hex digest.
func ShortHash(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}
