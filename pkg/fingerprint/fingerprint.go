// Package fingerprint provides deterministic content hashing for change
// detection and embedding-cache keys. Two digests are exposed: one over
// raw bytes, one over normalized text so trivial formatting differences
// still hit the cache.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Fingerprint returns the hex SHA-256 digest of the raw content.
// Pure and side-effect free; empty input yields the digest of the empty
// string.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FingerprintString is Fingerprint over a string without an extra copy at
// the call site.
func FingerprintString(content string) string {
	return Fingerprint([]byte(content))
}

// NormalizedFingerprint hashes lower-cased, whitespace-collapsed text.
// Fragments that differ only in casing or spacing share a normalized
// fingerprint and therefore share one embedding record per model.
func NormalizedFingerprint(content string) string {
	return FingerprintString(Normalize(content))
}

// Normalize folds text to lowercase and collapses every whitespace run to
// a single space, trimming the ends. Both sides of a comparison must go
// through the same rules or dedup silently breaks.
func Normalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true // start true to trim leading whitespace
	for _, ch := range s {
		if unicode.IsSpace(ch) {
			if !lastWasSpace {
				out.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		out.WriteRune(unicode.ToLower(ch))
		lastWasSpace = false
	}

	return strings.TrimRight(out.String(), " ")
}
