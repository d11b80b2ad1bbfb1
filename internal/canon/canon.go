// Package canon implements the deterministic text-identity primitives shared
// by every component that needs to recognize "the same content" regardless
// of session, casing, or incidental punctuation: canonical keys for
// near-duplicate grouping and dedupe keys for exact-content idempotency.
package canon

import (
	"crypto/md5"  //nolint:gosec // used for a short stable suffix, not for security
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxKeyBytes is the truncation point before the hash-suffix kicks in.
// Kept well under typical index key limits.
const maxKeyBytes = 200

// truncatedBytes is how much of the normalized string survives truncation,
// leaving room for the "_" + 8 hex chars suffix.
const truncatedBytes = 191

// Context carries the optional scoping information canonical_key needs.
type Context struct {
	// Project, if set, is prefixed onto the canonical key as
	// `project "::" key` so identical content in different projects never
	// collides.
	Project string
}

// Key computes the canonical identity key for title, per spec:
// NFKC normalize -> lowercase -> drop everything but letters/numbers/whitespace
// -> collapse whitespace -> trim -> optional project prefix -> truncate at
// 200 bytes with an 8-hex md5 suffix when oversize.
func Key(title string, ctx *Context) string {
	normalized := norm.NFKC.String(title)
	normalized = strings.ToLower(normalized)

	var b strings.Builder
	b.Grow(len(normalized))
	lastWasSpace := false
	for _, r := range normalized {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastWasSpace = false
		case unicode.IsSpace(r):
			if !lastWasSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastWasSpace = true
		default:
			// punctuation and everything else: dropped entirely, not
			// replaced by a space, so "don't" and "dont" canonicalize the
			// same way.
		}
	}
	result := strings.TrimSpace(b.String())

	if ctx != nil && ctx.Project != "" {
		result = ctx.Project + "::" + result
	}

	if len(result) <= maxKeyBytes {
		return result
	}

	truncated := truncateToValidUTF8(result, truncatedBytes)
	sum := md5.Sum([]byte(result)) //nolint:gosec // identity suffix, not a security boundary
	return truncated + "_" + hex.EncodeToString(sum[:])[:8]
}

// truncateToValidUTF8 cuts s to at most n bytes without splitting a
// multi-byte rune.
func truncateToValidUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isUTF8Boundary(s, cut) {
		cut--
	}
	return s[:cut]
}

func isUTF8Boundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	// A byte is not a UTF-8 continuation byte (10xxxxxx) iff it starts a
	// new rune.
	return s[i]&0xC0 != 0x80
}

// DedupeKey computes the per-session exact-content dedupe key:
// session_id ":" sha256(content), hex-encoded.
func DedupeKey(content, sessionID string) string {
	sum := sha256.Sum256([]byte(content))
	return sessionID + ":" + hex.EncodeToString(sum[:])
}

// SameCanonical reports whether a and b normalize to the same canonical key
// under ctx.
func SameCanonical(a, b string, ctx *Context) bool {
	return Key(a, ctx) == Key(b, ctx)
}

// ProjectHash computes the 8-hex project-path hash used to key per-project
// storage directories (spec.md §6): md5 of the cleaned absolute path,
// first 8 hex characters, following the same short-stable-suffix idiom as
// Key's truncation hash.
func ProjectHash(absPath string) string {
	sum := md5.Sum([]byte(absPath)) //nolint:gosec // identity hash, not a security boundary
	return hex.EncodeToString(sum[:])[:8]
}
