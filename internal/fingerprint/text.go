// Package fingerprint turns text and URLs into the stable keys the deduplication passes compare.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies NFC, lowercases, drops control characters and collapses whitespace runs to
// single spaces.
func NormalizeText(input string) string {
	composed := norm.NFC.String(input)
	lowered := strings.ToLower(composed)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, lowered)
	return strings.Join(strings.Fields(cleaned), " ")
}

// ContentHash is the hex SHA-256 of already normalized text.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// HashText normalizes input and hashes the result.
func HashText(input string) (normalized, hash string) {
	normalized = NormalizeText(input)
	return normalized, ContentHash(normalized)
}
