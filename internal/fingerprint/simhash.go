package fingerprint

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// ShingleSize is the number of consecutive words hashed together as one feature.
const ShingleSize = 3

// SimHash computes a 64-bit locality-sensitive fingerprint of normalized text. Word shingles are
// hashed with FNV-1a and reduced by majority vote per bit position. It reports false when the text
// has no tokens.
func SimHash(normalized string) (uint64, bool) {
	features := shingles(tokenize(normalized), ShingleSize)
	if len(features) == 0 {
		return 0, false
	}

	var weights [64]int
	for _, feature := range features {
		h := hashFeature(feature)
		for bit := 0; bit < 64; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result, true
}

// Hamming returns the number of differing bits between two fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// shingles joins every window of size consecutive tokens. Texts shorter than the window fall back to
// single tokens so short posts still get a fingerprint.
func shingles(tokens []string, size int) []string {
	if len(tokens) < size {
		return tokens
	}
	out := make([]string, 0, len(tokens)-size+1)
	for i := 0; i+size <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+size], " "))
	}
	return out
}

func hashFeature(feature string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	return hasher.Sum64()
}
