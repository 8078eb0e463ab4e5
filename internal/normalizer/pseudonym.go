package normalizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// PseudonymLength is the number of hex characters kept from the HMAC digest.
const PseudonymLength = 32

// Pseudonymize derives the stable, salted author pseudonym for a raw provider id.
func Pseudonymize(salt []byte, platform, rawAuthorID string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(platform + ":" + rawAuthorID))
	return hex.EncodeToString(mac.Sum(nil))[:PseudonymLength]
}
