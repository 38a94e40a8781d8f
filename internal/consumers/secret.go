package consumers

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
)

// Devices authorize payloads in one of two modes. In plaintext mode the
// secret field carries the sensor secret literally. In digest mode the
// field carries a sentinel-wrapped SHA-256 digest computed over the payload
// with the secret field replaced by the true sensor secret, which proves
// knowledge of the secret without putting it on the wire and binds the
// digest to the exact payload bytes.
//
// The sentinel is "$==<64 hex chars>==".
var secretSentinel = regexp.MustCompile(`\$==[a-f0-9]{64}==`)

const (
	sentinelPrefixLen = 3
	sentinelSuffixLen = 2
)

// ValidateSecret checks a payload against the stored sensor secret. raw is
// the payload exactly as received, claimed the secret field parsed out of
// it. When raw carries no sentinel the check falls through to a plain
// comparison.
func ValidateSecret(raw, claimed, stored string) bool {
	loc := secretSentinel.FindStringIndex(raw)
	if loc == nil {
		return subtle.ConstantTimeCompare([]byte(claimed), []byte(stored)) == 1
	}

	if len(claimed) <= sentinelPrefixLen+sentinelSuffixLen {
		return false
	}
	digest := claimed[sentinelPrefixLen : len(claimed)-sentinelSuffixLen]

	// Substitute the true secret for the sentinel and hash the result.
	canonical := raw[:loc[0]] + stored + raw[loc[1]:]
	sum := sha256.Sum256([]byte(canonical))
	computed := hex.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
