package consumers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signPayload replaces the placeholder sentinel in raw with the digest a
// device holding secret would compute.
func signPayload(t *testing.T, raw, secret string) string {
	t.Helper()

	placeholder := "$==" + strings.Repeat("0", 64) + "=="
	require.Contains(t, raw, placeholder)

	canonical := strings.Replace(raw, placeholder, secret, 1)
	sum := sha256.Sum256([]byte(canonical))
	digest := hex.EncodeToString(sum[:])

	return strings.Replace(raw, placeholder, "$=="+digest+"==", 1)
}

func TestValidateSecretPlaintext(t *testing.T) {
	raw := `{"SensorId": "a", "Secret": "my-secret", "Data": "x"}`

	assert.True(t, ValidateSecret(raw, "my-secret", "my-secret"))
	assert.False(t, ValidateSecret(raw, "my-secret", "other-secret"))
	assert.False(t, ValidateSecret(raw, "", "my-secret"))
}

func TestValidateSecretDigest(t *testing.T) {
	template := `{"CreatedById": "a", "CreatedBySecret": "$==` + strings.Repeat("0", 64) + `==", "Data": "x"}`
	raw := signPayload(t, template, "device-secret")

	claimed := secretSentinel.FindString(raw)
	require.NotEmpty(t, claimed)

	assert.True(t, ValidateSecret(raw, claimed, "device-secret"))
	assert.False(t, ValidateSecret(raw, claimed, "wrong-secret"))
}

func TestValidateSecretDigestRejectsTamperedPayload(t *testing.T) {
	template := `{"CreatedById": "a", "CreatedBySecret": "$==` + strings.Repeat("0", 64) + `==", "Value": 21.5}`
	raw := signPayload(t, template, "device-secret")
	claimed := secretSentinel.FindString(raw)

	tampered := strings.Replace(raw, "21.5", "99.9", 1)

	assert.False(t, ValidateSecret(tampered, claimed, "device-secret"))
}

func TestValidateSecretDigestBindsToPayload(t *testing.T) {
	// The same claimed digest must not validate a different payload.
	first := signPayload(t, `{"a": "$==`+strings.Repeat("0", 64)+`=="}`, "s")
	second := signPayload(t, `{"b": "$==`+strings.Repeat("0", 64)+`=="}`, "s")

	claimedFirst := secretSentinel.FindString(first)
	require.True(t, ValidateSecret(first, claimedFirst, "s"))
	assert.False(t, ValidateSecret(second, claimedFirst, "s"))
}

func TestValidateSecretShortClaimed(t *testing.T) {
	raw := `{"Secret": "$==` + strings.Repeat("a", 64) + `=="}`

	assert.False(t, ValidateSecret(raw, "$==", "secret"))
	assert.False(t, ValidateSecret(raw, "", "secret"))
}

func TestSecretSentinelPattern(t *testing.T) {
	digest := strings.Repeat("ab", 32)

	tests := []struct {
		input string
		match bool
	}{
		{fmt.Sprintf("$==%s==", digest), true},
		{fmt.Sprintf(`{"Secret": "$==%s=="}`, digest), true},
		{fmt.Sprintf("$==%s==", strings.Repeat("A", 64)), false}, // uppercase hex
		{fmt.Sprintf("$==%s==", strings.Repeat("a", 63)), false}, // too short
		{"plain-secret", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.match, secretSentinel.MatchString(tt.input), tt.input)
	}
}
