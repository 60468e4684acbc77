package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ValidateSignature checks an HMAC-SHA256 hex signature over the raw payload.
// Comparison is constant time. Malformed input fails closed: a non-hex
// signature is simply invalid, never an error.
func ValidateSignature(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign produces the hex HMAC-SHA256 signature for a payload. Used by tests
// and by senders that mirror the validation side.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
