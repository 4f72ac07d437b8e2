package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes HMAC-SHA256 of payload keyed by secret and returns the
// lowercase hex digest. Deterministic: identical inputs yield identical
// signatures.
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares it to the supplied
// one in constant time. Returns false on any mismatch, including length.
func Verify(payload, signature, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
