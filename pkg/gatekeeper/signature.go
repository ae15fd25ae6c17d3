package gatekeeper

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes hex(HMAC-SHA256(secret, apiKey||timestamp||userAgent||deviceID||body)).
// Clients and the gatekeeper must agree on this byte-for-byte.
func Sign(secret, apiKey, timestamp, userAgent, deviceID string, body []byte) string {
	return hex.EncodeToString(mac(secret, apiKey, timestamp, userAgent, deviceID, body))
}

// VerifySignature compares MAC bytes with hmac.Equal rather than comparing
// hex strings.
func VerifySignature(secret, apiKey, timestamp, userAgent, deviceID string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, mac(secret, apiKey, timestamp, userAgent, deviceID, body))
}

func mac(secret, apiKey, timestamp, userAgent, deviceID string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(apiKey))
	h.Write([]byte(timestamp))
	h.Write([]byte(userAgent))
	h.Write([]byte(deviceID))
	h.Write(body)
	return h.Sum(nil)
}
