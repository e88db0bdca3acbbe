package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Signer produces and verifies HMAC-signed JSON payloads of the form
// base64url(JSON) + "." + hex(HMAC-SHA256(key, base64url(JSON))).
// The output only contains cookie-safe characters.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the given key
func NewSigner(key []byte) Signer {
	return Signer{key: key}
}

// Encode marshals v to JSON and signs it
func (s Signer) Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(data)
	return payload + "." + s.sign(payload), nil
}

// Decode verifies signed and unmarshals its payload into v. It reports
// false for any malformed, tampered or foreign-key input; it never returns
// an error so that callers treat bad input as absent.
func (s Signer) Decode(signed string, v any) bool {
	payload, signature, ok := strings.Cut(signed, ".")
	if !ok || payload == "" || signature == "" {
		return false
	}

	expected := s.sign(payload)
	// hmac.Equal is constant time only for equal lengths
	if len(signature) != len(expected) || !hmac.Equal([]byte(signature), []byte(expected)) {
		return false
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
	if err != nil {
		return false
	}

	return json.Unmarshal(data, v) == nil
}

func (s Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
