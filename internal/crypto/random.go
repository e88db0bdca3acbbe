package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewNonce returns 16 random bytes, hex encoded. It is used as the OAuth
// state parameter.
func NewNonce() (string, error) {
	return randomHex(16)
}

// NewDebugID returns a short random correlation id for one request.
// It shows up in error responses and in every log line of that request.
func NewDebugID() string {
	id, err := randomHex(4)
	if err != nil {
		return "00000000"
	}
	return id
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
