package notify

import (
	"crypto/rand"
	"encoding/hex"
)

// NewSecret returns a webhook signing secret with 256 bits of entropy,
// hex-encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)

	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}
