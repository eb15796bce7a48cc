// Package crypto provides webhook payload authentication. Inbound vendor
// events are signed with a shared secret; handlers verify the signature before
// trusting the payload.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer computes and verifies HMAC-SHA256 payload signatures, hex encoded.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer from the shared webhook secret.
// Returns error if the secret is empty.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of the payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload, in constant time.
// Malformed signatures simply fail verification.
func (s *Signer) Verify(payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
