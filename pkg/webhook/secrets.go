package webhook

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFSecrets derives a distinct per-business HMAC secret from a single
// master secret, so one business's secret leaking never compromises
// another's deliveries.
type HKDFSecrets struct {
	master []byte
}

// NewHKDFSecrets creates a provider over the master secret.
func NewHKDFSecrets(master []byte) (*HKDFSecrets, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("webhook: master secret must be at least 32 bytes, got %d", len(master))
	}
	return &HKDFSecrets{master: master}, nil
}

// Secret derives the 32-byte HMAC secret for a business.
func (s *HKDFSecrets) Secret(businessID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte("webhook-hmac:"+businessID))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("webhook: derive secret: %w", err)
	}
	return secret, nil
}

// StaticSecret is a single shared secret for all businesses (dev/test).
type StaticSecret []byte

// Secret returns the shared secret regardless of business.
func (s StaticSecret) Secret(string) ([]byte, error) {
	return []byte(s), nil
}
