package mandate

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/veridian-labs/mandate/pkg/canonical"
	"github.com/veridian-labs/mandate/pkg/keys"
)

// Signer signs and verifies mandates against a key manager. Sign and
// verify are stateless and safe for concurrent use.
type Signer struct {
	keys *keys.Manager
}

// NewSigner creates a Signer backed by the given key manager.
func NewSigner(km *keys.Manager) *Signer {
	return &Signer{keys: km}
}

// SignIntent canonicalizes and signs an intent mandate with the agent's
// active key, filling Algorithm, KeyID and Signature.
func (s *Signer) SignIntent(m *IntentMandate) error {
	handle, err := s.keys.SigningKey(m.AgentID)
	if err != nil {
		return err
	}
	m.Algorithm = AlgPS256
	m.KeyID = handle.KeyID()

	payload, err := canonical.JCS(m.signingPayload())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMandateInvalid, err)
	}
	sig, err := handle.Sign(payload)
	if err != nil {
		return err
	}
	m.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}

// SignCart canonicalizes and signs a cart mandate with the business's
// active key.
func (s *Signer) SignCart(c *CartMandate) error {
	handle, err := s.keys.SigningKey(c.BusinessID)
	if err != nil {
		return err
	}
	c.Algorithm = AlgPS256
	c.KeyID = handle.KeyID()

	payload, err := canonical.JCS(c.signingPayload())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMandateInvalid, err)
	}
	sig, err := handle.Sign(payload)
	if err != nil {
		return err
	}
	c.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}

// VerifyIntent checks the intent's signature against the agent's key set.
// It returns (false, nil) on a signature mismatch and a non-nil error only
// for malformed input or missing keys.
func (s *Signer) VerifyIntent(m *IntentMandate) (bool, error) {
	payload, err := canonical.JCS(m.signingPayload())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMandateInvalid, err)
	}
	return s.verify(m.AgentID, m.KeyID, m.Algorithm, payload, m.Signature)
}

// VerifyCart checks the cart's signature against the business's key set.
func (s *Signer) VerifyCart(c *CartMandate) (bool, error) {
	payload, err := canonical.JCS(c.signingPayload())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMandateInvalid, err)
	}
	return s.verify(c.BusinessID, c.KeyID, c.Algorithm, payload, c.Signature)
}

func (s *Signer) verify(principal, keyID string, alg Algorithm, payload []byte, signature string) (bool, error) {
	if signature == "" {
		return false, fmt.Errorf("%w: missing signature", ErrMandateInvalid)
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("%w: signature encoding: %v", ErrMandateInvalid, err)
	}
	// Keys under the rotation grace period remain acceptable here; key
	// strength is validated at provisioning time, not at verify time.
	vk, err := s.keys.VerificationKey(principal, keyID)
	if err != nil {
		return false, err
	}
	return Verify(payload, sig, vk.PublicKey, alg)
}

// Verify checks a detached signature over payload, dispatching on the
// algorithm tag. It returns false (not an error) on mismatch; errors are
// reserved for malformed input such as an unknown algorithm.
func Verify(payload, sig []byte, pub *rsa.PublicKey, alg Algorithm) (bool, error) {
	digest := sha256.Sum256(payload)
	switch alg {
	case AlgPS256:
		err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
			Hash:       crypto.SHA256,
		})
		return err == nil, nil
	case AlgRS256:
		err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
		return err == nil, nil
	default:
		return false, fmt.Errorf("%w: unknown algorithm %q", ErrMandateInvalid, alg)
	}
}
