// Package keys provides per-principal RSA signing key management with
// versioned rotation.
//
// Rotation keeps retired keys available for verification during a grace
// period at least as long as the maximum mandate TTL, so mandates signed
// shortly before a rotation still verify until they expire.
//
// Private key material never leaves the manager: SigningKey returns an
// opaque handle that performs RSA-PSS signing inside the boundary.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrKeyNotFound indicates no usable key exists for a principal. This is
// a fatal configuration error for the calling operation.
var ErrKeyNotFound = errors.New("keys: no active key for principal")

// MinKeyBits is the smallest RSA modulus the manager will generate.
// 4096 is recommended for production signing keys.
const MinKeyBits = 2048

// VerificationKey is a public key plus rotation metadata.
type VerificationKey struct {
	KeyID     string
	Principal string
	PublicKey *rsa.PublicKey
	CreatedAt time.Time
	RetiredAt time.Time // zero while the key is active
}

// Retired reports whether the key has been rotated out.
func (vk VerificationKey) Retired() bool {
	return !vk.RetiredAt.IsZero()
}

type keyRecord struct {
	keyID     string
	priv      *rsa.PrivateKey
	createdAt time.Time
	retiredAt time.Time
}

// Manager holds signing key pairs for a set of principals.
type Manager struct {
	mu       sync.RWMutex
	keys     map[string][]*keyRecord // principal -> versions, newest last
	keyBits  int
	grace    time.Duration
	now      func() time.Time
	keystore *fileKeystore // nil for purely in-memory managers
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyBits sets the RSA modulus size for newly generated keys.
func WithKeyBits(bits int) Option {
	return func(m *Manager) { m.keyBits = bits }
}

// WithGracePeriod sets how long retired keys remain valid for verification.
// It must cover the maximum mandate TTL plus clock-skew tolerance.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an in-memory key manager.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		keys:    make(map[string][]*keyRecord),
		keyBits: MinKeyBits,
		grace:   24 * time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.keyBits < MinKeyBits {
		return nil, fmt.Errorf("keys: key size %d below minimum %d", m.keyBits, MinKeyBits)
	}
	return m, nil
}

// GenerateKey creates and activates a key pair for a principal that has none.
func (m *Manager) GenerateKey(principalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec := m.activeLocked(principalID); rec != nil {
		return "", fmt.Errorf("keys: principal %s already has an active key, use Rotate", principalID)
	}
	rec, err := m.generateLocked(principalID)
	if err != nil {
		return "", err
	}
	return rec.keyID, m.persistLocked()
}

// Rotate retires the current active key and generates a replacement.
// The retired key remains usable for verification for the grace period.
func (m *Manager) Rotate(principalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeLocked(principalID)
	if active == nil {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, principalID)
	}
	active.retiredAt = m.now().UTC()

	rec, err := m.generateLocked(principalID)
	if err != nil {
		return "", err
	}
	return rec.keyID, m.persistLocked()
}

// SigningKey returns a signing handle for the principal's active key.
func (m *Manager) SigningKey(principalID string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec := m.activeLocked(principalID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, principalID)
	}
	return &Handle{mgr: m, principal: principalID, keyID: rec.keyID}, nil
}

// VerificationKey returns the public key for a specific key ID, provided
// the key is active or still inside the rotation grace period.
func (m *Manager) VerificationKey(principalID, keyID string) (VerificationKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.keys[principalID] {
		if rec.keyID != keyID {
			continue
		}
		if !rec.retiredAt.IsZero() && m.now().UTC().After(rec.retiredAt.Add(m.grace)) {
			return VerificationKey{}, fmt.Errorf("%w: key %s retired past grace period", ErrKeyNotFound, keyID)
		}
		return VerificationKey{
			KeyID:     rec.keyID,
			Principal: principalID,
			PublicKey: &rec.priv.PublicKey,
			CreatedAt: rec.createdAt,
			RetiredAt: rec.retiredAt,
		}, nil
	}
	return VerificationKey{}, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, principalID, keyID)
}

// VerificationKeys returns all currently verifiable keys for a principal.
func (m *Manager) VerificationKeys(principalID string) ([]VerificationKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now().UTC()
	var out []VerificationKey
	for _, rec := range m.keys[principalID] {
		if !rec.retiredAt.IsZero() && now.After(rec.retiredAt.Add(m.grace)) {
			continue
		}
		out = append(out, VerificationKey{
			KeyID:     rec.keyID,
			Principal: principalID,
			PublicKey: &rec.priv.PublicKey,
			CreatedAt: rec.createdAt,
			RetiredAt: rec.retiredAt,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, principalID)
	}
	return out, nil
}

func (m *Manager) activeLocked(principalID string) *keyRecord {
	recs := m.keys[principalID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].retiredAt.IsZero() {
			return recs[i]
		}
	}
	return nil
}

func (m *Manager) generateLocked(principalID string) (*keyRecord, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	rec := &keyRecord{
		keyID:     uuid.NewString(),
		priv:      priv,
		createdAt: m.now().UTC(),
	}
	m.keys[principalID] = append(m.keys[principalID], rec)
	return rec, nil
}

func (m *Manager) persistLocked() error {
	if m.keystore == nil {
		return nil
	}
	return m.keystore.save(m.keys)
}

// Handle is an opaque signing capability bound to one key version.
// It never exposes the private key.
type Handle struct {
	mgr       *Manager
	principal string
	keyID     string
}

// KeyID returns the key version this handle signs with.
func (h *Handle) KeyID() string { return h.keyID }

// Principal returns the owning principal.
func (h *Handle) Principal() string { return h.principal }

// Sign signs message with RSA-PSS over SHA-256, MGF1(SHA-256), maximum
// salt length. Signing happens inside the manager boundary; a handle
// whose key has been retired mid-flight fails with ErrKeyNotFound.
func (h *Handle) Sign(message []byte) ([]byte, error) {
	h.mgr.mu.RLock()
	var priv *rsa.PrivateKey
	for _, rec := range h.mgr.keys[h.principal] {
		if rec.keyID == h.keyID && rec.retiredAt.IsZero() {
			priv = rec.priv
			break
		}
	}
	h.mgr.mu.RUnlock()

	if priv == nil {
		return nil, fmt.Errorf("%w: handle %s/%s no longer active", ErrKeyNotFound, h.principal, h.keyID)
	}

	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto, // maximum salt when signing
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("keys: sign: %w", err)
	}
	return sig, nil
}
