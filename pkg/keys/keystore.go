package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// keystoreFile is the on-disk JSON format for persisted keys.
type keystoreFile struct {
	Principals map[string][]storedKey `json:"principals"`
}

type storedKey struct {
	KeyID     string    `json:"key_id"`
	PKCS8     string    `json:"pkcs8"` // base64 DER, file is 0600
	CreatedAt time.Time `json:"created_at"`
	RetiredAt time.Time `json:"retired_at,omitzero"`
}

type fileKeystore struct {
	path string
}

// NewFileManager loads or creates a file-backed key manager at the given
// path. Keys generated or rotated through the manager are persisted
// atomically; existing key material is loaded on startup.
func NewFileManager(keystorePath string, opts ...Option) (*Manager, error) {
	m, err := NewManager(opts...)
	if err != nil {
		return nil, err
	}
	m.keystore = &fileKeystore{path: keystorePath}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("keys: create keystore dir: %w", err)
		}
		return m, m.keystore.save(m.keys)
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("keys: read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("keys: parse keystore: %w", err)
	}

	for principal, stored := range file.Principals {
		for _, sk := range stored {
			der, err := base64.StdEncoding.DecodeString(sk.PKCS8)
			if err != nil {
				return nil, fmt.Errorf("keys: decode key %s: %w", sk.KeyID, err)
			}
			parsed, err := x509.ParsePKCS8PrivateKey(der)
			if err != nil {
				return nil, fmt.Errorf("keys: parse key %s: %w", sk.KeyID, err)
			}
			priv, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("keys: key %s is not RSA", sk.KeyID)
			}
			m.keys[principal] = append(m.keys[principal], &keyRecord{
				keyID:     sk.KeyID,
				priv:      priv,
				createdAt: sk.CreatedAt,
				retiredAt: sk.RetiredAt,
			})
		}
	}
	return m, nil
}

func (ks *fileKeystore) save(keys map[string][]*keyRecord) error {
	file := keystoreFile{Principals: make(map[string][]storedKey, len(keys))}
	for principal, recs := range keys {
		for _, rec := range recs {
			der, err := x509.MarshalPKCS8PrivateKey(rec.priv)
			if err != nil {
				return fmt.Errorf("keys: marshal key %s: %w", rec.keyID, err)
			}
			file.Principals[principal] = append(file.Principals[principal], storedKey{
				KeyID:     rec.keyID,
				PKCS8:     base64.StdEncoding.EncodeToString(der),
				CreatedAt: rec.createdAt,
				RetiredAt: rec.retiredAt,
			})
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal keystore: %w", err)
	}

	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("keys: write keystore: %w", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return fmt.Errorf("keys: replace keystore: %w", err)
	}
	return nil
}
