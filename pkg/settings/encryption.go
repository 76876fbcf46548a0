package settings

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tousync/tousync/pkg/types"
)

// ErrNoEncryptionKey is returned when credentials are present but no key is
// configured.
var ErrNoEncryptionKey = errors.New("no credentials encryption key configured")

func (m *Manager) gcm() (cipher.AEAD, error) {
	if m.encryptionKey == "" {
		return nil, ErrNoEncryptionKey
	}
	block, err := aes.NewCipher([]byte(m.encryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptCredentials seals creds with AES-GCM, nonce prepended.
func (m *Manager) EncryptCredentials(creds types.Credentials) ([]byte, error) {
	gcm, err := m.gcm()
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptCredentials opens a sealed credentials blob. An empty blob is not
// an error.
func (m *Manager) DecryptCredentials(encrypted []byte) (types.Credentials, error) {
	if len(encrypted) == 0 {
		return types.Credentials{}, nil
	}
	gcm, err := m.gcm()
	if err != nil {
		return types.Credentials{}, err
	}
	if len(encrypted) < gcm.NonceSize() {
		return types.Credentials{}, errors.New("malformed encrypted credentials")
	}
	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}

// Credentials decrypts the credentials embedded in the current settings.
func (m *Manager) Credentials() (types.Credentials, error) {
	return m.DecryptCredentials(m.Get().EncryptedCredentials)
}
