// Package vault seals and opens provider secrets with AES-256-GCM. The
// keyring maps key references to 32-byte keys so records sealed under an
// old key stay readable after a rotation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/costplane/costplane/internal/config"
)

var (
	ErrNoKeys        = errors.New("vault_no_keys")
	ErrUnknownKeyRef = errors.New("vault_unknown_key_ref")
	ErrDecryptFailed = errors.New("vault_decrypt_failed")
)

type Cipher struct {
	keys map[string]cipher.AEAD
	// activeRef is the key new secrets are sealed under. Rotation works
	// by adding a lexicographically later ref (v1, v2, ...).
	activeRef string
}

func New(rawKeys map[string]string) (*Cipher, error) {
	if len(rawKeys) == 0 {
		return nil, ErrNoKeys
	}

	keys := make(map[string]cipher.AEAD, len(rawKeys))
	refs := make([]string, 0, len(rawKeys))
	for ref, encoded := range rawKeys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("vault key %q: %w", ref, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("vault key %q: want 32 bytes, got %d", ref, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("vault key %q: %w", ref, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("vault key %q: %w", ref, err)
		}
		keys[ref] = aead
		refs = append(refs, ref)
	}

	sort.Strings(refs)
	return &Cipher{keys: keys, activeRef: refs[len(refs)-1]}, nil
}

func NewFromConfig(cfg config.Config) (*Cipher, error) {
	return New(cfg.VaultKeys)
}

// Seal encrypts plaintext under the active key. The nonce is prepended to
// the returned ciphertext.
func (c *Cipher) Seal(plaintext []byte) (ciphertext []byte, keyRef string, err error) {
	aead := c.keys[c.activeRef]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), c.activeRef, nil
}

// Open decrypts ciphertext sealed under keyRef.
func (c *Cipher) Open(keyRef string, ciphertext []byte) ([]byte, error) {
	aead, ok := c.keys[keyRef]
	if !ok {
		return nil, ErrUnknownKeyRef
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ActiveRef returns the key reference new secrets are sealed under.
func (c *Cipher) ActiveRef() string { return c.activeRef }
