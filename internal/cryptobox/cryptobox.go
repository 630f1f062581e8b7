// Package cryptobox encrypts IntegrationKey plaintext at rest. Spec §9
// treats the encrypted-at-rest secrets mechanism as an external crypto
// collaborator; the core still needs a concrete primitive to turn plaintext
// into the (ciphertext, key_hash) pair it persists (§3, §6). The AEAD itself
// is crypto/aes's GCM mode — no library in the retrieval pack wraps
// symmetric at-rest encryption any better than the standard library does —
// but the sealing key is derived from the boot secret with
// golang.org/x/crypto/hkdf rather than a bare digest (see DESIGN.md).
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sealingKeyInfo domain-separates the at-rest AES key derived from
// masterSecret from any other secret derived from the same material.
const sealingKeyInfo = "tracktags-integration-key-sealing-v1"

// Box seals and opens IntegrationKey plaintext with a process-wide key
// material supplied at boot (§9: "holds the decryption material out-of-
// process or in memory at boot").
type Box struct {
	gcm cipher.AEAD
}

// New derives a 256-bit AES key from masterSecret via HKDF-SHA256 and builds
// the AEAD. masterSecret is the process's admin secret / dedicated
// encryption key loaded from the environment at boot; HKDF (rather than a
// bare SHA-256 digest) keeps the sealing key cryptographically separated
// from any other value derived from the same secret.
func New(masterSecret string) (*Box, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(sealingKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM mode: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning a nonce-prefixed ciphertext.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return b.gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open reverses Seal.
func (b *Box) Open(ciphertext []byte) (string, error) {
	nonceSize := b.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("cryptobox: ciphertext too short")
	}
	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}

// HashKey produces the authoritative AuthCache/row-store lookup hash for a
// plaintext API key (§3, §6: "indexed by key_hash (raw byte-hash; clients
// must percent-encode transport)"). This is a deterministic SHA-256 digest,
// not the encryption key above — constant-time comparison isn't needed since
// it is used as a map/index key, not compared against attacker input
// directly (the key itself is looked up, not diffed byte-by-byte).
func HashKey(plaintextKey string) string {
	sum := sha256.Sum256([]byte(plaintextKey))
	return hex.EncodeToString(sum[:])
}
