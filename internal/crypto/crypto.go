// Package crypto provides the AES-GCM envelope used to field-encrypt
// secrets and derive purpose-scoped keys, grounded on the teacher's own
// internal/crypto.CryptoManager (crypto_test.go): DeriveKey is deterministic
// and purpose-scoped, Encrypt/Decrypt operate on raw bytes via AES-GCM, and
// EncryptString/DecryptString produce base64 ASCII-safe strings suitable for
// storing alongside other text config. There is no Fernet-equivalent
// third-party AEAD wrapper anywhere in the retrieval pack, so this package
// repeats the teacher's own choice of stdlib crypto/aes + crypto/cipher
// rather than avoiding the standard library (see DESIGN.md).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// test seams, overridable the way the teacher's own package vars
// (defaultDataDirFn, randReader, newGCM) are in crypto_test.go.
var (
	randReader io.Reader = rand.Reader
	newGCM               = func(block cipher.Block) (cipher.AEAD, error) { return cipher.NewGCM(block) }
)

const pbkdf2Iterations = 120_000

// Manager derives purpose-scoped keys from a single root key and performs
// AES-256-GCM encrypt/decrypt with them.
type Manager struct {
	root []byte
}

// NewManager builds a Manager around an existing root key. The root key
// must be 32 bytes (AES-256); shorter/longer keys are rejected rather than
// silently truncated or padded.
func NewManager(root []byte) (*Manager, error) {
	if len(root) != 32 {
		return nil, fmt.Errorf("crypto: root key must be 32 bytes, got %d", len(root))
	}
	cp := make([]byte, len(root))
	copy(cp, root)
	return &Manager{root: cp}, nil
}

// GenerateRootKey returns a fresh random 32-byte root key, suitable for use
// as a DEK.
func GenerateRootKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate root key: %w", err)
	}
	return key, nil
}

// DeriveKey deterministically derives a length-byte key scoped to purpose,
// using PBKDF2-HMAC-SHA256 over the root key with the SHA-256 digest of
// the purpose string as salt. Calling DeriveKey twice with the same purpose and length always
// yields the same bytes.
func (m *Manager) DeriveKey(purpose string, length int) ([]byte, error) {
	if length <= 0 {
		return nil, errors.New("crypto: derived key length must be positive")
	}
	salt := sha256.Sum256([]byte(purpose))
	return pbkdf2.Key(m.root, salt[:], pbkdf2Iterations, length, sha256.New), nil
}

// Encrypt seals plaintext with AES-256-GCM under the manager's root key,
// returning nonce||ciphertext.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.root)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func (m *Manager) Decrypt(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.root)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	out, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return out, nil
}

// EncryptString is Encrypt for text secrets, base64-encoding the result so
// it is safe to store in YAML/JSON/env-var text.
func (m *Manager) EncryptString(plaintext string) (string, error) {
	blob, err := m.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString is Decrypt for text secrets produced by EncryptString.
func (m *Manager) DecryptString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}
	out, err := m.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
