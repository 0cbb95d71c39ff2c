package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/edgefleetops/fleetcore/internal/models"
)

// signingKeyFile is the name of the persisted HMAC key file, matching
// the teacher's .audit-signing.key convention (signer_test.go).
const signingKeyFile = ".audit-signing.key"

// CryptoEncryptor is the minimal at-rest protection contract a Signer
// needs to persist its key, satisfied structurally by crypto.Manager.
type CryptoEncryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// Signer computes and verifies HMAC-SHA256 signatures over audit log rows.
// Its key is a random 32 bytes generated on first use and persisted,
// encrypted at rest via the supplied CryptoEncryptor, under
// <dataDir>/.audit-signing.key. A nil CryptoEncryptor disables signing
// entirely: Sign returns "" and Verify treats every row as valid.
type Signer struct {
	mu  sync.Mutex
	key []byte
}

// NewSigner loads the signing key from dataDir, creating one on first run.
func NewSigner(dataDir string, enc CryptoEncryptor) (*Signer, error) {
	if enc == nil {
		return &Signer{}, nil
	}

	path := filepath.Join(dataDir, signingKeyFile)
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("audit: generate signing key: %w", err)
		}
		blob, err := enc.Encrypt(key)
		if err != nil {
			return nil, fmt.Errorf("audit: encrypt signing key: %w", err)
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("audit: create data dir: %w", err)
		}
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			return nil, fmt.Errorf("audit: persist signing key: %w", err)
		}
		return &Signer{key: key}, nil
	case err != nil:
		return nil, fmt.Errorf("audit: read signing key: %w", err)
	default:
		key, err := enc.Decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("audit: decrypt signing key: %w", err)
		}
		return &Signer{key: key}, nil
	}
}

// SigningEnabled reports whether a key was loaded or generated.
func (s *Signer) SigningEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.key) > 0
}

// Sign returns the hex-encoded HMAC-SHA256 over entry's canonical form, or
// "" when signing is disabled.
func (s *Signer) Sign(entry *models.AuditLog) string {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if len(key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalForm(entry))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether entry.Signature matches what Sign would produce
// for it right now. Every row verifies when signing is disabled.
func (s *Signer) Verify(entry *models.AuditLog) bool {
	if !s.SigningEnabled() {
		return true
	}
	want := s.Sign(entry)
	return hmac.Equal([]byte(want), []byte(entry.Signature))
}

// ExportKey returns the base64-encoded signing key for operator backup, or
// "" when signing is disabled.
func (s *Signer) ExportKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.key) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.key)
}

// canonicalForm builds a deterministic byte sequence from the entry's id,
// action, resource type, resource id, actor, occurred_at (UTC, RFC 3339
// with nanoseconds), success flag and description, so a signature varies
// with any of them -- including success, matching signer_test.go's
// expectation that flipping Success alone changes the signature. Other
// fields (details, old/new values, changed fields, error code/message,
// session and request metadata) are not covered by the signature.
func canonicalForm(e *models.AuditLog) []byte {
	actor := ""
	if e.ActorUserID != nil {
		actor = *e.ActorUserID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%s|%t|%s\n",
		e.ID, e.Action, e.ResourceType, e.ResourceID, actor,
		e.OccurredAt.UTC().Format(time.RFC3339Nano), e.Success, e.Description)
	return []byte(b.String())
}
