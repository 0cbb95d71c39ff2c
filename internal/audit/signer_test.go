package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgefleetops/fleetcore/internal/models"
)

type mockCryptoManager struct {
	failEncrypt bool
	failDecrypt bool
}

func newMockCryptoManager() *mockCryptoManager { return &mockCryptoManager{} }

func (m *mockCryptoManager) Encrypt(b []byte) ([]byte, error) {
	if m.failEncrypt {
		return nil, errors.New("encrypt failed")
	}
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ 0x5A
	}
	return out, nil
}

func (m *mockCryptoManager) Decrypt(b []byte) ([]byte, error) {
	if m.failDecrypt {
		return nil, errors.New("decrypt failed")
	}
	return m.Encrypt(b) // XOR is its own inverse
}

func sampleEntry() *models.AuditLog {
	e := &models.AuditLog{
		Action:       models.ActionUpdate,
		ResourceType: "device",
		ResourceID:   "dev-1",
		Success:      true,
		Description:  "updated firmware",
	}
	e.ID = "entry-1"
	return e
}

func TestSignerDisabledWithoutCrypto(t *testing.T) {
	s, err := NewSigner(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s.SigningEnabled() {
		t.Fatalf("expected signing disabled")
	}
	if sig := s.Sign(sampleEntry()); sig != "" {
		t.Fatalf("expected empty signature, got %q", sig)
	}
	if !s.Verify(sampleEntry()) {
		t.Fatalf("expected unsigned entry to verify when signing disabled")
	}
	if s.ExportKey() != "" {
		t.Fatalf("expected empty exported key")
	}
}

func TestSignerGeneratesAndPersistsKey(t *testing.T) {
	dir := t.TempDir()
	crypto := newMockCryptoManager()

	s1, err := NewSigner(dir, crypto)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if !s1.SigningEnabled() {
		t.Fatalf("expected signing enabled")
	}

	if _, err := os.Stat(filepath.Join(dir, signingKeyFile)); err != nil {
		t.Fatalf("expected key file to exist: %v", err)
	}

	entry := sampleEntry()
	sig := s1.Sign(entry)
	if len(sig) != 64 {
		t.Fatalf("expected 64-hex-char signature, got %d chars", len(sig))
	}
	entry.Signature = sig
	if !s1.Verify(entry) {
		t.Fatalf("expected entry to verify against its own signature")
	}

	// Reopening against the same dir must load the same key.
	s2, err := NewSigner(dir, crypto)
	if err != nil {
		t.Fatalf("reopen NewSigner: %v", err)
	}
	if s1.ExportKey() != s2.ExportKey() {
		t.Fatalf("expected persisted key to survive reopen")
	}
	if !s2.Verify(entry) {
		t.Fatalf("expected second signer to verify entry signed by the first")
	}
}

func TestSignerSignatureVariesWithFields(t *testing.T) {
	s, err := NewSigner(t.TempDir(), newMockCryptoManager())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	base := sampleEntry()
	baseSig := s.Sign(base)

	tampered := sampleEntry()
	tampered.Success = !tampered.Success
	if sig := s.Sign(tampered); sig == baseSig {
		t.Fatalf("expected signature to change when Success flips")
	}

	tampered2 := sampleEntry()
	tampered2.ResourceID = "dev-2"
	if sig := s.Sign(tampered2); sig == baseSig {
		t.Fatalf("expected signature to change when ResourceID changes")
	}
}

func TestSignerVerifyRejectsTampering(t *testing.T) {
	s, err := NewSigner(t.TempDir(), newMockCryptoManager())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	entry := sampleEntry()
	entry.Signature = s.Sign(entry)

	tampered := *entry
	tampered.Description = "something else"
	if s.Verify(&tampered) {
		t.Fatalf("expected tampered entry to fail verification")
	}

	noSig := sampleEntry()
	if s.Verify(noSig) {
		t.Fatalf("expected entry with empty signature to fail verification when signing enabled")
	}
}

func TestSignerEncryptFailurePropagates(t *testing.T) {
	crypto := &mockCryptoManager{failEncrypt: true}
	if _, err := NewSigner(t.TempDir(), crypto); err == nil {
		t.Fatalf("expected error when key encryption fails")
	}
}
