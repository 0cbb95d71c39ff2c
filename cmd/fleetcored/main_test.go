package main

import (
	"encoding/base64"
	"os"
	"testing"
)

func TestLoadOrGenerateAuditKeyGeneratesWhenUnset(t *testing.T) {
	t.Setenv("FLEETCORE_MASTER_KEY", "")
	os.Unsetenv("FLEETCORE_MASTER_KEY")

	key, err := loadOrGenerateAuditKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
}

func TestLoadOrGenerateAuditKeyDecodesValidEnv(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	t.Setenv("FLEETCORE_MASTER_KEY", base64.StdEncoding.EncodeToString(raw))

	key, err := loadOrGenerateAuditKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}
	for i, b := range key {
		if b != raw[i] {
			t.Fatalf("key byte %d = %d, want %d", i, b, raw[i])
		}
	}
}

func TestLoadOrGenerateAuditKeyRejectsInvalidBase64(t *testing.T) {
	t.Setenv("FLEETCORE_MASTER_KEY", "not-valid-base64!!")

	if _, err := loadOrGenerateAuditKey(); err == nil {
		t.Fatal("expected an error for invalid base64")
	}
}

func TestLoadOrGenerateAuditKeyRejectsWrongLength(t *testing.T) {
	t.Setenv("FLEETCORE_MASTER_KEY", base64.StdEncoding.EncodeToString([]byte("too-short")))

	if _, err := loadOrGenerateAuditKey(); err == nil {
		t.Fatal("expected an error for a key that doesn't decode to 32 bytes")
	}
}
