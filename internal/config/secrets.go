package config

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	fleetcrypto "github.com/edgefleetops/fleetcore/internal/crypto"
	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/rs/zerolog/log"
)

// SecretStore is the remote backing store for the encrypted secrets
// container and the DEK record, grounded on original_source's boto3-backed
// SecretsManager. The AWS Secrets Manager implementation is the concrete
// binding named in SPEC_FULL.md's DOMAIN STACK table; an in-memory
// implementation backs tests and the case where secrets are disabled.
type SecretStore interface {
	// GetString returns the named secret's raw string value, or
	// (false, nil) if it does not exist.
	GetString(ctx context.Context, name string) (string, bool, error)
	// PutString creates or overwrites the named secret.
	PutString(ctx context.Context, name, value string) error
}

// AWSSecretStore adapts secretsmanager.Client to SecretStore.
type AWSSecretStore struct {
	client *secretsmanager.Client
}

// NewAWSSecretStore builds a SecretStore backed by AWS Secrets Manager using
// the default credential chain scoped to region.
func NewAWSSecretStore(ctx context.Context, region string) (*AWSSecretStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, &errs.SecretStore{Op: "load_aws_config", Cause: err, Recoverable: true}
	}
	return &AWSSecretStore{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func (s *AWSSecretStore) GetString(ctx context.Context, name string) (string, bool, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, &errs.SecretStore{Op: "get_secret_value", Cause: err, Recoverable: true}
	}
	if out.SecretString == nil {
		return "", false, nil
	}
	return *out.SecretString, true, nil
}

func (s *AWSSecretStore) PutString(ctx context.Context, name, value string) error {
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			_, cerr := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
				Name:         aws.String(name),
				SecretString: aws.String(value),
			})
			if cerr != nil {
				return &errs.SecretStore{Op: "create_secret", Cause: cerr, Recoverable: true}
			}
			return nil
		}
		return &errs.SecretStore{Op: "put_secret_value", Cause: err, Recoverable: true}
	}
	return nil
}

// MemorySecretStore is a process-local SecretStore used in tests and when
// secrets are disabled entirely.
type MemorySecretStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemorySecretStore builds an empty in-memory store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{values: make(map[string]string)}
}

func (s *MemorySecretStore) GetString(_ context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok, nil
}

func (s *MemorySecretStore) PutString(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

// dekRecord is the payload stored under SecretsConfig.EncryptionKeyName.
type dekRecord struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// secretsContainer is the payload stored under SecretsConfig.SecretName: a
// single record whose fields are individually field-encrypted with the DEK,
// matching spec.md §4.A ("a single container record keyed by name").
type secretsContainer map[string]string

// SecretsManager owns DEK fetch-or-create, rotation, and field-level
// encrypt/decrypt of individual named secrets, ported from
// original_source/core/config.py's SecretsManager.
type SecretsManager struct {
	store  SecretStore
	cfg    SecretsConfig
	mu     sync.Mutex
	cache  map[string]string
	dek    []byte
	dekAt  time.Time
	lastRotationCheck time.Time
	now    func() time.Time
}

// NewSecretsManager builds a manager backed by store.
func NewSecretsManager(store SecretStore, cfg SecretsConfig) *SecretsManager {
	return &SecretsManager{
		store: store,
		cfg:   cfg,
		cache: make(map[string]string),
		now:   time.Now,
	}
}

// getOrCreateDEK fetches the current DEK, generating and storing a fresh
// one on first access.
func (m *SecretsManager) getOrCreateDEK(ctx context.Context) ([]byte, error) {
	if m.dek != nil {
		return m.dek, nil
	}
	raw, found, err := m.store.GetString(ctx, m.cfg.EncryptionKeyName)
	if err != nil {
		return nil, err
	}
	if found {
		var rec dekRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("config: decode dek record: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(rec.Key)
		if err != nil {
			return nil, fmt.Errorf("config: decode dek key: %w", err)
		}
		m.dek = key
		m.dekAt = rec.CreatedAt
		return m.dek, nil
	}

	key, err := fleetcrypto.GenerateRootKey()
	if err != nil {
		return nil, err
	}
	now := m.now()
	if err := m.storeDEK(ctx, key, now); err != nil {
		return nil, err
	}
	m.dek = key
	m.dekAt = now
	return m.dek, nil
}

func (m *SecretsManager) storeDEK(ctx context.Context, key []byte, at time.Time) error {
	rec := dekRecord{Key: base64.StdEncoding.EncodeToString(key), CreatedAt: at}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("config: encode dek record: %w", err)
	}
	if err := m.store.PutString(ctx, m.cfg.EncryptionKeyName, string(raw)); err != nil {
		return err
	}
	return nil
}

func (m *SecretsManager) loadContainer(ctx context.Context) (secretsContainer, error) {
	raw, found, err := m.store.GetString(ctx, m.cfg.SecretName)
	if err != nil {
		return nil, err
	}
	if !found {
		return secretsContainer{}, nil
	}
	var c secretsContainer
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("config: decode secrets container: %w", err)
	}
	return c, nil
}

func (m *SecretsManager) saveContainer(ctx context.Context, c secretsContainer) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode secrets container: %w", err)
	}
	return m.store.PutString(ctx, m.cfg.SecretName, string(raw))
}

// GetSecret returns the decrypted value of a named secret, consulting the
// process-wide memory cache first.
func (m *SecretsManager) GetSecret(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.cache[name]; ok {
		return v, true, nil
	}

	dek, err := m.getOrCreateDEK(ctx)
	if err != nil {
		return "", false, err
	}
	mgr, err := fleetcrypto.NewManager(dek)
	if err != nil {
		return "", false, err
	}
	container, err := m.loadContainer(ctx)
	if err != nil {
		return "", false, err
	}
	ciphertext, ok := container[name]
	if !ok {
		return "", false, nil
	}
	plaintext, err := mgr.DecryptString(ciphertext)
	if err != nil {
		return "", false, fmt.Errorf("config: decrypt secret %q: %w", name, err)
	}
	m.cache[name] = plaintext
	return plaintext, true, nil
}

// SetSecret field-encrypts value under the DEK and stores it back into the
// container record.
func (m *SecretsManager) SetSecret(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dek, err := m.getOrCreateDEK(ctx)
	if err != nil {
		return err
	}
	mgr, err := fleetcrypto.NewManager(dek)
	if err != nil {
		return err
	}
	container, err := m.loadContainer(ctx)
	if err != nil {
		return err
	}
	ciphertext, err := mgr.EncryptString(value)
	if err != nil {
		return err
	}
	container[name] = ciphertext
	if err := m.saveContainer(ctx, container); err != nil {
		return err
	}
	m.cache[name] = value
	return nil
}

// CheckRotationNeeded reports whether the DEK is older than
// AutoRotationDays, throttled to at most once per RotationCheckEvery
// (default hourly), matching spec.md §4.A.
func (m *SecretsManager) CheckRotationNeeded(ctx context.Context) (bool, error) {
	m.mu.Lock()
	since := m.now().Sub(m.lastRotationCheck)
	interval := m.cfg.RotationCheckEvery.D()
	if interval <= 0 {
		interval = time.Hour
	}
	if since < interval {
		m.mu.Unlock()
		return false, nil
	}
	m.lastRotationCheck = m.now()
	m.mu.Unlock()

	if _, err := m.getOrCreateDEK(ctx); err != nil {
		return false, err
	}
	age := m.now().Sub(m.dekAt)
	return age >= time.Duration(m.cfg.AutoRotationDays)*24*time.Hour, nil
}

// RotateEncryptionKey performs the two-phase rotation protocol from
// spec.md §4.A / §9: decrypt every secret under the old DEK, generate a new
// DEK, re-encrypt and store every secret under the new DEK, write the new
// DEK record, and only then discard the old DEK and clear the memory cache.
func (m *SecretsManager) RotateEncryptionKey(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldDEK, err := m.getOrCreateDEK(ctx)
	if err != nil {
		return err
	}
	oldMgr, err := fleetcrypto.NewManager(oldDEK)
	if err != nil {
		return err
	}
	container, err := m.loadContainer(ctx)
	if err != nil {
		return err
	}

	plaintexts := make(map[string]string, len(container))
	for name, ciphertext := range container {
		pt, err := oldMgr.DecryptString(ciphertext)
		if err != nil {
			return fmt.Errorf("config: rotation decrypt %q: %w", name, err)
		}
		plaintexts[name] = pt
	}

	newDEK, err := fleetcrypto.GenerateRootKey()
	if err != nil {
		return err
	}
	newMgr, err := fleetcrypto.NewManager(newDEK)
	if err != nil {
		return err
	}

	newContainer := make(secretsContainer, len(plaintexts))
	for name, pt := range plaintexts {
		ct, err := newMgr.EncryptString(pt)
		if err != nil {
			return fmt.Errorf("config: rotation encrypt %q: %w", name, err)
		}
		newContainer[name] = ct
	}
	if err := m.saveContainer(ctx, newContainer); err != nil {
		return err
	}

	now := m.now()
	if err := m.storeDEK(ctx, newDEK, now); err != nil {
		return fmt.Errorf("config: rotation store new dek: %w", err)
	}

	// Only now, after the new DEK and re-encrypted secrets are durably
	// stored, discard the old DEK and cache.
	m.dek = newDEK
	m.dekAt = now
	m.cache = make(map[string]string, len(plaintexts))
	for name, pt := range plaintexts {
		m.cache[name] = pt
	}

	log.Info().Str("secret_name", m.cfg.SecretName).Int("count", len(plaintexts)).Msg("encryption key rotated")
	return nil
}
