// Package keystore hands out short-lived decrypted per-venue
// credentials backed by HashiCorp Vault: a disabled-vault-falls-back-
// to-memory posture, with a path-per-(user, venue) secret layout.
// Callers never cache what this package returns — they use it for one
// call and the domain.APIKeyCredential.Zero() method wipes it
// promptly — and every decryption is recorded through the audit log
// with the issuing user and purpose.
package keystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"crossspread-arb-engine/internal/apperr"
	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/repository"
)

// Config configures the Vault-backed keystore. A zero-value Enabled
// restricts the store to its in-memory fallback, suitable for
// development/testing.
type Config struct {
	Enabled   bool
	Address   string
	Token     string
	MountPath string // e.g. "secret"
	BasePath  string // e.g. "arb-engine/credentials"
}

type secretData struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
}

// Keystore decrypts per-(user, venue) API credentials on demand.
type Keystore struct {
	cfg    Config
	client *api.Client
	audit  repository.AuditLog

	mu    sync.RWMutex
	cache map[string]secretData // only populated when cfg.Enabled is false
}

// New constructs a Keystore. audit may be nil, in which case
// decryptions are not recorded (used in tests).
func New(cfg Config, audit repository.AuditLog) (*Keystore, error) {
	k := &Keystore{cfg: cfg, audit: audit, cache: make(map[string]secretData)}
	if !cfg.Enabled {
		return k, nil
	}
	vc := api.DefaultConfig()
	vc.Address = cfg.Address
	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("keystore: create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	k.client = client
	return k, nil
}

func (k *Keystore) path(userID, venue string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", k.cfg.MountPath, k.cfg.BasePath, userID, venue)
}

func (k *Keystore) cacheKey(userID, venue string) string { return userID + "|" + venue }

// Get decrypts the (userID, venue) credential for purpose, recording
// the access in the audit log. The caller must call Zero on the
// result once done with it.
func (k *Keystore) Get(ctx context.Context, userID, venue, purpose string) (domain.APIKeyCredential, error) {
	data, err := k.fetch(ctx, userID, venue)
	if err != nil {
		return domain.APIKeyCredential{}, err
	}
	k.recordAccess(ctx, userID, venue, purpose)

	cred := domain.APIKeyCredential{
		UserID:     userID,
		Venue:      venue,
		APIKey:     []byte(data.APIKey),
		APISecret:  []byte(data.APISecret),
		Passphrase: []byte(data.Passphrase),
	}
	return cred, nil
}

func (k *Keystore) fetch(ctx context.Context, userID, venue string) (secretData, error) {
	if !k.cfg.Enabled {
		k.mu.RLock()
		data, ok := k.cache[k.cacheKey(userID, venue)]
		k.mu.RUnlock()
		if !ok {
			return secretData{}, apperr.NewCredentialMissing(venue)
		}
		return data, nil
	}

	secret, err := k.client.Logical().ReadWithContext(ctx, k.path(userID, venue))
	if err != nil {
		return secretData{}, apperr.NewCredentialInvalid(venue, fmt.Errorf("keystore: vault read: %w", err))
	}
	if secret == nil || secret.Data == nil {
		return secretData{}, apperr.NewCredentialMissing(venue)
	}
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return secretData{}, apperr.NewCredentialInvalid(venue, fmt.Errorf("keystore: malformed secret for %s/%s", userID, venue))
	}
	return secretData{
		APIKey:     stringField(inner, "api_key"),
		APISecret:  stringField(inner, "api_secret"),
		Passphrase: stringField(inner, "passphrase"),
	}, nil
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// Store writes a credential, for onboarding flows; disabled-vault
// mode stores in the in-memory cache only (development/testing).
func (k *Keystore) Store(ctx context.Context, userID, venue string, cred domain.APIKeyCredential) error {
	data := secretData{
		APIKey:     string(cred.APIKey),
		APISecret:  string(cred.APISecret),
		Passphrase: string(cred.Passphrase),
	}
	if !k.cfg.Enabled {
		k.mu.Lock()
		k.cache[k.cacheKey(userID, venue)] = data
		k.mu.Unlock()
		return nil
	}
	_, err := k.client.Logical().WriteWithContext(ctx, k.path(userID, venue), map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    data.APIKey,
			"api_secret": data.APISecret,
			"passphrase": data.Passphrase,
		},
	})
	if err != nil {
		return fmt.Errorf("keystore: vault write: %w", err)
	}
	return nil
}

func (k *Keystore) recordAccess(ctx context.Context, userID, venue, purpose string) {
	if k.audit == nil {
		return
	}
	_ = k.audit.Record(ctx, domain.AuditEvent{
		UserID:  userID,
		Action:  "credential_decrypt",
		Purpose: purpose,
		Venue:   venue,
		At:      time.Now(),
	})
}
