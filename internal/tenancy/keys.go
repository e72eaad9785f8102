package tenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/coldsense/backend/internal/store"
)

// API keys are handed out once as cs_<keyID>.<secret>; only the bcrypt hash
// of the secret is persisted.
const keyPrefix = "cs_"

// ErrInvalidKey covers every authentication failure uniformly so callers
// cannot distinguish unknown keys from revoked or expired ones.
var ErrInvalidKey = errors.New("invalid api key")

type keyStore interface {
	Insert(ctx context.Context, q store.Querier, k *store.APIKey) error
	Get(ctx context.Context, q store.Querier, keyID string) (*store.APIKey, error)
	TouchLastUsed(ctx context.Context, q store.Querier, keyID string, at time.Time) error
}

// KeyManager issues and verifies tenant API keys.
type KeyManager struct {
	q      store.Querier
	keys   keyStore
	logger *log.Logger
}

func NewKeyManager(q store.Querier, keys keyStore) *KeyManager {
	return &KeyManager{
		q:      q,
		keys:   keys,
		logger: log.New(log.Writer(), "[APIKEY] ", log.LstdFlags),
	}
}

// Issue creates a key for the tenant and returns the full secret token. The
// token cannot be recovered later.
func (m *KeyManager) Issue(ctx context.Context, tenantID, name string, expiresAt *time.Time) (token string, err error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key secret: %w", err)
	}

	key := &store.APIKey{
		KeyID:     uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := m.keys.Insert(ctx, m.q, key); err != nil {
		return "", err
	}
	m.logger.Printf("Issued api key %s for tenant %s", key.KeyID, tenantID)
	return fmt.Sprintf("%s%s.%s", keyPrefix, key.KeyID, secret), nil
}

// Authenticate resolves a presented token to its tenant. Every failure mode
// returns ErrInvalidKey.
func (m *KeyManager) Authenticate(ctx context.Context, token string) (string, error) {
	keyID, secret, err := splitToken(token)
	if err != nil {
		return "", err
	}
	key, err := m.keys.Get(ctx, m.q, keyID)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", ErrInvalidKey
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return "", ErrInvalidKey
	}
	if err := m.keys.TouchLastUsed(ctx, m.q, key.KeyID, time.Now().UTC()); err != nil {
		m.logger.Printf("last_used update for key %s failed: %v", key.KeyID, err)
	}
	return key.TenantID, nil
}

func splitToken(token string) (keyID, secret string, err error) {
	if !strings.HasPrefix(token, keyPrefix) {
		return "", "", ErrInvalidKey
	}
	parts := strings.SplitN(strings.TrimPrefix(token, keyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}
