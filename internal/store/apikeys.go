package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// APIKeyStore reads and writes tenant API keys. Secrets never touch the
// database; only the bcrypt hash is stored.
type APIKeyStore struct{}

func NewAPIKeyStore() *APIKeyStore { return &APIKeyStore{} }

// Insert stores a new key record.
func (ks *APIKeyStore) Insert(ctx context.Context, q Querier, k *APIKey) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, name, key_hash, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		k.KeyID, k.TenantID, k.Name, k.KeyHash, k.IsActive, k.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// Get loads an active key for verification. Expired or revoked keys return
// (nil, nil).
func (ks *APIKeyStore) Get(ctx context.Context, q Querier, keyID string) (*APIKey, error) {
	row := q.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, name, key_hash, is_active, expires_at, last_used_at
		FROM api_keys
		WHERE key_id = $1 AND is_active
		  AND (expires_at IS NULL OR expires_at > now())`,
		keyID)
	var k APIKey
	err := row.Scan(&k.KeyID, &k.TenantID, &k.Name, &k.KeyHash, &k.IsActive,
		&k.ExpiresAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

// TouchLastUsed updates the usage timestamp, best effort.
func (ks *APIKeyStore) TouchLastUsed(ctx context.Context, q Querier, keyID string, at time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	return err
}

// Revoke deactivates a key.
func (ks *APIKeyStore) Revoke(ctx context.Context, q Querier, tenantID, keyID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE api_keys SET is_active = false
		WHERE key_id = $1 AND tenant_id = $2`,
		keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
