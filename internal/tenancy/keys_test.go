package tenancy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsense/backend/internal/store"
)

type fakeKeys struct {
	keys map[string]*store.APIKey
}

func (f *fakeKeys) Insert(ctx context.Context, q store.Querier, k *store.APIKey) error {
	if f.keys == nil {
		f.keys = map[string]*store.APIKey{}
	}
	f.keys[k.KeyID] = k
	return nil
}

func (f *fakeKeys) Get(ctx context.Context, q store.Querier, keyID string) (*store.APIKey, error) {
	k, ok := f.keys[keyID]
	if !ok || !k.IsActive {
		return nil, nil
	}
	return k, nil
}

func (f *fakeKeys) TouchLastUsed(ctx context.Context, q store.Querier, keyID string, at time.Time) error {
	return nil
}

func TestIssueAndAuthenticate(t *testing.T) {
	ks := &fakeKeys{}
	m := NewKeyManager(nil, ks)

	token, err := m.Issue(context.Background(), "tenant-1", "ingest", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "cs_"))
	assert.Contains(t, token, ".")

	tenantID, err := m.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenantID)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	ks := &fakeKeys{}
	m := NewKeyManager(nil, ks)
	token, err := m.Issue(context.Background(), "tenant-1", "ingest", nil)
	require.NoError(t, err)

	for _, bad := range []string{
		"",
		"nonsense",
		"cs_missingdot",
		"cs_.emptyid",
		token + "tampered",
	} {
		_, err := m.Authenticate(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "token %q", bad)
	}
}

func TestAuthenticateRevokedKey(t *testing.T) {
	ks := &fakeKeys{}
	m := NewKeyManager(nil, ks)
	token, err := m.Issue(context.Background(), "tenant-1", "ingest", nil)
	require.NoError(t, err)

	for _, k := range ks.keys {
		k.IsActive = false
	}
	_, err = m.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestTenantContextRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "tenant-9")
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "tenant-9", id)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
