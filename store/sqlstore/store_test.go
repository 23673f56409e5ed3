package sqlstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/becomeliminal/x402-gate"
)

const (
	walletA = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	walletB = "So11111111111111111111111111111111111111112"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:x402-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	s, err := Open(DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateSchema(context.Background()))
	return s
}

func newBearerRequest(key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	return req
}

func TestActiveWallet_Empty(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ActiveWallet(context.Background(), x402.WalletPurposeFeeCollection)
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestSaveWallet_RetiresPreviousActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, err := s.SaveWallet(ctx, walletA, x402.WalletPurposeFeeCollection, "")
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	w, err := s.SaveWallet(ctx, walletB, x402.WalletPurposeFeeCollection, x402.WalletStatusActive)
	require.NoError(t, err)
	assert.Equal(t, x402.WalletStatusActive, w.Status)

	addr, err := s.ActiveWallet(ctx, x402.WalletPurposeFeeCollection)
	require.NoError(t, err)
	assert.Equal(t, walletB, addr)

	var active int
	active, err = s.db.NewSelect().
		Model((*walletRecord)(nil)).
		Where("status = ?", x402.WalletStatusActive).
		Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestActiveWallet_IgnoresOtherPurposeAndInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveWallet(ctx, walletA, "hot_wallet", x402.WalletStatusActive)
	require.NoError(t, err)
	_, err = s.SaveWallet(ctx, walletB, x402.WalletPurposeFeeCollection, "inactive")
	require.NoError(t, err)

	_, err = s.ActiveWallet(ctx, x402.WalletPurposeFeeCollection)
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestSaveWallet_RejectsInvalidAddress(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveWallet(context.Background(), "not-a-key", x402.WalletPurposeFeeCollection, "")
	assert.Error(t, err)
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, issued, err := s.IssueAPIKey(ctx, IssueAPIKeyInput{AgentID: "agent-1", UserID: "user-1", Name: "ci"})
	require.NoError(t, err)
	assert.Contains(t, key, apiKeyPrefix)

	res, err := s.ValidateAPIKey(ctx, x402.HashAPIKey(key))
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, "agent-1", res.AgentID)
	assert.Equal(t, "user-1", res.UserID)
	assert.Equal(t, issued.ID, res.APIKeyID)

	require.NoError(t, s.RevokeAPIKey(ctx, issued.ID))

	res, err = s.ValidateAPIKey(ctx, x402.HashAPIKey(key))
	require.NoError(t, err)
	assert.False(t, res.IsValid)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, issued.ID), x402.ErrNotFound)
}

func TestValidateAPIKey_UnknownAndExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.ValidateAPIKey(ctx, x402.HashAPIKey("nope"))
	require.NoError(t, err)
	assert.False(t, res.IsValid)

	past := time.Now().Add(-time.Minute).UTC()
	key, _, err := s.IssueAPIKey(ctx, IssueAPIKeyInput{AgentID: "agent-2", ExpiresAt: &past})
	require.NoError(t, err)

	res, err = s.ValidateAPIKey(ctx, x402.HashAPIKey(key))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
}

func TestStoreWithAuthenticator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, _, err := s.IssueAPIKey(ctx, IssueAPIKeyInput{AgentID: "agent-3"})
	require.NoError(t, err)

	auth := x402.NewAuthenticator(s, nil)
	req := newBearerRequest(key)

	id, err := auth.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "agent-3", id.AgentID)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}
