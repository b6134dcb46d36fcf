package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/internal/models"
	"github.com/rupaya/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_IssueThenVerify(t *testing.T) {
	svc := newTestTokenService(store.NewMemory(), nil)

	pair, err := svc.Issue(context.Background(), "user-1", "phone", models.RoleUser, ClientInfo{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "phone", claims.DeviceID)
}

func TestTokenService_VerifyAccessFailures(t *testing.T) {
	svc := newTestTokenService(store.NewMemory(), nil)

	_, err := svc.VerifyAccess("")
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = svc.VerifyAccess("not.a.jwt")
	assert.True(t, errors.Is(err, ErrInvalidToken))

	expired := NewTokenService(store.NewMemory(), nil, &config.JWTConfig{
		Secret:     "test-secret",
		AccessTTL:  -time.Minute,
		RefreshTTL: time.Hour,
	}, time.Hour)
	pair, err := expired.Issue(context.Background(), "user-1", "phone", models.RoleUser, ClientInfo{})
	require.NoError(t, err)

	_, err = svc.VerifyAccess(pair.AccessToken)
	assert.True(t, errors.Is(err, ErrInvalidToken))
	assert.True(t, errors.Is(err, ErrExpiredToken))
}

func TestTokenService_RefreshRotates(t *testing.T) {
	for name, st := range map[string]store.TokenStore{
		store.DriverMemory: store.NewMemory(),
		store.DriverGorm:   store.NewGorm(newTestDB(t)),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := newTestTokenService(st, nil)

			first, err := svc.Issue(ctx, "user-1", "phone", models.RoleUser, ClientInfo{})
			require.NoError(t, err)

			second, err := svc.Refresh(ctx, first.RefreshToken, ClientInfo{})
			require.NoError(t, err)
			assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
			assert.Equal(t, "user-1", second.UserID)

			_, err = svc.Refresh(ctx, first.RefreshToken, ClientInfo{})
			assert.True(t, errors.Is(err, ErrRevokedToken), "reusing a rotated token: %v", err)

			_, err = svc.Refresh(ctx, second.RefreshToken, ClientInfo{})
			assert.NoError(t, err)
		})
	}
}

func TestTokenService_ConcurrentRefreshHasOneWinner(t *testing.T) {
	for name, st := range map[string]store.TokenStore{
		store.DriverMemory: store.NewMemory(),
		store.DriverGorm:   store.NewGorm(newTestDB(t)),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := newTestTokenService(st, nil)

			pair, err := svc.Issue(ctx, "user-1", "phone", models.RoleUser, ClientInfo{})
			require.NoError(t, err)

			const callers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				wins    int
				revoked int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Refresh(ctx, pair.RefreshToken, ClientInfo{})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, ErrRevokedToken):
						revoked++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			assert.Equal(t, callers-1, revoked)
		})
	}
}

func TestTokenService_RefreshExpired(t *testing.T) {
	ctx := context.Background()
	svc := newTestTokenService(store.NewMemory(), nil)

	pair, err := svc.Issue(ctx, "user-1", "phone", models.RoleUser, ClientInfo{})
	require.NoError(t, err)

	later := time.Now().UTC().Add(8 * 24 * time.Hour)
	svc.now = func() time.Time { return later }

	_, err = svc.Refresh(ctx, pair.RefreshToken, ClientInfo{})
	assert.True(t, errors.Is(err, ErrExpiredToken))
}

func TestTokenService_RefreshUnknownAndDeletedUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc := newTestTokenService(store.NewGorm(db), NewRoleResolver(db))

	_, err := svc.Refresh(ctx, "deadbeef", ClientInfo{})
	assert.True(t, errors.Is(err, ErrInvalidToken))

	user := models.User{Email: "gone@example.com", Role: models.RoleAdmin}
	require.NoError(t, db.Create(&user).Error)
	pair, err := svc.Issue(ctx, user.ID, "phone", user.Role, ClientInfo{})
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, pair.RefreshToken, ClientInfo{})
	require.NoError(t, err)
	claims, err := svc.VerifyAccess(refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, claims.Role)

	require.NoError(t, db.Unscoped().Delete(&user).Error)
	_, err = svc.Refresh(ctx, refreshed.RefreshToken, ClientInfo{})
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestTokenService_RevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestTokenService(store.NewMemory(), nil)

	pair, err := svc.Issue(ctx, "user-1", "phone", models.RoleUser, ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, svc.Revoke(ctx, "never-issued"))

	_, err = svc.Refresh(ctx, pair.RefreshToken, ClientInfo{})
	assert.True(t, errors.Is(err, ErrRevokedToken))
}

func TestTokenService_IssueRevokesDeviceChain(t *testing.T) {
	ctx := context.Background()
	svc := newTestTokenService(store.NewMemory(), nil)

	old, err := svc.Issue(ctx, "user-1", "phone", models.RoleUser, ClientInfo{})
	require.NoError(t, err)
	tablet, err := svc.Issue(ctx, "user-1", "tablet", models.RoleUser, ClientInfo{})
	require.NoError(t, err)
	_, err = svc.Issue(ctx, "user-1", "phone", models.RoleUser, ClientInfo{})
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, old.RefreshToken, ClientInfo{})
	assert.True(t, errors.Is(err, ErrRevokedToken))
	_, err = svc.Refresh(ctx, tablet.RefreshToken, ClientInfo{})
	assert.NoError(t, err, "other devices keep their chain")
}

func TestTokenService_CleanupRespectsRetention(t *testing.T) {
	ctx := context.Background()
	svc := newTestTokenService(store.NewMemory(), nil)

	revoked, err := svc.Issue(ctx, "user-1", "phone", models.RoleUser, ClientInfo{})
	require.NoError(t, err)
	_, err = svc.Issue(ctx, "user-2", "phone", models.RoleUser, ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, revoked.RefreshToken))

	deleted, err := svc.CleanupRevokedTokens(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, deleted, "inside the retention window")

	later := time.Now().UTC().Add(2 * time.Hour)
	svc.now = func() time.Time { return later }

	deleted, err = svc.CleanupRevokedTokens(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Active)
	assert.EqualValues(t, 0, stats.Revoked)
}
