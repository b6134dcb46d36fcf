package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/internal/models"
	"github.com/rupaya/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const strongPassword = "Correct-Horse-42!"

func newTestAuthService(t *testing.T, cfg *config.AuthConfig) (*AuthService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	tokens := newTestTokenService(store.NewGorm(db), NewRoleResolver(db))
	if cfg == nil {
		cfg = &config.AuthConfig{AdminEmail: "admin@rupaya.local"}
	}
	return NewAuthService(db, tokens, cfg), db
}

func TestAuthService_Signup(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	res, err := svc.Signup(ctx, &SignupRequest{
		Email:    "  Priya@Example.com ",
		Password: strongPassword,
		DeviceID: "pixel-8",
	}, ClientInfo{IP: "127.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, "priya@example.com", res.User.Email)
	assert.Equal(t, "priya", res.User.Name)
	assert.Equal(t, "INR", res.User.Currency)
	assert.Equal(t, "UTC", res.User.Timezone)
	assert.Equal(t, res.User.ID, res.Tokens.UserID)
	assert.NotEmpty(t, res.Tokens.AccessToken)

	_, err = svc.Signup(ctx, &SignupRequest{
		Email:    "priya@example.com",
		Password: strongPassword,
		DeviceID: "pixel-8",
	}, ClientInfo{})
	assert.True(t, errors.Is(err, ErrUserExists))
}

func TestAuthService_SignupRejectsWeakPassword(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)

	_, err := svc.Signup(context.Background(), &SignupRequest{
		Email:    "weak@example.com",
		Password: "abcdefgh",
		DeviceID: "d1",
	}, ClientInfo{})
	assert.True(t, errors.Is(err, ErrWeakPassword))

	lenient, _ := newTestAuthService(t, &config.AuthConfig{DisablePasswordStrength: true})
	_, err = lenient.Signup(context.Background(), &SignupRequest{
		Email:    "weak@example.com",
		Password: "abcdefgh",
		DeviceID: "d1",
	}, ClientInfo{})
	assert.NoError(t, err)
}

func TestAuthService_Signin(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	_, err := svc.Signup(ctx, &SignupRequest{Email: "a@example.com", Password: strongPassword, DeviceID: "d1"}, ClientInfo{})
	require.NoError(t, err)

	res, err := svc.Signin(ctx, &SigninRequest{Email: "A@example.com", Password: strongPassword, DeviceID: "d2"}, ClientInfo{})
	require.NoError(t, err)
	assert.False(t, res.MFARequired)
	assert.Equal(t, "d2", res.Tokens.DeviceID)

	_, err = svc.Signin(ctx, &SigninRequest{Email: "a@example.com", Password: "wrong", DeviceID: "d2"}, ClientInfo{})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	_, err = svc.Signin(ctx, &SigninRequest{Email: "nobody@example.com", Password: strongPassword, DeviceID: "d2"}, ClientInfo{})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestAuthService_LockoutAfterRepeatedFailures(t *testing.T) {
	svc, db := newTestAuthService(t, nil)
	ctx := context.Background()

	signup, err := svc.Signup(ctx, &SignupRequest{Email: "lock@example.com", Password: strongPassword, DeviceID: "d1"}, ClientInfo{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.Signin(ctx, &SigninRequest{Email: "lock@example.com", Password: "nope", DeviceID: "d1"}, ClientInfo{})
		require.True(t, errors.Is(err, ErrInvalidCredentials))
	}

	_, err = svc.Signin(ctx, &SigninRequest{Email: "lock@example.com", Password: strongPassword, DeviceID: "d1"}, ClientInfo{})
	assert.True(t, errors.Is(err, ErrAccountLocked))

	// the five-failure tier lapses after 15 minutes
	later := time.Now().UTC().Add(16 * time.Minute)
	svc.now = func() time.Time { return later }
	_, err = svc.Signin(ctx, &SigninRequest{Email: "lock@example.com", Password: strongPassword, DeviceID: "d1"}, ClientInfo{})
	require.NoError(t, err)

	var user models.User
	require.NoError(t, db.Where("id = ?", signup.User.ID).First(&user).Error)
	assert.Equal(t, 0, user.FailedLoginAttempts)
}

func TestIsLockedOut(t *testing.T) {
	now := time.Now()
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name     string
		attempts int
		last     *time.Time
		want     bool
	}{
		{"never failed", 0, nil, false},
		{"four recent", 4, ago(time.Minute), false},
		{"five recent", 5, ago(time.Minute), true},
		{"five old", 5, ago(20 * time.Minute), false},
		{"six within hour", 6, ago(30 * time.Minute), true},
		{"ten within day", 10, ago(12 * time.Hour), true},
		{"ten after a day", 10, ago(25 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isLockedOut(tt.attempts, tt.last, now))
		})
	}
}

func TestAuthService_CreateAdminIfNotExists(t *testing.T) {
	svc, db := newTestAuthService(t, &config.AuthConfig{AdminEmail: "ops@rupaya.local", AdminPassword: strongPassword})
	ctx := context.Background()

	require.NoError(t, svc.CreateAdminIfNotExists(ctx))
	require.NoError(t, svc.CreateAdminIfNotExists(ctx))

	var count int64
	require.NoError(t, db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	res, err := svc.Signin(ctx, &SigninRequest{Email: "ops@rupaya.local", Password: strongPassword, DeviceID: "console"}, ClientInfo{})
	require.NoError(t, err)

	user, err := svc.GetUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.True(t, user.IsAdmin())

	_, err = svc.GetUserByID(ctx, "missing")
	assert.True(t, errors.Is(err, ErrUserNotFound))
}
