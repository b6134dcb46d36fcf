package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/internal/models"
	"github.com/rupaya/backend/internal/store"
	"github.com/rupaya/backend/internal/utils"
	"gorm.io/gorm"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
)

// RoleResolver looks up the current role of a user when a refresh mints a
// new access token.
type RoleResolver interface {
	RoleOf(ctx context.Context, userID string) (string, error)
}

type dbRoleResolver struct {
	db *gorm.DB
}

func NewRoleResolver(db *gorm.DB) RoleResolver {
	return &dbRoleResolver{db: db}
}

func (r *dbRoleResolver) RoleOf(ctx context.Context, userID string) (string, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Select("id", "role").Where("id = ?", userID).First(&user).Error; err != nil {
		return "", err
	}
	return user.Role, nil
}

// ClientInfo is recorded on each refresh token row.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type TokenPair struct {
	UserID           string    `json:"userId"`
	DeviceID         string    `json:"deviceId"`
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type TokenService struct {
	store      store.TokenStore
	roles      RoleResolver
	accessTTL  time.Duration
	refreshTTL time.Duration
	retention  time.Duration
	now        func() time.Time
}

func NewTokenService(st store.TokenStore, roles RoleResolver, jwtCfg *config.JWTConfig, retention time.Duration) *TokenService {
	utils.SetJWTSecret(jwtCfg.Secret)
	return &TokenService{
		store:      st,
		roles:      roles,
		accessTTL:  jwtCfg.AccessTTL,
		refreshTTL: jwtCfg.RefreshTTL,
		retention:  retention,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Issue starts a new refresh chain for the device. Any chain the device
// still holds is revoked first.
func (s *TokenService) Issue(ctx context.Context, userID, deviceID, role string, client ClientInfo) (*TokenPair, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	now := s.now()

	if _, err := s.store.RevokeActiveForDevice(ctx, userID, deviceID, now); err != nil {
		return nil, fmt.Errorf("revoke previous chain: %w", err)
	}

	refreshToken, rec, err := s.newRecord(userID, deviceID, client, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return s.pair(rec, refreshToken, role, now)
}

// VerifyAccess returns the claims of a valid access token. Every failure
// matches ErrInvalidToken; expiry additionally matches ErrExpiredToken.
func (s *TokenService) VerifyAccess(token string) (*utils.Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims, err := utils.ParseToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrExpiredToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Refresh rotates a refresh token. Of several concurrent calls with the
// same token at most one succeeds; the rest get ErrRevokedToken.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}

	stored, err := s.store.FindByHash(ctx, hashRefreshToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if stored.IsRevoked() {
		return nil, ErrRevokedToken
	}
	if stored.IsExpired(now) {
		return nil, ErrExpiredToken
	}

	role := models.RoleUser
	if s.roles != nil {
		role, err = s.roles.RoleOf(ctx, stored.UserID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		if err != nil {
			return nil, err
		}
	}

	nextToken, next, err := s.newRecord(stored.UserID, stored.DeviceID, client, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Rotate(ctx, stored.ID, next, now); err != nil {
		if errors.Is(err, store.ErrAlreadyRevoked) {
			return nil, ErrRevokedToken
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	return s.pair(next, nextToken, role, now)
}

// Revoke is idempotent: unknown and already revoked tokens are not errors.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	stored, err := s.store.FindByHash(ctx, hashRefreshToken(refreshToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.store.Revoke(ctx, stored.ID, s.now())
	return err
}

// CleanupRevokedTokens deletes rows revoked or expired longer ago than the
// retention window. Rows created after the sweep began are left alone.
func (s *TokenService) CleanupRevokedTokens(ctx context.Context) (int64, error) {
	boundary := s.now()
	cutoff := boundary.Add(-s.retention)
	return s.store.DeleteStale(ctx, cutoff, boundary)
}

func (s *TokenService) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx, s.now())
}

func (s *TokenService) newRecord(userID, deviceID string, client ClientInfo, now time.Time) (string, *models.RefreshToken, error) {
	token, hash, err := generateRefreshToken()
	if err != nil {
		return "", nil, err
	}
	return token, &models.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		DeviceID:    deviceID,
		TokenHash:   hash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedByIP: client.IP,
		UserAgent:   truncate(client.UserAgent, 255),
		CreatedAt:   now,
	}, nil
}

func (s *TokenService) pair(rec *models.RefreshToken, refreshToken, role string, now time.Time) (*TokenPair, error) {
	accessToken, err := utils.GenerateToken(rec.UserID, rec.DeviceID, role, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		UserID:           rec.UserID,
		DeviceID:         rec.DeviceID,
		AccessToken:      accessToken,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     refreshToken,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func generateRefreshToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(randomBytes)
	tokenHash = hashRefreshToken(token)
	return token, tokenHash, nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
