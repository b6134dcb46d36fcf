package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/internal/models"
	"github.com/rupaya/backend/internal/utils"
	"github.com/rupaya/backend/pkg/logger"
	"gorm.io/gorm"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account temporarily locked, try again later")
	ErrWeakPassword       = errors.New("password is too weak")
)

const minPasswordEntropy = 50

// Failed sign-in lockout tiers, checked longest first.
var lockoutTiers = []struct {
	attempts int
	window   time.Duration
}{
	{10, 24 * time.Hour},
	{6, time.Hour},
	{5, 15 * time.Minute},
}

type AuthService struct {
	db     *gorm.DB
	tokens *TokenService
	cfg    *config.AuthConfig
	now    func() time.Time
}

func NewAuthService(db *gorm.DB, tokens *TokenService, cfg *config.AuthConfig) *AuthService {
	return &AuthService{
		db:     db,
		tokens: tokens,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type SignupRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=8"`
	DeviceID   string `json:"deviceId" binding:"required"`
	DeviceName string `json:"deviceName"`
	Name       string `json:"name"`
}

type SigninRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	DeviceID string `json:"deviceId" binding:"required"`
}

type UserResponse struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	PhoneNumber   *string `json:"phoneNumber"`
	PhoneVerified bool    `json:"phoneVerified"`
	Name          string  `json:"name"`
	Currency      string  `json:"currency"`
	Timezone      string  `json:"timezone"`
	Theme         string  `json:"theme"`
	Language      string  `json:"language"`
}

type AuthResult struct {
	Tokens      *TokenPair
	User        UserResponse
	MFARequired bool
}

func (s *AuthService) Signup(ctx context.Context, req *SignupRequest, client ClientInfo) (*AuthResult, error) {
	email := normalizeEmail(req.Email)

	if !s.cfg.DisablePasswordStrength && utils.PasswordEntropy(req.Password) < minPasswordEntropy {
		return nil, ErrWeakPassword
	}

	exists, err := s.emailTaken(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrUserExists
	}

	hashed, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	now := s.now()
	user := models.User{
		Email:             email,
		PasswordHash:      hashed,
		Name:              name,
		Role:              models.RoleUser,
		Currency:          "INR",
		Timezone:          "UTC",
		Theme:             "light",
		Language:          "en",
		LastLoginAt:       &now,
		LastLoginDeviceID: req.DeviceID,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		// lost a race on the unique email index
		if taken, _ := s.emailTaken(ctx, email); taken {
			return nil, ErrUserExists
		}
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, user.ID, req.DeviceID, user.Role, client)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("user_id", user.ID).Str("device_id", req.DeviceID).Msg("user signed up")
	return &AuthResult{Tokens: pair, User: FormatUser(&user)}, nil
}

func (s *AuthService) Signin(ctx context.Context, req *SigninRequest, client ClientInfo) (*AuthResult, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(req.Email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if isLockedOut(user.FailedLoginAttempts, user.LastFailedLoginAt, now) {
		return nil, ErrAccountLocked
	}

	if user.PasswordHash == "" || !utils.CheckPassword(req.Password, user.PasswordHash) {
		if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"failed_login_attempts": gorm.Expr("failed_login_attempts + 1"),
			"last_failed_login_at":  now,
		}).Error; err != nil {
			logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to record sign-in failure")
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"failed_login_attempts": 0,
		"last_login_at":         now,
		"last_login_device_id":  req.DeviceID,
	}).Error; err != nil {
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, user.ID, req.DeviceID, user.Role, client)
	if err != nil {
		return nil, err
	}

	return &AuthResult{Tokens: pair, User: FormatUser(&user), MFARequired: user.MFAEnabled}, nil
}

// GetUserByID retrieves a user by ID
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateAdminIfNotExists creates the operator account used for /admin routes.
// Without a configured password a random one is generated and logged once.
func (s *AuthService) CreateAdminIfNotExists(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := s.cfg.AdminPassword
	generated := password == ""
	if generated {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		password = hex.EncodeToString(buf)
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	admin := models.User{
		Email:        normalizeEmail(s.cfg.AdminEmail),
		PasswordHash: hashed,
		Name:         "Administrator",
		Role:         models.RoleAdmin,
		Currency:     "INR",
		Timezone:     "UTC",
		Theme:        "light",
		Language:     "en",
	}
	if err := s.db.WithContext(ctx).Create(&admin).Error; err != nil {
		return err
	}

	event := logger.Warn().Str("email", admin.Email)
	if generated {
		event = event.Str("password", password)
	}
	event.Msg("created default admin account")
	return nil
}

func (s *AuthService) emailTaken(ctx context.Context, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error
	return count > 0, err
}

func isLockedOut(attempts int, lastFailure *time.Time, now time.Time) bool {
	if lastFailure == nil {
		return false
	}
	since := now.Sub(*lastFailure)
	for _, tier := range lockoutTiers {
		if attempts >= tier.attempts && since < tier.window {
			return true
		}
	}
	return false
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FormatUser is the public shape of an account returned by the auth routes.
func FormatUser(u *models.User) UserResponse {
	resp := UserResponse{
		ID:            u.ID,
		Email:         u.Email,
		PhoneNumber:   u.PhoneNumber,
		PhoneVerified: u.PhoneVerified,
		Name:          u.Name,
		Currency:      u.Currency,
		Timezone:      u.Timezone,
		Theme:         u.Theme,
		Language:      u.Language,
	}
	if resp.Currency == "" {
		resp.Currency = "INR"
	}
	if resp.Timezone == "" {
		resp.Timezone = "UTC"
	}
	if resp.Theme == "" {
		resp.Theme = "light"
	}
	if resp.Language == "" {
		resp.Language = "en"
	}
	return resp
}
