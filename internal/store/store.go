package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rupaya/backend/internal/models"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("refresh token not found")
	// ErrAlreadyRevoked is returned when a conditional revoke lost the race
	// against another rotation or logout.
	ErrAlreadyRevoked = errors.New("refresh token already revoked")
)

// TokenStore persists refresh token records. Every method is atomic on a
// single row; none requires a cross-row lock.
type TokenStore interface {
	Create(ctx context.Context, rec *models.RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	// Rotate revokes oldID only if it is still active and inserts next.
	Rotate(ctx context.Context, oldID string, next *models.RefreshToken, now time.Time) error
	// Revoke reports whether this call performed the revocation.
	Revoke(ctx context.Context, id string, now time.Time) (bool, error)
	RevokeActiveForDevice(ctx context.Context, userID, deviceID string, now time.Time) (int64, error)
	// DeleteStale removes rows revoked or expired before cutoff. Rows
	// created after boundary are never touched.
	DeleteStale(ctx context.Context, cutoff, boundary time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

type Stats struct {
	Active  int64 `json:"active"`
	Revoked int64 `json:"revoked"`
	Expired int64 `json:"expired"`
}

const (
	DriverGorm   = "gorm"
	DriverMemory = "memory"
)

// New creates a token store for the configured driver.
func New(driver string, db *gorm.DB) (TokenStore, error) {
	if driver == "" {
		driver = DriverGorm
	}

	switch driver {
	case DriverGorm:
		if db == nil {
			return nil, fmt.Errorf("gorm token store requires a database handle")
		}
		return NewGorm(db), nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported token store driver: %s", driver)
	}
}
