package store

import (
	"context"
	"errors"
	"time"

	"github.com/rupaya/backend/internal/models"
	"gorm.io/gorm"
)

type gormStore struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) TokenStore {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, rec *models.RefreshToken) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormStore) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	var rec models.RefreshToken
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *gormStore) Rotate(ctx context.Context, oldID string, next *models.RefreshToken, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", oldID).
			Updates(map[string]interface{}{
				"revoked_at":           now,
				"replaced_by_token_id": next.ID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return ErrAlreadyRevoked
		}
		return tx.Create(next).Error
	})
}

func (s *gormStore) Revoke(ctx context.Context, id string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *gormStore) RevokeActiveForDevice(ctx context.Context, userID, deviceID string, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND device_id = ? AND revoked_at IS NULL", userID, deviceID).
		Update("revoked_at", now)
	return result.RowsAffected, result.Error
}

func (s *gormStore) DeleteStale(ctx context.Context, cutoff, boundary time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at <= ?", boundary).
		Where(
			s.db.Where("revoked_at IS NOT NULL AND revoked_at < ?", cutoff).
				Or("expires_at < ?", cutoff),
		).
		Delete(&models.RefreshToken{})
	return result.RowsAffected, result.Error
}

func (s *gormStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx).Model(&models.RefreshToken{})
	if err := db.Session(&gorm.Session{}).Where("revoked_at IS NULL AND expires_at > ?", now).Count(&st.Active).Error; err != nil {
		return st, err
	}
	if err := db.Session(&gorm.Session{}).Where("revoked_at IS NOT NULL").Count(&st.Revoked).Error; err != nil {
		return st, err
	}
	if err := db.Session(&gorm.Session{}).Where("revoked_at IS NULL AND expires_at <= ?", now).Count(&st.Expired).Error; err != nil {
		return st, err
	}
	return st, nil
}
