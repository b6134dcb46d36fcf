package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rupaya/backend/internal/models"
	"gorm.io/gorm"
)

// SchedulerLocker hands out time-bounded leases on scheduler_locks rows so
// that only one instance runs a named job at a time.
type SchedulerLocker struct {
	db       *gorm.DB
	instance string
}

func NewSchedulerLocker(db *gorm.DB) *SchedulerLocker {
	host, _ := os.Hostname()
	return &SchedulerLocker{
		db:       db,
		instance: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
	}
}

func (l *SchedulerLocker) Instance() string { return l.instance }

// TryAcquire takes the lease if it is free, expired, or already ours.
func (l *SchedulerLocker) TryAcquire(ctx context.Context, name, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	db := l.db.WithContext(ctx)

	result := db.Model(&models.SchedulerLock{}).
		Where("lock_name = ? AND lock_key = ? AND (expires_at < ? OR locked_by = ?)", name, key, now, l.instance).
		Updates(map[string]interface{}{
			"locked_by":  l.instance,
			"locked_at":  now,
			"expires_at": now.Add(ttl),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	lock := models.SchedulerLock{
		LockName:  name,
		LockKey:   key,
		LockedBy:  l.instance,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.Create(&lock).Error; err != nil {
		// unique index hit: another instance holds a live lease
		return false, nil
	}
	return true, nil
}

func (l *SchedulerLocker) Release(ctx context.Context, name, key string) error {
	return l.db.WithContext(ctx).
		Where("lock_name = ? AND lock_key = ? AND locked_by = ?", name, key, l.instance).
		Delete(&models.SchedulerLock{}).Error
}
