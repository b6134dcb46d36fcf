package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/internal/models"
	"github.com/rupaya/backend/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:services-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func testJWTConfig() *config.JWTConfig {
	return &config.JWTConfig{
		Secret:     "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

func newTestTokenService(st store.TokenStore, roles RoleResolver) *TokenService {
	return NewTokenService(st, roles, testJWTConfig(), time.Hour)
}

// recordingBus captures published alerts synchronously.
type recordingBus struct {
	mu     sync.Mutex
	alerts []Alert
}

func (b *recordingBus) Publish(topic string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, arg := range args {
		if alert, ok := arg.(Alert); ok {
			b.alerts = append(b.alerts, alert)
		}
	}
}

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.alerts))
	for _, a := range b.alerts {
		out = append(out, a.Topic)
	}
	return out
}
