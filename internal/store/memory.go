package store

import (
	"context"
	"sync"
	"time"

	"github.com/rupaya/backend/internal/models"
)

type memoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.RefreshToken
	byHash map[string]string

	// staleScanned runs between the read-locked scan and the deletes.
	staleScanned func()
}

// NewMemory builds a process-local token store.
func NewMemory() TokenStore {
	return &memoryStore{
		byID:   make(map[string]*models.RefreshToken),
		byHash: make(map[string]string),
	}
}

func (s *memoryStore) Create(_ context.Context, rec *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(rec)
	return nil
}

func (s *memoryStore) insertLocked(rec *models.RefreshToken) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.byID[cp.ID] = &cp
	s.byHash[cp.TokenHash] = cp.ID
}

func (s *memoryStore) FindByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *memoryStore) Rotate(_ context.Context, oldID string, next *models.RefreshToken, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[oldID]
	if !ok {
		return ErrNotFound
	}
	if old.RevokedAt != nil {
		return ErrAlreadyRevoked
	}
	revokedAt := now
	nextID := next.ID
	old.RevokedAt = &revokedAt
	old.ReplacedByTokenID = &nextID
	s.insertLocked(next)
	return nil
}

func (s *memoryStore) Revoke(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok || rec.RevokedAt != nil {
		return false, nil
	}
	revokedAt := now
	rec.RevokedAt = &revokedAt
	return true, nil
}

func (s *memoryStore) RevokeActiveForDevice(_ context.Context, userID, deviceID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.byID {
		if rec.UserID == userID && rec.DeviceID == deviceID && rec.RevokedAt == nil {
			revokedAt := now
			rec.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

// DeleteStale scans under the read lock and takes the write lock once per
// row, so lookups on the refresh path only ever wait for a single delete.
func (s *memoryStore) DeleteStale(ctx context.Context, cutoff, boundary time.Time) (int64, error) {
	s.mu.RLock()
	var stale []string
	for id, rec := range s.byID {
		if isStale(rec, cutoff, boundary) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	if s.staleScanned != nil {
		s.staleScanned()
	}

	var n int64
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s.mu.Lock()
		if rec, ok := s.byID[id]; ok && isStale(rec, cutoff, boundary) {
			delete(s.byHash, rec.TokenHash)
			delete(s.byID, id)
			n++
		}
		s.mu.Unlock()
	}
	return n, nil
}

func isStale(rec *models.RefreshToken, cutoff, boundary time.Time) bool {
	if rec.CreatedAt.After(boundary) {
		return false
	}
	revokedStale := rec.RevokedAt != nil && rec.RevokedAt.Before(cutoff)
	return revokedStale || rec.ExpiresAt.Before(cutoff)
}

func (s *memoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, rec := range s.byID {
		switch {
		case rec.RevokedAt != nil:
			st.Revoked++
		case rec.ExpiresAt.After(now):
			st.Active++
		default:
			st.Expired++
		}
	}
	return st, nil
}
