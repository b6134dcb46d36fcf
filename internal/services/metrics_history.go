package services

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metricsKeyPrefix = "metrics:"
	metricsRetention = 10 * time.Minute
)

// MetricsHistory keeps aggregated windows for range queries.
type MetricsHistory interface {
	Append(ctx context.Context, agg AggregatedMetrics) error
	Range(ctx context.Context, start, end time.Time) ([]AggregatedMetrics, error)
}

// RedisMetricsHistory stores one key per aggregation, "metrics:<unix>",
// expiring after ten minutes.
type RedisMetricsHistory struct {
	client *redis.Client
}

func NewRedisMetricsHistory(client *redis.Client) *RedisMetricsHistory {
	return &RedisMetricsHistory{client: client}
}

func (h *RedisMetricsHistory) Append(ctx context.Context, agg AggregatedMetrics) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return err
	}
	key := metricsKeyPrefix + strconv.FormatInt(agg.WindowEnd.Unix(), 10)
	return h.client.Set(ctx, key, data, metricsRetention).Err()
}

func (h *RedisMetricsHistory) Range(ctx context.Context, start, end time.Time) ([]AggregatedMetrics, error) {
	var keys []string
	iter := h.client.Scan(ctx, 0, metricsKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ts, err := strconv.ParseInt(strings.TrimPrefix(iter.Val(), metricsKeyPrefix), 10, 64)
		if err != nil {
			continue
		}
		if ts >= start.Unix() && ts <= end.Unix() {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := h.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AggregatedMetrics, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var agg AggregatedMetrics
		if err := json.Unmarshal([]byte(s), &agg); err != nil {
			continue
		}
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowEnd.Before(out[j].WindowEnd) })
	return out, nil
}

// MemoryMetricsHistory is used when redis is disabled.
type MemoryMetricsHistory struct {
	mu    sync.RWMutex
	items []AggregatedMetrics
	now   func() time.Time
}

func NewMemoryMetricsHistory() *MemoryMetricsHistory {
	return &MemoryMetricsHistory{now: time.Now}
}

func (h *MemoryMetricsHistory) Append(_ context.Context, agg AggregatedMetrics) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-metricsRetention)
	kept := h.items[:0]
	for _, item := range h.items {
		if item.WindowEnd.After(cutoff) {
			kept = append(kept, item)
		}
	}
	h.items = append(kept, agg)
	return nil
}

func (h *MemoryMetricsHistory) Range(_ context.Context, start, end time.Time) ([]AggregatedMetrics, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []AggregatedMetrics
	for _, item := range h.items {
		if !item.WindowEnd.Before(start) && !item.WindowEnd.After(end) {
			out = append(out, item)
		}
	}
	return out, nil
}
