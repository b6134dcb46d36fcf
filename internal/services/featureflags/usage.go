package featureflags

import (
	"sort"
	"sync"
	"time"
)

// UsageMetrics counts evaluations per flag since process start.
type UsageMetrics struct {
	mu          sync.Mutex
	total       int64
	perFlag     map[string]int64
	lastUpdated time.Time
}

type UsageSnapshot struct {
	ChecksTotal   int64            `json:"checksTotal"`
	ChecksPerFlag map[string]int64 `json:"checksPerFlag"`
	LastUpdated   time.Time        `json:"lastUpdated"`
}

func NewUsageMetrics() *UsageMetrics {
	return &UsageMetrics{perFlag: make(map[string]int64), lastUpdated: time.Now().UTC()}
}

func (m *UsageMetrics) Record(key string) {
	m.mu.Lock()
	m.total++
	m.perFlag[key]++
	m.lastUpdated = time.Now().UTC()
	m.mu.Unlock()
}

func (m *UsageMetrics) Snapshot() UsageSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	per := make(map[string]int64, len(m.perFlag))
	for k, v := range m.perFlag {
		per[k] = v
	}
	return UsageSnapshot{ChecksTotal: m.total, ChecksPerFlag: per, LastUpdated: m.lastUpdated}
}

// TopFlags returns up to n flag keys by check count, ties broken by key.
func (s UsageSnapshot) TopFlags(n int) []string {
	keys := make([]string, 0, len(s.ChecksPerFlag))
	for k := range s.ChecksPerFlag {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.ChecksPerFlag[keys[i]], s.ChecksPerFlag[keys[j]]
		if a != b {
			return a > b
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
