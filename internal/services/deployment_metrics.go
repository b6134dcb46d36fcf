package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"github.com/rupaya/backend/internal/config"
	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/rupaya/backend/pkg/logger"
)

const (
	healthLookback         = 5 * time.Minute
	healthyErrorRate       = 5.0
	healthyP99Ms           = 2000.0
	maxDeploymentEvents    = 100
	topErrorsLimit         = 5
	rollbackActor          = "circuit-breaker"
	defaultMetricsWindow   = time.Minute
	defaultMetricsInterval = 10 * time.Second
)

// RequestMetric is one finished request as seen by the metrics middleware.
type RequestMetric struct {
	Timestamp         time.Time         `json:"timestamp"`
	UserID            string            `json:"userId,omitempty"`
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	StatusCode        int               `json:"statusCode"`
	ResponseTimeMs    float64           `json:"responseTimeMs"`
	CanaryStage       string            `json:"canaryStage,omitempty"`
	ExperimentVariant string            `json:"experimentVariant,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

func (m RequestMetric) isError() bool { return m.StatusCode >= 400 }

type GroupStats struct {
	Count             int     `json:"count"`
	Errors            int     `json:"errors"`
	TotalResponseTime float64 `json:"totalResponseTime"`
	AvgResponseTime   float64 `json:"avgResponseTime"`
	ErrorRate         float64 `json:"errorRate"`
}

func (g *GroupStats) add(m RequestMetric) {
	g.Count++
	if m.isError() {
		g.Errors++
	}
	g.TotalResponseTime += m.ResponseTimeMs
}

func (g *GroupStats) finish() {
	if g.Count == 0 {
		return
	}
	g.AvgResponseTime = g.TotalResponseTime / float64(g.Count)
	g.ErrorRate = float64(g.Errors) / float64(g.Count) * 100
}

type ErrorCount struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// AggregatedMetrics summarizes the requests of one sliding window.
type AggregatedMetrics struct {
	WindowStart         time.Time              `json:"windowStartTime"`
	WindowEnd           time.Time              `json:"windowEndTime"`
	Version             string                 `json:"version"`
	Environment         string                 `json:"environment"`
	TotalRequests       int                    `json:"totalRequests"`
	TotalErrors         int                    `json:"totalErrors"`
	ErrorRate           float64                `json:"errorRate"`
	P50ResponseTime     float64                `json:"p50ResponseTime"`
	P95ResponseTime     float64                `json:"p95ResponseTime"`
	P99ResponseTime     float64                `json:"p99ResponseTime"`
	AvgResponseTime     float64                `json:"avgResponseTime"`
	RequestsPerSecond   float64                `json:"requestsPerSecond"`
	TopErrors           []ErrorCount           `json:"topErrors"`
	ByEndpoint          map[string]*GroupStats `json:"byEndpoint"`
	ByCanaryStage       map[string]*GroupStats `json:"byCanaryStage"`
	ByExperimentVariant map[string]*GroupStats `json:"byExperimentVariant"`
}

type HealthReport struct {
	Status            string       `json:"status"`
	Message           string       `json:"message,omitempty"`
	ErrorRate         float64      `json:"errorRate"`
	P99ResponseTime   float64      `json:"p99ResponseTime"`
	RequestsPerSecond float64      `json:"requestsPerSecond"`
	TopErrors         []ErrorCount `json:"topErrors,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}

type RollbackSignal struct {
	Reasons    []string          `json:"reasons"`
	RolledBack []string          `json:"rolledBack,omitempty"`
	Metrics    AggregatedMetrics `json:"metrics"`
	Timestamp  time.Time         `json:"timestamp"`
}

// FlagChecker is the evaluator view the aggregator needs for thresholds.
type FlagChecker interface {
	Evaluate(ctx context.Context, key, userID string, ec featureflags.EvalContext) (featureflags.Result, error)
}

// CanaryController disables in-flight canaries when the breaker trips.
type CanaryController interface {
	InProgressCanaries(ctx context.Context) ([]string, error)
	RollbackCanary(ctx context.Context, key, reason, updatedBy string) (*featureflags.Definition, error)
}

// DeploymentMetrics buffers request metrics, aggregates them over a
// sliding window and raises a rollback signal when the configured
// thresholds are crossed.
type DeploymentMetrics struct {
	cfg      config.DeploymentConfig
	env      string
	history  MetricsHistory
	flags    FlagChecker
	canaries CanaryController
	alerts   AlertPublisher

	mu             sync.Mutex
	buffer         []RequestMetric
	latest         *AggregatedMetrics
	events         []featureflags.Event
	lastRollbackAt time.Time

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func NewDeploymentMetrics(cfg config.DeploymentConfig, env string, history MetricsHistory, flags FlagChecker, canaries CanaryController, alerts AlertPublisher) *DeploymentMetrics {
	if cfg.Window <= 0 {
		cfg.Window = defaultMetricsWindow
	}
	if cfg.AggregationInterval <= 0 {
		cfg.AggregationInterval = defaultMetricsInterval
	}
	if history == nil {
		history = NewMemoryMetricsHistory()
	}
	return &DeploymentMetrics{
		cfg:      cfg,
		env:      env,
		history:  history,
		flags:    flags,
		canaries: canaries,
		alerts:   alerts,
		now:      time.Now,
		log:      logger.Component("deployment-metrics"),
	}
}

// Record buffers one request. Safe for concurrent use.
func (d *DeploymentMetrics) Record(m RequestMetric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = d.now()
	}
	d.mu.Lock()
	d.buffer = append(d.buffer, m)
	d.mu.Unlock()
}

// RecordEvent keeps the most recent deployment events for the admin API.
func (d *DeploymentMetrics) RecordEvent(ev featureflags.Event) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	if len(d.events) > maxDeploymentEvents {
		d.events = d.events[len(d.events)-maxDeploymentEvents:]
	}
	d.mu.Unlock()
}

func (d *DeploymentMetrics) Events() []featureflags.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]featureflags.Event(nil), d.events...)
}

func (d *DeploymentMetrics) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.AggregationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Aggregate(ctx)
			}
		}
	}()
	d.log.Info().Dur("interval", d.cfg.AggregationInterval).Dur("window", d.cfg.Window).Msg("deployment metrics aggregation started")
}

func (d *DeploymentMetrics) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Aggregate summarizes the current window, stores it and checks the
// rollback thresholds. It returns nil when the window is empty.
func (d *DeploymentMetrics) Aggregate(ctx context.Context) *AggregatedMetrics {
	now := d.now()
	windowStart := now.Add(-d.cfg.Window)

	d.mu.Lock()
	recent := d.buffer[:0]
	for _, m := range d.buffer {
		if m.Timestamp.After(windowStart) {
			recent = append(recent, m)
		}
	}
	d.buffer = recent
	window := append([]RequestMetric(nil), recent...)
	d.mu.Unlock()

	if len(window) == 0 {
		return nil
	}

	agg := summarize(window, windowStart, now, d.cfg.Window)
	agg.Version = d.cfg.Version
	agg.Environment = d.env

	d.mu.Lock()
	d.latest = &agg
	d.mu.Unlock()

	if err := d.history.Append(ctx, agg); err != nil {
		d.log.Warn().Err(err).Msg("failed to store aggregated metrics")
	}
	d.checkRollback(ctx, agg)
	return &agg
}

func (d *DeploymentMetrics) Latest() *AggregatedMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return nil
	}
	cp := *d.latest
	return &cp
}

func (d *DeploymentMetrics) Range(ctx context.Context, start, end time.Time) ([]AggregatedMetrics, error) {
	return d.history.Range(ctx, start, end)
}

// Health reports on the newest aggregate of the last five minutes.
func (d *DeploymentMetrics) Health(ctx context.Context) (HealthReport, error) {
	now := d.now()
	recent, err := d.history.Range(ctx, now.Add(-healthLookback), now)
	if err != nil {
		return HealthReport{}, err
	}
	if len(recent) == 0 {
		return HealthReport{Status: "healthy", Message: "No recent metrics", Timestamp: now.UTC()}, nil
	}

	latest := recent[len(recent)-1]
	status := "healthy"
	if latest.ErrorRate >= healthyErrorRate || latest.P99ResponseTime >= healthyP99Ms {
		status = "degraded"
	}
	return HealthReport{
		Status:            status,
		ErrorRate:         latest.ErrorRate,
		P99ResponseTime:   latest.P99ResponseTime,
		RequestsPerSecond: latest.RequestsPerSecond,
		TopErrors:         latest.TopErrors,
		Timestamp:         now.UTC(),
	}, nil
}

// ExperimentResults sums the per-variant stats of key over [start, end].
func (d *DeploymentMetrics) ExperimentResults(ctx context.Context, key string, start, end time.Time) (map[string]*GroupStats, error) {
	windows, err := d.history.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}
	prefix := key + ":"
	results := map[string]*GroupStats{}
	for _, w := range windows {
		for tag, g := range w.ByExperimentVariant {
			if !strings.HasPrefix(tag, prefix) {
				continue
			}
			variant := strings.TrimPrefix(tag, prefix)
			acc, ok := results[variant]
			if !ok {
				acc = &GroupStats{}
				results[variant] = acc
			}
			acc.Count += g.Count
			acc.Errors += g.Errors
			acc.TotalResponseTime += g.TotalResponseTime
		}
	}
	for _, acc := range results {
		acc.finish()
	}
	return results, nil
}

func (d *DeploymentMetrics) checkRollback(ctx context.Context, agg AggregatedMetrics) {
	if d.flags == nil {
		return
	}
	errorLimit, hasErrorLimit := d.threshold(ctx, featureflags.KeyErrorRateThreshold)
	timeLimit, hasTimeLimit := d.threshold(ctx, featureflags.KeyResponseTimeThreshold)

	reasons := rollbackReasons(agg, errorLimit, hasErrorLimit, timeLimit, hasTimeLimit)
	if len(reasons) == 0 {
		return
	}

	now := d.now()
	d.mu.Lock()
	if !d.lastRollbackAt.IsZero() && now.Sub(d.lastRollbackAt) < d.cfg.Window {
		d.mu.Unlock()
		return
	}
	d.lastRollbackAt = now
	d.mu.Unlock()

	signal := RollbackSignal{Reasons: reasons, Metrics: agg, Timestamp: now.UTC()}
	breaker, _ := d.flags.Evaluate(ctx, featureflags.KeyCircuitBreaker, "", featureflags.EvalContext{})
	if breaker.Enabled && d.canaries != nil {
		signal.RolledBack = d.rollbackCanaries(ctx, strings.Join(reasons, "; "))
	}

	d.log.Error().Strs("reasons", reasons).Strs("rolled_back", signal.RolledBack).Msg("rollback conditions met")
	publishAlert(d.alerts, Alert{
		Topic:    TopicDeploymentRollback,
		Severity: SeverityCritical,
		Message:  "deployment rollback triggered: " + strings.Join(reasons, "; "),
		Details: map[string]interface{}{
			"reasons":    reasons,
			"rolledBack": signal.RolledBack,
			"errorRate":  agg.ErrorRate,
			"p99":        agg.P99ResponseTime,
			"version":    agg.Version,
		},
		Timestamp: signal.Timestamp,
	})
}

func (d *DeploymentMetrics) rollbackCanaries(ctx context.Context, reason string) []string {
	keys, err := d.canaries.InProgressCanaries(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to list in-progress canaries")
		return nil
	}
	var done []string
	for _, key := range keys {
		if _, err := d.canaries.RollbackCanary(ctx, key, reason, rollbackActor); err != nil {
			d.log.Error().Err(err).Str("flag", key).Msg("automatic canary rollback failed")
			continue
		}
		done = append(done, key)
	}
	return done
}

// threshold reads a numeric config flag. Zero or missing disables the check.
func (d *DeploymentMetrics) threshold(ctx context.Context, key string) (float64, bool) {
	res, err := d.flags.Evaluate(ctx, key, "", featureflags.EvalContext{})
	if err != nil {
		return 0, false
	}
	v, ok := toFloat(res.Value)
	return v, ok && v > 0
}

func rollbackReasons(agg AggregatedMetrics, errorLimit float64, hasErrorLimit bool, timeLimit float64, hasTimeLimit bool) []string {
	var reasons []string
	if hasErrorLimit && agg.ErrorRate > errorLimit {
		reasons = append(reasons, fmt.Sprintf("Error rate %.2f%% exceeds threshold %g%%", agg.ErrorRate, errorLimit))
	}
	if hasTimeLimit && agg.P99ResponseTime > timeLimit {
		reasons = append(reasons, fmt.Sprintf("P99 response time %.0fms exceeds threshold %gms", agg.P99ResponseTime, timeLimit))
	}
	return reasons
}

func summarize(window []RequestMetric, start, end time.Time, span time.Duration) AggregatedMetrics {
	agg := AggregatedMetrics{
		WindowStart:         start.UTC(),
		WindowEnd:           end.UTC(),
		TotalRequests:       len(window),
		ByEndpoint:          map[string]*GroupStats{},
		ByCanaryStage:       map[string]*GroupStats{},
		ByExperimentVariant: map[string]*GroupStats{},
	}

	times := make([]float64, 0, len(window))
	errorsByKey := map[string]int{}
	var total float64
	for _, m := range window {
		times = append(times, m.ResponseTimeMs)
		total += m.ResponseTimeMs
		if m.isError() {
			agg.TotalErrors++
			errorsByKey[fmt.Sprintf("%s %s - %d", m.Method, m.Path, m.StatusCode)]++
		}
		group(agg.ByEndpoint, m.Method+" "+m.Path, m)
		if m.CanaryStage != "" {
			group(agg.ByCanaryStage, m.CanaryStage, m)
		}
		if m.ExperimentVariant != "" {
			group(agg.ByExperimentVariant, m.ExperimentVariant, m)
		}
	}

	agg.ErrorRate = float64(agg.TotalErrors) / float64(len(window)) * 100
	agg.P50ResponseTime = nearestRank(times, 50)
	agg.P95ResponseTime = nearestRank(times, 95)
	agg.P99ResponseTime = nearestRank(times, 99)
	agg.AvgResponseTime = total / float64(len(window))
	agg.RequestsPerSecond = float64(len(window)) / span.Seconds()
	agg.TopErrors = topErrors(errorsByKey, topErrorsLimit)

	for _, groups := range []map[string]*GroupStats{agg.ByEndpoint, agg.ByCanaryStage, agg.ByExperimentVariant} {
		for _, g := range groups {
			g.finish()
		}
	}
	return agg
}

func group(groups map[string]*GroupStats, key string, m RequestMetric) {
	g, ok := groups[key]
	if !ok {
		g = &GroupStats{}
		groups[key] = g
	}
	g.add(m)
}

// nearestRank reports 0 for an empty window.
func nearestRank(times stats.Float64Data, p float64) float64 {
	v, err := stats.PercentileNearestRank(times, p)
	if err != nil {
		return 0
	}
	return v
}

func topErrors(counts map[string]int, limit int) []ErrorCount {
	out := make([]ErrorCount, 0, len(counts))
	for key, n := range counts {
		out = append(out, ErrorCount{Error: key, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Error < out[j].Error
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
