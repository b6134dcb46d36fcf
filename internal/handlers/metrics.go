package handlers

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/services"
	"github.com/rupaya/backend/internal/services/featureflags"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"gorm.io/gorm"
)

var startTime = time.Now()

type MetricsHandler struct {
	db           *gorm.DB
	cleanup      *services.CleanupScheduler
	deployment   *services.DeploymentMetrics
	evaluator    *featureflags.Evaluator
	tokenService *services.TokenService
	queue        services.TaskQueue
}

func NewMetricsHandler(db *gorm.DB, cleanup *services.CleanupScheduler, deployment *services.DeploymentMetrics, evaluator *featureflags.Evaluator, tokenService *services.TokenService, queue services.TaskQueue) *MetricsHandler {
	return &MetricsHandler{
		db:           db,
		cleanup:      cleanup,
		deployment:   deployment,
		evaluator:    evaluator,
		tokenService: tokenService,
		queue:        queue,
	}
}

// Metrics returns Prometheus-compatible text format metrics.
// Any component left nil is skipped.
func (h *MetricsHandler) Metrics(c *gin.Context) {
	var b strings.Builder

	// -- Runtime metrics --
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeGauge(&b, "rupaya_uptime_seconds", "Time since server start in seconds", time.Since(startTime).Seconds())
	writeGauge(&b, "rupaya_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))
	writeGauge(&b, "rupaya_memory_alloc_bytes", "Current heap allocation in bytes", float64(m.Alloc))
	writeGauge(&b, "rupaya_memory_sys_bytes", "Total memory obtained from OS in bytes", float64(m.Sys))
	writeGauge(&b, "rupaya_gc_runs_total", "Total number of GC runs", float64(m.NumGC))

	// -- Process and host metrics --
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			writeGauge(&b, "rupaya_process_resident_memory_bytes", "Resident set size of the server process", float64(info.RSS))
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			writeGauge(&b, "rupaya_process_cpu_percent", "CPU usage of the server process since start", cpu)
		}
		if threads, err := proc.NumThreads(); err == nil {
			writeGauge(&b, "rupaya_process_threads", "OS threads used by the server process", float64(threads))
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		writeGauge(&b, "rupaya_host_memory_used_percent", "Host memory in use", vm.UsedPercent)
	}

	// -- Database metrics --
	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			stats := sqlDB.Stats()
			writeGauge(&b, "rupaya_db_open_connections", "Number of open DB connections", float64(stats.OpenConnections))
			writeGauge(&b, "rupaya_db_in_use_connections", "Number of in-use DB connections", float64(stats.InUse))
			writeGauge(&b, "rupaya_db_idle_connections", "Number of idle DB connections", float64(stats.Idle))
		}
	}

	// -- Queue metrics --
	queueAsync := 0.0
	if h.queue != nil && h.queue.IsAsync() {
		queueAsync = 1.0
	}
	writeGauge(&b, "rupaya_queue_async_enabled", "Whether async queue (Redis) is enabled (1=yes, 0=no)", queueAsync)

	// -- Token cleanup metrics --
	if h.cleanup != nil {
		s := h.cleanup.Status()
		writeCounter(&b, "rupaya_token_cleanup_runs_total", "Token cleanup runs since start", float64(s.TotalRuns))
		writeCounter(&b, "rupaya_token_cleanup_failures_total", "Failed token cleanup runs since start", float64(s.FailedRuns))
		writeCounter(&b, "rupaya_token_cleanup_deleted_total", "Revoked tokens deleted since start", float64(s.TotalTokensDeleted))
		writeGauge(&b, "rupaya_token_cleanup_average_ms", "Average token cleanup duration in milliseconds", s.AverageCleanupMs)
		writeGauge(&b, "rupaya_token_cleanup_consecutive_failures", "Failed token cleanup runs in a row", float64(s.ConsecutiveFailures))
		healthy := 1.0
		if s.Status != "healthy" {
			healthy = 0
		}
		writeGauge(&b, "rupaya_token_cleanup_healthy", "Whether the last token cleanup succeeded (1=yes, 0=no)", healthy)
	}
	if h.tokenService != nil {
		if stats, err := h.tokenService.Stats(c.Request.Context()); err == nil {
			writeGauge(&b, "rupaya_refresh_tokens_active", "Refresh tokens neither revoked nor expired", float64(stats.Active))
			writeGauge(&b, "rupaya_refresh_tokens_revoked", "Revoked refresh tokens awaiting cleanup", float64(stats.Revoked))
			writeGauge(&b, "rupaya_refresh_tokens_expired", "Expired refresh tokens", float64(stats.Expired))
		}
	}

	// -- Request metrics (latest window) --
	if h.deployment != nil {
		if agg := h.deployment.Latest(); agg != nil {
			writeGauge(&b, "rupaya_http_requests_per_second", "Requests per second over the last window", agg.RequestsPerSecond)
			writeGauge(&b, "rupaya_http_error_rate_percent", "Share of 4xx/5xx responses over the last window", agg.ErrorRate)
			writeGauge(&b, "rupaya_http_response_time_p50_ms", "Median response time over the last window", agg.P50ResponseTime)
			writeGauge(&b, "rupaya_http_response_time_p95_ms", "95th percentile response time over the last window", agg.P95ResponseTime)
			writeGauge(&b, "rupaya_http_response_time_p99_ms", "99th percentile response time over the last window", agg.P99ResponseTime)
		}
	}

	// -- Feature flag metrics --
	if h.evaluator != nil {
		snap := h.evaluator.Usage().Snapshot()
		writeCounter(&b, "rupaya_flag_checks_total", "Feature flag evaluations since start", float64(snap.ChecksTotal))
		if len(snap.ChecksPerFlag) > 0 {
			b.WriteString("# HELP rupaya_flag_checks Feature flag evaluations since start by flag\n")
			b.WriteString("# TYPE rupaya_flag_checks counter\n")
			for _, key := range snap.TopFlags(len(snap.ChecksPerFlag)) {
				fmt.Fprintf(&b, "rupaya_flag_checks{flag=%q} %d\n", key, snap.ChecksPerFlag[key])
			}
			b.WriteString("\n")
		}
	}

	c.Data(200, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	writeMetric(b, "gauge", name, help, value)
}

func writeCounter(b *strings.Builder, name, help string, value float64) {
	writeMetric(b, "counter", name, help, value)
}

func writeMetric(b *strings.Builder, kind, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(b, "%s %g\n\n", name, value)
}
