package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/services"
)

// MetricsRecorder receives one metric per finished request.
type MetricsRecorder interface {
	Record(m services.RequestMetric)
}

// metricsWriter records the request the first time the response is
// committed, whichever write path the handler takes.
type metricsWriter struct {
	gin.ResponseWriter
	once   sync.Once
	commit func(status int)
}

func (w *metricsWriter) committed() {
	w.once.Do(func() { w.commit(w.ResponseWriter.Status()) })
}

func (w *metricsWriter) WriteHeaderNow() {
	w.committed()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *metricsWriter) Write(data []byte) (int, error) {
	w.committed()
	return w.ResponseWriter.Write(data)
}

func (w *metricsWriter) WriteString(s string) (int, error) {
	w.committed()
	return w.ResponseWriter.WriteString(s)
}

func (w *metricsWriter) Flush() {
	w.committed()
	w.ResponseWriter.Flush()
}

// RequestMetrics records latency and status of every request, tagged with
// the canary stage and experiment variant resolved while handling it.
func RequestMetrics(recorder MetricsRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		w := &metricsWriter{ResponseWriter: c.Writer}
		w.commit = func(status int) {
			recorder.Record(buildMetric(c, start, status))
		}
		c.Writer = w

		c.Next()

		// handlers that only set a status never write through the wrapper
		w.committed()
	}
}

func buildMetric(c *gin.Context, start time.Time, status int) services.RequestMetric {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	userID := GetUserID(c)

	tags := map[string]string{
		"endpoint":      c.Request.Method + " " + path,
		"authenticated": strconv.FormatBool(userID != ""),
	}
	for k, v := range c.GetStringMapString(ContextMetricsTags) {
		tags[k] = v
	}

	return services.RequestMetric{
		Timestamp:         time.Now(),
		UserID:            userID,
		Method:            c.Request.Method,
		Path:              path,
		StatusCode:        status,
		ResponseTimeMs:    float64(time.Since(start).Microseconds()) / 1000,
		CanaryStage:       c.GetString(ContextCanaryStage),
		ExperimentVariant: c.GetString(ContextExperimentVariant),
		Tags:              tags,
	}
}
