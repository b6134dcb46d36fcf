package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/middleware"
)

const timeFormat = time.RFC3339

var errTimeRangeRequired = errors.New("startTime and endTime query parameters required")

// actor names the admin behind a change for logs and flag history.
func actor(c *gin.Context) string {
	if id := middleware.GetUserID(c); id != "" {
		return id
	}
	return "admin"
}

// parseTimeRange reads ISO-8601 startTime/endTime query parameters.
// When both are absent and fallback is positive the range ends now and
// spans fallback.
func parseTimeRange(c *gin.Context, fallback time.Duration) (time.Time, time.Time, error) {
	rawStart, rawEnd := c.Query("startTime"), c.Query("endTime")
	if rawStart == "" && rawEnd == "" && fallback > 0 {
		end := time.Now().UTC()
		return end.Add(-fallback), end, nil
	}
	if rawStart == "" || rawEnd == "" {
		return time.Time{}, time.Time{}, errTimeRangeRequired
	}
	start, err := parseTime(rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid startTime")
	}
	end, err := parseTime(rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid endTime")
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("endTime must not be before startTime")
	}
	return start, end, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
