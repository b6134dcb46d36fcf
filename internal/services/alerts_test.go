package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertNotifier_PostsWebhook(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		payloads = append(payloads, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := NewAlertBus()
	notifier := NewAlertNotifier(srv.URL)
	require.NoError(t, notifier.Subscribe(bus))

	publishAlert(bus, Alert{Topic: TopicCleanupCritical, Severity: SeverityCritical, Message: "3 consecutive cleanup failures"})
	bus.WaitAsync()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "[CRITICAL] cleanup:critical: 3 consecutive cleanup failures", payloads[0]["text"])
	alert := payloads[0]["alert"].(map[string]interface{})
	assert.Equal(t, TopicCleanupCritical, alert["topic"])
	assert.NotEmpty(t, alert["timestamp"])
}

func TestAlertNotifier_WebhookFailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewAlertNotifier(srv.URL)
	err := n.postJSON(srv.URL, map[string]string{"text": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	// Handle swallows delivery errors
	n.Handle(Alert{Topic: TopicCleanupStalled, Severity: SeverityWarning, Message: "stalled"})
}

func TestAlertNotifier_BuildMessage(t *testing.T) {
	n := NewAlertNotifier("")
	assert.Equal(t, "[WARNING] cleanup:stalled: no progress",
		n.buildMessage(Alert{Topic: TopicCleanupStalled, Severity: SeverityWarning, Message: "no progress"}))
	assert.Equal(t, "[INFO] deployment:rollback: ok",
		n.buildMessage(Alert{Topic: TopicDeploymentRollback, Severity: SeverityInfo, Message: "ok"}))
}

func TestPublishAlert_SetsTimestamp(t *testing.T) {
	bus := &recordingBus{}
	publishAlert(bus, Alert{Topic: TopicCleanupStalled})
	publishAlert(nil, Alert{Topic: TopicCleanupStalled})

	require.Len(t, bus.alerts, 1)
	assert.WithinDuration(t, time.Now(), bus.alerts[0].Timestamp, time.Second)
}
