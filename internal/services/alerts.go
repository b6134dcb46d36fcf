package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/rupaya/backend/pkg/logger"
)

// Alert topics published on the bus.
const (
	TopicCleanupCritical    = "cleanup:critical"
	TopicCleanupStalled     = "cleanup:stalled"
	TopicDeploymentRollback = "deployment:rollback"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the payload carried by every alert topic.
type Alert struct {
	Topic     string                 `json:"topic"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AlertPublisher is the narrow view of the bus the producers need.
type AlertPublisher interface {
	Publish(topic string, args ...interface{})
}

func NewAlertBus() evbus.Bus {
	return evbus.New()
}

func publishAlert(pub AlertPublisher, alert Alert) {
	if pub == nil {
		return
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	pub.Publish(alert.Topic, alert)
}

// AlertNotifier forwards alerts to the log and, when configured, to a
// webhook (Slack-compatible "text" payload plus the structured alert).
type AlertNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewAlertNotifier(webhookURL string) *AlertNotifier {
	return &AlertNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Subscribe attaches the notifier to every alert topic. Webhook delivery
// runs off the publisher's goroutine.
func (n *AlertNotifier) Subscribe(bus evbus.Bus) error {
	for _, topic := range []string{TopicCleanupCritical, TopicCleanupStalled, TopicDeploymentRollback} {
		if err := bus.SubscribeAsync(topic, n.Handle, false); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (n *AlertNotifier) Handle(alert Alert) {
	event := logger.Warn()
	if alert.Severity == SeverityCritical {
		event = logger.Error()
	}
	event.Str("topic", alert.Topic).
		Str("severity", string(alert.Severity)).
		Interface("details", alert.Details).
		Msg(alert.Message)

	if n.webhookURL == "" {
		return
	}
	if err := n.postJSON(n.webhookURL, map[string]interface{}{
		"text":  n.buildMessage(alert),
		"alert": alert,
	}); err != nil {
		logger.Error().Err(err).Str("topic", alert.Topic).Msg("failed to deliver alert webhook")
	}
}

func (n *AlertNotifier) buildMessage(alert Alert) string {
	var sb strings.Builder
	switch alert.Severity {
	case SeverityCritical:
		sb.WriteString("[CRITICAL] ")
	case SeverityWarning:
		sb.WriteString("[WARNING] ")
	default:
		sb.WriteString("[INFO] ")
	}
	sb.WriteString(alert.Topic)
	sb.WriteString(": ")
	sb.WriteString(alert.Message)
	return sb.String()
}

func (n *AlertNotifier) postJSON(webhookURL string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := n.client.Post(webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	logger.Debug().Str("url", webhookURL).Int("status", resp.StatusCode).Msg("alert webhook delivered")
	return nil
}
