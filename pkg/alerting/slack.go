// Package alerting notifies operators of pool exhaustion and peer-sync
// outages. It is an optional integration: when no webhook URL is
// configured, Notifier becomes a logging-only no-op.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/etsi014/kme/internal/telemetry"
	"github.com/etsi014/kme/pkg/keyrecord"
)

// Notifier posts operational alerts to a Slack incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a Notifier. If webhookURL is empty, IsEnabled reports
// false and PoolExhausted/SyncExhausted become no-ops that only log.
func NewNotifier(webhookURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// IsEnabled returns true if a webhook URL is configured.
func (n *Notifier) IsEnabled() bool {
	return n.webhookURL != ""
}

type webhookPayload struct {
	Text string `json:"text"`
}

// PoolExhausted alerts that a pair's key pool reached keyrecord.HealthEmpty.
func (n *Notifier) PoolExhausted(ctx context.Context, pair keyrecord.Pair, currentCount int) {
	n.post(ctx, "pool_exhausted", fmt.Sprintf(":rotating_light: key pool exhausted for %s<->%s (current_count=%d)",
		pair.MasterSAEID, pair.SlaveSAEID, currentCount))
}

// SyncExhausted alerts that a sync attempt for the given pair exhausted its
// retry budget, leaving the peer unreachable.
func (n *Notifier) SyncExhausted(ctx context.Context, pairKey string, err error) {
	n.post(ctx, "sync_exhausted", fmt.Sprintf(":warning: peer sync for pair %s failed after retries: %v", pairKey, err))
}

// PublishHealth implements pool.EventPublisher so the Notifier can be
// composed alongside the Redis health publisher: a transition to
// keyrecord.HealthEmpty raises PoolExhausted, other transitions are silent
// here since they are not alert-worthy on their own.
func (n *Notifier) PublishHealth(ctx context.Context, pair keyrecord.Pair, health keyrecord.Health, currentCount int) {
	if health == keyrecord.HealthEmpty {
		n.PoolExhausted(ctx, pair, currentCount)
	}
}

func (n *Notifier) post(ctx context.Context, reason, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack alerting disabled, skipping", "text", text)
		return
	}

	body, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		n.logger.Error("marshalling slack alert", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("building slack alert request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("posting slack alert", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		n.logger.Error("slack alert rejected", "status", resp.StatusCode)
		return
	}
	telemetry.AlertsSentTotal.WithLabelValues(reason).Inc()
}
