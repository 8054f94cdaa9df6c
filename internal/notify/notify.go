// Package notify posts engine events to an operator-configured webhook.
// Delivery is best effort: a failed notification is logged, never retried
// through the job queue, and never blocks the event that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/pkg/httpretry"
	"github.com/cadencehq/cadence/internal/pkg/logger"
)

// Webhook posts JSON events to a single URL.
type Webhook struct {
	url     string
	client  httpretry.Doer
	timeout time.Duration
}

// NewWebhook creates a webhook notifier. Returns nil when url is empty,
// which callers treat as notifications disabled.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:     url,
		client:  httpretry.New(&http.Client{Timeout: timeout}, 2),
		timeout: timeout,
	}
}

type event struct {
	Event      string    `json:"event"`
	CampaignID uuid.UUID `json:"campaign_id"`
	At         time.Time `json:"at"`
}

// CampaignCompleted posts a completion event. Runs detached from the
// caller's context so a finishing job's teardown cannot cut it short.
func (w *Webhook) CampaignCompleted(_ context.Context, campaignID uuid.UUID) {
	go w.post(event{
		Event:      "campaign.completed",
		CampaignID: campaignID,
		At:         time.Now().UTC(),
	})
}

func (w *Webhook) post(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout*3)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		logger.Error("webhook payload encode failed", "event", ev.Event, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		logger.Error("webhook request build failed", "event", ev.Event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		logger.Warn("webhook delivery failed", "event", ev.Event, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn("webhook rejected", "event", ev.Event, "status", resp.StatusCode)
		return
	}
	logger.Debug("webhook delivered", "event", ev.Event, "campaign_id", ev.CampaignID)
}
