// Package delivery fans events out to subscribed endpoints: it signs the
// envelope per subscription, POSTs it with a bounded timeout, and records
// every attempt in the subscription's delivery log.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptodash/webhookd/internal/event"
	"github.com/cryptodash/webhookd/internal/model"
	"github.com/cryptodash/webhookd/internal/signing"
	"github.com/cryptodash/webhookd/internal/store"
)

const (
	// DefaultTimeout bounds each outbound delivery request.
	DefaultTimeout = 10 * time.Second

	userAgent  = "cryptodash-webhookd/1.0"
	maxBodyLen = 4096
)

type Engine struct {
	store   *store.Store
	client  *http.Client
	timeout time.Duration
}

// New builds an engine delivering through the given store. A non-positive
// timeout falls back to DefaultTimeout.
func New(s *store.Store, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		store:   s,
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Send fans the event out to every active subscription in the event's index.
// Deliveries run concurrently and independently; Send returns once all have
// settled. Individual delivery failures are captured in the returned logs,
// never as an error. No retries: a failed delivery is terminal for this
// invocation, and callers needing reliability re-trigger Send themselves.
func (e *Engine) Send(ctx context.Context, t event.Type, data any) ([]model.WebhookDeliveryLog, error) {
	subs, err := e.store.Subscriptions.ActiveByEvent(ctx, t)
	if err != nil {
		return nil, err
	}

	envelope := model.WebhookPayload{
		Event:     t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	logs := make([]model.WebhookDeliveryLog, len(subs))
	var wg sync.WaitGroup
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logs[i] = e.deliver(ctx, &subs[i], envelope)
		}(i)
	}
	wg.Wait()
	return logs, nil
}

// Test sends a synthetic system.health event to one owned subscription,
// through the same pipeline as Send but without consulting the event index.
// Returns (nil, nil) when the subscription is absent or owned by another key.
func (e *Engine) Test(ctx context.Context, keyID string, webhookID uuid.UUID) (*model.WebhookDeliveryLog, error) {
	sub, err := e.store.Subscriptions.GetByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.KeyID != keyID {
		return nil, nil
	}

	envelope := model.WebhookPayload{
		Event:     event.SystemHealth,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"message":    "test delivery",
			"webhook_id": webhookID.String(),
		},
	}
	log := e.deliver(ctx, sub, envelope)
	return &log, nil
}

// DeliveryLogs returns a subscription's delivery log, newest first.
func (e *Engine) DeliveryLogs(ctx context.Context, webhookID uuid.UUID) ([]model.WebhookDeliveryLog, error) {
	return e.store.Logs.List(ctx, webhookID)
}

// Stats aggregates delivery outcomes across all of a key's subscriptions.
// The log ring buffers are the source of truth for the counts; a key with
// zero deliveries reports a 100% success rate rather than dividing by zero.
func (e *Engine) Stats(ctx context.Context, keyID string) (*model.WebhookStats, error) {
	subs, err := e.store.Subscriptions.ListByKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	stats := &model.WebhookStats{Total: len(subs), SuccessRate: 100}
	successes := 0
	for _, sub := range subs {
		if sub.Active {
			stats.Active++
		}
		logs, err := e.store.Logs.List(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		stats.TotalDeliveries += len(logs)
		for _, l := range logs {
			if l.Success {
				successes++
			}
		}
	}
	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalDeliveries) * 100
	}
	return stats, nil
}

// deliver signs the envelope for one subscription, POSTs it, and persists
// the resulting log and denormalized stats. The signed serialization is what
// goes over the wire and into the log, not the unsigned envelope.
func (e *Engine) deliver(ctx context.Context, sub *model.WebhookSubscription, envelope model.WebhookPayload) model.WebhookDeliveryLog {
	deliveryID := uuid.New()
	start := time.Now().UTC()

	logEntry := model.WebhookDeliveryLog{
		ID:          deliveryID,
		WebhookID:   sub.ID,
		Event:       envelope.Event,
		URL:         sub.URL,
		DeliveredAt: start,
	}

	unsigned, err := json.Marshal(envelope)
	if err != nil {
		msg := err.Error()
		logEntry.Error = &msg
		e.persist(ctx, sub, &logEntry, start)
		return logEntry
	}

	signed := envelope
	signed.Signature = "sha256=" + signing.Sign(string(unsigned), sub.Secret)
	body, _ := json.Marshal(signed)
	logEntry.Payload = string(body)

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		msg := err.Error()
		logEntry.Error = &msg
	} else {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("X-Webhook-Signature", signed.Signature)
		req.Header.Set("X-Webhook-Event", envelope.Event.String())
		req.Header.Set("X-Webhook-Timestamp", envelope.Timestamp.Format(time.RFC3339))
		req.Header.Set("X-Webhook-Id", deliveryID.String())

		resp, err := e.client.Do(req)
		if err != nil {
			msg := err.Error()
			logEntry.Error = &msg
		} else {
			statusCode := resp.StatusCode
			logEntry.StatusCode = &statusCode
			logEntry.Success = statusCode >= 200 && statusCode < 300

			// Best-effort body capture: a read failure must not mask the
			// status code we already have.
			if respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyLen)); err == nil {
				text := string(respBody)
				logEntry.Response = &text
			}
			resp.Body.Close()
		}
	}

	logEntry.Duration = time.Since(start).Milliseconds()
	e.persist(ctx, sub, &logEntry, start)

	if !logEntry.Success {
		slog.Warn("webhook delivery failed",
			"webhook_id", sub.ID,
			"event", envelope.Event,
			"url", sub.URL,
			"delivery_id", deliveryID)
	}
	return logEntry
}

// persist appends the log entry and folds the outcome into the
// subscription's stats. Storage failures here are logged, not surfaced: the
// delivery outcome itself is already decided.
func (e *Engine) persist(ctx context.Context, sub *model.WebhookSubscription, logEntry *model.WebhookDeliveryLog, at time.Time) {
	if err := e.store.Logs.Append(ctx, *logEntry); err != nil {
		slog.Error("failed to append delivery log", "error", err, "webhook_id", sub.ID)
	}
	if err := e.store.Subscriptions.RecordDelivery(ctx, sub.ID, logEntry.Success, at); err != nil {
		slog.Error("failed to record delivery stats", "error", err, "webhook_id", sub.ID)
	}
}
