package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/cryptodash/webhookd/internal/kv"
	"github.com/cryptodash/webhookd/internal/model"
)

// maxLogs caps the per-subscription delivery log ring buffer.
const maxLogs = 100

// LogStore persists each subscription's delivery-log ring buffer: the 100
// most recent attempts, newest first, oldest evicted on overflow.
type LogStore struct {
	kv kv.Store
}

// Append inserts a delivery log at the head of its subscription's buffer,
// evicting the oldest entry past the cap.
func (s *LogStore) Append(ctx context.Context, log model.WebhookDeliveryLog) error {
	logs, err := s.List(ctx, log.WebhookID)
	if err != nil {
		return err
	}
	logs = append([]model.WebhookDeliveryLog{log}, logs...)
	if len(logs) > maxLogs {
		logs = logs[:maxLogs]
	}
	return setJSON(ctx, s.kv, logsKey(log.WebhookID), logs)
}

// List returns the current buffer, newest first. A subscription with no
// deliveries yields an empty list.
func (s *LogStore) List(ctx context.Context, webhookID uuid.UUID) ([]model.WebhookDeliveryLog, error) {
	var logs []model.WebhookDeliveryLog
	if _, err := getJSON(ctx, s.kv, logsKey(webhookID), &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Delete drops a subscription's entire buffer.
func (s *LogStore) Delete(ctx context.Context, webhookID uuid.UUID) error {
	return s.kv.Delete(ctx, logsKey(webhookID))
}
