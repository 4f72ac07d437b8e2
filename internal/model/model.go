package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/cryptodash/webhookd/internal/event"
)

// WebhookSubscription is a durable registration of interest in one or more
// event types. The secret is generated at creation and can be rotated without
// changing the subscription's identity.
type WebhookSubscription struct {
	ID                 uuid.UUID         `json:"id"`
	KeyID              string            `json:"key_id"`
	URL                string            `json:"url"`
	Events             []event.Type      `json:"events"`
	Secret             string            `json:"secret"`
	Active             bool              `json:"active"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DeliveryCount      int               `json:"delivery_count"`
	LastDeliveryAt     *time.Time        `json:"last_delivery_at,omitempty"`
	LastDeliveryStatus *string           `json:"last_delivery_status,omitempty"`
}

// SubscribesTo reports whether the subscription's event set contains t.
func (s *WebhookSubscription) SubscribesTo(t event.Type) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// WebhookDeliveryLog records one delivery attempt. Logs are written once by
// the delivery engine and never mutated.
type WebhookDeliveryLog struct {
	ID          uuid.UUID  `json:"id"`
	WebhookID   uuid.UUID  `json:"webhook_id"`
	Event       event.Type `json:"event"`
	URL         string     `json:"url"`
	Payload     string     `json:"payload"`
	StatusCode  *int       `json:"status_code,omitempty"`
	Response    *string    `json:"response,omitempty"`
	Success     bool       `json:"success"`
	DeliveredAt time.Time  `json:"delivered_at"`
	Duration    int64      `json:"duration_ms"`
	Error       *string    `json:"error,omitempty"`
}

// WebhookPayload is the wire envelope POSTed to subscribers. Signature is
// attached by the delivery engine immediately before transmission; callers
// constructing an envelope leave it empty.
type WebhookPayload struct {
	Event     event.Type `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data"`
	Signature string     `json:"signature,omitempty"`
}

// WebhookStats aggregates delivery outcomes across all of a key's
// subscriptions.
type WebhookStats struct {
	Total           int     `json:"total"`
	Active          int     `json:"active"`
	TotalDeliveries int     `json:"total_deliveries"`
	SuccessRate     float64 `json:"success_rate"`
}
