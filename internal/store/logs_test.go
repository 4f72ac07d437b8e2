package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cryptodash/webhookd/internal/event"
	"github.com/cryptodash/webhookd/internal/kv"
	"github.com/cryptodash/webhookd/internal/model"
)

func TestLogAppendNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())
	webhookID := uuid.New()

	for i := 0; i < 3; i++ {
		err := s.Logs.Append(ctx, model.WebhookDeliveryLog{
			ID:          uuid.New(),
			WebhookID:   webhookID,
			Event:       event.NewsNew,
			URL:         fmt.Sprintf("https://example.com/%d", i),
			DeliveredAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	logs, err := s.Logs.List(ctx, webhookID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].URL != "https://example.com/2" || logs[2].URL != "https://example.com/0" {
		t.Fatalf("logs should be newest first: %s, %s", logs[0].URL, logs[2].URL)
	}
}

func TestLogRingBufferCap(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())
	webhookID := uuid.New()

	for i := 0; i < maxLogs+20; i++ {
		err := s.Logs.Append(ctx, model.WebhookDeliveryLog{
			ID:          uuid.New(),
			WebhookID:   webhookID,
			Event:       event.NewsNew,
			URL:         fmt.Sprintf("https://example.com/%d", i),
			DeliveredAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	logs, err := s.Logs.List(ctx, webhookID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(logs) != maxLogs {
		t.Fatalf("buffer should cap at %d entries, got %d", maxLogs, len(logs))
	}
	// The most recent entry is at the head, the oldest retained is 20 behind the total
	if logs[0].URL != fmt.Sprintf("https://example.com/%d", maxLogs+19) {
		t.Errorf("head should be the most recent entry, got %s", logs[0].URL)
	}
	if logs[maxLogs-1].URL != "https://example.com/20" {
		t.Errorf("tail should be the oldest retained entry, got %s", logs[maxLogs-1].URL)
	}
}

func TestLogListEmpty(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemory())

	logs, err := s.Logs.List(ctx, uuid.New())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no logs, got %d", len(logs))
	}
}
