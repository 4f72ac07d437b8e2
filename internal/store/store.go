// Package store implements the subscription registry: CRUD over webhook
// subscriptions plus the secondary indices (by owning key, by event type)
// and the per-subscription delivery-log ring buffer, all persisted through
// the kv.Store contract.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cryptodash/webhookd/internal/event"
	"github.com/cryptodash/webhookd/internal/kv"
)

type Store struct {
	Subscriptions *SubscriptionStore
	Logs          *LogStore
}

func New(backend kv.Store) *Store {
	return &Store{
		Subscriptions: &SubscriptionStore{kv: backend},
		Logs:          &LogStore{kv: backend},
	}
}

// Keyspace layout. Indices hold JSON arrays of subscription ids.
func subscriptionKey(id uuid.UUID) string { return "webhook:" + id.String() }
func keyIndexKey(keyID string) string     { return "key-webhooks:" + keyID }
func eventIndexKey(t event.Type) string   { return "event-webhooks:" + string(t) }
func logsKey(webhookID uuid.UUID) string  { return "webhook-logs:" + webhookID.String() }

// getJSON unmarshals the value at key into dest. Returns false with a nil
// error when the key is absent.
func getJSON(ctx context.Context, backend kv.Store, key string, dest any) (bool, error) {
	raw, err := backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, backend kv.Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return backend.Set(ctx, key, raw)
}
