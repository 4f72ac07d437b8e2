package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/cryptodash/webhookd/internal/event"
	"github.com/cryptodash/webhookd/internal/kv"
	"github.com/cryptodash/webhookd/internal/model"
)

// ErrInvalidURL is returned when a subscription URL does not parse as an
// absolute http(s) URL.
var ErrInvalidURL = fmt.Errorf("invalid webhook URL")

// InvalidEventError reports an event type outside the fixed enumeration.
type InvalidEventError struct {
	Event string
}

func (e *InvalidEventError) Error() string {
	if e.Event == "" {
		return "at least one event type is required"
	}
	return fmt.Sprintf("invalid event type %q", e.Event)
}

// SubscriptionStore manages WebhookSubscription records and their secondary
// indices. Absence (including ownership mismatch) is reported as a nil
// record with a nil error; errors are reserved for backend failures.
type SubscriptionStore struct {
	kv kv.Store
}

// UpdatePatch carries the optional fields of an update. Nil fields are left
// untouched; Metadata is shallow-merged into the existing annotations.
type UpdatePatch struct {
	URL      *string
	Events   []event.Type
	Active   *bool
	Metadata map[string]string
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

func validateEvents(events []event.Type) error {
	if len(events) == 0 {
		return &InvalidEventError{Event: ""}
	}
	for _, t := range events {
		if !t.Valid() {
			return &InvalidEventError{Event: string(t)}
		}
	}
	return nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Register validates and persists a new subscription, then appends its id to
// the owning key's index and to the index of every subscribed event. Index
// writes happen only after the primary record write succeeds.
func (s *SubscriptionStore) Register(ctx context.Context, keyID, rawURL string, events []event.Type, metadata map[string]string) (*model.WebhookSubscription, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateEvents(events); err != nil {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &model.WebhookSubscription{
		ID:        uuid.New(),
		KeyID:     keyID,
		URL:       rawURL,
		Events:    events,
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}

	if err := setJSON(ctx, s.kv, subscriptionKey(sub.ID), sub); err != nil {
		return nil, err
	}
	if err := s.addToIndex(ctx, keyIndexKey(keyID), sub.ID); err != nil {
		return nil, err
	}
	for _, t := range events {
		if err := s.addToIndex(ctx, eventIndexKey(t), sub.ID); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// GetByID fetches a subscription by id. Returns (nil, nil) when absent.
func (s *SubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookSubscription, error) {
	var sub model.WebhookSubscription
	found, err := getJSON(ctx, s.kv, subscriptionKey(id), &sub)
	if err != nil || !found {
		return nil, err
	}
	return &sub, nil
}

// ListByKey resolves the key index and fetches each record. Ids whose
// primary record is missing are skipped; a torn delete must not fail reads.
func (s *SubscriptionStore) ListByKey(ctx context.Context, keyID string) ([]model.WebhookSubscription, error) {
	ids, err := s.readIndex(ctx, keyIndexKey(keyID))
	if err != nil {
		return nil, err
	}
	subs := make([]model.WebhookSubscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			continue
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// ActiveByEvent resolves the event index and returns the active
// subscriptions among its entries.
func (s *SubscriptionStore) ActiveByEvent(ctx context.Context, t event.Type) ([]model.WebhookSubscription, error) {
	ids, err := s.readIndex(ctx, eventIndexKey(t))
	if err != nil {
		return nil, err
	}
	subs := make([]model.WebhookSubscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub == nil || !sub.Active {
			continue
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// getOwned fetches a subscription and enforces ownership. A record owned by
// a different key is reported the same as an absent one so existence never
// leaks across tenants.
func (s *SubscriptionStore) getOwned(ctx context.Context, id uuid.UUID, keyID string) (*model.WebhookSubscription, error) {
	sub, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.KeyID != keyID {
		return nil, nil
	}
	return sub, nil
}

// Update applies a patch to an owned subscription, re-validating URL and
// events the same way Register does. When the event set changes, the event
// indices are reconciled: removed from indices no longer subscribed, added
// (idempotently) to newly subscribed ones.
func (s *SubscriptionStore) Update(ctx context.Context, id uuid.UUID, keyID string, patch UpdatePatch) (*model.WebhookSubscription, error) {
	sub, err := s.getOwned(ctx, id, keyID)
	if err != nil || sub == nil {
		return nil, err
	}

	if patch.URL != nil {
		if err := validateURL(*patch.URL); err != nil {
			return nil, err
		}
	}
	if patch.Events != nil {
		if err := validateEvents(patch.Events); err != nil {
			return nil, err
		}
	}

	oldEvents := sub.Events
	if patch.URL != nil {
		sub.URL = *patch.URL
	}
	if patch.Events != nil {
		sub.Events = patch.Events
	}
	if patch.Active != nil {
		sub.Active = *patch.Active
	}
	if patch.Metadata != nil {
		if sub.Metadata == nil {
			sub.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			sub.Metadata[k] = v
		}
	}
	sub.UpdatedAt = time.Now().UTC()

	if err := setJSON(ctx, s.kv, subscriptionKey(sub.ID), sub); err != nil {
		return nil, err
	}

	if patch.Events != nil {
		for _, t := range diffEvents(oldEvents, sub.Events) {
			if err := s.removeFromIndex(ctx, eventIndexKey(t), sub.ID); err != nil {
				return nil, err
			}
		}
		for _, t := range diffEvents(sub.Events, oldEvents) {
			if err := s.addToIndex(ctx, eventIndexKey(t), sub.ID); err != nil {
				return nil, err
			}
		}
	}
	return sub, nil
}

// Delete removes an owned subscription, its index entries, and its delivery
// logs. Returns false without side effects when the ownership check fails.
func (s *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID, keyID string) (bool, error) {
	sub, err := s.getOwned(ctx, id, keyID)
	if err != nil || sub == nil {
		return false, err
	}

	if err := s.kv.Delete(ctx, subscriptionKey(id)); err != nil {
		return false, err
	}
	if err := s.removeFromIndex(ctx, keyIndexKey(keyID), id); err != nil {
		return false, err
	}
	for _, t := range sub.Events {
		if err := s.removeFromIndex(ctx, eventIndexKey(t), id); err != nil {
			return false, err
		}
	}
	if err := s.kv.Delete(ctx, logsKey(id)); err != nil {
		return false, err
	}
	return true, nil
}

// RegenerateSecret rotates an owned subscription's secret in place, leaving
// its identity, event set, and delivery history untouched. Returns the new
// secret, or "" when the ownership check fails.
func (s *SubscriptionStore) RegenerateSecret(ctx context.Context, id uuid.UUID, keyID string) (string, error) {
	sub, err := s.getOwned(ctx, id, keyID)
	if err != nil || sub == nil {
		return "", err
	}

	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	sub.Secret = secret
	sub.UpdatedAt = time.Now().UTC()

	if err := setJSON(ctx, s.kv, subscriptionKey(sub.ID), sub); err != nil {
		return "", err
	}
	return secret, nil
}

// RecordDelivery folds one delivery outcome into the subscription's
// denormalized stats. A missing record is ignored: the subscription may have
// been deleted while its delivery was in flight.
func (s *SubscriptionStore) RecordDelivery(ctx context.Context, id uuid.UUID, success bool, at time.Time) error {
	sub, err := s.GetByID(ctx, id)
	if err != nil || sub == nil {
		return err
	}
	status := "failed"
	if success {
		status = "success"
	}
	sub.DeliveryCount++
	sub.LastDeliveryAt = &at
	sub.LastDeliveryStatus = &status
	sub.UpdatedAt = time.Now().UTC()
	return setJSON(ctx, s.kv, subscriptionKey(sub.ID), sub)
}

func (s *SubscriptionStore) readIndex(ctx context.Context, key string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if _, err := getJSON(ctx, s.kv, key, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SubscriptionStore) addToIndex(ctx context.Context, key string, id uuid.UUID) error {
	ids, err := s.readIndex(ctx, key)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return setJSON(ctx, s.kv, key, append(ids, id))
}

func (s *SubscriptionStore) removeFromIndex(ctx context.Context, key string, id uuid.UUID) error {
	ids, err := s.readIndex(ctx, key)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	return setJSON(ctx, s.kv, key, kept)
}

// diffEvents returns the types present in a but not in b.
func diffEvents(a, b []event.Type) []event.Type {
	var out []event.Type
	for _, t := range a {
		found := false
		for _, u := range b {
			if t == u {
				found = true
				break
			}
		}
		if !found {
			out = append(out, t)
		}
	}
	return out
}
