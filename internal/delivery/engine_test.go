package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cryptodash/webhookd/internal/event"
	"github.com/cryptodash/webhookd/internal/kv"
	"github.com/cryptodash/webhookd/internal/model"
	"github.com/cryptodash/webhookd/internal/signing"
	"github.com/cryptodash/webhookd/internal/store"
)

type received struct {
	body    []byte
	headers http.Header
}

// newReceiver starts a test server that records every request and answers
// with the given status.
func newReceiver(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()

	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{body: body, headers: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte("ack"))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func TestSendDeliversSignedPayload(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	srv, requests := newReceiver(t, http.StatusOK)

	sub, err := s.Subscriptions.Register(ctx, "key-1", srv.URL, []event.Type{event.NewsBreaking}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	logs, err := engine.Send(ctx, event.NewsBreaking, map[string]any{"title": "X"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 delivery log, got %d", len(logs))
	}

	l := logs[0]
	if !l.Success {
		t.Errorf("delivery should succeed, error=%v", l.Error)
	}
	if l.StatusCode == nil || *l.StatusCode != http.StatusOK {
		t.Errorf("status code should be 200, got %v", l.StatusCode)
	}
	if l.Response == nil || *l.Response != "ack" {
		t.Errorf("response body should be captured, got %v", l.Response)
	}
	if l.Event != event.NewsBreaking || l.WebhookID != sub.ID {
		t.Errorf("log should snapshot event and subscription: %v %v", l.Event, l.WebhookID)
	}

	// Denormalized stats updated
	got, _ := s.Subscriptions.GetByID(ctx, sub.ID)
	if got.DeliveryCount != 1 {
		t.Errorf("deliveryCount should be 1, got %d", got.DeliveryCount)
	}
	if got.LastDeliveryStatus == nil || *got.LastDeliveryStatus != "success" {
		t.Errorf("lastDeliveryStatus should be success, got %v", got.LastDeliveryStatus)
	}

	// The transmitted body carries the signature and verifies against the
	// unsigned serialization of the same envelope.
	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("receiver should see 1 request, got %d", len(reqs))
	}
	var envelope model.WebhookPayload
	if err := json.Unmarshal(reqs[0].body, &envelope); err != nil {
		t.Fatalf("body should be a JSON envelope: %v", err)
	}
	if envelope.Event != event.NewsBreaking {
		t.Errorf("unexpected event in envelope: %s", envelope.Event)
	}
	if envelope.Signature == "" {
		t.Fatal("transmitted envelope should carry a signature")
	}
	if envelope.Signature != reqs[0].headers.Get("X-Webhook-Signature") {
		t.Error("header signature should match envelope signature")
	}
	if reqs[0].headers.Get("X-Webhook-Event") != string(event.NewsBreaking) {
		t.Error("X-Webhook-Event header should carry the event name")
	}
	if reqs[0].headers.Get("X-Webhook-Id") == "" {
		t.Error("X-Webhook-Id header should carry the delivery id")
	}
	if reqs[0].headers.Get("X-Webhook-Timestamp") == "" {
		t.Error("X-Webhook-Timestamp header should be set")
	}

	unsignedEnvelope := envelope
	unsignedEnvelope.Signature = ""
	unsigned, _ := json.Marshal(unsignedEnvelope)
	if !signing.Verify(string(unsigned), envelope.Signature[len("sha256="):], got.Secret) {
		t.Error("signature should verify against the unsigned envelope and subscription secret")
	}

	// The log stores the signed serialization, byte-identical to the wire
	if l.Payload != string(reqs[0].body) {
		t.Error("log payload should be the transmitted signed serialization")
	}
}

func TestSendRecordsHTTPErrorStatus(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	srv, _ := newReceiver(t, http.StatusInternalServerError)

	sub, err := s.Subscriptions.Register(ctx, "key-1", srv.URL, []event.Type{event.PriceAlert}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	logs, err := engine.Send(ctx, event.PriceAlert, map[string]any{"symbol": "BTC"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Success {
		t.Error("non-2xx response should be recorded as failure")
	}
	if logs[0].StatusCode == nil || *logs[0].StatusCode != http.StatusInternalServerError {
		t.Errorf("status code should be recorded, got %v", logs[0].StatusCode)
	}
	if logs[0].Error != nil {
		t.Errorf("completed response should not set error, got %v", *logs[0].Error)
	}

	got, _ := s.Subscriptions.GetByID(ctx, sub.ID)
	if got.LastDeliveryStatus == nil || *got.LastDeliveryStatus != "failed" {
		t.Errorf("lastDeliveryStatus should be failed, got %v", got.LastDeliveryStatus)
	}
}

func TestSendTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 100*time.Millisecond)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	if _, err := s.Subscriptions.Register(ctx, "key-1", srv.URL, []event.Type{event.SystemHealth}, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	start := time.Now()
	logs, err := engine.Send(ctx, event.SystemHealth, map[string]any{"status": "ok"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timed-out delivery should settle promptly after the timeout")
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Success {
		t.Error("timed-out delivery should be a failure")
	}
	if logs[0].StatusCode != nil {
		t.Errorf("timed-out delivery should have no status code, got %v", *logs[0].StatusCode)
	}
	if logs[0].Error == nil {
		t.Error("timed-out delivery should record an error")
	}
}

func TestSendConnectionRefused(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	// Grab a port nobody is listening on
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	if _, err := s.Subscriptions.Register(ctx, "key-1", deadURL, []event.Type{event.NewsNew}, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	logs, err := engine.Send(ctx, event.NewsNew, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Success || logs[0].Error == nil {
		t.Fatalf("network failure should yield a failed log with an error, got %+v", logs)
	}
}

func TestSendFanOutIsolation(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	okSrv, okReqs := newReceiver(t, http.StatusOK)
	failSrv, failReqs := newReceiver(t, http.StatusBadGateway)

	a, err := s.Subscriptions.Register(ctx, "key-a", okSrv.URL, []event.Type{event.NewsBreaking}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	b, err := s.Subscriptions.Register(ctx, "key-b", failSrv.URL, []event.Type{event.NewsBreaking}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	logs, err := engine.Send(ctx, event.NewsBreaking, map[string]any{"title": "X"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 delivery logs, got %d", len(logs))
	}
	if len(okReqs()) != 1 || len(failReqs()) != 1 {
		t.Fatal("both subscribers should receive independent attempts")
	}

	// No cross-contamination of logs or stats
	aLogs, _ := engine.DeliveryLogs(ctx, a.ID)
	bLogs, _ := engine.DeliveryLogs(ctx, b.ID)
	if len(aLogs) != 1 || len(bLogs) != 1 {
		t.Fatalf("each subscription should own exactly one log, got %d and %d", len(aLogs), len(bLogs))
	}
	if !aLogs[0].Success || bLogs[0].Success {
		t.Error("outcomes should be recorded under the right subscription")
	}

	gotA, _ := s.Subscriptions.GetByID(ctx, a.ID)
	gotB, _ := s.Subscriptions.GetByID(ctx, b.ID)
	if gotA.DeliveryCount != 1 || gotB.DeliveryCount != 1 {
		t.Errorf("each deliveryCount should be 1, got %d and %d", gotA.DeliveryCount, gotB.DeliveryCount)
	}
}

func TestSendSkipsInactiveSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	srv, requests := newReceiver(t, http.StatusOK)

	sub, err := s.Subscriptions.Register(ctx, "key-1", srv.URL, []event.Type{event.NewsNew}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := s.Subscriptions.Update(ctx, sub.ID, "key-1", store.UpdatePatch{Active: boolPtr(false)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	logs, err := engine.Send(ctx, event.NewsNew, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(logs) != 0 || len(requests()) != 0 {
		t.Fatal("inactive subscriptions should be excluded from delivery")
	}
}

func TestTestDelivery(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	srv, requests := newReceiver(t, http.StatusOK)

	sub, err := s.Subscriptions.Register(ctx, "key-1", srv.URL, []event.Type{event.NewsNew}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Foreign key: not found, nothing sent
	log, err := engine.Test(ctx, "key-2", sub.ID)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if log != nil || len(requests()) != 0 {
		t.Fatal("foreign test should report not found without delivering")
	}

	log, err = engine.Test(ctx, "key-1", sub.ID)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if log == nil {
		t.Fatal("owner test should deliver")
	}
	if log.Event != event.SystemHealth {
		t.Errorf("test delivery should use system.health, got %s", log.Event)
	}
	if !log.Success {
		t.Errorf("test delivery should succeed, error=%v", log.Error)
	}
	if len(requests()) != 1 {
		t.Fatal("test should issue exactly one request")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	// Zero subscriptions: empty stats with the 100% default
	stats, err := engine.Stats(ctx, "key-1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 || stats.Active != 0 || stats.TotalDeliveries != 0 || stats.SuccessRate != 100 {
		t.Fatalf("empty key should report zero stats with 100%% success rate, got %+v", stats)
	}

	okSrv, _ := newReceiver(t, http.StatusOK)
	failSrv, _ := newReceiver(t, http.StatusInternalServerError)

	ok, err := s.Subscriptions.Register(ctx, "key-1", okSrv.URL, []event.Type{event.NewsNew}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := s.Subscriptions.Register(ctx, "key-1", failSrv.URL, []event.Type{event.NewsBreaking}, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := engine.Send(ctx, event.NewsNew, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := engine.Send(ctx, event.NewsBreaking, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	stats, err = engine.Stats(ctx, "key-1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.Active != 2 {
		t.Errorf("expected 2 active subscriptions, got %+v", stats)
	}
	if stats.TotalDeliveries != 2 {
		t.Errorf("expected 2 deliveries, got %d", stats.TotalDeliveries)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("expected 50%% success rate, got %v", stats.SuccessRate)
	}

	// Deactivating drops the active count but not the total
	if _, err := s.Subscriptions.Update(ctx, ok.ID, "key-1", store.UpdatePatch{Active: boolPtr(false)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	stats, _ = engine.Stats(ctx, "key-1")
	if stats.Total != 2 || stats.Active != 1 {
		t.Errorf("expected total 2 active 1, got %+v", stats)
	}
}

func TestSendCapsDeliveryLog(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory())
	engine := New(s, 0)

	srv, _ := newReceiver(t, http.StatusOK)

	sub, err := s.Subscriptions.Register(ctx, "key-1", srv.URL, []event.Type{event.PriceAlert}, nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	const sends = 105
	for i := 0; i < sends; i++ {
		if _, err := engine.Send(ctx, event.PriceAlert, map[string]any{"seq": i}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	logs, err := engine.DeliveryLogs(ctx, sub.ID)
	if err != nil {
		t.Fatalf("DeliveryLogs failed: %v", err)
	}
	if len(logs) != 100 {
		t.Fatalf("log should cap at 100 entries, got %d", len(logs))
	}
	// Newest first: the head holds the last send
	var head model.WebhookPayload
	if err := json.Unmarshal([]byte(logs[0].Payload), &head); err != nil {
		t.Fatalf("payload should unmarshal: %v", err)
	}
	if seq := head.Data.(map[string]any)["seq"].(float64); int(seq) != sends-1 {
		t.Errorf("head log should be the most recent send, got seq %v", seq)
	}

	got, _ := s.Subscriptions.GetByID(ctx, sub.ID)
	if got.DeliveryCount != sends {
		t.Errorf("deliveryCount should keep counting past the cap, got %d", got.DeliveryCount)
	}
}

func boolPtr(b bool) *bool { return &b }
