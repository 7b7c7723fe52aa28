package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/pixelconvert/internal/config"
)

func TestNotifySignsBody(t *testing.T) {
	var (
		gotSig   string
		gotTS    string
		gotEvent string
		gotBody  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvent = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, SigningSecret: "s3cret", Timeout: 2 * time.Second})
	err := n.Notify(context.Background(), ConversionEvent{
		Event:    EventConversionCompleted,
		Source:   "cat.png",
		Filename: "cat_converted.webp",
		Format:   "webp",
		Bytes:    1234,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if gotEvent != EventConversionCompleted {
		t.Fatalf("expected event header %s, got %q", EventConversionCompleted, gotEvent)
	}
	if gotTS == "" {
		t.Fatal("expected timestamp header")
	}
	if want := sign("s3cret", gotTS, gotBody); gotSig != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSig, want)
	}

	var evt ConversionEvent
	if err := json.Unmarshal(gotBody, &evt); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if evt.Filename != "cat_converted.webp" || evt.OccurredAt.IsZero() {
		t.Fatalf("unexpected payload %+v", evt)
	}
}

func TestNotifyRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, MaxAttempts: 3})
	n.backoff = time.Millisecond

	if err := n.Notify(context.Background(), ConversionEvent{Event: EventConversionFailed}); err == nil {
		t.Fatal("expected delivery error")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	n := NewNotifier(config.WebhookConfig{URL: "  "})
	if n != nil {
		t.Fatal("expected nil notifier without url")
	}
	if err := n.Notify(context.Background(), ConversionEvent{Event: EventConversionCompleted}); err != nil {
		t.Fatalf("nil notifier returned error: %v", err)
	}
}
