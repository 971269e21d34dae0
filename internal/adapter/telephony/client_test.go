package telephony

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.TelephonyConfig{
		APIKey:         "key-123",
		BaseURL:        srv.URL,
		FromNumber:     "+15550100",
		RequestTimeout: 2 * time.Second,
	}
	return NewClient(cfg, slog.New(slog.DiscardHandler)), srv
}

func TestOriginate(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v2/calls" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"call_control_id":"cc-42"}}`))
	}))

	id, err := c.Originate(context.Background(), "+15550199", "wss://example.com/calls/media")
	if err != nil {
		t.Fatal(err)
	}
	if id != "cc-42" {
		t.Fatalf("id = %s", id)
	}
	if gotAuth != "Bearer key-123" {
		t.Fatalf("auth = %s", gotAuth)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{}}`))
	}))

	if err := c.Answer(context.Background(), "cc-1"); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := c.Hangup(context.Background(), "cc-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("want transient, got %v", err)
	}
	// Initial attempt plus three retries.
	if got := hits.Load(); got != 4 {
		t.Fatalf("hits = %d, want 4", got)
	}
}

func TestNoRetryOnProviderRejection(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	err := c.Transfer(context.Background(), "cc-1", "+15550123")
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("want provider rejection, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits = %d, want 1 (no retry)", got)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrQuotaExceeded},
		{http.StatusNotFound, domain.ErrCallNotFound},
		{http.StatusBadGateway, domain.ErrTransient},
		{http.StatusBadRequest, domain.ErrProviderRejected},
	}
	for _, tc := range cases {
		err := mapStatus(tc.status, nil)
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
	if mapStatus(http.StatusNoContent, nil) != nil {
		t.Error("2xx must map to nil")
	}
}

func TestParseWebhook(t *testing.T) {
	cases := []struct {
		name string
		body string
		want domain.EventType
	}{
		{
			"answered",
			`{"data":{"event_type":"call.answered","payload":{"call_control_id":"cc-1","from":"+1555","to":"+1666"}}}`,
			domain.EventCallAnswered,
		},
		{
			"bridged",
			`{"data":{"event_type":"call.bridged","payload":{"call_control_id":"cc-1","bridged_with":"leg-2"}}}`,
			domain.EventCallBridged,
		},
		{
			"hangup",
			`{"data":{"event_type":"call.hangup","payload":{"call_control_id":"cc-1","hangup_cause":"normal_clearing"}}}`,
			domain.EventCallHangup,
		},
		{
			"machine detection",
			`{"data":{"event_type":"call.machine.detection.ended","payload":{"call_control_id":"cc-1","result":"machine"}}}`,
			domain.EventMachineDetection,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := ParseWebhook([]byte(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			if evt == nil || evt.Type != tc.want {
				t.Fatalf("got %+v, want type %s", evt, tc.want)
			}
		})
	}
}

func TestParseWebhookIgnoresUnknown(t *testing.T) {
	evt, err := ParseWebhook([]byte(`{"data":{"event_type":"call.recording.saved","payload":{"call_control_id":"cc-1"}}}`))
	if err != nil || evt != nil {
		t.Fatalf("unknown events must be ignored, got %+v, %v", evt, err)
	}
}

func TestParseWebhookRejectsMalformed(t *testing.T) {
	if _, err := ParseWebhook([]byte(`{not json`)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("got %v", err)
	}
	if _, err := ParseWebhook([]byte(`{"data":{"event_type":"call.answered","payload":{}}}`)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("missing call_control_id must be invalid, got %v", err)
	}
}

func TestMockRecordsCalls(t *testing.T) {
	m := NewMock()
	id, err := m.Originate(context.Background(), "+15550199", "wss://x")
	if err != nil || id == "" {
		t.Fatalf("originate: %s, %v", id, err)
	}
	m.Hangup(context.Background(), id)
	if got := len(m.CallsTo("hangup")); got != 1 {
		t.Fatalf("hangup calls = %d", got)
	}
	m.FailWith("transfer", domain.ErrTransient)
	if err := m.Transfer(context.Background(), id, "+1"); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("injected failure lost: %v", err)
	}
}
