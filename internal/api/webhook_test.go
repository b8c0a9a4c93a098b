package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/provider"
)

// stubAdapter verifies webhooks with canned results
type stubAdapter struct {
	kind      db.ProviderKind
	events    []provider.Event
	verifyErr error
}

func (s *stubAdapter) Kind() db.ProviderKind { return s.kind }

func (s *stubAdapter) Send(ctx context.Context, acct *db.ProviderAccount, msg *provider.Message) (*provider.SendResult, error) {
	return &provider.SendResult{ProviderMessageID: "stub"}, nil
}

func (s *stubAdapter) Refresh(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return acct, nil
}

func (s *stubAdapter) VerifyWebhook(r *http.Request, body []byte) ([]provider.Event, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.events, nil
}

// MockSink records ingested events
type MockSink struct {
	events   []provider.Event
	batchErr error
}

func (m *MockSink) Ingest(ctx context.Context, ev provider.Event) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *MockSink) IngestBatch(ctx context.Context, evs []provider.Event) error {
	if m.batchErr != nil {
		return m.batchErr
	}
	m.events = append(m.events, evs...)
	return nil
}

func newWebhookRouter(adapter provider.Adapter, sink EventSink) *chi.Mux {
	h := NewWebhookHandler(zap.NewNop(), provider.NewRegistry(adapter), sink)
	r := chi.NewRouter()
	r.Post("/v1/webhooks/{kind}", h.Receive)
	return r
}

func TestWebhookDeliversVerifiedEvents(t *testing.T) {
	sink := &MockSink{}
	adapter := &stubAdapter{
		kind: db.ProviderWhatsApp,
		events: []provider.Event{
			{TrackingToken: "tok-1", Kind: db.EventDelivered, OccurredAt: time.Now()},
			{TrackingToken: "tok-2", Kind: db.EventBounced, OccurredAt: time.Now()},
		},
	}
	router := newWebhookRouter(adapter, sink)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(sink.events) != 2 {
		t.Errorf("expected 2 ingested events, got %d", len(sink.events))
	}
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	sink := &MockSink{}
	adapter := &stubAdapter{
		kind:      db.ProviderWhatsApp,
		verifyErr: provider.ErrInvalidSignature,
	}
	router := newWebhookRouter(adapter, sink)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(sink.events) != 0 {
		t.Error("unverified events must not reach the sink")
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	router := newWebhookRouter(&stubAdapter{kind: db.ProviderGmail}, &MockSink{})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/ses", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
