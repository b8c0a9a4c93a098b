package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/provider"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// EventSink defines the ingestion operations webhook and tracking
// handlers need.
type EventSink interface {
	Ingest(ctx context.Context, ev provider.Event) error
	IngestBatch(ctx context.Context, evs []provider.Event) error
}

// WebhookHandler receives provider delivery callbacks. It runs outside
// the tenant middleware: callers authenticate with per-provider
// signatures, not tenant headers.
type WebhookHandler struct {
	logger   *zap.Logger
	adapters *provider.Registry
	sink     EventSink
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(logger *zap.Logger, adapters *provider.Registry, sink EventSink) *WebhookHandler {
	return &WebhookHandler{
		logger:   logger,
		adapters: adapters,
		sink:     sink,
	}
}

// Receive handles POST /v1/webhooks/{kind}. The adapter for the kind
// verifies the signature and normalizes the payload into events; a bad
// signature is a hard 401 so the provider retries with a fresh one.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	kind := db.ProviderKind(chi.URLParam(r, "kind"))
	adapter, err := h.adapters.Get(kind)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "not_found", "Unknown provider", "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Failed to read body", "")
		return
	}

	events, err := adapter.VerifyWebhook(r, body)
	if err != nil {
		if errors.Is(err, provider.ErrInvalidSignature) {
			h.logger.Warn("rejected webhook with bad signature",
				zap.String("provider", string(kind)),
			)
			writeProblem(w, http.StatusUnauthorized, "invalid_signature",
				"Webhook signature verification failed", "")
			return
		}
		h.logger.Warn("malformed webhook payload",
			zap.String("provider", string(kind)),
			zap.Error(err),
		)
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed webhook payload", "")
		return
	}

	if err := h.sink.IngestBatch(r.Context(), events); err != nil {
		// Tell the provider to redeliver; dedup makes the retry safe.
		h.logger.Error("webhook ingestion failed",
			zap.String("provider", string(kind)),
			zap.Error(err),
		)
		writeProblem(w, http.StatusInternalServerError, "internal_error", "Failed to process events", "")
		return
	}

	w.WriteHeader(http.StatusOK)
}
