package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/provider"
)

// transparent 1x1 GIF served on open-tracking hits
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80,
	0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04,
	0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01,
	0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingHandler serves the open pixel and click redirect that the
// renderer embeds in email bodies. Both endpoints succeed regardless of
// whether the token resolves; failing differently would let anyone
// probe for live tokens.
type TrackingHandler struct {
	logger *zap.Logger
	sink   EventSink
}

// NewTrackingHandler creates a tracking handler.
func NewTrackingHandler(logger *zap.Logger, sink EventSink) *TrackingHandler {
	return &TrackingHandler{logger: logger, sink: sink}
}

// Open handles GET /track/open/{token}
func (h *TrackingHandler) Open(w http.ResponseWriter, r *http.Request) {
	h.ingest(r, db.EventOpened)

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(trackingPixel)
}

// Click handles GET /track/click/{token}?url=...
// The visitor is redirected whether or not the token is live.
func (h *TrackingHandler) Click(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid redirect URL", "")
		return
	}

	h.ingest(r, db.EventClicked)

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *TrackingHandler) ingest(r *http.Request, kind string) {
	token := chi.URLParam(r, "token")
	if token == "" {
		return
	}
	ev := provider.Event{
		TrackingToken: token,
		Kind:          kind,
		OccurredAt:    time.Now().UTC(),
	}
	if err := h.sink.Ingest(r.Context(), ev); err != nil {
		// The visitor still gets their pixel or redirect.
		h.logger.Error("failed to record tracking hit",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
