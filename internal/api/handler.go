package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/audience"
	"github.com/castlegate/outreach/internal/campaign"
	"github.com/castlegate/outreach/internal/credential"
	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/metrics"
	"github.com/castlegate/outreach/internal/redis"
)

// CampaignService defines the campaign lifecycle operations the API exposes.
type CampaignService interface {
	Create(ctx context.Context, tenantID uuid.UUID, req campaign.CreateRequest) (*db.Campaign, error)
	Start(ctx context.Context, tenantID, id uuid.UUID, startAt *time.Time) (*db.Campaign, error)
	Pause(ctx context.Context, tenantID, id uuid.UUID) error
	Resume(ctx context.Context, tenantID, id uuid.UUID) error
	Cancel(ctx context.Context, tenantID, id uuid.UUID) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error)
}

// Stats defines the analytics reads the API exposes.
type Stats interface {
	CampaignStats(ctx context.Context, tenantID, campaignID uuid.UUID) (*db.CampaignStats, error)
	TenantOverview(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*db.CampaignStats, error)
}

// ContactRepository defines the contact-management reads and writes the
// API exposes.
type ContactRepository interface {
	CreateRecipient(ctx context.Context, r *db.Recipient) error
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	CreateAudience(ctx context.Context, a *db.Audience, memberIDs []uuid.UUID) error
	GetAudience(ctx context.Context, id uuid.UUID) (*db.Audience, error)
	CreateTemplate(ctx context.Context, t *db.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	ListCampaignRecipients(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*db.CampaignRecipient, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	campaigns   CampaignService
	creds       *credential.Store
	stats       Stats
	contacts    ContactRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, campaigns CampaignService, creds *credential.Store, stats Stats, contacts ContactRepository, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		campaigns:   campaigns,
		creds:       creds,
		stats:       stats,
		contacts:    contacts,
		idempotency: idempotency,
	}
}

// CampaignRequest represents the incoming campaign create body
type CampaignRequest struct {
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	TemplateID string `json:"template_id"`
	AudienceID string `json:"audience_id"`
}

// CreateCampaign handles POST /v1/campaigns
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template_id", "template_id must be a valid UUID")
		return
	}
	audienceID, err := uuid.Parse(req.AudienceID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid audience_id", "audience_id must be a valid UUID")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.Begin(ctx, tenantID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding", zap.Error(err))
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.CampaignID})
			return
		}
	}

	c, err := h.campaigns.Create(ctx, tenantID, campaign.CreateRequest{
		Name:       req.Name,
		Provider:   db.ProviderKind(req.Provider),
		TemplateID: templateID,
		AudienceID: audienceID,
	})
	if err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			h.idempotency.Abort(ctx, tenantID.String(), idempotencyKey)
		}
		h.writeServiceError(w, err, "Failed to create campaign")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			CampaignID: c.ID.String(),
			StatusCode: http.StatusCreated,
			CreatedAt:  time.Now().Unix(),
		}
		if err := h.idempotency.Complete(ctx, tenantID.String(), idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusCreated, c)
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	c, err := h.campaigns.Get(ctx, TenantID(ctx), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// ListCampaigns handles GET /v1/campaigns?limit=20&offset=0
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := pagination(r)

	campaigns, err := h.campaigns.List(ctx, TenantID(ctx), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list campaigns")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

// StartCampaign handles POST /v1/campaigns/{id}/start
func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		StartAt *time.Time `json:"start_at,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	c, err := h.campaigns.Start(ctx, TenantID(ctx), id, req.StartAt)
	if err != nil {
		h.writeServiceError(w, err, "Failed to start campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.campaigns.Pause)
}

// ResumeCampaign handles POST /v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.campaigns.Resume)
}

// CancelCampaign handles POST /v1/campaigns/{id}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.campaigns.Cancel)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, uuid.UUID) error) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := op(ctx, TenantID(ctx), id); err != nil {
		h.writeServiceError(w, err, "Failed to change campaign state")
		return
	}

	c, err := h.campaigns.Get(ctx, TenantID(ctx), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// GetCampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	st, err := h.stats.CampaignStats(ctx, TenantID(ctx), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get campaign stats")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// ListCampaignRecipients handles GET /v1/campaigns/{id}/recipients
func (h *Handler) ListCampaignRecipients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	// Tenant scoping happens through the campaign lookup.
	if _, err := h.campaigns.Get(ctx, TenantID(ctx), id); err != nil {
		h.writeServiceError(w, err, "Failed to get campaign")
		return
	}

	limit, offset := pagination(r)
	rows, err := h.contacts.ListCampaignRecipients(ctx, id, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list campaign recipients")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   rows,
		"limit":  limit,
		"offset": offset,
		"count":  len(rows),
	})
}

// GetOverview handles GET /v1/analytics/overview?from=...&to=...
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from := time.Now().UTC().AddDate(0, 0, -30)
	var to time.Time

	if s := r.URL.Query().Get("from"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be RFC 3339")
			return
		}
		from = parsed
	}
	if s := r.URL.Query().Get("to"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be RFC 3339")
			return
		}
		to = parsed
	}

	st, err := h.stats.TenantOverview(ctx, TenantID(ctx), from, to)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get overview")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// RecipientRequest represents the incoming recipient create body
type RecipientRequest struct {
	Address     string            `json:"address"`
	DisplayName string            `json:"display_name"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// CreateRecipient handles POST /v1/recipients
func (h *Handler) CreateRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Address == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing address", "address is required")
		return
	}

	rec := &db.Recipient{
		ID:          uuid.New(),
		TenantID:    TenantID(ctx),
		Address:     req.Address,
		DisplayName: req.DisplayName,
		Variables:   req.Variables,
	}
	if err := h.contacts.CreateRecipient(ctx, rec); err != nil {
		h.writeServiceError(w, err, "Failed to create recipient")
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

// AudienceRequest represents the incoming audience create body
type AudienceRequest struct {
	Name         string   `json:"name"`
	RecipientIDs []string `json:"recipient_ids"`
}

// CreateAudience handles POST /v1/audiences
func (h *Handler) CreateAudience(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AudienceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing name", "name is required")
		return
	}

	memberIDs := make([]uuid.UUID, 0, len(req.RecipientIDs))
	for _, s := range req.RecipientIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_ids", "recipient ids must be valid UUIDs")
			return
		}
		memberIDs = append(memberIDs, id)
	}

	aud := &db.Audience{
		ID:       uuid.New(),
		TenantID: TenantID(ctx),
		Name:     req.Name,
	}
	if err := h.contacts.CreateAudience(ctx, aud, memberIDs); err != nil {
		h.writeServiceError(w, err, "Failed to create audience")
		return
	}
	h.writeJSON(w, http.StatusCreated, aud)
}

// TemplateRequest represents the incoming template create body
type TemplateRequest struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	kind := db.ProviderKind(req.Provider)
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid provider",
			"provider must be one of: gmail, outlook, whatsapp, ses")
		return
	}
	if req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing body", "body is required")
		return
	}

	tmpl := &db.Template{
		ID:       uuid.New(),
		TenantID: TenantID(ctx),
		Name:     req.Name,
		Provider: kind,
		Subject:  req.Subject,
		Body:     req.Body,
	}
	if err := h.contacts.CreateTemplate(ctx, tmpl); err != nil {
		h.writeServiceError(w, err, "Failed to create template")
		return
	}
	h.writeJSON(w, http.StatusCreated, tmpl)
}

// GetRecipient handles GET /v1/recipients/{id}
func (h *Handler) GetRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	rec, err := h.contacts.GetRecipient(ctx, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get recipient")
		return
	}
	if rec.TenantID != TenantID(ctx) {
		h.writeServiceError(w, db.ErrNotFound, "Failed to get recipient")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetAudience handles GET /v1/audiences/{id}
func (h *Handler) GetAudience(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	aud, err := h.contacts.GetAudience(ctx, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get audience")
		return
	}
	if aud.TenantID != TenantID(ctx) {
		h.writeServiceError(w, db.ErrNotFound, "Failed to get audience")
		return
	}
	h.writeJSON(w, http.StatusOK, aud)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	tmpl, err := h.contacts.GetTemplate(ctx, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get template")
		return
	}
	if tmpl.TenantID != TenantID(ctx) {
		h.writeServiceError(w, db.ErrNotFound, "Failed to get template")
		return
	}
	h.writeJSON(w, http.StatusOK, tmpl)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps domain errors onto HTTP problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
	case errors.Is(err, campaign.ErrIllegalTransition):
		h.writeError(w, http.StatusConflict, "illegal_transition", "Campaign state does not allow this operation", err.Error())
	case errors.Is(err, audience.ErrEmptyAudience):
		h.writeError(w, http.StatusUnprocessableEntity, "empty_audience", "Audience has no valid recipients", err.Error())
	case errors.Is(err, credential.ErrNotLinked):
		h.writeError(w, http.StatusConflict, "provider_not_linked", "Provider is not linked for this tenant", err.Error())
	case errors.Is(err, credential.ErrBadLinkState):
		h.writeError(w, http.StatusBadRequest, "invalid_link_state", "OAuth state failed verification", "")
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}
