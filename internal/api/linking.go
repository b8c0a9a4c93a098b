package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/castlegate/outreach/internal/db"
)

// BeginProviderLink handles POST /v1/providers/{kind}/link. It returns
// the provider consent URL the operator should visit; the signed state
// parameter carries the tenant through the redirect.
func (h *Handler) BeginProviderLink(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.providerKind(w, r)
	if !ok {
		return
	}

	url, err := h.creds.BeginLink(TenantID(r.Context()), kind)
	if err != nil {
		h.writeServiceError(w, err, "Failed to begin provider link")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"redirect_url": url})
}

// CompleteProviderLink handles GET /v1/providers/{kind}/callback.
// This is the OAuth redirect target: the tenant comes from the signed
// state, not from a header.
func (h *Handler) CompleteProviderLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing state or code", "")
		return
	}

	acct, err := h.creds.CompleteLink(r.Context(), state, code)
	if err != nil {
		h.writeServiceError(w, err, "Failed to complete provider link")
		return
	}
	h.writeJSON(w, http.StatusOK, acct)
}

// APIKeyRequest represents the incoming API-key link body
type APIKeyRequest struct {
	Token      string `json:"token"`
	ExternalID string `json:"external_id"`
}

// LinkProviderKey handles POST /v1/providers/{kind}/key for providers
// that authenticate with a long-lived token instead of OAuth.
func (h *Handler) LinkProviderKey(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.providerKind(w, r)
	if !ok {
		return
	}

	var req APIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	acct, err := h.creds.LinkAPIKey(r.Context(), TenantID(r.Context()), kind, req.Token, req.ExternalID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to link provider key")
		return
	}
	h.writeJSON(w, http.StatusCreated, acct)
}

// DisconnectProvider handles DELETE /v1/providers/{kind}
func (h *Handler) DisconnectProvider(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.providerKind(w, r)
	if !ok {
		return
	}

	if err := h.creds.Disconnect(r.Context(), TenantID(r.Context()), kind); err != nil {
		h.writeServiceError(w, err, "Failed to disconnect provider")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) providerKind(w http.ResponseWriter, r *http.Request) (db.ProviderKind, bool) {
	kind := db.ProviderKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown provider",
			"provider must be one of: gmail, outlook, whatsapp, ses")
		return "", false
	}
	return kind, true
}
