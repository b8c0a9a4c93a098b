// Package provider implements the uniform adapter interface to
// external messaging providers: send one message, refresh a
// credential, verify an inbound webhook.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/castlegate/outreach/internal/db"
)

// Message is one fully rendered payload ready to hand to a provider.
type Message struct {
	CampaignID    uuid.UUID
	To            string
	Subject       string
	Body          string
	TrackingToken string
}

// SendResult carries the provider-side identifier of a sent message.
type SendResult struct {
	ProviderMessageID string
}

// Event is one normalized delivery event extracted from a verified
// webhook payload.
type Event struct {
	TrackingToken string
	Kind          string
	OccurredAt    time.Time
	Payload       json.RawMessage
}

// Adapter is the capability interface every provider implements. The
// dispatch pool and the event reconciler depend only on this.
type Adapter interface {
	Kind() db.ProviderKind
	Send(ctx context.Context, acct *db.ProviderAccount, msg *Message) (*SendResult, error)
	Refresh(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error)
	VerifyWebhook(r *http.Request, body []byte) ([]Event, error)
}

// LinkedCredential is the result of completing an OAuth link.
type LinkedCredential struct {
	AccessToken  string
	RefreshToken string
	ExternalID   string
	ExpiresAt    *time.Time
}

// OAuthLinker is implemented by adapters whose accounts are linked via
// an authorization-code flow (gmail, outlook). API-key providers are
// linked directly through the credential store.
type OAuthLinker interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*LinkedCredential, error)
}

// Registry holds one adapter per provider kind.
type Registry struct {
	adapters map[db.ProviderKind]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[db.ProviderKind]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a provider kind.
func (r *Registry) Get(kind db.ProviderKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider: %s", kind)
	}
	return a, nil
}

// Kinds lists the registered provider kinds.
func (r *Registry) Kinds() []db.ProviderKind {
	kinds := make([]db.ProviderKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}
