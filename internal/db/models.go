package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies an external messaging channel.
type ProviderKind string

const (
	ProviderGmail    ProviderKind = "gmail"
	ProviderOutlook  ProviderKind = "outlook"
	ProviderWhatsApp ProviderKind = "whatsapp"
	ProviderSES      ProviderKind = "ses"
)

// IsEmail reports whether the provider delivers email (and therefore
// gets open-pixel injection at render time).
func (k ProviderKind) IsEmail() bool {
	return k == ProviderGmail || k == ProviderOutlook || k == ProviderSES
}

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderGmail, ProviderOutlook, ProviderWhatsApp, ProviderSES:
		return true
	}
	return false
}

// Campaign lifecycle states
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignCompleted = "completed"
	CampaignPaused    = "paused"
	CampaignCancelled = "cancelled"
	CampaignFailed    = "failed"
)

// Per-recipient delivery states
const (
	RecipientPending   = "pending"
	RecipientInFlight  = "in_flight"
	RecipientSent      = "sent"
	RecipientFailed    = "failed"
	RecipientDelivered = "delivered"
	RecipientOpened    = "opened"
	RecipientClicked   = "clicked"
	RecipientBounced   = "bounced"
	RecipientCancelled = "cancelled"
)

// Delivery event kinds accepted by the reconciler
const (
	EventDelivered = "delivered"
	EventOpened    = "opened"
	EventClicked   = "clicked"
	EventBounced   = "bounced"
)

// ProviderAccount holds a tenant's credentials for one provider.
// ExternalID is the provider-side sender identity: linked mailbox
// address for gmail/outlook, phone number ID for whatsapp, verified
// from-address for ses.
type ProviderAccount struct {
	ID           uuid.UUID    `json:"id"`
	TenantID     uuid.UUID    `json:"tenant_id"`
	Provider     ProviderKind `json:"provider"`
	AccessToken  string       `json:"-"`
	RefreshToken string       `json:"-"`
	ExternalID   string       `json:"external_id"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Expiring reports whether the access token expires within skew.
// Accounts without an expiry (API-key style credentials) never expire.
func (a *ProviderAccount) Expiring(skew time.Duration) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return time.Until(*a.ExpiresAt) <= skew
}

// Recipient is a contact, unique per (tenant, address).
type Recipient struct {
	ID          uuid.UUID         `json:"id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	Address     string            `json:"address"`
	DisplayName string            `json:"display_name"`
	Variables   map[string]string `json:"variables,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Audience is a named set of recipients, referenced by campaigns.
type Audience struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Template holds a subject/body with {{variable}} placeholders.
type Template struct {
	ID        uuid.UUID    `json:"id"`
	TenantID  uuid.UUID    `json:"tenant_id"`
	Name      string       `json:"name"`
	Provider  ProviderKind `json:"provider"`
	Subject   string       `json:"subject"`
	Body      string       `json:"body"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Campaign is one bulk-send job. Subject and Body are snapshotted from
// the template when the campaign leaves draft, so template edits never
// change a campaign already in motion.
type Campaign struct {
	ID                uuid.UUID    `json:"id"`
	TenantID          uuid.UUID    `json:"tenant_id"`
	ProviderAccountID uuid.UUID    `json:"provider_account_id"`
	TemplateID        uuid.UUID    `json:"template_id"`
	AudienceID        uuid.UUID    `json:"audience_id"`
	Provider          ProviderKind `json:"provider"`
	Name              string       `json:"name"`
	State             string       `json:"state"`
	ScheduledFor      *time.Time   `json:"scheduled_for,omitempty"`
	Subject           string       `json:"subject"`
	Body              string       `json:"body"`
	Queued            int          `json:"queued"`
	Sent              int          `json:"sent"`
	Failed            int          `json:"failed"`
	Delivered         int          `json:"delivered"`
	Opened            int          `json:"opened"`
	Clicked           int          `json:"clicked"`
	Bounced           int          `json:"bounced"`
	LastError         *string      `json:"last_error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// CampaignRecipient is the unit of dispatch work: one (campaign,
// recipient) pair with its delivery state and tracking token.
type CampaignRecipient struct {
	ID                uuid.UUID  `json:"id"`
	CampaignID        uuid.UUID  `json:"campaign_id"`
	RecipientID       uuid.UUID  `json:"recipient_id"`
	Address           string     `json:"address"`
	State             string     `json:"state"`
	Attempts          int        `json:"attempts"`
	LastError         *string    `json:"last_error,omitempty"`
	TrackingToken     string     `json:"tracking_token"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TerminalRecipientState reports whether state blocks further dispatch
// attempts for the row. Opens and clicks come after sent and never
// re-enter the dispatch queue.
func TerminalRecipientState(state string) bool {
	return state != RecipientPending && state != RecipientInFlight
}

// DeliveryEvent is the append-only raw record of one provider webhook
// or tracking hit. Never mutated; the audit trail, not the read path.
type DeliveryEvent struct {
	ID            uuid.UUID       `json:"id"`
	TrackingToken string          `json:"tracking_token"`
	Kind          string          `json:"kind"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CampaignStats is the read-side rollup for one campaign.
type CampaignStats struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Sent       int       `json:"sent"`
	Delivered  int       `json:"delivered"`
	Opened     int       `json:"opened"`
	Clicked    int       `json:"clicked"`
	Bounced    int       `json:"bounced"`
	Failed     int       `json:"failed"`
	OpenRate   float64   `json:"open_rate"`
	ClickRate  float64   `json:"click_rate"`
}
