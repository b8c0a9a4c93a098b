// Package campaign implements the campaign lifecycle: create, schedule,
// pause, resume, cancel.
package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
)

// Repository defines the campaign persistence operations the service
// needs.
type Repository interface {
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	GetAudience(ctx context.Context, id uuid.UUID) (*db.Audience, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from, to string) error
	ScheduleCampaign(ctx context.Context, id uuid.UUID, scheduledFor time.Time, subject, body string) error
	PauseCampaign(ctx context.Context, id uuid.UUID, reason string) error
	CancelRemainingRecipients(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// Credentials is the slice of the credential store the service needs.
type Credentials interface {
	Active(ctx context.Context, tenantID uuid.UUID, kind db.ProviderKind) (*db.ProviderAccount, error)
	Get(ctx context.Context, accountID uuid.UUID) (*db.ProviderAccount, error)
}

// Resolver materializes an audience into its usable recipients.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, audienceID uuid.UUID, kind db.ProviderKind) ([]*db.Recipient, error)
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	db       Repository
	creds    Credentials
	resolver Resolver
	logger   *zap.Logger
}

// NewService creates a campaign Service.
func NewService(repo Repository, creds Credentials, resolver Resolver, logger *zap.Logger) *Service {
	return &Service{db: repo, creds: creds, resolver: resolver, logger: logger}
}

// CreateRequest describes a new campaign.
type CreateRequest struct {
	Name       string
	Provider   db.ProviderKind
	TemplateID uuid.UUID
	AudienceID uuid.UUID
}

// Create validates the request and inserts a draft campaign bound to
// the tenant's currently active provider account.
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, req CreateRequest) (*db.Campaign, error) {
	if req.Name == "" {
		return nil, errors.New("campaign name is required")
	}
	if !req.Provider.Valid() {
		return nil, errors.New("unknown provider: " + string(req.Provider))
	}

	tmpl, err := s.db.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	if tmpl.Provider != req.Provider {
		return nil, errors.New("template targets a different provider")
	}

	aud, err := s.db.GetAudience(ctx, req.AudienceID)
	if err != nil {
		return nil, err
	}
	if aud.TenantID != tenantID {
		return nil, db.ErrNotFound
	}

	acct, err := s.creds.Active(ctx, tenantID, req.Provider)
	if err != nil {
		return nil, err
	}

	c := &db.Campaign{
		ID:                uuid.New(),
		TenantID:          tenantID,
		ProviderAccountID: acct.ID,
		TemplateID:        req.TemplateID,
		AudienceID:        req.AudienceID,
		Provider:          req.Provider,
		Name:              req.Name,
		State:             db.CampaignDraft,
	}
	if err := s.db.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Start schedules a draft campaign. A nil startAt means now. The
// template subject and body are snapshotted into the campaign so later
// template edits cannot change a campaign already in motion.
func (s *Service) Start(ctx context.Context, tenantID, id uuid.UUID, startAt *time.Time) (*db.Campaign, error) {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.State != db.CampaignDraft {
		return nil, illegal(c.State, db.CampaignScheduled)
	}

	// The account and the audience are re-checked at start time, not
	// just at create: both can rot while the campaign sits in draft.
	// A campaign pointing at a disconnected account or an audience
	// with nothing to send never leaves draft.
	if _, err := s.creds.Get(ctx, c.ProviderAccountID); err != nil {
		return nil, err
	}
	if _, err := s.resolver.Resolve(ctx, tenantID, c.AudienceID, c.Provider); err != nil {
		return nil, err
	}

	tmpl, err := s.db.GetTemplate(ctx, c.TemplateID)
	if err != nil {
		return nil, err
	}

	at := time.Now().UTC()
	if startAt != nil {
		at = startAt.UTC()
	}

	err = s.db.ScheduleCampaign(ctx, id, at, tmpl.Subject, tmpl.Body)
	if errors.Is(err, db.ErrStale) {
		return nil, illegal(c.State, db.CampaignScheduled)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("campaign scheduled",
		zap.String("campaign_id", id.String()),
		zap.Time("scheduled_for", at),
	)
	return s.get(ctx, tenantID, id)
}

// Pause stops dispatch for a sending campaign. Recipients already
// claimed finish; pending ones wait.
func (s *Service) Pause(ctx context.Context, tenantID, id uuid.UUID) error {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	err = s.db.PauseCampaign(ctx, id, "paused by operator")
	if errors.Is(err, db.ErrStale) {
		return illegal(c.State, db.CampaignPaused)
	}
	return err
}

// Resume puts a paused campaign back into dispatch.
func (s *Service) Resume(ctx context.Context, tenantID, id uuid.UUID) error {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	err = s.db.TransitionCampaign(ctx, id, db.CampaignPaused, db.CampaignSending)
	if errors.Is(err, db.ErrStale) {
		return illegal(c.State, db.CampaignSending)
	}
	return err
}

// Cancel terminates a campaign and voids its undispatched recipients.
// Messages already sent stay sent.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	c, err := s.get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !CanTransition(c.State, db.CampaignCancelled) {
		return illegal(c.State, db.CampaignCancelled)
	}

	err = s.db.TransitionCampaign(ctx, id, c.State, db.CampaignCancelled)
	if errors.Is(err, db.ErrStale) {
		return illegal(c.State, db.CampaignCancelled)
	}
	if err != nil {
		return err
	}

	voided, err := s.db.CancelRemainingRecipients(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("campaign cancelled",
		zap.String("campaign_id", id.String()),
		zap.Int("recipients_voided", voided),
	)
	return nil
}

// Get returns a campaign scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	return s.get(ctx, tenantID, id)
}

// List returns the tenant's campaigns, newest first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListCampaigns(ctx, tenantID, limit, offset)
}

func (s *Service) get(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	c, err := s.db.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	return c, nil
}
