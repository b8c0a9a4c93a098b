// Package scheduler moves due campaigns into dispatch: it admits
// scheduled campaigns, enrolls their audience, and requeues recipients
// abandoned by crashed workers.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/audience"
	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/metrics"
	"github.com/castlegate/outreach/internal/template"
)

// Repository defines the persistence operations the scheduler needs.
type Repository interface {
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]*db.Campaign, error)
	AdmitCampaign(ctx context.Context, id uuid.UUID) (bool, error)
	EnrollRecipients(ctx context.Context, campaignID uuid.UUID, entries []db.EnrollEntry) (int, error)
	FailCampaign(ctx context.Context, id uuid.UUID, reason string) error
	RequeueStuckInFlight(ctx context.Context, cutoff time.Time) (int, error)
}

// Resolver materializes an audience for enrollment.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, audienceID uuid.UUID, kind db.ProviderKind) ([]*db.Recipient, error)
}

type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
}

// Scheduler is the poll loop that feeds the dispatch pool.
type Scheduler struct {
	repo     Repository
	resolver Resolver
	config   Config
	logger   *zap.Logger
}

// New creates a Scheduler.
func New(repo Repository, resolver Resolver, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Scheduler{
		repo:     repo,
		resolver: resolver,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the scheduler loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.admitDue(ctx)
			s.requeueStuck(ctx)
		}
	}
}

// admitDue scans for scheduled campaigns whose time has come. Several
// scheduler instances may see the same row; AdmitCampaign guarantees
// only one wins the scheduled -> sending transition, so enrollment runs
// exactly once.
func (s *Scheduler) admitDue(ctx context.Context) {
	due, err := s.repo.DueCampaigns(ctx, time.Now().UTC(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to scan due campaigns", zap.Error(err))
		return
	}

	for _, c := range due {
		won, err := s.repo.AdmitCampaign(ctx, c.ID)
		if err != nil {
			s.logger.Error("failed to admit campaign",
				zap.String("campaign_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !won {
			continue
		}
		s.enroll(ctx, c)
	}
}

func (s *Scheduler) enroll(ctx context.Context, c *db.Campaign) {
	recipients, err := s.resolver.Resolve(ctx, c.TenantID, c.AudienceID, c.Provider)
	if errors.Is(err, audience.ErrEmptyAudience) {
		s.logger.Warn("campaign admitted against an empty audience",
			zap.String("campaign_id", c.ID.String()),
		)
		if ferr := s.repo.FailCampaign(ctx, c.ID, "audience has no valid recipients"); ferr != nil {
			s.logger.Error("failed to fail empty campaign", zap.Error(ferr))
		}
		metrics.RecordCampaignFinished(db.CampaignFailed)
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve audience",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
		if ferr := s.repo.FailCampaign(ctx, c.ID, "audience resolution failed: "+err.Error()); ferr != nil {
			s.logger.Error("failed to fail campaign", zap.Error(ferr))
		}
		return
	}

	entries := make([]db.EnrollEntry, len(recipients))
	for i, r := range recipients {
		entries[i] = db.EnrollEntry{
			RecipientID:   r.ID,
			Address:       r.Address,
			TrackingToken: template.NewTrackingToken(),
		}
	}

	enrolled, err := s.repo.EnrollRecipients(ctx, c.ID, entries)
	if err != nil {
		s.logger.Error("failed to enroll recipients",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
		if ferr := s.repo.FailCampaign(ctx, c.ID, "enrollment failed: "+err.Error()); ferr != nil {
			s.logger.Error("failed to fail campaign", zap.Error(ferr))
		}
		return
	}

	metrics.RecordCampaignAdmitted()
	s.logger.Info("campaign admitted",
		zap.String("campaign_id", c.ID.String()),
		zap.String("provider", string(c.Provider)),
		zap.Int("recipients", enrolled),
	)
}

// requeueStuck returns in-flight recipients claimed longer ago than the
// visibility timeout to the pending queue. Covers workers that died
// mid-send; the provider may or may not have delivered, and resending
// is the accepted risk.
func (s *Scheduler) requeueStuck(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.VisibilityTimeout)
	n, err := s.repo.RequeueStuckInFlight(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to requeue stuck recipients", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.RecordRecipientsRequeued(n)
		s.logger.Warn("requeued stuck in-flight recipients", zap.Int("count", n))
	}
}
