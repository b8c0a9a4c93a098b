// Package dispatch runs the send loop: claim pending recipients from
// sending campaigns, render each message, and push it through the
// provider under the tenant's rate ceiling.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/metrics"
	"github.com/castlegate/outreach/internal/provider"
	"github.com/castlegate/outreach/internal/template"
)

// Repository defines the persistence operations the dispatch pool needs.
type Repository interface {
	ListSendingCampaigns(ctx context.Context, limit int) ([]*db.Campaign, error)
	ClaimPendingRecipients(ctx context.Context, campaignID uuid.UUID, limit int) ([]*db.CampaignRecipient, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	MarkAttempt(ctx context.Context, id uuid.UUID) (int, error)
	MarkRecipientSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkRecipientFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	ReleaseRecipient(ctx context.Context, id uuid.UUID, delay time.Duration, errMsg *string) error
	PauseCampaign(ctx context.Context, id uuid.UUID, reason string) error
	CompleteCampaignIfDone(ctx context.Context, id uuid.UUID) (bool, error)
}

// Credentials is the slice of the credential store the pool needs.
type Credentials interface {
	Get(ctx context.Context, accountID uuid.UUID) (*db.ProviderAccount, error)
	RefreshIfExpiring(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error)
}

// Limiter enforces the per-(tenant, provider) send ceiling.
type Limiter interface {
	TryAcquire(ctx context.Context, tenantID string, kind db.ProviderKind) (bool, error)
}

// Adapters resolves a provider kind to its adapter.
type Adapters interface {
	Get(kind db.ProviderKind) (provider.Adapter, error)
}

type Config struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	SendTimeout    time.Duration

	// RateDeferDelay is how long a rate-limited recipient waits before
	// becoming claimable again.
	RateDeferDelay time.Duration
}

// Pool claims work from sending campaigns and fans it out to workers.
type Pool struct {
	repo     Repository
	creds    Credentials
	limiter  Limiter
	adapters Adapters
	renderer *template.Renderer
	config   Config
	logger   *zap.Logger
}

// New creates a dispatch Pool.
func New(repo Repository, creds Credentials, limiter Limiter, adapters Adapters, renderer *template.Renderer, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers == 0 {
		cfg.Workers = 8
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 30 * time.Minute
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.RateDeferDelay == 0 {
		cfg.RateDeferDelay = time.Second
	}
	return &Pool{
		repo:     repo,
		creds:    creds,
		limiter:  limiter,
		adapters: adapters,
		renderer: renderer,
		config:   cfg,
		logger:   logger,
	}
}

// task is one claimed recipient together with its campaign.
type task struct {
	campaign *db.Campaign
	row      *db.CampaignRecipient
}

// Start runs the claim loop and workers until the context is
// cancelled. Claimed rows are always driven to an outcome - sent,
// failed, or released - before a worker exits.
func (p *Pool) Start(ctx context.Context) {
	tasks := make(chan task)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				p.process(ctx, t)
			}
		}()
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			p.logger.Info("dispatch pool stopped")
			return
		case <-ticker.C:
			p.claimBatch(ctx, tasks)
		}
	}
}

// claimBatch pulls pending recipients from every sending campaign and
// hands them to the workers.
func (p *Pool) claimBatch(ctx context.Context, tasks chan<- task) {
	campaigns, err := p.repo.ListSendingCampaigns(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to list sending campaigns", zap.Error(err))
		return
	}

	for _, c := range campaigns {
		rows, err := p.repo.ClaimPendingRecipients(ctx, c.ID, p.config.BatchSize)
		if err != nil {
			p.logger.Error("failed to claim recipients",
				zap.String("campaign_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if len(rows) == 0 {
			// Nothing claimable; the campaign may be drained.
			p.tryComplete(ctx, c.ID)
			continue
		}
		for _, row := range rows {
			select {
			case tasks <- task{campaign: c, row: row}:
			case <-ctx.Done():
				// Shutdown mid-batch: release unhanded rows so the
				// reaper does not have to wait for them.
				if err := p.repo.ReleaseRecipient(context.Background(), row.ID, 0, nil); err != nil {
					p.logger.Error("failed to release recipient on shutdown", zap.Error(err))
				}
			}
		}
	}
}

// process drives one claimed recipient to an outcome.
func (p *Pool) process(ctx context.Context, t task) {
	c, row := t.campaign, t.row
	kind := c.Provider

	acct, err := p.creds.Get(ctx, c.ProviderAccountID)
	if err != nil {
		p.pauseForCredential(ctx, c, row, err)
		return
	}
	acct, err = p.creds.RefreshIfExpiring(ctx, acct)
	if err != nil {
		p.pauseForCredential(ctx, c, row, err)
		return
	}

	// A nil limiter means Redis is down or not configured; sends proceed
	// without a ceiling rather than stalling every campaign.
	if p.limiter != nil {
		ok, err := p.limiter.TryAcquire(ctx, c.TenantID.String(), kind)
		if err != nil {
			p.logger.Error("send limiter unavailable", zap.Error(err))
			p.release(ctx, row.ID, p.config.RateDeferDelay, nil)
			return
		}
		if !ok {
			metrics.RecordSendRateDeferral(string(kind))
			metrics.RecordSend(string(kind), "deferred")
			p.release(ctx, row.ID, p.config.RateDeferDelay, nil)
			return
		}
	}

	rec, err := p.repo.GetRecipient(ctx, row.RecipientID)
	if err != nil {
		p.logger.Error("failed to load recipient",
			zap.String("recipient_id", row.RecipientID.String()),
			zap.Error(err),
		)
		p.release(ctx, row.ID, p.config.RetryBaseDelay, nil)
		return
	}

	adapter, err := p.adapters.Get(kind)
	if err != nil {
		p.fail(ctx, c, row, "no adapter for provider "+string(kind))
		return
	}

	// The attempt is recorded before the provider call: a crash between
	// here and the result still burns the attempt, which keeps a
	// poisoned recipient from being retried forever.
	attempt, err := p.repo.MarkAttempt(ctx, row.ID)
	if err != nil {
		p.logger.Error("failed to mark attempt",
			zap.String("row_id", row.ID.String()),
			zap.Error(err),
		)
		return
	}

	rendered := p.renderer.Render(c.Subject, c.Body, rec, kind, row.TrackingToken)
	msg := &provider.Message{
		CampaignID:    c.ID,
		To:            row.Address,
		Subject:       rendered.Subject,
		Body:          rendered.Body,
		TrackingToken: row.TrackingToken,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	start := time.Now()
	result, sendErr := adapter.Send(sendCtx, acct, msg)
	cancel()
	metrics.RecordSendLatency(string(kind), time.Since(start))

	switch {
	case sendErr == nil:
		metrics.RecordSend(string(kind), "sent")
		if err := p.repo.MarkRecipientSent(ctx, row.ID, result.ProviderMessageID); err != nil {
			p.logger.Error("failed to mark recipient sent",
				zap.String("row_id", row.ID.String()),
				zap.Error(err),
			)
			return
		}
		p.tryComplete(ctx, c.ID)

	case errors.Is(sendErr, provider.ErrCredentialExpired):
		p.pauseForCredential(ctx, c, row, sendErr)

	case provider.IsPermanent(sendErr):
		metrics.RecordSend(string(kind), "failed")
		p.fail(ctx, c, row, sendErr.Error())

	default:
		// Transient: back off and retry until the attempt budget runs out.
		if attempt >= p.config.MaxAttempts {
			metrics.RecordSend(string(kind), "failed")
			p.fail(ctx, c, row, "retries exhausted: "+sendErr.Error())
			return
		}
		metrics.RecordSend(string(kind), "retried")
		msg := sendErr.Error()
		p.release(ctx, row.ID, p.backoff(attempt), &msg)
	}
}

// pauseForCredential pauses the campaign instead of burning recipient
// attempts on a credential nobody can fix from inside the dispatch
// loop. The recipient goes straight back to pending so a resume picks
// it up.
func (p *Pool) pauseForCredential(ctx context.Context, c *db.Campaign, row *db.CampaignRecipient, cause error) {
	p.release(ctx, row.ID, 0, nil)

	err := p.repo.PauseCampaign(ctx, c.ID, "credential unusable: "+cause.Error())
	if errors.Is(err, db.ErrStale) {
		// Another worker already paused it.
		return
	}
	if err != nil {
		p.logger.Error("failed to pause campaign",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordCampaignFinished(db.CampaignPaused)
	p.logger.Warn("campaign paused on credential failure",
		zap.String("campaign_id", c.ID.String()),
		zap.Error(cause),
	)
}

func (p *Pool) fail(ctx context.Context, c *db.Campaign, row *db.CampaignRecipient, reason string) {
	if err := p.repo.MarkRecipientFailed(ctx, row.ID, reason); err != nil {
		p.logger.Error("failed to mark recipient failed",
			zap.String("row_id", row.ID.String()),
			zap.Error(err),
		)
		return
	}
	p.tryComplete(ctx, c.ID)
}

func (p *Pool) release(ctx context.Context, id uuid.UUID, delay time.Duration, errMsg *string) {
	if err := p.repo.ReleaseRecipient(ctx, id, delay, errMsg); err != nil {
		p.logger.Error("failed to release recipient",
			zap.String("row_id", id.String()),
			zap.Error(err),
		)
	}
}

func (p *Pool) tryComplete(ctx context.Context, campaignID uuid.UUID) {
	done, err := p.repo.CompleteCampaignIfDone(ctx, campaignID)
	if err != nil {
		p.logger.Error("failed to complete campaign",
			zap.String("campaign_id", campaignID.String()),
			zap.Error(err),
		)
		return
	}
	if done {
		metrics.RecordCampaignFinished(db.CampaignCompleted)
	}
}

// backoff doubles the delay per attempt, capped at RetryMaxDelay.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.config.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.config.RetryMaxDelay {
			return p.config.RetryMaxDelay
		}
	}
	if delay > p.config.RetryMaxDelay {
		delay = p.config.RetryMaxDelay
	}
	return delay
}
