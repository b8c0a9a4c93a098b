package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const campaignColumns = `
	id, tenant_id, provider_account_id, template_id, audience_id, provider,
	name, state, scheduled_for, subject, body,
	queued, sent, failed, delivered, opened, clicked, bounced,
	last_error, created_at, updated_at
`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID, &c.TenantID, &c.ProviderAccountID, &c.TemplateID, &c.AudienceID, &c.Provider,
		&c.Name, &c.State, &c.ScheduledFor, &c.Subject, &c.Body,
		&c.Queued, &c.Sent, &c.Failed, &c.Delivered, &c.Opened, &c.Clicked, &c.Bounced,
		&c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign inserts a new draft campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, tenant_id, provider_account_id, template_id, audience_id,
			provider, name, state, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		c.ID, c.TenantID, c.ProviderAccountID, c.TemplateID, c.AudienceID,
		c.Provider, c.Name, c.State, c.ScheduledFor,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", c.TenantID.String()),
		zap.String("provider", string(c.Provider)),
	)

	return nil
}

// GetCampaign retrieves a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(s.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns retrieves campaigns for a tenant with pagination.
func (s *Store) ListCampaigns(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return campaigns, nil
}

// TransitionCampaign moves a campaign from one state to another with a
// single conditional update. Returns ErrStale when the row is no longer
// in the expected state, which is how concurrent actors lose the race.
func (s *Store) TransitionCampaign(ctx context.Context, id uuid.UUID, from, to string) error {
	query := `UPDATE campaigns SET state = $1, updated_at = NOW() WHERE id = $2 AND state = $3`

	result, err := s.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("transition campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStale
	}

	s.logger.Info("campaign state changed",
		zap.String("campaign_id", id.String()),
		zap.String("from", from),
		zap.String("to", to),
	)
	return nil
}

// ScheduleCampaign moves draft -> scheduled and snapshots the template
// into the campaign in the same statement.
func (s *Store) ScheduleCampaign(ctx context.Context, id uuid.UUID, scheduledFor time.Time, subject, body string) error {
	query := `
		UPDATE campaigns
		SET state = $1, scheduled_for = $2, subject = $3, body = $4, updated_at = NOW()
		WHERE id = $5 AND state = $6
	`

	result, err := s.db.Pool().Exec(ctx, query,
		CampaignScheduled, scheduledFor, subject, body, id, CampaignDraft,
	)
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// DueCampaigns returns campaigns in scheduled state whose due time has
// passed. Admission still goes through AdmitCampaign, so two scheduler
// instances seeing the same row is harmless.
func (s *Store) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE state = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`

	rows, err := s.db.Pool().Query(ctx, query, CampaignScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// AdmitCampaign attempts the scheduled -> sending transition. Exactly
// one caller wins; everyone else gets won=false.
func (s *Store) AdmitCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	err := s.TransitionCampaign(ctx, id, CampaignScheduled, CampaignSending)
	if err == ErrStale {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListSendingCampaigns returns campaigns currently dispatching.
func (s *Store) ListSendingCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE state = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := s.db.Pool().Query(ctx, query, CampaignSending, limit)
	if err != nil {
		return nil, fmt.Errorf("query sending campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// PauseCampaign moves sending -> paused, recording why. Used when a
// credential expires mid-dispatch.
func (s *Store) PauseCampaign(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE campaigns
		SET state = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3 AND state = $4
	`

	result, err := s.db.Pool().Exec(ctx, query, CampaignPaused, reason, id, CampaignSending)
	if err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStale
	}

	s.logger.Warn("campaign paused",
		zap.String("campaign_id", id.String()),
		zap.String("reason", reason),
	)
	return nil
}

// FailCampaign marks a campaign failed with a terminal error. Legal
// from any non-terminal state.
func (s *Store) FailCampaign(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE campaigns
		SET state = $1, last_error = $2, updated_at = NOW()
		WHERE id = $3 AND state NOT IN ($4, $5, $6)
	`

	result, err := s.db.Pool().Exec(ctx, query,
		CampaignFailed, reason, id, CampaignCompleted, CampaignCancelled, CampaignFailed,
	)
	if err != nil {
		return fmt.Errorf("fail campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// CompleteCampaignIfDone flips sending -> completed once no recipient
// remains in a dispatchable state. Safe to call after every terminal
// per-recipient outcome; only the call that observes the empty queue
// wins the update.
func (s *Store) CompleteCampaignIfDone(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE campaigns
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_recipients
			WHERE campaign_id = $2 AND state IN ($4, $5)
		  )
	`

	result, err := s.db.Pool().Exec(ctx, query,
		CampaignCompleted, id, CampaignSending, RecipientPending, RecipientInFlight,
	)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	s.logger.Info("campaign completed", zap.String("campaign_id", id.String()))
	return true, nil
}

// TenantOverview sums campaign counters for a tenant over a creation
// date window.
func (s *Store) TenantOverview(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*CampaignStats, error) {
	query := `
		SELECT
			COALESCE(SUM(sent), 0), COALESCE(SUM(delivered), 0),
			COALESCE(SUM(opened), 0), COALESCE(SUM(clicked), 0),
			COALESCE(SUM(bounced), 0), COALESCE(SUM(failed), 0)
		FROM campaigns
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`

	var st CampaignStats
	err := s.db.Pool().QueryRow(ctx, query, tenantID, from, to).Scan(
		&st.Sent, &st.Delivered, &st.Opened, &st.Clicked, &st.Bounced, &st.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("query tenant overview: %w", err)
	}
	return &st, nil
}
