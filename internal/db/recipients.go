package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const campaignRecipientColumns = `
	id, campaign_id, recipient_id, address, state, attempts, last_error,
	tracking_token, next_attempt_at, claimed_at, provider_message_id,
	created_at, updated_at
`

func scanCampaignRecipient(row pgx.Row) (*CampaignRecipient, error) {
	var cr CampaignRecipient
	err := row.Scan(
		&cr.ID, &cr.CampaignID, &cr.RecipientID, &cr.Address, &cr.State,
		&cr.Attempts, &cr.LastError, &cr.TrackingToken, &cr.NextAttemptAt,
		&cr.ClaimedAt, &cr.ProviderMessageID, &cr.CreatedAt, &cr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

// EnrollEntry is one recipient being enlisted into a campaign's work
// queue, with its freshly issued tracking token.
type EnrollEntry struct {
	RecipientID   uuid.UUID
	Address       string
	TrackingToken string
}

// EnrollRecipients creates the campaign's work queue. Inserts are
// idempotent on (campaign_id, recipient_id), so re-admitting a campaign
// after a crash or resume never duplicates rows or reissues tokens.
// The campaign's queued counter is recomputed from row state so it
// stays consistent across resumes.
func (s *Store) EnrollRecipients(ctx context.Context, campaignID uuid.UUID, entries []EnrollEntry) (int, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, e := range entries {
		result, err := tx.Exec(ctx, `
			INSERT INTO campaign_recipients (
				id, campaign_id, recipient_id, address, state, tracking_token
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (campaign_id, recipient_id) DO NOTHING
		`, uuid.New(), campaignID, e.RecipientID, e.Address, RecipientPending, e.TrackingToken)
		if err != nil {
			return 0, fmt.Errorf("insert campaign recipient: %w", err)
		}
		inserted += int(result.RowsAffected())
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET queued = (
			SELECT COUNT(*) FROM campaign_recipients
			WHERE campaign_id = $1 AND state IN ($2, $3)
		), updated_at = NOW()
		WHERE id = $1
	`, campaignID, RecipientPending, RecipientInFlight)
	if err != nil {
		return 0, fmt.Errorf("update queued counter: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("campaign recipients enrolled",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("inserted", inserted),
		zap.Int("total", len(entries)),
	)

	return inserted, nil
}

// ClaimPendingRecipients atomically claims up to limit pending rows for
// dispatch, moving them to in_flight. SKIP LOCKED keeps concurrent
// workers from blocking on or double-claiming the same rows.
func (s *Store) ClaimPendingRecipients(ctx context.Context, campaignID uuid.UUID, limit int) ([]*CampaignRecipient, error) {
	query := `
		UPDATE campaign_recipients
		SET state = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM campaign_recipients
			WHERE campaign_id = $2 AND state = $3
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + campaignRecipientColumns

	rows, err := s.db.Pool().Query(ctx, query, RecipientInFlight, campaignID, RecipientPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending recipients: %w", err)
	}
	defer rows.Close()

	var claimed []*CampaignRecipient
	for rows.Next() {
		cr, err := scanCampaignRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign recipient: %w", err)
		}
		claimed = append(claimed, cr)
	}
	return claimed, rows.Err()
}

// MarkAttempt increments the attempt counter before the provider call
// is made, so a crash between send and outcome still leaves evidence.
func (s *Store) MarkAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE campaign_recipients
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND state = $2
		RETURNING attempts
	`

	var attempts int
	err := s.db.Pool().QueryRow(ctx, query, id, RecipientInFlight).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, ErrStale
	}
	if err != nil {
		return 0, fmt.Errorf("mark attempt: %w", err)
	}
	return attempts, nil
}

// MarkRecipientSent records a successful send and bumps the campaign's
// sent counter in the same transaction.
func (s *Store) MarkRecipientSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var campaignID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE campaign_recipients
		SET state = $1, provider_message_id = $2, last_error = NULL,
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $3 AND state = $4
		RETURNING campaign_id
	`, RecipientSent, providerMessageID, id, RecipientInFlight).Scan(&campaignID)
	if err == pgx.ErrNoRows {
		return ErrStale
	}
	if err != nil {
		return fmt.Errorf("mark recipient sent: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET sent = sent + 1, queued = GREATEST(queued - 1, 0), updated_at = NOW()
		WHERE id = $1
	`, campaignID)
	if err != nil {
		return fmt.Errorf("increment sent counter: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkRecipientFailed records a terminal failure and bumps the
// campaign's failed counter in the same transaction.
func (s *Store) MarkRecipientFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var campaignID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE campaign_recipients
		SET state = $1, last_error = $2, claimed_at = NULL, updated_at = NOW()
		WHERE id = $3 AND state = $4
		RETURNING campaign_id
	`, RecipientFailed, errMsg, id, RecipientInFlight).Scan(&campaignID)
	if err == pgx.ErrNoRows {
		return ErrStale
	}
	if err != nil {
		return fmt.Errorf("mark recipient failed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET failed = failed + 1, queued = GREATEST(queued - 1, 0), updated_at = NOW()
		WHERE id = $1
	`, campaignID)
	if err != nil {
		return fmt.Errorf("increment failed counter: %w", err)
	}

	return tx.Commit(ctx)
}

// ReleaseRecipient returns an in_flight row to pending, optionally with
// a retry delay and the error that caused the requeue. Counters are
// untouched; the recipient has not reached a terminal state.
func (s *Store) ReleaseRecipient(ctx context.Context, id uuid.UUID, delay time.Duration, errMsg *string) error {
	query := `
		UPDATE campaign_recipients
		SET state = $1, next_attempt_at = $2, last_error = COALESCE($3, last_error),
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $4 AND state = $5
	`

	result, err := s.db.Pool().Exec(ctx, query,
		RecipientPending, time.Now().Add(delay), errMsg, id, RecipientInFlight,
	)
	if err != nil {
		return fmt.Errorf("release recipient: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// RequeueStuckInFlight returns in_flight rows claimed before the cutoff
// to pending. Covers workers that died mid-send; the visibility timeout
// is the crash-detection horizon.
func (s *Store) RequeueStuckInFlight(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE campaign_recipients
		SET state = $1, claimed_at = NULL, updated_at = NOW()
		WHERE state = $2 AND claimed_at < $3
	`

	result, err := s.db.Pool().Exec(ctx, query, RecipientPending, RecipientInFlight, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck in_flight: %w", err)
	}

	n := int(result.RowsAffected())
	if n > 0 {
		s.logger.Warn("requeued stuck in_flight recipients", zap.Int("count", n))
	}
	return n, nil
}

// CancelRemainingRecipients marks every still-dispatchable row
// cancelled without sending. Part of whole-campaign cancellation.
func (s *Store) CancelRemainingRecipients(ctx context.Context, campaignID uuid.UUID) (int, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE campaign_recipients
		SET state = $1, claimed_at = NULL, updated_at = NOW()
		WHERE campaign_id = $2 AND state IN ($3, $4)
	`, RecipientCancelled, campaignID, RecipientPending, RecipientInFlight)
	if err != nil {
		return 0, fmt.Errorf("cancel remaining recipients: %w", err)
	}
	cancelled := int(result.RowsAffected())

	_, err = tx.Exec(ctx,
		`UPDATE campaigns SET queued = 0, updated_at = NOW() WHERE id = $1`,
		campaignID,
	)
	if err != nil {
		return 0, fmt.Errorf("reset queued counter: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return cancelled, nil
}

// ListCampaignRecipients retrieves per-recipient rows for a campaign.
func (s *Store) ListCampaignRecipients(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*CampaignRecipient, error) {
	query := `
		SELECT ` + campaignRecipientColumns + `
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.Pool().Query(ctx, query, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaign recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*CampaignRecipient
	for rows.Next() {
		cr, err := scanCampaignRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign recipient: %w", err)
		}
		recipients = append(recipients, cr)
	}
	return recipients, rows.Err()
}
