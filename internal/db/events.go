package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AppendDeliveryEvent records one raw provider/tracking event. The log
// is append-only and written for every event with a known token, even
// duplicates.
func (s *Store) AppendDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error {
	query := `
		INSERT INTO delivery_events (id, tracking_token, kind, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		ev.ID, ev.TrackingToken, ev.Kind, ev.OccurredAt, ev.Payload,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	return nil
}

// GetRecipientByToken resolves a tracking token to its campaign
// recipient row.
func (s *Store) GetRecipientByToken(ctx context.Context, token string) (*CampaignRecipient, error) {
	query := `
		SELECT ` + campaignRecipientColumns + `
		FROM campaign_recipients
		WHERE tracking_token = $1
	`

	cr, err := scanCampaignRecipient(s.db.Pool().QueryRow(ctx, query, token))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient by token: %w", err)
	}
	return cr, nil
}

// eventTransition maps an event kind onto the per-recipient state
// lattice: pending -> sent -> {delivered|failed} -> {opened -> clicked},
// bounce terminal from sent/delivered.
func eventTransition(kind string) (from []string, to string, ok bool) {
	switch kind {
	case EventDelivered:
		return []string{RecipientSent}, RecipientDelivered, true
	case EventOpened:
		return []string{RecipientSent, RecipientDelivered}, RecipientOpened, true
	case EventClicked:
		return []string{RecipientSent, RecipientDelivered, RecipientOpened}, RecipientClicked, true
	case EventBounced:
		return []string{RecipientSent, RecipientDelivered}, RecipientBounced, true
	}
	return nil, "", false
}

// ApplyRecipientEvent merges one (token, kind) occurrence into recipient
// and campaign state. The recipient_event_marks insert is the dedup
// gate: only the first occurrence of a given kind for a token advances
// state and counters, so webhook redeliveries and pixel re-fetches are
// no-ops beyond the raw event log. Returns whether this occurrence was
// the first.
func (s *Store) ApplyRecipientEvent(ctx context.Context, token, kind string) (bool, error) {
	allowedFrom, to, ok := eventTransition(kind)
	if !ok {
		return false, fmt.Errorf("unknown event kind: %s", kind)
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var recipientID, campaignID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id, campaign_id FROM campaign_recipients
		WHERE tracking_token = $1
		FOR UPDATE
	`, token).Scan(&recipientID, &campaignID)
	if err == pgx.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock recipient by token: %w", err)
	}

	mark, err := tx.Exec(ctx, `
		INSERT INTO recipient_event_marks (tracking_token, kind)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, token, kind)
	if err != nil {
		return false, fmt.Errorf("insert event mark: %w", err)
	}
	if mark.RowsAffected() == 0 {
		// Duplicate delivery of an already-applied event.
		return false, tx.Commit(ctx)
	}

	// Advance recipient state only when the move is forward in the
	// lattice; an out-of-order open after a click keeps the row clicked
	// but the opened counter still bumps exactly once.
	_, err = tx.Exec(ctx, `
		UPDATE campaign_recipients
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = ANY($3)
	`, to, recipientID, allowedFrom)
	if err != nil {
		return false, fmt.Errorf("advance recipient state: %w", err)
	}

	// kind is validated by eventTransition and matches the counter
	// column name directly.
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1
	`, kind, kind), campaignID)
	if err != nil {
		return false, fmt.Errorf("increment %s counter: %w", kind, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Debug("delivery event applied",
		zap.String("campaign_id", campaignID.String()),
		zap.String("kind", kind),
	)
	return true, nil
}
