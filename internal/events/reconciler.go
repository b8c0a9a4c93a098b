// Package events reconciles asynchronous delivery signals - provider
// webhooks and tracking hits - into recipient state and campaign
// counters.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/metrics"
	"github.com/castlegate/outreach/internal/provider"
)

// Repository defines the persistence operations the reconciler needs.
type Repository interface {
	AppendDeliveryEvent(ctx context.Context, ev *db.DeliveryEvent) error
	ApplyRecipientEvent(ctx context.Context, token, kind string) (bool, error)
}

// Reconciler ingests delivery events. Every known-token occurrence is
// appended to the raw log; state and counters move only on the first
// occurrence of each (token, kind).
type Reconciler struct {
	repo   Repository
	logger *zap.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo Repository, logger *zap.Logger) *Reconciler {
	return &Reconciler{repo: repo, logger: logger}
}

// knownKind gates what reaches the store. Providers add webhook event
// kinds without notice; a kind this system does not track must not turn
// into an error response that makes the provider redeliver the batch
// forever.
func knownKind(kind string) bool {
	switch kind {
	case db.EventDelivered, db.EventOpened, db.EventClicked, db.EventBounced:
		return true
	}
	return false
}

// Ingest processes one event. Unknown tokens and unknown kinds are
// swallowed: tracking URLs leak into link scanners and forwarded mail,
// providers ship kinds this system does not track, and neither must
// fail the webhook. The caller always gets success; the miss is logged
// and counted instead.
func (r *Reconciler) Ingest(ctx context.Context, ev provider.Event) error {
	if !knownKind(ev.Kind) {
		// The label stays fixed so a hostile payload cannot mint
		// metric series.
		metrics.RecordDeliveryEvent("unknown", "skipped")
		r.logger.Info("event of unknown kind ignored",
			zap.String("kind", ev.Kind),
		)
		return nil
	}

	applied, err := r.repo.ApplyRecipientEvent(ctx, ev.TrackingToken, ev.Kind)
	if errors.Is(err, db.ErrNotFound) {
		metrics.RecordUnknownTrackingToken()
		r.logger.Info("event for unknown tracking token",
			zap.String("kind", ev.Kind),
		)
		return nil
	}
	if err != nil {
		return err
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	raw := &db.DeliveryEvent{
		ID:            uuid.New(),
		TrackingToken: ev.TrackingToken,
		Kind:          ev.Kind,
		OccurredAt:    occurredAt,
		Payload:       ev.Payload,
	}
	if err := r.repo.AppendDeliveryEvent(ctx, raw); err != nil {
		// The state change already committed; losing one raw log row is
		// preferable to failing the webhook and triggering redelivery.
		r.logger.Error("failed to append delivery event", zap.Error(err))
	}

	if applied {
		metrics.RecordDeliveryEvent(ev.Kind, "applied")
	} else {
		metrics.RecordDeliveryEvent(ev.Kind, "duplicate")
	}
	return nil
}

// IngestBatch processes a verified webhook batch, continuing past
// per-event failures.
func (r *Reconciler) IngestBatch(ctx context.Context, evs []provider.Event) error {
	var firstErr error
	for _, ev := range evs {
		if err := r.Ingest(ctx, ev); err != nil {
			r.logger.Error("failed to ingest event",
				zap.String("kind", ev.Kind),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
