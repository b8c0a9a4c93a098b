// Package analytics computes read-side campaign and tenant rollups
// from the counters the dispatcher and reconciler maintain.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/castlegate/outreach/internal/db"
)

// Repository defines the persistence operations the aggregator needs.
type Repository interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	TenantOverview(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*db.CampaignStats, error)
}

// Aggregator serves campaign and tenant statistics.
type Aggregator struct {
	db Repository
}

// NewAggregator creates an Aggregator.
func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{db: repo}
}

// CampaignStats returns the rollup for one campaign. Open and click
// rates are computed against sends: a campaign that sent nothing has
// zero rates, not NaN.
func (a *Aggregator) CampaignStats(ctx context.Context, tenantID, campaignID uuid.UUID) (*db.CampaignStats, error) {
	c, err := a.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, db.ErrNotFound
	}

	st := &db.CampaignStats{
		CampaignID: c.ID,
		Sent:       c.Sent,
		Delivered:  c.Delivered,
		Opened:     c.Opened,
		Clicked:    c.Clicked,
		Bounced:    c.Bounced,
		Failed:     c.Failed,
	}
	fillRates(st)
	return st, nil
}

// TenantOverview sums campaign counters for a tenant over a creation
// date window. A zero "to" means now.
func (a *Aggregator) TenantOverview(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*db.CampaignStats, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	st, err := a.db.TenantOverview(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	fillRates(st)
	return st, nil
}

func fillRates(st *db.CampaignStats) {
	if st.Sent == 0 {
		return
	}
	st.OpenRate = float64(st.Opened) / float64(st.Sent)
	st.ClickRate = float64(st.Clicked) / float64(st.Sent)
}
