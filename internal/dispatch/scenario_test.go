package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/provider"
	"github.com/castlegate/outreach/internal/template"
)

// memStore models the campaign_recipients table closely enough to run
// whole campaigns through the pool: enrollment idempotent on
// (campaign, recipient), pending-only claims that honor retry delays,
// counter updates on terminal outcomes, and completion once the queue
// drains.
type memStore struct {
	campaign    *db.Campaign
	rows        []*db.CampaignRecipient
	people      map[uuid.UUID]*db.Recipient
	completions int
}

func newMemStore(c *db.Campaign) *memStore {
	return &memStore{campaign: c, people: make(map[uuid.UUID]*db.Recipient)}
}

func (m *memStore) enroll(entries []db.EnrollEntry) int {
	inserted := 0
	for _, e := range entries {
		dup := false
		for _, r := range m.rows {
			if r.RecipientID == e.RecipientID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.rows = append(m.rows, &db.CampaignRecipient{
			ID:            uuid.New(),
			CampaignID:    m.campaign.ID,
			RecipientID:   e.RecipientID,
			Address:       e.Address,
			State:         db.RecipientPending,
			TrackingToken: e.TrackingToken,
		})
		inserted++
	}
	queued := 0
	for _, r := range m.rows {
		if r.State == db.RecipientPending || r.State == db.RecipientInFlight {
			queued++
		}
	}
	m.campaign.Queued = queued
	return inserted
}

// clearRetryDelays makes every backed-off row claimable again, standing
// in for the passage of time between claim cycles.
func (m *memStore) clearRetryDelays() {
	for _, r := range m.rows {
		r.NextAttemptAt = nil
	}
}

func (m *memStore) find(id uuid.UUID) *db.CampaignRecipient {
	for _, r := range m.rows {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memStore) ListSendingCampaigns(ctx context.Context, limit int) ([]*db.Campaign, error) {
	if m.campaign.State != db.CampaignSending {
		return nil, nil
	}
	return []*db.Campaign{m.campaign}, nil
}

func (m *memStore) ClaimPendingRecipients(ctx context.Context, campaignID uuid.UUID, limit int) ([]*db.CampaignRecipient, error) {
	now := time.Now()
	var claimed []*db.CampaignRecipient
	for _, r := range m.rows {
		if len(claimed) >= limit {
			break
		}
		if r.State != db.RecipientPending {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		r.State = db.RecipientInFlight
		r.ClaimedAt = &now
		claimed = append(claimed, r)
	}
	return claimed, nil
}

func (m *memStore) GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error) {
	rec, ok := m.people[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) MarkAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	r := m.find(id)
	if r == nil || r.State != db.RecipientInFlight {
		return 0, db.ErrStale
	}
	r.Attempts++
	return r.Attempts, nil
}

func (m *memStore) MarkRecipientSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	r := m.find(id)
	if r == nil || r.State != db.RecipientInFlight {
		return db.ErrStale
	}
	r.State = db.RecipientSent
	r.ProviderMessageID = &providerMessageID
	m.campaign.Sent++
	m.campaign.Queued--
	return nil
}

func (m *memStore) MarkRecipientFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	r := m.find(id)
	if r == nil || r.State != db.RecipientInFlight {
		return db.ErrStale
	}
	r.State = db.RecipientFailed
	r.LastError = &errMsg
	m.campaign.Failed++
	m.campaign.Queued--
	return nil
}

func (m *memStore) ReleaseRecipient(ctx context.Context, id uuid.UUID, delay time.Duration, errMsg *string) error {
	r := m.find(id)
	if r == nil || r.State != db.RecipientInFlight {
		return db.ErrStale
	}
	at := time.Now().Add(delay)
	r.State = db.RecipientPending
	r.NextAttemptAt = &at
	r.ClaimedAt = nil
	if errMsg != nil {
		r.LastError = errMsg
	}
	return nil
}

func (m *memStore) PauseCampaign(ctx context.Context, id uuid.UUID, reason string) error {
	if m.campaign.State != db.CampaignSending {
		return db.ErrStale
	}
	m.campaign.State = db.CampaignPaused
	m.campaign.LastError = &reason
	return nil
}

func (m *memStore) CompleteCampaignIfDone(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.campaign.State != db.CampaignSending {
		return false, nil
	}
	for _, r := range m.rows {
		if r.State == db.RecipientPending || r.State == db.RecipientInFlight {
			return false, nil
		}
	}
	m.campaign.State = db.CampaignCompleted
	m.completions++
	return true, nil
}

// flakyAdapter fails its first N sends with a transient error, then
// succeeds.
type flakyAdapter struct {
	failures  int
	sendCalls int
}

func (f *flakyAdapter) Kind() db.ProviderKind { return db.ProviderGmail }

func (f *flakyAdapter) Send(ctx context.Context, acct *db.ProviderAccount, msg *provider.Message) (*provider.SendResult, error) {
	f.sendCalls++
	if f.sendCalls <= f.failures {
		return nil, provider.Transient("mailbox busy")
	}
	return &provider.SendResult{ProviderMessageID: fmt.Sprintf("msg-%d", f.sendCalls)}, nil
}

func (f *flakyAdapter) Refresh(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return acct, nil
}

func (f *flakyAdapter) VerifyWebhook(r *http.Request, body []byte) ([]provider.Event, error) {
	return nil, nil
}

type scenario struct {
	store   *memStore
	adapter *flakyAdapter
	pool    *Pool
	entries []db.EnrollEntry
}

func newScenario(t *testing.T, recipients, maxAttempts int) *scenario {
	t.Helper()
	c := &db.Campaign{
		ID:                uuid.New(),
		TenantID:          uuid.New(),
		ProviderAccountID: uuid.New(),
		Provider:          db.ProviderGmail,
		State:             db.CampaignSending,
		Subject:           "Hi {{name}}",
		Body:              "An offer for {{name}}",
	}
	store := newMemStore(c)

	var entries []db.EnrollEntry
	for i := 0; i < recipients; i++ {
		rec := &db.Recipient{
			ID:       uuid.New(),
			TenantID: c.TenantID,
			Address:  fmt.Sprintf("r%d@example.com", i),
		}
		store.people[rec.ID] = rec
		entries = append(entries, db.EnrollEntry{
			RecipientID:   rec.ID,
			Address:       rec.Address,
			TrackingToken: fmt.Sprintf("tok-%d", i),
		})
	}
	store.enroll(entries)

	adapter := &flakyAdapter{}
	creds := &MockCreds{account: &db.ProviderAccount{ID: c.ProviderAccountID, Active: true}}
	pool := New(store, creds, &MockLimiter{allow: true},
		provider.NewRegistry(adapter),
		template.NewRenderer("https://outreach.example.com"),
		Config{
			MaxAttempts:    maxAttempts,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  time.Minute,
		},
		zap.NewNop(),
	)

	return &scenario{store: store, adapter: adapter, pool: pool, entries: entries}
}

// runCycle is one claim-and-process pass, the same shape the pool's
// poll loop runs on every tick.
func (s *scenario) runCycle(ctx context.Context) int {
	campaigns, _ := s.store.ListSendingCampaigns(ctx, 50)
	processed := 0
	for _, c := range campaigns {
		rows, _ := s.store.ClaimPendingRecipients(ctx, c.ID, 50)
		if len(rows) == 0 {
			s.pool.tryComplete(ctx, c.ID)
			continue
		}
		for _, row := range rows {
			s.pool.process(ctx, task{campaign: c, row: row})
			processed++
		}
	}
	return processed
}

// drain runs claim cycles, clearing retry delays between passes, until
// the campaign stops dispatching.
func (s *scenario) drain(ctx context.Context, t *testing.T) {
	t.Helper()
	for i := 0; i < 25; i++ {
		n := s.runCycle(ctx)
		if n == 0 && s.store.campaign.State != db.CampaignSending {
			return
		}
		s.store.clearRetryDelays()
	}
	t.Fatalf("campaign did not settle: state=%s", s.store.campaign.State)
}

// checkCounterSum asserts sent + failed + queued always accounts for
// every enrolled recipient.
func (s *scenario) checkCounterSum(t *testing.T) {
	t.Helper()
	c := s.store.campaign
	if got := c.Sent + c.Failed + c.Queued; got != len(s.store.rows) {
		t.Errorf("sent(%d) + failed(%d) + queued(%d) = %d, want %d enrolled",
			c.Sent, c.Failed, c.Queued, got, len(s.store.rows))
	}
}

func TestDispatchDrainsCampaignToCompletion(t *testing.T) {
	s := newScenario(t, 3, 3)
	s.drain(context.Background(), t)

	c := s.store.campaign
	if c.State != db.CampaignCompleted {
		t.Errorf("expected completed, got %s", c.State)
	}
	if c.Sent != 3 || c.Failed != 0 || c.Queued != 0 {
		t.Errorf("counters sent=%d failed=%d queued=%d, want 3/0/0", c.Sent, c.Failed, c.Queued)
	}
	if s.adapter.sendCalls != 3 {
		t.Errorf("expected 3 provider sends, got %d", s.adapter.sendCalls)
	}
	for _, r := range s.store.rows {
		if r.State != db.RecipientSent {
			t.Errorf("recipient %s in state %s, want sent", r.Address, r.State)
		}
	}
	if s.store.completions != 1 {
		t.Errorf("campaign completed %d times, want exactly once", s.store.completions)
	}
	s.checkCounterSum(t)
}

func TestEnrollmentIsIdempotent(t *testing.T) {
	s := newScenario(t, 3, 3)

	if inserted := s.store.enroll(s.entries); inserted != 0 {
		t.Errorf("re-enrollment inserted %d rows, want 0", inserted)
	}
	if len(s.store.rows) != 3 {
		t.Errorf("expected 3 rows after double enrollment, got %d", len(s.store.rows))
	}
	if s.store.campaign.Queued != 3 {
		t.Errorf("queued = %d, want 3", s.store.campaign.Queued)
	}
}

func TestResumeDoesNotResendDeliveredWork(t *testing.T) {
	s := newScenario(t, 3, 3)
	ctx := context.Background()

	// Send to one recipient, then simulate the resume path: the
	// scheduler re-enrolls the audience and dispatch picks up again.
	rows, _ := s.store.ClaimPendingRecipients(ctx, s.store.campaign.ID, 1)
	if len(rows) != 1 {
		t.Fatalf("expected 1 claimed row, got %d", len(rows))
	}
	s.pool.process(ctx, task{campaign: s.store.campaign, row: rows[0]})
	if s.store.campaign.Sent != 1 {
		t.Fatalf("expected 1 sent before resume, got %d", s.store.campaign.Sent)
	}

	if inserted := s.store.enroll(s.entries); inserted != 0 {
		t.Errorf("resume enrollment inserted %d rows, want 0", inserted)
	}
	s.drain(ctx, t)

	if s.adapter.sendCalls != 3 {
		t.Errorf("expected 3 total sends across resume, got %d", s.adapter.sendCalls)
	}
	if s.store.campaign.Sent != 3 {
		t.Errorf("sent = %d, want 3", s.store.campaign.Sent)
	}
	s.checkCounterSum(t)
}

func TestTransientFailureRetriesUntilSuccess(t *testing.T) {
	s := newScenario(t, 1, 3)
	s.adapter.failures = 1
	s.drain(context.Background(), t)

	if s.adapter.sendCalls != 2 {
		t.Errorf("expected 2 sends, got %d", s.adapter.sendCalls)
	}
	row := s.store.rows[0]
	if row.State != db.RecipientSent {
		t.Errorf("recipient state = %s, want sent", row.State)
	}
	if row.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", row.Attempts)
	}
	if s.store.campaign.State != db.CampaignCompleted {
		t.Errorf("campaign state = %s, want completed", s.store.campaign.State)
	}
	s.checkCounterSum(t)
}

func TestRetryBudgetExhaustionFailsRecipient(t *testing.T) {
	s := newScenario(t, 1, 2)
	s.adapter.failures = 100
	s.drain(context.Background(), t)

	if s.adapter.sendCalls != 2 {
		t.Errorf("expected 2 sends before giving up, got %d", s.adapter.sendCalls)
	}
	row := s.store.rows[0]
	if row.State != db.RecipientFailed {
		t.Errorf("recipient state = %s, want failed", row.State)
	}
	c := s.store.campaign
	if c.Failed != 1 || c.Sent != 0 || c.Queued != 0 {
		t.Errorf("counters sent=%d failed=%d queued=%d, want 0/1/0", c.Sent, c.Failed, c.Queued)
	}
	if c.State != db.CampaignCompleted {
		t.Errorf("campaign state = %s, want completed", c.State)
	}
	s.checkCounterSum(t)
}
