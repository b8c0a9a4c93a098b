package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/audience"
	"github.com/castlegate/outreach/internal/campaign"
	"github.com/castlegate/outreach/internal/db"
)

// MockCampaigns is a fake campaign service for testing
type MockCampaigns struct {
	campaigns map[uuid.UUID]*db.Campaign

	createErr error
	startErr  error
	pauseErr  error

	createCalled bool
	startCalled  bool
}

func NewMockCampaigns() *MockCampaigns {
	return &MockCampaigns{campaigns: make(map[uuid.UUID]*db.Campaign)}
}

func (m *MockCampaigns) Create(ctx context.Context, tenantID uuid.UUID, req campaign.CreateRequest) (*db.Campaign, error) {
	m.createCalled = true
	if m.createErr != nil {
		return nil, m.createErr
	}
	c := &db.Campaign{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     req.Name,
		Provider: req.Provider,
		State:    db.CampaignDraft,
	}
	m.campaigns[c.ID] = c
	return c, nil
}

func (m *MockCampaigns) Start(ctx context.Context, tenantID, id uuid.UUID, startAt *time.Time) (*db.Campaign, error) {
	m.startCalled = true
	if m.startErr != nil {
		return nil, m.startErr
	}
	c, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	c.State = db.CampaignScheduled
	return c, nil
}

func (m *MockCampaigns) Pause(ctx context.Context, tenantID, id uuid.UUID) error {
	if m.pauseErr != nil {
		return m.pauseErr
	}
	_, err := m.Get(ctx, tenantID, id)
	return err
}

func (m *MockCampaigns) Resume(ctx context.Context, tenantID, id uuid.UUID) error {
	_, err := m.Get(ctx, tenantID, id)
	return err
}

func (m *MockCampaigns) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	_, err := m.Get(ctx, tenantID, id)
	return err
}

func (m *MockCampaigns) Get(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (m *MockCampaigns) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error) {
	var out []*db.Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

// MockStats serves canned rollups
type MockStats struct {
	stats *db.CampaignStats
}

func (m *MockStats) CampaignStats(ctx context.Context, tenantID, campaignID uuid.UUID) (*db.CampaignStats, error) {
	if m.stats == nil {
		return nil, db.ErrNotFound
	}
	return m.stats, nil
}

func (m *MockStats) TenantOverview(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (*db.CampaignStats, error) {
	if m.stats == nil {
		return &db.CampaignStats{}, nil
	}
	return m.stats, nil
}

// MockContacts records contact writes
type MockContacts struct {
	recipients []*db.Recipient
	audiences  []*db.Audience
	templates  []*db.Template
}

func (m *MockContacts) CreateRecipient(ctx context.Context, r *db.Recipient) error {
	m.recipients = append(m.recipients, r)
	return nil
}

func (m *MockContacts) GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error) {
	for _, r := range m.recipients {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MockContacts) CreateAudience(ctx context.Context, a *db.Audience, memberIDs []uuid.UUID) error {
	m.audiences = append(m.audiences, a)
	return nil
}

func (m *MockContacts) GetAudience(ctx context.Context, id uuid.UUID) (*db.Audience, error) {
	for _, a := range m.audiences {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MockContacts) CreateTemplate(ctx context.Context, t *db.Template) error {
	m.templates = append(m.templates, t)
	return nil
}

func (m *MockContacts) GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	for _, t := range m.templates {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MockContacts) ListCampaignRecipients(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*db.CampaignRecipient, error) {
	return []*db.CampaignRecipient{}, nil
}

type fixture struct {
	campaigns *MockCampaigns
	stats     *MockStats
	contacts  *MockContacts
	router    *chi.Mux
	tenantID  uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		campaigns: NewMockCampaigns(),
		stats:     &MockStats{},
		contacts:  &MockContacts{},
		tenantID:  uuid.New(),
	}

	h := NewHandler(zap.NewNop(), f.campaigns, nil, f.stats, f.contacts, nil)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(TenantMiddleware(zap.NewNop()))
		r.Post("/campaigns", h.CreateCampaign)
		r.Get("/campaigns", h.ListCampaigns)
		r.Get("/campaigns/{id}", h.GetCampaign)
		r.Post("/campaigns/{id}/start", h.StartCampaign)
		r.Post("/campaigns/{id}/pause", h.PauseCampaign)
		r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
		r.Post("/campaigns/{id}/cancel", h.CancelCampaign)
		r.Get("/campaigns/{id}/stats", h.GetCampaignStats)
		r.Post("/recipients", h.CreateRecipient)
		r.Get("/recipients/{id}", h.GetRecipient)
		r.Post("/audiences", h.CreateAudience)
		r.Get("/audiences/{id}", h.GetAudience)
		r.Post("/templates", h.CreateTemplate)
		r.Get("/templates/{id}", h.GetTemplate)
		r.Get("/analytics/overview", h.GetOverview)
	})
	f.router = r
	return f
}

func (f *fixture) do(method, path string, body interface{}, tenant bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant {
		req.Header.Set("X-Tenant-ID", f.tenantID.String())
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreateCampaignSuccess(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/v1/campaigns", CampaignRequest{
		Name:       "spring launch",
		Provider:   "gmail",
		TemplateID: uuid.New().String(),
		AudienceID: uuid.New().String(),
	}, true)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if !f.campaigns.createCalled {
		t.Error("service Create should have been called")
	}

	var c db.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if c.State != db.CampaignDraft {
		t.Errorf("new campaign state = %s, want draft", c.State)
	}
}

func TestCreateCampaignMalformedBody(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns", bytes.NewBufferString("{not json"))
	req.Header.Set("X-Tenant-ID", f.tenantID.String())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if f.campaigns.createCalled {
		t.Error("service should not be reached with a malformed body")
	}
}

func TestCreateCampaignInvalidTemplateID(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/v1/campaigns", CampaignRequest{
		Name:       "x",
		Provider:   "gmail",
		TemplateID: "not-a-uuid",
		AudienceID: uuid.New().String(),
	}, true)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMissingTenantHeaderRejected(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/v1/campaigns", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if resp.Type != "missing_tenant" {
		t.Errorf("problem type = %q, want missing_tenant", resp.Type)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/v1/campaigns/"+uuid.New().String(), nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetCampaignOtherTenantHidden(t *testing.T) {
	f := newFixture()

	c := &db.Campaign{ID: uuid.New(), TenantID: uuid.New()}
	f.campaigns.campaigns[c.ID] = c

	w := f.do(http.MethodGet, "/v1/campaigns/"+c.ID.String(), nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another tenant's campaign", w.Code)
	}
}

func TestLifecycleIllegalTransitionConflict(t *testing.T) {
	f := newFixture()
	f.campaigns.pauseErr = campaign.ErrIllegalTransition

	c := &db.Campaign{ID: uuid.New(), TenantID: f.tenantID, State: db.CampaignDraft}
	f.campaigns.campaigns[c.ID] = c

	w := f.do(http.MethodPost, "/v1/campaigns/"+c.ID.String()+"/pause", nil, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if resp.Type != "illegal_transition" {
		t.Errorf("problem type = %q, want illegal_transition", resp.Type)
	}
}

func TestStartCampaignWithScheduleBody(t *testing.T) {
	f := newFixture()

	c := &db.Campaign{ID: uuid.New(), TenantID: f.tenantID, State: db.CampaignDraft}
	f.campaigns.campaigns[c.ID] = c

	startAt := time.Now().Add(time.Hour).UTC()
	w := f.do(http.MethodPost, "/v1/campaigns/"+c.ID.String()+"/start",
		map[string]interface{}{"start_at": startAt}, true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !f.campaigns.startCalled {
		t.Error("service Start should have been called")
	}
}

func TestStartCampaignEmptyAudienceIsUnprocessable(t *testing.T) {
	f := newFixture()
	f.campaigns.startErr = audience.ErrEmptyAudience

	c := &db.Campaign{ID: uuid.New(), TenantID: f.tenantID, State: db.CampaignDraft}
	f.campaigns.campaigns[c.ID] = c

	w := f.do(http.MethodPost, "/v1/campaigns/"+c.ID.String()+"/start", nil, true)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if resp.Type != "empty_audience" {
		t.Errorf("problem type = %q, want empty_audience", resp.Type)
	}
}

func TestListCampaignsEnvelope(t *testing.T) {
	f := newFixture()

	for i := 0; i < 3; i++ {
		c := &db.Campaign{ID: uuid.New(), TenantID: f.tenantID}
		f.campaigns.campaigns[c.ID] = c
	}

	w := f.do(http.MethodGet, "/v1/campaigns?limit=2", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("pagination = limit %d offset %d, want 2/0", resp.Limit, resp.Offset)
	}
}

func TestPaginationClampsOutOfRange(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/v1/campaigns?limit=5000&offset=-4", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Limit != 20 || resp.Offset != 0 {
		t.Errorf("pagination = limit %d offset %d, want defaults 20/0", resp.Limit, resp.Offset)
	}
}

func TestCreateRecipientStampsTenant(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/v1/recipients", RecipientRequest{
		Address:     "alice@example.com",
		DisplayName: "Alice",
	}, true)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if len(f.contacts.recipients) != 1 {
		t.Fatalf("expected 1 recipient, got %d", len(f.contacts.recipients))
	}
	if f.contacts.recipients[0].TenantID != f.tenantID {
		t.Error("recipient should carry the header tenant")
	}
}

func TestGetRecipientScopedToTenant(t *testing.T) {
	f := newFixture()

	other := &db.Recipient{ID: uuid.New(), TenantID: uuid.New(), Address: "bob@example.com"}
	f.contacts.recipients = append(f.contacts.recipients, other)

	w := f.do(http.MethodGet, "/v1/recipients/"+other.ID.String(), nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another tenant's recipient", w.Code)
	}

	mine := &db.Recipient{ID: uuid.New(), TenantID: f.tenantID, Address: "alice@example.com"}
	f.contacts.recipients = append(f.contacts.recipients, mine)

	w = f.do(http.MethodGet, "/v1/recipients/"+mine.ID.String(), nil, true)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for own recipient", w.Code)
	}
}

func TestCreateTemplateRejectsUnknownProvider(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/v1/templates", TemplateRequest{
		Name:     "welcome",
		Provider: "carrier-pigeon",
		Body:     "<p>hi</p>",
	}, true)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(f.contacts.templates) != 0 {
		t.Error("invalid template should not be persisted")
	}
}

func TestOverviewRejectsBadTimestamp(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/v1/analytics/overview?from=yesterday", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
