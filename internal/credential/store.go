// Package credential manages tenant provider credentials: linking via
// OAuth or API key, refresh-before-use, and disconnect.
package credential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/provider"
)

// ErrNotLinked means the tenant has no active account for the provider.
var ErrNotLinked = errors.New("provider not linked for tenant")

// ErrBadLinkState means the OAuth callback state failed verification.
var ErrBadLinkState = errors.New("invalid oauth link state")

// AccountRepository defines the account persistence operations the
// credential store needs.
type AccountRepository interface {
	CreateProviderAccount(ctx context.Context, a *db.ProviderAccount) error
	GetProviderAccount(ctx context.Context, id uuid.UUID) (*db.ProviderAccount, error)
	GetActiveAccount(ctx context.Context, tenantID uuid.UUID, kind db.ProviderKind) (*db.ProviderAccount, error)
	UpdateAccountTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error
	DeactivateAccount(ctx context.Context, id uuid.UUID) error
}

// Store wraps the persistence layer with the credential lifecycle.
type Store struct {
	db        AccountRepository
	providers *provider.Registry
	signKey   []byte
	skew      time.Duration
	logger    *zap.Logger
}

// NewStore creates a credential store. signKey signs OAuth link state;
// accounts expiring within skew are refreshed before use.
func NewStore(store AccountRepository, providers *provider.Registry, signKey string, skew time.Duration, logger *zap.Logger) *Store {
	return &Store{
		db:        store,
		providers: providers,
		signKey:   []byte(signKey),
		skew:      skew,
		logger:    logger,
	}
}

// Get returns the account by ID, ErrNotLinked if it was disconnected.
func (s *Store) Get(ctx context.Context, accountID uuid.UUID) (*db.ProviderAccount, error) {
	acct, err := s.db.GetProviderAccount(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotLinked
	}
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, ErrNotLinked
	}
	return acct, nil
}

// Active returns the tenant's current account for a provider kind.
func (s *Store) Active(ctx context.Context, tenantID uuid.UUID, kind db.ProviderKind) (*db.ProviderAccount, error) {
	acct, err := s.db.GetActiveAccount(ctx, tenantID, kind)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotLinked
	}
	return acct, err
}

// RefreshIfExpiring refreshes the account's access token when it
// expires within the configured skew, persisting the new pair. Returns
// the account to use for the send. A refresh failure deactivates the
// account and surfaces ErrCredentialExpired so the caller can pause
// work that depends on it.
func (s *Store) RefreshIfExpiring(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	if !acct.Expiring(s.skew) {
		return acct, nil
	}

	adapter, err := s.providers.Get(acct.Provider)
	if err != nil {
		return nil, err
	}

	refreshed, err := adapter.Refresh(ctx, acct)
	if err != nil {
		s.logger.Warn("credential refresh failed, deactivating account",
			zap.String("account_id", acct.ID.String()),
			zap.String("provider", string(acct.Provider)),
			zap.Error(err),
		)
		if derr := s.db.DeactivateAccount(ctx, acct.ID); derr != nil && !errors.Is(derr, db.ErrNotFound) {
			s.logger.Error("deactivate account after failed refresh", zap.Error(derr))
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrCredentialExpired, err)
	}

	if refreshed.AccessToken != acct.AccessToken || refreshed.RefreshToken != acct.RefreshToken {
		err = s.db.UpdateAccountTokens(ctx, acct.ID, refreshed.AccessToken, refreshed.RefreshToken, refreshed.ExpiresAt)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotLinked
		}
		if err != nil {
			return nil, err
		}
	}
	return refreshed, nil
}

// BeginLink starts the authorization-code flow for an OAuth provider
// and returns the URL to redirect the tenant's operator to.
func (s *Store) BeginLink(tenantID uuid.UUID, kind db.ProviderKind) (string, error) {
	adapter, err := s.providers.Get(kind)
	if err != nil {
		return "", err
	}
	linker, ok := adapter.(provider.OAuthLinker)
	if !ok {
		return "", fmt.Errorf("provider %s does not use oauth linking", kind)
	}
	return linker.AuthCodeURL(s.signState(tenantID, kind)), nil
}

// CompleteLink finishes the flow: verifies state, exchanges the code,
// and stores the new account as the tenant's active credential.
func (s *Store) CompleteLink(ctx context.Context, state, code string) (*db.ProviderAccount, error) {
	tenantID, kind, err := s.verifyState(state)
	if err != nil {
		return nil, err
	}

	adapter, err := s.providers.Get(kind)
	if err != nil {
		return nil, err
	}
	linker, ok := adapter.(provider.OAuthLinker)
	if !ok {
		return nil, fmt.Errorf("provider %s does not use oauth linking", kind)
	}

	cred, err := linker.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	acct := &db.ProviderAccount{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Provider:     kind,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExternalID:   cred.ExternalID,
		ExpiresAt:    cred.ExpiresAt,
		Active:       true,
	}
	if err := s.db.CreateProviderAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// LinkAPIKey stores a static-credential account (whatsapp, ses).
// externalID is the sender identity: phone number ID or from-address.
func (s *Store) LinkAPIKey(ctx context.Context, tenantID uuid.UUID, kind db.ProviderKind, token, externalID string) (*db.ProviderAccount, error) {
	if _, err := s.providers.Get(kind); err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, fmt.Errorf("external id is required for %s", kind)
	}

	acct := &db.ProviderAccount{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Provider:    kind,
		AccessToken: token,
		ExternalID:  externalID,
		Active:      true,
	}
	if err := s.db.CreateProviderAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Disconnect deactivates the tenant's active account for a provider.
func (s *Store) Disconnect(ctx context.Context, tenantID uuid.UUID, kind db.ProviderKind) error {
	acct, err := s.Active(ctx, tenantID, kind)
	if err != nil {
		return err
	}
	return s.db.DeactivateAccount(ctx, acct.ID)
}

// linkState is the payload carried through the OAuth round trip. It is
// HMAC-signed rather than stored, so callbacks survive restarts.
type linkState struct {
	TenantID uuid.UUID       `json:"t"`
	Provider db.ProviderKind `json:"p"`
	IssuedAt int64           `json:"ts"`
}

func (s *Store) signState(tenantID uuid.UUID, kind db.ProviderKind) string {
	payload, _ := json.Marshal(linkState{
		TenantID: tenantID,
		Provider: kind,
		IssuedAt: time.Now().Unix(),
	})
	mac := hmac.New(sha256.New, s.signKey)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Store) verifyState(state string) (uuid.UUID, db.ProviderKind, error) {
	parts := strings.SplitN(state, ".", 2)
	if len(parts) != 2 {
		return uuid.Nil, "", ErrBadLinkState
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return uuid.Nil, "", ErrBadLinkState
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return uuid.Nil, "", ErrBadLinkState
	}

	mac := hmac.New(sha256.New, s.signKey)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return uuid.Nil, "", ErrBadLinkState
	}

	var st linkState
	if err := json.Unmarshal(payload, &st); err != nil {
		return uuid.Nil, "", ErrBadLinkState
	}
	if time.Since(time.Unix(st.IssuedAt, 0)) > 15*time.Minute {
		return uuid.Nil, "", ErrBadLinkState
	}
	return st.TenantID, st.Provider, nil
}
