package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const accountColumns = `
	id, tenant_id, provider, access_token, refresh_token,
	external_id, expires_at, active, created_at, updated_at
`

func scanAccount(row pgx.Row) (*ProviderAccount, error) {
	var a ProviderAccount
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.Provider,
		&a.AccessToken,
		&a.RefreshToken,
		&a.ExternalID,
		&a.ExpiresAt,
		&a.Active,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateProviderAccount inserts a newly linked account.
func (s *Store) CreateProviderAccount(ctx context.Context, a *ProviderAccount) error {
	query := `
		INSERT INTO provider_accounts (
			id, tenant_id, provider, access_token, refresh_token,
			external_id, expires_at, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		a.ID, a.TenantID, a.Provider, a.AccessToken, a.RefreshToken,
		a.ExternalID, a.ExpiresAt, a.Active,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert provider account: %w", err)
	}

	s.logger.Info("provider account linked",
		zap.String("account_id", a.ID.String()),
		zap.String("tenant_id", a.TenantID.String()),
		zap.String("provider", string(a.Provider)),
	)

	return nil
}

// GetProviderAccount retrieves an account by ID.
func (s *Store) GetProviderAccount(ctx context.Context, id uuid.UUID) (*ProviderAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM provider_accounts WHERE id = $1`

	a, err := scanAccount(s.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query provider account: %w", err)
	}
	return a, nil
}

// GetActiveAccount returns the most recently linked active account for
// (tenant, provider). Older active accounts stay reachable by ID for
// campaigns already referencing them.
func (s *Store) GetActiveAccount(ctx context.Context, tenantID uuid.UUID, kind ProviderKind) (*ProviderAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM provider_accounts
		WHERE tenant_id = $1 AND provider = $2 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAccount(s.db.Pool().QueryRow(ctx, query, tenantID, kind))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active account: %w", err)
	}
	return a, nil
}

// UpdateAccountTokens persists a refreshed token pair.
func (s *Store) UpdateAccountTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error {
	query := `
		UPDATE provider_accounts
		SET access_token = $1, refresh_token = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $4 AND active
	`

	result, err := s.db.Pool().Exec(ctx, query, accessToken, refreshToken, expiresAt, id)
	if err != nil {
		return fmt.Errorf("update account tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateAccount soft-deletes an account (disconnect or refresh failure).
func (s *Store) DeactivateAccount(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE provider_accounts SET active = FALSE, updated_at = NOW() WHERE id = $1`

	result, err := s.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Info("provider account deactivated", zap.String("account_id", id.String()))
	return nil
}
