package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateRecipient upserts a contact. Recipients are unique per
// (tenant, address); re-creating one updates the display name and
// variables in place and returns the existing row's ID.
func (s *Store) CreateRecipient(ctx context.Context, r *Recipient) error {
	query := `
		INSERT INTO recipients (id, tenant_id, address, display_name, variables)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, address) DO UPDATE
		SET display_name = EXCLUDED.display_name, variables = EXCLUDED.variables
		RETURNING id, created_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		r.ID, r.TenantID, r.Address, r.DisplayName, r.Variables,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

// GetRecipient retrieves a recipient by ID.
func (s *Store) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	query := `
		SELECT id, tenant_id, address, display_name, variables, created_at
		FROM recipients
		WHERE id = $1
	`

	var r Recipient
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&r.ID, &r.TenantID, &r.Address, &r.DisplayName, &r.Variables, &r.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}
	return &r, nil
}

// CreateAudience inserts an audience and its members in one transaction.
func (s *Store) CreateAudience(ctx context.Context, a *Audience, memberIDs []uuid.UUID) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO audiences (id, tenant_id, name) VALUES ($1, $2, $3) RETURNING created_at`,
		a.ID, a.TenantID, a.Name,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audience: %w", err)
	}

	for _, rid := range memberIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO audience_members (audience_id, recipient_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			a.ID, rid,
		)
		if err != nil {
			return fmt.Errorf("insert audience member: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetAudience retrieves an audience by ID.
func (s *Store) GetAudience(ctx context.Context, id uuid.UUID) (*Audience, error) {
	query := `SELECT id, tenant_id, name, created_at FROM audiences WHERE id = $1`

	var a Audience
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(&a.ID, &a.TenantID, &a.Name, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query audience: %w", err)
	}
	return &a, nil
}

// ListAudienceRecipients returns every recipient referenced by the
// audience. Duplicate membership rows collapse via DISTINCT; address
// dedup against other entries is the resolver's job.
func (s *Store) ListAudienceRecipients(ctx context.Context, audienceID uuid.UUID) ([]*Recipient, error) {
	query := `
		SELECT DISTINCT r.id, r.tenant_id, r.address, r.display_name, r.variables, r.created_at
		FROM audience_members m
		JOIN recipients r ON r.id = m.recipient_id
		WHERE m.audience_id = $1
	`

	rows, err := s.db.Pool().Query(ctx, query, audienceID)
	if err != nil {
		return nil, fmt.Errorf("query audience recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		var r Recipient
		err := rows.Scan(&r.ID, &r.TenantID, &r.Address, &r.DisplayName, &r.Variables, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return recipients, nil
}

// CreateTemplate inserts a template.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	query := `
		INSERT INTO templates (id, tenant_id, name, provider, subject, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		t.ID, t.TenantID, t.Name, t.Provider, t.Subject, t.Body,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `
		SELECT id, tenant_id, name, provider, subject, body, created_at, updated_at
		FROM templates
		WHERE id = $1
	`

	var t Template
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Provider, &t.Subject, &t.Body, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}
