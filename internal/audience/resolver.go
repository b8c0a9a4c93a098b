// Package audience resolves a named audience into the deduplicated,
// validated recipient list a campaign will enroll.
package audience

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
)

// ErrEmptyAudience means the audience resolved to zero usable
// recipients. A campaign admitted against it fails instead of sitting
// in sending forever.
var ErrEmptyAudience = errors.New("audience has no valid recipients")

// e164 is deliberately loose: country code plus subscriber number, no
// formatting characters.
var e164 = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// Repository defines the audience persistence operations the resolver
// needs.
type Repository interface {
	GetAudience(ctx context.Context, id uuid.UUID) (*db.Audience, error)
	ListAudienceRecipients(ctx context.Context, audienceID uuid.UUID) ([]*db.Recipient, error)
}

// Resolver materializes audiences at campaign admission time.
type Resolver struct {
	db     Repository
	logger *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(repo Repository, logger *zap.Logger) *Resolver {
	return &Resolver{db: repo, logger: logger}
}

// Resolve returns the audience's recipients, deduplicated by
// normalized address and filtered to addresses valid for the provider
// kind. Invalid members are dropped with a warning rather than failing
// the whole campaign.
func (r *Resolver) Resolve(ctx context.Context, tenantID, audienceID uuid.UUID, kind db.ProviderKind) ([]*db.Recipient, error) {
	aud, err := r.db.GetAudience(ctx, audienceID)
	if err != nil {
		return nil, err
	}
	if aud.TenantID != tenantID {
		return nil, db.ErrNotFound
	}

	members, err := r.db.ListAudienceRecipients(ctx, audienceID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(members))
	resolved := make([]*db.Recipient, 0, len(members))
	dropped := 0

	for _, m := range members {
		addr := normalizeAddress(m.Address, kind)
		if !validAddress(addr, kind) {
			dropped++
			r.logger.Warn("dropping recipient with invalid address",
				zap.String("recipient_id", m.ID.String()),
				zap.String("provider", string(kind)),
			)
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		m.Address = addr
		resolved = append(resolved, m)
	}

	if len(resolved) == 0 {
		return nil, ErrEmptyAudience
	}

	if dropped > 0 {
		r.logger.Info("audience resolved with drops",
			zap.String("audience_id", audienceID.String()),
			zap.Int("resolved", len(resolved)),
			zap.Int("dropped", dropped),
		)
	}

	return resolved, nil
}

func normalizeAddress(addr string, kind db.ProviderKind) string {
	addr = strings.TrimSpace(addr)
	if kind.IsEmail() {
		return strings.ToLower(addr)
	}
	// Phone numbers: strip the formatting people paste in.
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(addr)
}

func validAddress(addr string, kind db.ProviderKind) bool {
	if addr == "" {
		return false
	}
	if kind.IsEmail() {
		parsed, err := mail.ParseAddress(addr)
		return err == nil && parsed.Address == addr
	}
	return e164.MatchString(addr)
}
