package circuitbreaker

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/provider"
)

// ProtectedAdapter wraps a provider adapter with a CircuitBreaker.
// Only sends go through the breaker: refresh and webhook verification
// stay direct, since they are cheap and failure there means something
// other than provider outage.
type ProtectedAdapter struct {
	adapter provider.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Wrap adds circuit breaker protection to an adapter.
func Wrap(adapter provider.Adapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedAdapter) Kind() db.ProviderKind {
	return p.adapter.Kind()
}

// Send routes the call through the breaker. An open circuit surfaces
// as a transient error, so dispatch backs the recipient off and
// retries after the provider recovers.
func (p *ProtectedAdapter) Send(ctx context.Context, acct *db.ProviderAccount, msg *provider.Message) (*provider.SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, provider.Transient("%v: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	result, err := p.adapter.Send(ctx, acct, msg)
	if err != nil {
		// A permanent rejection (bad address) says nothing about
		// provider health; only transient failures count against it.
		if provider.IsTransient(err) {
			p.breaker.RecordFailure()
		}
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}

// Refresh delegates to the underlying adapter.
func (p *ProtectedAdapter) Refresh(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return p.adapter.Refresh(ctx, acct)
}

// VerifyWebhook delegates to the underlying adapter.
func (p *ProtectedAdapter) VerifyWebhook(r *http.Request, body []byte) ([]provider.Event, error) {
	return p.adapter.VerifyWebhook(r, body)
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
