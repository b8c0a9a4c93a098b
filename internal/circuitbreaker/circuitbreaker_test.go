package circuitbreaker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
	"github.com/castlegate/outreach/internal/provider"
)

func newTestBreaker(maxFailures int, recovery time.Duration) *CircuitBreaker {
	return New(Config{
		Name:                "test",
		MaxFailures:         maxFailures,
		RecoveryTimeout:     recovery,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := newTestBreaker(3, time.Second)
	if cb.GetState() != StateClosed {
		t.Errorf("expected closed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := newTestBreaker(3, time.Second)
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed when closed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Errorf("expected open after 3 failures, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)
	cb.RecordFailure()

	if cb.Allow() {
		t.Error("open circuit should reject requests")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe request should be allowed after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("expected half-open, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	cb.Allow()
	cb.RecordSuccess()

	if cb.GetState() != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Errorf("expected open after failed probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Error("non-consecutive failures should not open the circuit")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("first probe should pass")
	}
	if cb.Allow() {
		t.Error("second request in half-open should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)
	cb.RecordFailure()

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("expected closed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("requests should pass after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := newTestBreaker(5, time.Second)
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()

	stats := cb.Stats()
	if stats.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 1 || stats.TotalFailures != 1 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.State != "closed" {
		t.Errorf("expected closed, got %s", stats.State)
	}
}

// stubAdapter is a fake provider for testing the protected wrapper
type stubAdapter struct {
	sendErr   error
	sendCalls int
}

func (s *stubAdapter) Kind() db.ProviderKind { return db.ProviderGmail }

func (s *stubAdapter) Send(ctx context.Context, acct *db.ProviderAccount, msg *provider.Message) (*provider.SendResult, error) {
	s.sendCalls++
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &provider.SendResult{ProviderMessageID: "m-1"}, nil
}

func (s *stubAdapter) Refresh(ctx context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return acct, nil
}

func (s *stubAdapter) VerifyWebhook(r *http.Request, body []byte) ([]provider.Event, error) {
	return nil, nil
}

func sendOnce(p *ProtectedAdapter) error {
	_, err := p.Send(context.Background(), &db.ProviderAccount{}, &provider.Message{To: "a@b.c"})
	return err
}

func TestProtectedAdapter_PassesThrough(t *testing.T) {
	stub := &stubAdapter{}
	p := Wrap(stub, newTestBreaker(3, time.Second), zap.NewNop())

	if err := sendOnce(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.sendCalls != 1 {
		t.Errorf("expected 1 send call, got %d", stub.sendCalls)
	}
}

func TestProtectedAdapter_FailsFastWhenOpen(t *testing.T) {
	stub := &stubAdapter{sendErr: provider.Transient("timeout")}
	p := Wrap(stub, newTestBreaker(2, time.Minute), zap.NewNop())

	sendOnce(p)
	sendOnce(p)

	err := sendOnce(p)
	if err == nil {
		t.Fatal("expected fail-fast error")
	}
	if !provider.IsTransient(err) {
		t.Errorf("open-circuit error should be transient: %v", err)
	}
	if stub.sendCalls != 2 {
		t.Errorf("expected provider untouched once open, got %d calls", stub.sendCalls)
	}
}

func TestProtectedAdapter_PermanentErrorsDoNotTrip(t *testing.T) {
	stub := &stubAdapter{sendErr: provider.Permanent("bad address")}
	p := Wrap(stub, newTestBreaker(2, time.Minute), zap.NewNop())

	for i := 0; i < 5; i++ {
		if err := sendOnce(p); !provider.IsPermanent(err) {
			t.Fatalf("send %d: expected permanent error, got %v", i, err)
		}
	}
	if p.Breaker().GetState() != StateClosed {
		t.Error("permanent errors should not open the circuit")
	}
}

func TestProtectedAdapter_FullLifecycle(t *testing.T) {
	stub := &stubAdapter{sendErr: provider.Transient("down")}
	p := Wrap(stub, newTestBreaker(1, 10*time.Millisecond), zap.NewNop())

	sendOnce(p)
	if p.Breaker().GetState() != StateOpen {
		t.Fatal("circuit should open after the failure threshold")
	}

	// Provider recovers; probe succeeds and closes the circuit.
	stub.sendErr = nil
	time.Sleep(20 * time.Millisecond)

	if err := sendOnce(p); err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if p.Breaker().GetState() != StateClosed {
		t.Error("circuit should close after a successful probe")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
