package redis

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestIdempotency_FirstClaimOwnsKey(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	cached, err := svc.Begin(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if cached != nil {
		t.Error("first claim should not return a cached result")
	}
}

func TestIdempotency_InFlightDuplicateRejected(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Begin(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	_, err := svc.Begin(ctx, "tenant-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestIdempotency_ReplayReturnsCachedResult(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Begin(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	want := &IdempotencyResult{CampaignID: "c-1", StatusCode: 201}
	if err := svc.Complete(ctx, "tenant-1", "key-1", want); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := svc.Begin(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if got == nil || got.CampaignID != "c-1" || got.StatusCode != 201 {
		t.Errorf("unexpected cached result: %+v", got)
	}
}

func TestIdempotency_AbortReleasesKey(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Begin(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	svc.Abort(ctx, "tenant-1", "key-1")

	cached, err := svc.Begin(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("begin after abort: %v", err)
	}
	if cached != nil {
		t.Error("aborted key should be claimable again")
	}
}

func TestIdempotency_KeysScopedByTenant(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Begin(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}

	cached, err := svc.Begin(ctx, "tenant-2", "key-1")
	if err != nil {
		t.Fatalf("other tenant begin: %v", err)
	}
	if cached != nil {
		t.Error("same key under another tenant should be independent")
	}
}
