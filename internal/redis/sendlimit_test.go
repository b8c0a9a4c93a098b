package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestSendLimiter_AllowsBurst(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewSendLimiter(client, map[db.ProviderKind]float64{
		db.ProviderGmail: 1,
	}, 3, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := limiter.TryAcquire(ctx, "tenant-1", db.ProviderGmail)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("acquire %d should be allowed within burst", i)
		}
	}

	ok, err := limiter.TryAcquire(ctx, "tenant-1", db.ProviderGmail)
	if err != nil {
		t.Fatalf("acquire after burst: %v", err)
	}
	if ok {
		t.Error("expected denial once burst is spent")
	}
}

func TestSendLimiter_BucketsAreIndependent(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewSendLimiter(client, map[db.ProviderKind]float64{
		db.ProviderGmail:    1,
		db.ProviderWhatsApp: 1,
	}, 1, zap.NewNop())

	ctx := context.Background()

	if ok, _ := limiter.TryAcquire(ctx, "tenant-1", db.ProviderGmail); !ok {
		t.Fatal("first gmail acquire should pass")
	}
	if ok, _ := limiter.TryAcquire(ctx, "tenant-1", db.ProviderGmail); ok {
		t.Fatal("second gmail acquire should be denied")
	}

	// Different provider and different tenant each get their own bucket.
	if ok, _ := limiter.TryAcquire(ctx, "tenant-1", db.ProviderWhatsApp); !ok {
		t.Error("whatsapp bucket should be untouched")
	}
	if ok, _ := limiter.TryAcquire(ctx, "tenant-2", db.ProviderGmail); !ok {
		t.Error("other tenant's gmail bucket should be untouched")
	}
}

func TestSendLimiter_RefillsOverTime(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewSendLimiter(client, map[db.ProviderKind]float64{
		db.ProviderSES: 1000,
	}, 1, zap.NewNop())

	ctx := context.Background()

	if ok, _ := limiter.TryAcquire(ctx, "tenant-1", db.ProviderSES); !ok {
		t.Fatal("first acquire should pass")
	}
	if ok, _ := limiter.TryAcquire(ctx, "tenant-1", db.ProviderSES); ok {
		t.Fatal("bucket should be empty immediately after")
	}

	// At 1000 tokens/s the bucket refills within a few milliseconds of
	// wall time.
	time.Sleep(10 * time.Millisecond)

	ok, err := limiter.TryAcquire(ctx, "tenant-1", db.ProviderSES)
	if err != nil {
		t.Fatalf("acquire after refill: %v", err)
	}
	if !ok {
		t.Error("expected token after refill interval")
	}
}

func TestSendLimiter_UnknownProviderDefaultsToOnePerSecond(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewSendLimiter(client, nil, 1, zap.NewNop())

	ok, err := limiter.TryAcquire(context.Background(), "tenant-1", db.ProviderOutlook)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Error("first acquire should pass under the default rate")
	}
}
