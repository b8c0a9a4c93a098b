package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long client-provided idempotency keys are
	// retained. The client controls uniqueness, so a long window is
	// safe: replays within a day return the original campaign.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a create is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision while the
// original request is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached response for an idempotent
// campaign create.
type IdempotencyResult struct {
	CampaignID string `json:"campaign_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService deduplicates campaign creation requests so a
// retried POST cannot launch the same campaign twice.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func idempotencyKey(tenantID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, key)
}

// Begin claims the key. Returns the cached result if the request was
// already completed, ErrDuplicateRequest if it is still in flight, and
// (nil, nil) when this caller now owns the key.
func (s *IdempotencyService) Begin(ctx context.Context, tenantID, key string) (*IdempotencyResult, error) {
	redisKey := idempotencyKey(tenantID, key)

	ok, err := s.client.rdb.SetNX(ctx, redisKey, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency setnx: %w", err)
	}
	if ok {
		return nil, nil
	}

	val, err := s.client.rdb.Get(ctx, redisKey).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; treat as a duplicate and let
		// the client retry.
		return nil, ErrDuplicateRequest
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &result, nil
}

// Complete records the outcome under the key for the retention window.
func (s *IdempotencyService) Complete(ctx context.Context, tenantID, key string, result *IdempotencyResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}

	redisKey := idempotencyKey(tenantID, key)
	if err := s.client.rdb.Set(ctx, redisKey, payload, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

// Abort releases the key after a failed create so the client can retry.
func (s *IdempotencyService) Abort(ctx context.Context, tenantID, key string) {
	redisKey := idempotencyKey(tenantID, key)
	if err := s.client.rdb.Del(ctx, redisKey).Err(); err != nil {
		s.logger.Warn("failed to release idempotency key",
			zap.String("key", redisKey),
			zap.Error(err),
		)
	}
}
