package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
)

// sendBucketScript is a token bucket evaluated atomically in Redis so
// every dispatch worker across every process shares one budget per
// (tenant, provider). Time comes in as an argument to keep the script
// deterministic.
var sendBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', key, 'tokens')) or burst
local ts = tonumber(redis.call('HGET', key, 'ts')) or now

tokens = math.min(burst, tokens + (now - ts) * rate)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, 120)
return allowed
`)

// SendLimiter enforces per-(tenant, provider) send ceilings. Workers
// call TryAcquire before each provider call; a denial releases the
// recipient back to the queue rather than blocking the worker.
type SendLimiter struct {
	client *Client
	rates  map[db.ProviderKind]float64
	burst  int
	logger *zap.Logger
}

// NewSendLimiter creates a limiter. rates is messages per second per
// provider kind; burst caps how far an idle bucket can fill.
func NewSendLimiter(client *Client, rates map[db.ProviderKind]float64, burst int, logger *zap.Logger) *SendLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SendLimiter{
		client: client,
		rates:  rates,
		burst:  burst,
		logger: logger,
	}
}

// TryAcquire takes one send token, returning false when the bucket is
// empty. It never blocks.
func (l *SendLimiter) TryAcquire(ctx context.Context, tenantID string, kind db.ProviderKind) (bool, error) {
	rate, ok := l.rates[kind]
	if !ok || rate <= 0 {
		rate = 1
	}

	key := fmt.Sprintf("send:%s:%s", tenantID, kind)
	now := float64(time.Now().UnixMicro()) / 1e6

	allowed, err := sendBucketScript.Run(ctx, l.client.rdb, []string{key}, rate, l.burst, now).Int()
	if err != nil {
		return false, fmt.Errorf("send limiter script: %w", err)
	}

	if allowed == 0 {
		l.logger.Debug("send rate exceeded",
			zap.String("tenant_id", tenantID),
			zap.String("provider", string(kind)),
		)
		return false, nil
	}
	return true, nil
}
