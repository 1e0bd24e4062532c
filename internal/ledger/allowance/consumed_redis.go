package allowance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proxyvote/pkg/platform/sentinel"
)

const consumedKeyPrefix = "allowance:jti:"

// RedisConsumedStore is the production-recommended ConsumedStore for
// distributed deployments: all registry instances share consumption state, so
// a token cannot be replayed against a second instance. SET NX with TTL gives
// atomic single-use semantics and the marker expires with the token.
type RedisConsumedStore struct {
	client *redis.Client
}

func NewRedisConsumedStore(client *redis.Client) *RedisConsumedStore {
	return &RedisConsumedStore{client: client}
}

func (s *RedisConsumedStore) Consume(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		// Token is at its expiry edge; keep the marker briefly so concurrent
		// verifiers still serialize.
		ttl = time.Second
	}
	set, err := s.client.SetNX(ctx, consumedKeyPrefix+jti, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("mark allowance consumed: %w", err)
	}
	if !set {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *RedisConsumedStore) Release(ctx context.Context, jti string) error {
	if err := s.client.Del(ctx, consumedKeyPrefix+jti).Err(); err != nil {
		return fmt.Errorf("release allowance marker: %w", err)
	}
	return nil
}
