package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clock"
	"github.com/lyzr/sendanywhere/common/models"
	rediscommon "github.com/lyzr/sendanywhere/common/redis"
)

const pairKeyPrefix = "pair:"

// RedisStore keeps sessions in Redis with the session TTL as key expiry,
// so several signaling instances can share one code space
type RedisStore struct {
	redis *rediscommon.Client
	clock clock.Clock
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(redis *rediscommon.Client, clk clock.Clock) *RedisStore {
	return &RedisStore{redis: redis, clock: clk}
}

func pairKey(code string) string {
	return pairKeyPrefix + code
}

// Insert stores s with SET NX; an existing key means the code is live
func (r *RedisStore) Insert(ctx context.Context, s *models.PairSession) (bool, error) {
	ttl := s.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return false, fmt.Errorf("session %s already expired", s.Code)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("failed to encode session: %w", err)
	}

	return r.redis.SetNX(ctx, pairKey(s.Code), string(data), ttl)
}

// Get returns the session for code
func (r *RedisStore) Get(ctx context.Context, code string) (*models.PairSession, error) {
	val, err := r.redis.Get(ctx, pairKey(code))
	if errors.Is(err, rediscommon.ErrKeyNotFound) {
		return nil, apperr.ErrPairNotFound
	}
	if err != nil {
		return nil, err
	}

	var s models.PairSession
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", code, err)
	}
	return &s, nil
}

// Delete removes code
func (r *RedisStore) Delete(ctx context.Context, code string) (bool, error) {
	n, err := r.redis.Delete(ctx, pairKey(code))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of live keys
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	keys, err := r.redis.ScanKeys(ctx, pairKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Codes lists live codes
func (r *RedisStore) Codes(ctx context.Context) ([]string, error) {
	keys, err := r.redis.ScanKeys(ctx, pairKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	codes := make([]string, len(keys))
	for i, k := range keys {
		codes[i] = strings.TrimPrefix(k, pairKeyPrefix)
	}
	return codes, nil
}
