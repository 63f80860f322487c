package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a redis-backed dedup fast path for gateway callbacks. The database
// settlement transaction remains the authoritative gate; this only short-circuits
// obvious replays before they reach it.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// CallbackKey identifies one gateway callback delivery by provider and reference.
func (s *Store) CallbackKey(gateway, ref, signature string) string {
	return fmt.Sprintf("idem:cb:%s:%s:%s", gateway, ref, signature)
}

func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}

	return !ok, nil
}
