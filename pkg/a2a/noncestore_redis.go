package a2a

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore backs replay protection with redis SET NX PX: the
// check-and-record is a single atomic command and the TTL doubles as
// garbage collection.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore creates a store over an existing client.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

// OpenRedisNonceStore dials redis and returns the store.
func OpenRedisNonceStore(addr, password string, db int) *RedisNonceStore {
	return NewRedisNonceStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// PutIfAbsent records the pair unless it is already live.
func (s *RedisNonceStore) PutIfAbsent(ctx context.Context, keyID, nonce string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("nonce:%s:%s", keyID, nonce)
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("a2a: redis nonce setnx: %w", err)
	}
	return ok, nil
}
