package anonymity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry implements Registry on Redis so that multiple ledger
// instances agree on reservations. Reserve maps to SETNX, which gives the
// required atomic test-and-set; keys carry no TTL because reservations are
// permanent.
type RedisRegistry struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(cfg RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRegistry{
		client:    client,
		keyPrefix: "abnet:anon:",
	}, nil
}

func (r *RedisRegistry) key(experimentID uint32, anonymousID [32]byte) string {
	return r.keyPrefix + reservationKey(experimentID, anonymousID)
}

// Reserve atomically consumes an identifier via SETNX.
func (r *RedisRegistry) Reserve(ctx context.Context, experimentID uint32, anonymousID [32]byte) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(experimentID, anonymousID), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("reserve: %w", err)
	}
	return ok, nil
}

// IsAvailable reports whether an identifier is still unused.
func (r *RedisRegistry) IsAvailable(ctx context.Context, experimentID uint32, anonymousID [32]byte) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(experimentID, anonymousID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n == 0, nil
}

// Close closes the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
