package idempotency

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares claims across processes with SET NX.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func NewRedisStore(opt *redis.Options, prefix string) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt), Prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	k := s.Prefix + key
	ok, err := s.Client.SetNX(ctx, k, value, ttl).Result()
	if err != nil {
		return false, "", errors.Wrapf(err, "redis setnx %s", k)
	}
	if ok {
		return true, "", nil
	}
	existing, err := s.Client.Get(ctx, k).Result()
	if err == redis.Nil {
		// expired between the two calls; treat as a lost race rather than retry
		return false, "", nil
	}
	if err != nil {
		return false, "", errors.Wrapf(err, "redis get %s", k)
	}
	return false, existing, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.Client.Get(ctx, s.Prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get")
	}
	return v, true, nil
}

func (s *RedisStore) Forget(ctx context.Context, key string) error {
	return errors.Wrap(s.Client.Del(ctx, s.Prefix+key).Err(), "redis del")
}

func (s *RedisStore) Close() error { return s.Client.Close() }
