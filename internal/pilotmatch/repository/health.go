package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisHealth reports whether the backing Redis is reachable.
type RedisHealth struct {
	db redis.UniversalClient
}

func NewRedisHealth(db redis.UniversalClient) *RedisHealth {
	return &RedisHealth{db: db}
}

func (h *RedisHealth) Check() error {
	return errors.Wrap(h.db.Ping().Err(), "redis health check failed")
}
