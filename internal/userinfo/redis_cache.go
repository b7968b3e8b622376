package userinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisTombstone = "__deleted__"

// RedisConfig defines connection settings for a shared profile cache.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	Database int
}

// RedisCache keeps profile lookups in Redis so multiple processes share
// one TTL window.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(cfg RedisConfig, ttl time.Duration) (*RedisCache, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "revertd:user:"}, nil
}

func (c *RedisCache) Get(ctx context.Context, uid int64) (*User, bool, error) {
	payload, err := c.client.Get(ctx, c.key(uid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if string(payload) == redisTombstone {
		return nil, true, nil
	}
	var user User
	if err := json.Unmarshal(payload, &user); err != nil {
		return nil, false, err
	}
	return &user, true, nil
}

func (c *RedisCache) Set(ctx context.Context, uid int64, user *User) error {
	if user == nil {
		return c.client.Set(ctx, c.key(uid), redisTombstone, c.ttl).Err()
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(uid), payload, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(uid int64) string {
	return c.prefix + strconv.FormatInt(uid, 10)
}
