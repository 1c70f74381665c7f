package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string `envconfig:"ADDR" split_words:"true" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD" split_words:"true"`
	DB       int    `envconfig:"DB" split_words:"true" default:"0"`
}

// delIfValueScript removes KEYS[1] only while it still holds ARGV[1].
const delIfValueScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

var delIfValue = redis.NewScript(delIfValueScript)

// RedisBackend stores checkpoints in Redis through go-redis.
type RedisBackend struct {
	client redis.UniversalClient
}

var _ Backend = (*RedisBackend)(nil)

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

func (b *RedisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

func (b *RedisBackend) DelIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := delIfValue.Run(ctx, b.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
