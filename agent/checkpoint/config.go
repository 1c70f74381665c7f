package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
)

const (
	BackendMemory   = "memory"
	BackendUpstash  = "upstash"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend   string        `envconfig:"BACKEND" split_words:"true" default:"memory"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" split_words:"true" default:"council:"`
	TTL       time.Duration `envconfig:"TTL" default:"24h"`
	Retention time.Duration `envconfig:"RETENTION" default:"72h"`
	ClaimTTL  time.Duration `envconfig:"CLAIM_TTL" split_words:"true" default:"10m"`

	Upstash  UpstashConfig  `envconfig:"UPSTASH"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Postgres PostgresConfig `envconfig:"POSTGRES"`
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case BackendMemory:
	case BackendUpstash:
		if strings.TrimSpace(c.Upstash.URL) == "" || strings.TrimSpace(c.Upstash.Token) == "" {
			return fmt.Errorf("%w: upstash checkpoint backend needs url and token", contractx.ErrValidation)
		}
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("%w: redis checkpoint backend needs an address", contractx.ErrValidation)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			return fmt.Errorf("%w: postgres checkpoint backend needs a dsn", contractx.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown checkpoint backend %q", contractx.ErrValidation, c.Backend)
	}
	if c.TTL < 0 || c.Retention < 0 || c.ClaimTTL < 0 {
		return fmt.Errorf("%w: checkpoint ttls must be >= 0", contractx.ErrValidation)
	}
	return nil
}

// CheckInvocationLimit rejects a claim TTL that could lapse while one
// invocation still runs, which would let a redelivered token resume the same
// session concurrently.
func (c Config) CheckInvocationLimit(limit time.Duration) error {
	if limit > 0 && c.ClaimTTL <= limit {
		return fmt.Errorf("%w: checkpoint claim ttl %s must exceed the invocation limit %s", contractx.ErrValidation, c.ClaimTTL, limit)
	}
	return nil
}

// Open builds the configured backend. The returned close func releases its
// connections.
func Open(ctx context.Context, cfg Config) (Backend, func() error, error) {
	noop := func() error { return nil }
	if err := cfg.Validate(); err != nil {
		return nil, noop, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendUpstash:
		b, err := NewUpstashBackend(cfg.Upstash, nil)
		if err != nil {
			return nil, noop, err
		}
		return b, noop, nil
	case BackendRedis:
		client := NewRedisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("%w: ping redis: %v", contractx.ErrCheckpointUnavailable, err)
		}
		return NewRedisBackend(client), client.Close, nil
	case BackendPostgres:
		db, err := OpenPostgres(cfg.Postgres)
		if err != nil {
			return nil, noop, err
		}
		b := NewPostgresBackend(db)
		if err := b.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, noop, fmt.Errorf("%w: %v", contractx.ErrCheckpointUnavailable, err)
		}
		return b, db.Close, nil
	default:
		return NewMemoryBackend(), noop, nil
	}
}

// Options translates the config into store options.
func (c Config) Options() []Option {
	return []Option{
		WithKeyPrefix(c.KeyPrefix),
		WithTTL(c.TTL, c.Retention),
		WithClaimTTL(c.ClaimTTL),
	}
}
