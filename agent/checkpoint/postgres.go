package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type PostgresConfig struct {
	DSN string `envconfig:"DSN" split_words:"true"`
}

type kvRow struct {
	bun.BaseModel `bun:"table:council_checkpoints,alias:cc"`

	Key       string     `bun:"key,pk"`
	Value     []byte     `bun:"value,notnull"`
	ExpiresAt *time.Time `bun:"expires_at"`
}

// PostgresBackend stores checkpoints in a single key/value table via bun.
type PostgresBackend struct {
	db  *bun.DB
	now func() time.Time
}

var _ Backend = (*PostgresBackend)(nil)

func NewPostgresBackend(db *bun.DB) *PostgresBackend {
	return &PostgresBackend{db: db, now: time.Now}
}

// OpenPostgres connects with pgdriver and wraps the pool in bun.
func OpenPostgres(cfg PostgresConfig) (*bun.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// Migrate creates the checkpoint table when missing.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.NewCreateTable().Model((*kvRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	row := new(kvRow)
	err := b.db.NewSelect().
		Model(row).
		Where("key = ?", key).
		Where("expires_at IS NULL OR expires_at > ?", b.now().UTC()).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.db.NewInsert().
		Model(b.row(key, value, ttl)).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

// SetNX inserts, or takes over a row whose expiry has passed.
func (b *PostgresBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := b.db.NewInsert().
		Model(b.row(key, value, ttl)).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Where("cc.expires_at IS NOT NULL AND cc.expires_at <= ?", b.now().UTC()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *PostgresBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := b.db.NewDelete().
		Model((*kvRow)(nil)).
		Where("key IN (?)", bun.In(keys)).
		Exec(ctx)
	return err
}

func (b *PostgresBackend) DelIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := b.db.NewDelete().
		Model((*kvRow)(nil)).
		Where("key = ?", key).
		Where("value = ?", value).
		Where("expires_at IS NULL OR expires_at > ?", b.now().UTC()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *PostgresBackend) row(key string, value []byte, ttl time.Duration) *kvRow {
	row := &kvRow{Key: key, Value: value}
	if ttl > 0 {
		exp := b.now().UTC().Add(ttl)
		row.ExpiresAt = &exp
	}
	return row
}
