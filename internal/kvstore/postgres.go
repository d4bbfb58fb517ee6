package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var ErrMissingDSN = errors.New("kvstore: postgres DSN is required")

// PostgresSchema creates the table backing Postgres.
const PostgresSchema = `CREATE TABLE IF NOT EXISTS kv_store (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type PostgresOption func(*PostgresOptions)

func WithDSN(dsn string) PostgresOption {
	return func(o *PostgresOptions) {
		if dsn != "" {
			o.DSN = dsn
		}
	}
}

func WithMaxOpenConns(n int) PostgresOption {
	return func(o *PostgresOptions) {
		if n > 0 {
			o.MaxOpenConns = n
		}
	}
}

func WithMaxIdleConns(n int) PostgresOption {
	return func(o *PostgresOptions) {
		if n >= 0 {
			o.MaxIdleConns = n
		}
	}
}

func WithConnMaxLifetime(d time.Duration) PostgresOption {
	return func(o *PostgresOptions) {
		if d > 0 {
			o.ConnMaxLifetime = d
		}
	}
}

func defaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Postgres is a Store over a single kv_store table.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, pings and makes sure the table exists.
func OpenPostgres(ctx context.Context, opts ...PostgresOption) (*Postgres, error) {
	cfg := defaultPostgresOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("kvstore: postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvstore: postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, PostgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvstore: postgres migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection; the caller owns the schema.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", translatePostgresError(err)
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	const query = `INSERT INTO kv_store (key, value) VALUES ($1, $2)
                   ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err := p.db.ExecContext(ctx, query, key, value)
	return translatePostgresError(err)
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	return translatePostgresError(err)
}

func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM kv_store ORDER BY key`)
	if err != nil {
		return nil, translatePostgresError(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func translatePostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "53100", "54000":
			return fmt.Errorf("%w: %s", ErrQuotaExceeded, pqErr.Message)
		}
	}
	return err
}
