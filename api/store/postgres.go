package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS functions (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			runtime          TEXT NOT NULL,
			memory_mb        INTEGER NOT NULL DEFAULT 128,
			package_uri      TEXT NOT NULL DEFAULT '',
			env              JSONB NOT NULL DEFAULT '{}',
			model_id         TEXT NOT NULL DEFAULT '',
			invocation_count BIGINT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS execution_logs (
			correlation_id TEXT PRIMARY KEY,
			function_id    TEXT NOT NULL,
			status         TEXT NOT NULL,
			duration_ms    BIGINT NOT NULL DEFAULT 0,
			memory_used_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
			exit_code      INTEGER NOT NULL DEFAULT 0,
			stdout         TEXT NOT NULL DEFAULT '',
			stderr         TEXT NOT NULL DEFAULT '',
			completed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_function
			ON execution_logs(function_id, completed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_execution_logs_completed
			ON execution_logs(completed_at);
	`)
	return err
}
