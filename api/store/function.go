package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"skuld/api/model"
)

const functionColumns = `id, name, runtime, memory_mb, package_uri, env, model_id, invocation_count, created_at, updated_at`

func scanFunction(row pgx.Row) (*model.Function, error) {
	var fn model.Function
	var envJSON []byte
	if err := row.Scan(&fn.ID, &fn.Name, &fn.Runtime, &fn.MemoryMB, &fn.PackageURI, &envJSON,
		&fn.ModelID, &fn.InvocationCount, &fn.CreatedAt, &fn.UpdatedAt); err != nil {
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &fn.Env); err != nil {
			return nil, fmt.Errorf("decode env for %s: %w", fn.ID, err)
		}
	}
	return &fn, nil
}

func (db *DB) GetFunction(ctx context.Context, id string) (*model.Function, error) {
	fn, err := scanFunction(db.pool.QueryRow(ctx,
		`SELECT `+functionColumns+` FROM functions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	return fn, err
}

func (db *DB) ListFunctions(ctx context.Context) ([]model.Function, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+functionColumns+` FROM functions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fns []model.Function
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		fns = append(fns, *fn)
	}
	return fns, rows.Err()
}

// UpsertFunction writes dispatch metadata. The invocation count is preserved.
func (db *DB) UpsertFunction(ctx context.Context, fn *model.Function) error {
	env := fn.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = db.pool.Exec(ctx,
		`INSERT INTO functions (id, name, runtime, memory_mb, package_uri, env, model_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   runtime = EXCLUDED.runtime,
		   memory_mb = EXCLUDED.memory_mb,
		   package_uri = EXCLUDED.package_uri,
		   env = EXCLUDED.env,
		   model_id = EXCLUDED.model_id,
		   updated_at = EXCLUDED.updated_at`,
		fn.ID, fn.Name, fn.Runtime, fn.MemoryMB, fn.PackageURI, envJSON, fn.ModelID, now,
	)
	return err
}

// IncrementInvocations bumps the per-function dispatch counter.
func (db *DB) IncrementInvocations(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE functions SET invocation_count = invocation_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) DeleteFunction(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM functions WHERE id = $1`, id)
	return err
}
