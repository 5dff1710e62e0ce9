package store

import (
	"context"
	"time"

	"skuld/api/model"
)

// UpsertExecutionLog stores the log row for a completion. A later completion
// for the same correlation id replaces it.
func (db *DB) UpsertExecutionLog(ctx context.Context, l *model.ExecutionLog) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO execution_logs (correlation_id, function_id, status, duration_ms, memory_used_mb, exit_code, stdout, stderr, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (correlation_id) DO UPDATE SET
		   function_id = EXCLUDED.function_id,
		   status = EXCLUDED.status,
		   duration_ms = EXCLUDED.duration_ms,
		   memory_used_mb = EXCLUDED.memory_used_mb,
		   exit_code = EXCLUDED.exit_code,
		   stdout = EXCLUDED.stdout,
		   stderr = EXCLUDED.stderr,
		   completed_at = EXCLUDED.completed_at`,
		l.CorrelationID, l.FunctionID, l.Status, l.DurationMs, l.MemoryUsedMB, l.ExitCode, l.Stdout, l.Stderr, l.CompletedAt,
	)
	return err
}

func (db *DB) ListExecutions(ctx context.Context, functionID string, limit int) ([]model.ExecutionLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT correlation_id, function_id, status, duration_ms, memory_used_mb, exit_code, stdout, stderr, completed_at
		 FROM execution_logs WHERE function_id = $1 ORDER BY completed_at DESC LIMIT $2`,
		functionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []model.ExecutionLog{}
	for rows.Next() {
		var l model.ExecutionLog
		if err := rows.Scan(&l.CorrelationID, &l.FunctionID, &l.Status, &l.DurationMs, &l.MemoryUsedMB,
			&l.ExitCode, &l.Stdout, &l.Stderr, &l.CompletedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// PruneExecutions deletes rows that completed before now-retention.
func (db *DB) PruneExecutions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM execution_logs WHERE completed_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
