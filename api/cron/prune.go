package cron

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const PruneSchedule = "@every 1h"

type ExecutionPruner interface {
	PruneExecutions(ctx context.Context, retention time.Duration) (int64, error)
}

// PruneExecutions deletes execution logs older than retention.
func PruneExecutions(p ExecutionPruner, retention time.Duration, log logrus.FieldLogger) JobFunc {
	return func(ctx context.Context) error {
		n, err := p.PruneExecutions(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			log.WithField("rows", n).Info("cron: pruned old execution logs")
		}
		return nil
	}
}
