package service

import (
	"context"
	"log/slog"
	"time"
)

// Purger removes expired OAuth states and sessions. AuthService implements it.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Janitor periodically purges expired login state.
type Janitor struct {
	purger   Purger
	interval time.Duration
	logger   *slog.Logger
}

func NewJanitor(purger Purger, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{purger: purger, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Debug("janitor started", slog.Duration("interval", j.interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Debug("janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.purger.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("janitor: purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		j.logger.Info("janitor: purged expired login state", slog.Int64("rows", n))
	}
}
