package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/storage"
)

const janitorInterval = 30 * time.Second

// Janitor sweeps expired rate-limit marks so paused accounts return to
// rotation even when no request touches them. Under the daily counter
// policy it also zeroes request counts at UTC midnight.
type Janitor struct {
	store  storage.Store
	writer *Writer
	policy string

	lastResetDay string
}

// NewJanitor creates a Janitor using the given counter reset policy.
func NewJanitor(store storage.Store, writer *Writer, cfg config.CountersConfig) *Janitor {
	return &Janitor{
		store:  store,
		writer: writer,
		policy: cfg.Reset,
	}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run sweeps on a fixed interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	j.lastResetDay = time.Now().UTC().Format(time.DateOnly)

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	now := time.Now()

	accounts, err := j.store.ListAccounts(ctx)
	if err != nil {
		slog.Error("janitor sweep failed", "error", err)
		return
	}
	for _, a := range accounts {
		if a.RateLimitResetAt != nil && !a.RateLimitResetAt.After(now) {
			slog.LogAttrs(ctx, slog.LevelInfo, "rate limit expired",
				slog.String("account_id", a.ID),
				slog.String("name", a.Name),
			)
			j.writer.ClearRateLimit(a.ID, j.policy == config.ResetOnClear)
		}
	}

	if j.policy == config.ResetDaily {
		day := now.UTC().Format(time.DateOnly)
		if day != j.lastResetDay {
			j.lastResetDay = day
			j.writer.ResetCounters()
			slog.Info("daily counter reset")
		}
	}
}
