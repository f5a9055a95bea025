// Package expiry runs the periodic sweep that lapses old age verifications
// and releases idle room controllers.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/phantom/internal/shared"
)

const defaultInterval = 5 * time.Minute

// VerificationExpirer marks verification records past their expiry.
type VerificationExpirer interface {
	ExpireVerifications(ctx context.Context, now time.Time) (int64, error)
}

// IdleEvicter closes controllers that have been idle for at least ttl.
type IdleEvicter interface {
	EvictIdle(ttl time.Duration) int
}

// Config configures a Worker.
type Config struct {
	Interval time.Duration
	IdleTTL  time.Duration
	Now      func() time.Time
}

// Worker sweeps on a fixed interval until its context is done.
type Worker struct {
	verifications VerificationExpirer
	controllers   IdleEvicter
	cfg           Config
}

// NewWorker creates a sweep worker. Either dependency may be nil.
func NewWorker(verifications VerificationExpirer, controllers IdleEvicter, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{verifications: verifications, controllers: controllers, cfg: cfg}
}

// Run blocks, sweeping every interval, and returns nil once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	slog.Info("Expiry worker started", "interval", w.cfg.Interval, "idle_ttl", w.cfg.IdleTTL)

	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("Expiry worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep performs one pass.
func (w *Worker) Sweep(ctx context.Context) {
	if w.verifications != nil {
		var expired int64
		err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
			n, err := w.verifications.ExpireVerifications(ctx, w.cfg.Now())
			expired = n
			return err
		})
		switch {
		case err != nil && ctx.Err() != nil:
			slog.Debug("Expiry worker: context canceled during verification sweep", "error", err)
		case err != nil:
			slog.Error("Expiry worker failed to expire verifications", "error", err)
		case expired > 0:
			slog.Info("Expiry worker lapsed age verifications", "count", expired)
		}
	}

	if w.controllers != nil && w.cfg.IdleTTL > 0 {
		if evicted := w.controllers.EvictIdle(w.cfg.IdleTTL); evicted > 0 {
			slog.Info("Expiry worker evicted idle phantom controllers", "count", evicted)
		}
	}
}
