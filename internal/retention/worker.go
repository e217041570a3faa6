// Package retention enforces data lifecycle policy in the background: audit
// events are purged once their retention expiry passes, and export artifacts
// are removed when their download window closes.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"auditcore/internal/audit/metrics"
)

// EventPurger removes audit events past their retention expiry.
type EventPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExportPurger removes expired export requests and reports their artifact
// paths for file cleanup.
type ExportPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Worker runs the retention sweep on an interval.
type Worker struct {
	events   EventPurger
	exports  ExportPurger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
}

type Option func(w *Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithInterval overrides how often the sweep runs.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.interval = d
	}
}

// New constructs a retention worker. exports may be nil when the export
// subsystem is not running.
func New(events EventPurger, exports ExportPurger, opts ...Option) *Worker {
	w := &Worker{
		events:   events,
		exports:  exports,
		logger:   slog.Default(),
		interval: time.Hour,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on an interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one retention pass.
func (w *Worker) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	purged, err := w.events.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("purge expired events: %w", err)
	}
	if purged > 0 {
		if w.metrics != nil {
			w.metrics.EventsPurged.Add(float64(purged))
		}
		w.logger.InfoContext(ctx, "expired audit events purged", "count", purged)
	}

	if w.exports == nil {
		return nil
	}
	paths, err := w.exports.PurgeExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("purge expired exports: %w", err)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.WarnContext(ctx, "failed to remove export artifact", "path", path, "error", err)
		}
	}
	if len(paths) > 0 {
		w.logger.InfoContext(ctx, "expired export artifacts removed", "count", len(paths))
	}
	return nil
}
