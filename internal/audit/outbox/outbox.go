// Package outbox relays audit events from the transactional outbox table to
// Kafka. The event store writes an outbox row in the same transaction as
// each event; the relay is the only component that talks to the broker, so
// a broker outage never fails a write.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/audit/metrics"
)

// Entry is one unpublished outbox row.
type Entry struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	EventID        uuid.UUID
	EventType      string
	Payload        []byte
	CreatedAt      time.Time
}

// Store is the outbox persistence surface.
type Store interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Entry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Producer publishes one record to the audit topic. Key controls
// partitioning.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Relay polls the outbox and publishes entries in order. Entries are keyed
// by organization so each tenant's stream stays ordered on its partition.
type Relay struct {
	store    Store
	producer Producer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	pollInterval time.Duration
	batchSize    int
}

type Option func(r *Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(r *Relay) {
		r.pollInterval = interval
	}
}

func WithBatchSize(size int) Option {
	return func(r *Relay) {
		r.batchSize = size
	}
}

// NewRelay constructs a Relay.
func NewRelay(store Store, producer Producer, opts ...Option) *Relay {
	r := &Relay{
		store:        store,
		producer:     producer,
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled. A publish failure stops the current
// batch; the failed entry stays unpublished and is retried next poll, so
// delivery is at-least-once.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "poll_interval", r.pollInterval, "batch_size", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// Drain publishes every currently unpublished entry, batch by batch.
func (r *Relay) Drain(ctx context.Context) error {
	for {
		entries, err := r.store.FetchUnpublished(ctx, r.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		published := make([]uuid.UUID, 0, len(entries))
		for _, entry := range entries {
			if err := r.producer.Publish(ctx, entry.OrganizationID[:], entry.Payload); err != nil {
				if r.metrics != nil {
					r.metrics.OutboxFailures.Inc()
				}
				// Mark what made it; the rest retries next poll.
				if markErr := r.mark(ctx, published); markErr != nil {
					return markErr
				}
				return err
			}
			published = append(published, entry.ID)
		}
		if err := r.mark(ctx, published); err != nil {
			return err
		}
		if len(entries) < r.batchSize {
			return nil
		}
	}
}

func (r *Relay) mark(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.MarkPublished(ctx, ids, time.Now().UTC()); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.OutboxPublished.Add(float64(len(ids)))
	}
	return nil
}
