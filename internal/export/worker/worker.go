// Package worker processes queued export requests: it claims pending jobs,
// streams the matching events into an artifact file, and signs the download
// token on completion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	auditmodels "auditcore/internal/audit/models"
	"auditcore/internal/export/formats"
	"auditcore/internal/export/models"
	"auditcore/internal/export/token"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/sentinel"
)

// Store is the export request surface the worker depends on.
type Store interface {
	ClaimNextPending(ctx context.Context, startedAt time.Time) (*models.Request, error)
	UpdateProgress(ctx context.Context, exportID id.ExportID, processed int) error
	MarkCompleted(ctx context.Context, exportID id.ExportID, done models.Completion) error
	MarkFailed(ctx context.Context, exportID id.ExportID, message string, failedAt time.Time) error
}

// EventSource pages through the events an export selects.
type EventSource interface {
	ListFiltered(ctx context.Context, orgID id.OrganizationID, filter auditmodels.Filter, page auditmodels.Page) ([]auditmodels.Event, error)
}

// Worker drains the export queue.
type Worker struct {
	store        Store
	events       EventSource
	signer       *token.Signer
	dir          string
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

type Option func(w *Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithPollInterval overrides how often the worker checks for pending jobs.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// WithBatchSize overrides how many events are fetched per store round trip.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		w.batchSize = n
	}
}

// New constructs a Worker writing artifacts under dir.
func New(store Store, events EventSource, signer *token.Signer, dir string, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		events:       events,
		signer:       signer,
		dir:          dir,
		logger:       slog.Default(),
		pollInterval: 5 * time.Second,
		batchSize:    500,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the queue on an interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Drain(ctx); err != nil {
				w.logger.ErrorContext(ctx, "export drain failed", "error", err)
			}
		}
	}
}

// Drain processes pending exports until the queue is empty. Individual job
// failures are recorded on the request and do not stop the drain.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		req, err := w.store.ClaimNextPending(ctx, time.Now().UTC())
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("claim pending export: %w", err)
		}
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req *models.Request) {
	start := time.Now()
	total, err := w.writeArtifact(ctx, req)
	if err != nil {
		w.logger.ErrorContext(ctx, "export failed",
			"export_id", req.ID,
			"organization_id", req.OrganizationID,
			"error", err,
		)
		if markErr := w.store.MarkFailed(ctx, req.ID, err.Error(), time.Now().UTC()); markErr != nil {
			w.logger.ErrorContext(ctx, "failed to mark export failed", "export_id", req.ID, "error", markErr)
		}
		return
	}
	w.logger.InfoContext(ctx, "export completed",
		"export_id", req.ID,
		"organization_id", req.OrganizationID,
		"records", total,
		"elapsed", time.Since(start),
	)
}

// writeArtifact streams the export to disk and finalizes the request. The
// partially written file is removed on any failure.
func (w *Worker) writeArtifact(ctx context.Context, req *models.Request) (int, error) {
	filter, err := req.Filter.EventFilter()
	if err != nil {
		return 0, err
	}

	path := filepath.Join(w.dir, formats.FileName(req.ID.String(), req.Format))
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(path)
	}

	writer, err := formats.New(req.Format, file)
	if err != nil {
		cleanup()
		return 0, err
	}

	processed := 0
	for pageNum := 0; ; pageNum++ {
		page := auditmodels.Page{Number: pageNum, Size: w.batchSize}
		events, err := w.events.ListFiltered(ctx, req.OrganizationID, filter, page)
		if err != nil {
			cleanup()
			return 0, fmt.Errorf("list events for export: %w", err)
		}
		for i := range events {
			if err := writer.Write(&events[i]); err != nil {
				cleanup()
				return 0, err
			}
		}
		processed += len(events)
		if len(events) > 0 {
			if err := w.store.UpdateProgress(ctx, req.ID, processed); err != nil {
				w.logger.WarnContext(ctx, "failed to update export progress",
					"export_id", req.ID, "error", err)
			}
		}
		if len(events) < w.batchSize {
			break
		}
	}

	if err := writer.Close(); err != nil {
		cleanup()
		return 0, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("close export file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("stat export file: %w", err)
	}

	now := time.Now().UTC()
	signed, expiresAt, err := w.signer.Issue(req.ID, req.OrganizationID, now)
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	err = w.store.MarkCompleted(ctx, req.ID, models.Completion{
		TotalRecords:  processed,
		FilePath:      path,
		FileSizeBytes: info.Size(),
		DownloadToken: signed,
		ExpiresAt:     expiresAt,
		CompletedAt:   now,
	})
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("mark export completed: %w", err)
	}
	return processed, nil
}
