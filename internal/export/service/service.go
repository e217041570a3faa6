// Package service implements the export request operations: creating
// bounded, tenant-scoped export jobs and serving their token-gated
// artifacts once the worker completes them.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	auditmodels "auditcore/internal/audit/models"
	"auditcore/internal/export/models"
	"auditcore/internal/export/token"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
	"auditcore/pkg/platform/sentinel"
	"auditcore/pkg/requestcontext"
)

// Store is the persistence surface the service depends on.
type Store interface {
	Insert(ctx context.Context, req *models.Request) error
	GetByID(ctx context.Context, orgID id.OrganizationID, exportID id.ExportID) (*models.Request, error)
	ListByOrganization(ctx context.Context, orgID id.OrganizationID, limit, offset int) ([]models.Request, error)
	ConsumeDownload(ctx context.Context, orgID id.OrganizationID, exportID id.ExportID) error
}

// EventCounter sizes an export up front so oversized requests fail fast
// instead of burning a worker slot.
type EventCounter interface {
	CountFiltered(ctx context.Context, orgID id.OrganizationID, filter auditmodels.Filter) (int64, error)
}

// Recorder writes audit events. Export requests are themselves compliance
// events.
type Recorder interface {
	RecordEvent(ctx context.Context, event *auditmodels.Event) error
}

// Service validates export requests and serves completed artifacts.
type Service struct {
	store        Store
	events       EventCounter
	signer       *token.Signer
	recorder     Recorder
	logger       *slog.Logger
	maxRecords   int
	maxDownloads int
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRecorder enables audit trail entries for export requests.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithMaxRecords caps how many events a single export may contain.
func WithMaxRecords(n int) Option {
	return func(s *Service) {
		s.maxRecords = n
	}
}

// WithMaxDownloads caps how often a completed artifact can be fetched.
func WithMaxDownloads(n int) Option {
	return func(s *Service) {
		s.maxDownloads = n
	}
}

// New constructs a Service.
func New(store Store, events EventCounter, signer *token.Signer, opts ...Option) *Service {
	s := &Service{
		store:        store,
		events:       events,
		signer:       signer,
		logger:       slog.Default(),
		maxRecords:   10000,
		maxDownloads: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestExport queues a new export job. The filter is validated and the
// matching event count checked against the record cap before anything is
// persisted; the request comes back pending with the count snapshot.
func (s *Service) RequestExport(ctx context.Context, orgID id.OrganizationID, format models.Format, filter models.Filter) (*models.Request, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	if _, err := models.ParseFormat(string(format)); err != nil {
		return nil, err
	}
	requestedBy := requestcontext.ActorID(ctx)
	if requestedBy.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "actor identity is required to request an export")
	}

	eventFilter, err := filter.EventFilter()
	if err != nil {
		return nil, err
	}
	count, err := s.events.CountFiltered(ctx, orgID, eventFilter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to size export")
	}
	if count > int64(s.maxRecords) {
		return nil, dErrors.Newf(dErrors.CodeValidation,
			"export matches %d events, more than the %d allowed; narrow the filter", count, s.maxRecords)
	}

	req := &models.Request{
		ID:             id.ExportID(uuid.New()),
		OrganizationID: orgID,
		RequestedBy:    requestedBy,
		Format:         format,
		Filter:         filter,
		Status:         models.StatusPending,
		TotalRecords:   int(count),
		MaxDownloads:   s.maxDownloads,
		CreatedAt:      requestcontext.Now(ctx).UTC(),
	}
	if err := s.store.Insert(ctx, req); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to queue export")
	}

	s.recordAudit(ctx, req)
	s.logger.InfoContext(ctx, "export queued",
		"export_id", req.ID,
		"organization_id", orgID,
		"format", format,
		"estimated_records", count,
	)
	return req, nil
}

// GetExport returns one export request for status polling.
func (s *Service) GetExport(ctx context.Context, orgID id.OrganizationID, exportID id.ExportID) (*models.Request, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	req, err := s.store.GetByID(ctx, orgID, exportID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "export not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load export")
	}
	return req, nil
}

// ListExports returns a page of the organization's exports, newest first.
func (s *Service) ListExports(ctx context.Context, orgID id.OrganizationID, page auditmodels.Page) ([]models.Request, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	page = page.Normalize()
	requests, err := s.store.ListByOrganization(ctx, orgID, page.Size, page.Offset())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list exports")
	}
	return requests, nil
}

// OpenDownload verifies the token, consumes one download, and opens the
// artifact. The caller owns closing the reader.
func (s *Service) OpenDownload(ctx context.Context, orgID id.OrganizationID, exportID id.ExportID, rawToken string) (*models.Request, io.ReadCloser, error) {
	req, err := s.GetExport(ctx, orgID, exportID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.signer.Verify(rawToken, exportID, orgID); err != nil {
		return nil, nil, err
	}
	if err := req.Downloadable(requestcontext.Now(ctx).UTC()); err != nil {
		return nil, nil, err
	}
	// The counter is incremented under the store's own guard, so two
	// concurrent downloads cannot both take the last slot.
	if err := s.store.ConsumeDownload(ctx, orgID, exportID); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, nil, dErrors.New(dErrors.CodeForbidden, "download limit reached")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to register download")
	}

	file, err := os.Open(req.FilePath)
	if err != nil {
		s.logger.ErrorContext(ctx, "export artifact missing",
			"export_id", exportID, "path", req.FilePath, "error", err)
		return nil, nil, dErrors.New(dErrors.CodeNotFound, "export artifact is no longer available")
	}
	return req, file, nil
}

func (s *Service) recordAudit(ctx context.Context, req *models.Request) {
	if s.recorder == nil {
		return
	}
	record := &auditmodels.Event{
		OrganizationID: req.OrganizationID,
		Action:         auditmodels.ActionDataExported,
		Module:         "export",
		ResourceType:   "export",
		ResourceID:     req.ID.String(),
		Severity:       auditmodels.SeverityInfo,
		Details: map[string]any{
			"format":            string(req.Format),
			"estimated_records": req.TotalRecords,
		},
	}
	if err := s.recorder.RecordEvent(ctx, record); err != nil {
		s.logger.ErrorContext(ctx, "failed to record export audit event",
			"error", err, "export_id", req.ID)
	}
}

// requireAccess enforces tenant isolation: the caller's context organization
// must match the one being queried.
func (s *Service) requireAccess(ctx context.Context, orgID id.OrganizationID) error {
	if orgID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "organization id is required")
	}
	caller := requestcontext.OrganizationID(ctx)
	if caller.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "organization context is required")
	}
	if caller != orgID {
		return dErrors.New(dErrors.CodeForbidden, "access to this organization is denied")
	}
	return nil
}
