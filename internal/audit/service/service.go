// Package service implements the audit event operations: validated
// append-only writes with PII redaction, tenant-scoped retrieval, and the
// data subject deletion paths.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"auditcore/internal/audit/cache"
	"auditcore/internal/audit/metrics"
	"auditcore/internal/audit/models"
	"auditcore/internal/audit/redact"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
	"auditcore/pkg/platform/sentinel"
	"auditcore/pkg/requestcontext"
)

// EventStore is the persistence surface the service depends on.
type EventStore interface {
	Insert(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, orgID id.OrganizationID, eventID id.EventID) (*models.Event, error)
	ListByOrganization(ctx context.Context, orgID id.OrganizationID, page models.Page) ([]models.Event, error)
	ListByActor(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID, page models.Page) ([]models.Event, error)
	ListByAction(ctx context.Context, orgID id.OrganizationID, action models.Action, page models.Page) ([]models.Event, error)
	ListByDateRange(ctx context.Context, orgID id.OrganizationID, start, end time.Time, page models.Page) ([]models.Event, error)
	ListByResource(ctx context.Context, orgID id.OrganizationID, resourceType, resourceID string, page models.Page) ([]models.Event, error)
	Search(ctx context.Context, orgID id.OrganizationID, term string, page models.Page) ([]models.Event, error)
	CountByActionSince(ctx context.Context, orgID id.OrganizationID, action models.Action, since time.Time) (int64, error)
	DistinctActions(ctx context.Context, orgID id.OrganizationID) ([]models.Action, error)
	DistinctResourceTypes(ctx context.Context, orgID id.OrganizationID) ([]string, error)
	Stats(ctx context.Context, orgID id.OrganizationID, now time.Time) (models.Statistics, error)
	DeleteByOrganization(ctx context.Context, orgID id.OrganizationID) (int64, error)
	DeleteByActor(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error)
	RedactActorDetails(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error)
}

// Service validates and records audit events and serves tenant-scoped reads.
type Service struct {
	store         EventStore
	logger        *slog.Logger
	metrics       *metrics.Metrics
	cache         *cache.Cache
	tracer        trace.Tracer
	redactPII     bool
	retentionDays int
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCache enables the per-tenant query cache for aggregate reads.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithPIIRedaction toggles detail scrubbing on write.
func WithPIIRedaction(enabled bool) Option {
	return func(s *Service) {
		s.redactPII = enabled
	}
}

// WithRetentionDays overrides the default retention horizon applied to
// events recorded without an explicit expiry.
func WithRetentionDays(days int) Option {
	return func(s *Service) {
		s.retentionDays = days
	}
}

// New constructs a Service.
func New(store EventStore, opts ...Option) *Service {
	s := &Service{
		store:         store,
		logger:        slog.Default(),
		tracer:        otel.Tracer("auditcore/audit"),
		redactPII:     true,
		retentionDays: 2555,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordEvent validates, normalizes, and durably appends one event.
// The organization must come from the event itself or the caller's context;
// when both are set they must agree. Identifier and timestamp are assigned
// when absent. There is no update path: a recorded event is immutable.
func (s *Service) RecordEvent(ctx context.Context, event *models.Event) error {
	ctx, span := s.tracer.Start(ctx, "audit.RecordEvent")
	defer span.End()
	start := time.Now()

	if event == nil {
		return dErrors.New(dErrors.CodeValidation, "event is required")
	}
	if err := s.normalize(ctx, event); err != nil {
		return err
	}

	if err := s.store.Insert(ctx, event); err != nil {
		span.RecordError(err)
		if s.metrics != nil {
			s.metrics.PersistFailures.Inc()
		}
		s.logger.ErrorContext(ctx, "failed to persist audit event",
			"error", err,
			"organization_id", event.OrganizationID,
			"action", event.Action,
		)
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, event.OrganizationID)
	}
	if s.metrics != nil {
		s.metrics.IncrementRecorded(string(event.Action.Category()))
		s.metrics.ObserveRecord(start)
	}
	s.logger.InfoContext(ctx, "audit event recorded",
		"event_id", event.ID,
		"organization_id", event.OrganizationID,
		"action", event.Action,
		"severity", event.Severity,
	)
	return nil
}

func (s *Service) normalize(ctx context.Context, event *models.Event) error {
	ctxOrg := requestcontext.OrganizationID(ctx)
	if event.OrganizationID.IsNil() {
		event.OrganizationID = ctxOrg
	}
	if event.OrganizationID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "organization id is required")
	}
	if !ctxOrg.IsNil() && ctxOrg != event.OrganizationID {
		return dErrors.New(dErrors.CodeForbidden, "event organization does not match caller")
	}
	if event.Action == "" {
		return dErrors.New(dErrors.CodeValidation, "action is required")
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if !event.Severity.Valid() {
		return dErrors.New(dErrors.CodeValidation, "severity must be info, warning, or critical")
	}

	if event.ID.IsNil() {
		event.ID = id.EventID(uuid.New())
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = requestcontext.Now(ctx).UTC()
	}
	if event.RetentionExpiry.IsZero() {
		event.RetentionExpiry = event.CreatedAt.AddDate(0, 0, s.retentionDays)
	}
	if event.ActorID == nil {
		if actorID := requestcontext.ActorID(ctx); !actorID.IsNil() {
			event.ActorID = &actorID
		}
	}
	if event.IPAddress == "" {
		event.IPAddress = requestcontext.ClientIP(ctx)
	}
	if event.UserAgent == "" {
		event.UserAgent = requestcontext.UserAgent(ctx)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = requestcontext.RequestID(ctx)
	}

	if s.redactPII {
		event.Description = redact.String(event.Description)
		event.ActorEmail = redact.String(event.ActorEmail)
		event.Details = redact.Details(event.Details)
	}
	return nil
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

// GetEvent returns one event by ID within the caller's organization.
func (s *Service) GetEvent(ctx context.Context, orgID id.OrganizationID, eventID id.EventID) (*models.Event, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	event, err := s.store.GetByID(ctx, orgID, eventID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "audit event not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit event")
	}
	return event, nil
}

// ListEvents returns a page of the organization's events, newest first.
func (s *Service) ListEvents(ctx context.Context, orgID id.OrganizationID, page models.Page) ([]models.Event, error) {
	return s.query(ctx, orgID, "audit.ListEvents", func(ctx context.Context) ([]models.Event, error) {
		return s.store.ListByOrganization(ctx, orgID, page.Normalize())
	})
}

// ListEventsByActor returns a page of one actor's events.
func (s *Service) ListEventsByActor(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID, page models.Page) ([]models.Event, error) {
	return s.query(ctx, orgID, "audit.ListEventsByActor", func(ctx context.Context) ([]models.Event, error) {
		return s.store.ListByActor(ctx, orgID, actorID, page.Normalize())
	})
}

// ListEventsByAction returns a page of events with one action tag.
func (s *Service) ListEventsByAction(ctx context.Context, orgID id.OrganizationID, action models.Action, page models.Page) ([]models.Event, error) {
	if action == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "action is required")
	}
	return s.query(ctx, orgID, "audit.ListEventsByAction", func(ctx context.Context) ([]models.Event, error) {
		return s.store.ListByAction(ctx, orgID, action, page.Normalize())
	})
}

// ListEventsByDateRange returns events created within [start, end]. An
// inverted range yields an empty page rather than an error.
func (s *Service) ListEventsByDateRange(ctx context.Context, orgID id.OrganizationID, start, end time.Time, page models.Page) ([]models.Event, error) {
	if start.IsZero() || end.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "start and end are required")
	}
	return s.query(ctx, orgID, "audit.ListEventsByDateRange", func(ctx context.Context) ([]models.Event, error) {
		return s.store.ListByDateRange(ctx, orgID, start, end, page.Normalize())
	})
}

// ResourceTrail returns the audit trail of one resource.
func (s *Service) ResourceTrail(ctx context.Context, orgID id.OrganizationID, resourceType, resourceID string, page models.Page) ([]models.Event, error) {
	if resourceType == "" || resourceID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "resource type and id are required")
	}
	return s.query(ctx, orgID, "audit.ResourceTrail", func(ctx context.Context) ([]models.Event, error) {
		return s.store.ListByResource(ctx, orgID, resourceType, resourceID, page.Normalize())
	})
}

// SearchEvents matches term against action, resource type, and correlation ID.
func (s *Service) SearchEvents(ctx context.Context, orgID id.OrganizationID, term string, page models.Page) ([]models.Event, error) {
	if term == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "search term is required")
	}
	return s.query(ctx, orgID, "audit.SearchEvents", func(ctx context.Context) ([]models.Event, error) {
		return s.store.Search(ctx, orgID, term, page.Normalize())
	})
}

// CountByActionSince counts the organization's events with the given action
// at or after since.
func (s *Service) CountByActionSince(ctx context.Context, orgID id.OrganizationID, action models.Action, since time.Time) (int64, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return 0, err
	}
	if action == "" {
		return 0, dErrors.New(dErrors.CodeValidation, "action is required")
	}
	count, err := s.store.CountByActionSince(ctx, orgID, action, since)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count audit events")
	}
	return count, nil
}

// Actions returns every action tag the organization has recorded, ascending.
// Served from cache when warm.
func (s *Service) Actions(ctx context.Context, orgID id.OrganizationID) ([]models.Action, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if actions, ok := s.cache.GetActions(ctx, orgID); ok {
			s.countCache(true)
			return actions, nil
		}
		s.countCache(false)
	}
	actions, err := s.store.DistinctActions(ctx, orgID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list actions")
	}
	if s.cache != nil {
		s.cache.SetActions(ctx, orgID, actions)
	}
	return actions, nil
}

// ResourceTypes returns every resource type the organization has recorded,
// ascending. Served from cache when warm.
func (s *Service) ResourceTypes(ctx context.Context, orgID id.OrganizationID) ([]string, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if types, ok := s.cache.GetResourceTypes(ctx, orgID); ok {
			s.countCache(true)
			return types, nil
		}
		s.countCache(false)
	}
	types, err := s.store.DistinctResourceTypes(ctx, orgID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list resource types")
	}
	if s.cache != nil {
		s.cache.SetResourceTypes(ctx, orgID, types)
	}
	return types, nil
}

// Statistics summarizes the organization's recent activity. Served from
// cache when warm; the windows anchor on the request time.
func (s *Service) Statistics(ctx context.Context, orgID id.OrganizationID) (models.Statistics, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return models.Statistics{}, err
	}
	if s.cache != nil {
		if stats, ok := s.cache.GetStats(ctx, orgID); ok {
			s.countCache(true)
			return stats, nil
		}
		s.countCache(false)
	}
	stats, err := s.store.Stats(ctx, orgID, requestcontext.Now(ctx).UTC())
	if err != nil {
		return models.Statistics{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute statistics")
	}
	if s.cache != nil {
		s.cache.SetStats(ctx, orgID, stats)
	}
	return stats, nil
}

// DeleteActorData removes one actor's events for a data deletion request
// and records the deletion itself as a compliance event.
func (s *Service) DeleteActorData(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error) {
	return s.dataSubjectOp(ctx, orgID, actorID, models.ActionDataDeleted, s.store.DeleteByActor)
}

// RedactActorData strips PII from one actor's events while keeping the
// trail, for deletion requests where the events must survive for compliance.
func (s *Service) RedactActorData(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error) {
	return s.dataSubjectOp(ctx, orgID, actorID, models.ActionDataRedacted, s.store.RedactActorDetails)
}

func (s *Service) dataSubjectOp(
	ctx context.Context,
	orgID id.OrganizationID,
	actorID id.ActorID,
	action models.Action,
	op func(context.Context, id.OrganizationID, id.ActorID) (int64, error),
) (int64, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return 0, err
	}
	if actorID.IsNil() {
		return 0, dErrors.New(dErrors.CodeValidation, "actor id is required")
	}

	affected, err := op(ctx, orgID, actorID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to process data subject request")
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, orgID)
	}

	record := &models.Event{
		OrganizationID: orgID,
		Action:         action,
		Module:         "audit",
		ResourceType:   "actor",
		ResourceID:     actorID.String(),
		Severity:       models.SeverityWarning,
		Details:        map[string]any{"affected_events": affected},
	}
	if err := s.RecordEvent(ctx, record); err != nil {
		s.logger.ErrorContext(ctx, "failed to record data subject operation",
			"error", err, "organization_id", orgID, "action", action)
	}
	return affected, nil
}

func (s *Service) query(ctx context.Context, orgID id.OrganizationID, op string, fn func(context.Context) ([]models.Event, error)) ([]models.Event, error) {
	if err := s.requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()
	start := time.Now()

	events, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit events")
	}
	if s.metrics != nil {
		s.metrics.ObserveQuery(start)
	}
	return events, nil
}

func (s *Service) countCache(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHits.Inc()
	} else {
		s.metrics.CacheMisses.Inc()
	}
}
