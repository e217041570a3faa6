// Package analytics derives security findings from the audit log: elevated
// event feeds, window statistics, and suspicious activity patterns.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mssola/useragent"

	"auditcore/internal/audit/models"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
	"auditcore/pkg/requestcontext"
)

const (
	PatternSuspiciousIP    = "suspicious_ip"
	PatternRepeatedFailure = "repeated_login_failures"
)

// Store is the analytics query surface of the event store.
type Store interface {
	SecurityEventsSince(ctx context.Context, orgID id.OrganizationID, since time.Time, page models.Page) ([]models.Event, error)
	SuspiciousIPs(ctx context.Context, orgID id.OrganizationID, since time.Time, threshold int64) ([]models.IPActivity, error)
	FailedLoginsByActor(ctx context.Context, orgID id.OrganizationID, since time.Time, threshold int64) ([]models.ActorFailure, error)
	SecurityStats(ctx context.Context, orgID id.OrganizationID, since time.Time) (models.SecurityStatistics, error)
}

// Service runs the security analysis queries for one tenant at a time.
type Service struct {
	store  Store
	logger *slog.Logger

	// Minimum occurrences before an address or actor is reported.
	ipThreshold    int64
	actorThreshold int64
	analysisWindow time.Duration
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithThresholds overrides the per-IP and per-actor reporting thresholds.
func WithThresholds(ip, actor int64) Option {
	return func(s *Service) {
		s.ipThreshold = ip
		s.actorThreshold = actor
	}
}

// WithWindow overrides the default 24h analysis window.
func WithWindow(window time.Duration) Option {
	return func(s *Service) {
		s.analysisWindow = window
	}
}

// New constructs an analytics Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		logger:         slog.Default(),
		ipThreshold:    10,
		actorThreshold: 5,
		analysisWindow: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SecurityEvents returns the organization's security-relevant events since
// the cutoff, newest first.
func (s *Service) SecurityEvents(ctx context.Context, orgID id.OrganizationID, since time.Time, page models.Page) ([]models.Event, error) {
	if err := requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	events, err := s.store.SecurityEventsSince(ctx, orgID, since, page.Normalize())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query security events")
	}
	return events, nil
}

// Statistics aggregates the organization's security activity over the
// analysis window ending at the request time.
func (s *Service) Statistics(ctx context.Context, orgID id.OrganizationID) (models.SecurityStatistics, error) {
	if err := requireAccess(ctx, orgID); err != nil {
		return models.SecurityStatistics{}, err
	}
	since := requestcontext.Now(ctx).UTC().Add(-s.analysisWindow)
	stats, err := s.store.SecurityStats(ctx, orgID, since)
	if err != nil {
		return models.SecurityStatistics{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute security statistics")
	}
	return stats, nil
}

// DetectPatterns scans the analysis window for anomalies and returns one
// SuspiciousPattern per finding, highest severity first within each type.
func (s *Service) DetectPatterns(ctx context.Context, orgID id.OrganizationID) ([]models.SuspiciousPattern, error) {
	if err := requireAccess(ctx, orgID); err != nil {
		return nil, err
	}
	since := requestcontext.Now(ctx).UTC().Add(-s.analysisWindow)

	var patterns []models.SuspiciousPattern

	ips, err := s.store.SuspiciousIPs(ctx, orgID, since, s.ipThreshold)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to analyze source addresses")
	}
	for _, ip := range ips {
		patterns = append(patterns, models.SuspiciousPattern{
			PatternType: PatternSuspiciousIP,
			Description: fmt.Sprintf("%d security events from %s in the last %s", ip.Count, ip.IPAddress, s.analysisWindow),
			Severity:    severityFor(ip.Count, s.ipThreshold),
			Occurrences: int(ip.Count),
		})
	}

	failures, err := s.store.FailedLoginsByActor(ctx, orgID, since, s.actorThreshold)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to analyze failed logins")
	}
	for _, f := range failures {
		patterns = append(patterns, models.SuspiciousPattern{
			PatternType: PatternRepeatedFailure,
			Description: fmt.Sprintf("%d failed logins for actor %s, last from %s", f.Count, f.ActorID, describeClient(f.SourceDescription)),
			Severity:    severityFor(f.Count, s.actorThreshold),
			Occurrences: int(f.Count),
		})
	}

	if len(patterns) > 0 {
		s.logger.InfoContext(ctx, "suspicious patterns detected",
			"organization_id", orgID, "patterns", len(patterns))
	}
	return patterns, nil
}

// severityFor scales 3..5 with how far past the threshold the count is.
func severityFor(count, threshold int64) int {
	switch {
	case count >= 3*threshold:
		return 5
	case count >= 2*threshold:
		return 4
	default:
		return 3
	}
}

// describeClient turns a raw User-Agent into a short human-readable source
// description for pattern reports.
func describeClient(rawUA string) string {
	if rawUA == "" {
		return "an unknown client"
	}
	ua := useragent.New(rawUA)
	name, version := ua.Browser()
	if name == "" {
		return "an unknown client"
	}
	os := ua.OS()
	if os == "" {
		return fmt.Sprintf("%s %s", name, version)
	}
	return fmt.Sprintf("%s %s on %s", name, version, os)
}

func requireAccess(ctx context.Context, orgID id.OrganizationID) error {
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
