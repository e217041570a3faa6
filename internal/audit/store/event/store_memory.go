package event

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/audit/models"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/sentinel"
)

// InMemoryStore keeps events per organization for unit tests. It mirrors the
// PostgreSQL store's ordering and filtering semantics exactly so service
// tests exercise the same contracts.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.OrganizationID][]models.Event
}

// NewInMemory constructs an empty in-memory audit event store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.OrganizationID][]models.Event)}
}

// Clear drops all stored events.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[id.OrganizationID][]models.Event)
}

func (s *InMemoryStore) Insert(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.OrganizationID] = append(s.events[event.OrganizationID], cloneEvent(*event))
	return nil
}

func (s *InMemoryStore) GetByID(_ context.Context, orgID id.OrganizationID, eventID id.EventID) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events[orgID] {
		if e.ID == eventID {
			out := cloneEvent(e)
			return &out, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) ListByOrganization(_ context.Context, orgID id.OrganizationID, page models.Page) ([]models.Event, error) {
	return s.list(orgID, page, func(models.Event) bool { return true }), nil
}

func (s *InMemoryStore) ListByActor(_ context.Context, orgID id.OrganizationID, actorID id.ActorID, page models.Page) ([]models.Event, error) {
	return s.list(orgID, page, func(e models.Event) bool {
		return e.ActorID != nil && *e.ActorID == actorID
	}), nil
}

func (s *InMemoryStore) ListByAction(_ context.Context, orgID id.OrganizationID, action models.Action, page models.Page) ([]models.Event, error) {
	return s.list(orgID, page, func(e models.Event) bool { return e.Action == action }), nil
}

func (s *InMemoryStore) ListByDateRange(_ context.Context, orgID id.OrganizationID, start, end time.Time, page models.Page) ([]models.Event, error) {
	return s.list(orgID, page, func(e models.Event) bool {
		return !e.CreatedAt.Before(start) && !e.CreatedAt.After(end)
	}), nil
}

func (s *InMemoryStore) ListByResource(_ context.Context, orgID id.OrganizationID, resourceType, resourceID string, page models.Page) ([]models.Event, error) {
	return s.list(orgID, page, func(e models.Event) bool {
		return e.ResourceType == resourceType && e.ResourceID == resourceID
	}), nil
}

func (s *InMemoryStore) Search(_ context.Context, orgID id.OrganizationID, term string, page models.Page) ([]models.Event, error) {
	needle := strings.ToLower(term)
	return s.list(orgID, page, func(e models.Event) bool {
		return strings.Contains(strings.ToLower(string(e.Action)), needle) ||
			strings.Contains(strings.ToLower(e.ResourceType), needle) ||
			strings.Contains(strings.ToLower(e.CorrelationID), needle)
	}), nil
}

func (s *InMemoryStore) ListFiltered(_ context.Context, orgID id.OrganizationID, filter models.Filter, page models.Page) ([]models.Event, error) {
	return s.list(orgID, page, func(e models.Event) bool {
		return matchesFilter(e, filter)
	}), nil
}

func (s *InMemoryStore) CountFiltered(_ context.Context, orgID id.OrganizationID, filter models.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, e := range s.events[orgID] {
		if matchesFilter(e, filter) {
			count++
		}
	}
	return count, nil
}

func matchesFilter(e models.Event, f models.Filter) bool {
	if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if e.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Start != nil && e.CreatedAt.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.CreatedAt.After(*f.End) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(string(e.Action)), needle) &&
			!strings.Contains(strings.ToLower(e.ResourceType), needle) &&
			!strings.Contains(strings.ToLower(e.CorrelationID), needle) {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) CountByActionSince(_ context.Context, orgID id.OrganizationID, action models.Action, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, e := range s.events[orgID] {
		if e.Action == action && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) CountByActorSince(_ context.Context, orgID id.OrganizationID, actorID id.ActorID, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, e := range s.events[orgID] {
		if e.ActorID != nil && *e.ActorID == actorID && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) DistinctActions(_ context.Context, orgID id.OrganizationID) ([]models.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[models.Action]struct{})
	for _, e := range s.events[orgID] {
		seen[e.Action] = struct{}{}
	}
	actions := make([]models.Action, 0, len(seen))
	for a := range seen {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	if len(actions) == 0 {
		return nil, nil
	}
	return actions, nil
}

func (s *InMemoryStore) DistinctResourceTypes(_ context.Context, orgID id.OrganizationID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range s.events[orgID] {
		if e.ResourceType != "" {
			seen[e.ResourceType] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	if len(types) == 0 {
		return nil, nil
	}
	return types, nil
}

func (s *InMemoryStore) SecurityEventsSince(_ context.Context, orgID id.OrganizationID, since time.Time, page models.Page) ([]models.Event, error) {
	return s.list(orgID, page, func(e models.Event) bool {
		return e.IsSecurity() && !e.CreatedAt.Before(since)
	}), nil
}

func (s *InMemoryStore) SuspiciousIPs(_ context.Context, orgID id.OrganizationID, since time.Time, threshold int64) ([]models.IPActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, e := range s.events[orgID] {
		if e.IsSecurity() && e.IPAddress != "" && !e.CreatedAt.Before(since) {
			counts[e.IPAddress]++
		}
	}
	var activity []models.IPActivity
	for ip, count := range counts {
		if count >= threshold {
			activity = append(activity, models.IPActivity{IPAddress: ip, Count: count})
		}
	}
	sort.Slice(activity, func(i, j int) bool {
		if activity[i].Count != activity[j].Count {
			return activity[i].Count > activity[j].Count
		}
		return activity[i].IPAddress < activity[j].IPAddress
	})
	return activity, nil
}

func (s *InMemoryStore) FailedLoginsByActor(_ context.Context, orgID id.OrganizationID, since time.Time, threshold int64) ([]models.ActorFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byActor := make(map[id.ActorID]*models.ActorFailure)
	for _, e := range s.events[orgID] {
		if e.Action != models.ActionUserLoginFailed || e.ActorID == nil || e.CreatedAt.Before(since) {
			continue
		}
		f, ok := byActor[*e.ActorID]
		if !ok {
			f = &models.ActorFailure{ActorID: *e.ActorID}
			byActor[*e.ActorID] = f
		}
		f.Count++
		if e.CreatedAt.After(f.LastSeen) {
			f.LastSeen = e.CreatedAt
			f.SourceDescription = e.UserAgent
		}
	}
	var failures []models.ActorFailure
	for _, f := range byActor {
		if f.Count >= threshold {
			failures = append(failures, *f)
		}
	}
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Count != failures[j].Count {
			return failures[i].Count > failures[j].Count
		}
		return failures[i].ActorID.String() < failures[j].ActorID.String()
	})
	return failures, nil
}

func (s *InMemoryStore) SecurityStats(_ context.Context, orgID id.OrganizationID, since time.Time) (models.SecurityStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := models.SecurityStatistics{WindowStart: since}
	ips := make(map[string]struct{})
	for _, e := range s.events[orgID] {
		if e.CreatedAt.Before(since) {
			continue
		}
		if e.IsSecurity() {
			stats.TotalEvents++
		}
		if e.Action == models.ActionUserLoginFailed {
			stats.FailedLogins++
		}
		if e.Severity == models.SeverityCritical {
			stats.CriticalEvents++
		}
		if e.IPAddress != "" {
			ips[e.IPAddress] = struct{}{}
		}
	}
	stats.UniqueIPs = int64(len(ips))
	return stats, nil
}

func (s *InMemoryStore) Stats(_ context.Context, orgID id.OrganizationID, now time.Time) (models.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats models.Statistics
	since30d := now.AddDate(0, 0, -30)
	since7d := now.AddDate(0, 0, -7)
	since24h := now.Add(-24 * time.Hour)
	actions := make(map[models.Action]struct{})
	for _, e := range s.events[orgID] {
		actions[e.Action] = struct{}{}
		if e.CreatedAt.Before(since30d) {
			continue
		}
		stats.TotalEvents++
		if !e.CreatedAt.Before(since7d) {
			stats.EventsLast7d++
		}
		if !e.CreatedAt.Before(since24h) {
			stats.EventsLast24h++
		}
		if e.IsSecurity() {
			stats.SecurityEvents++
		}
		if e.Severity == models.SeverityCritical {
			stats.CriticalEvents++
		}
	}
	stats.DistinctActions = len(actions)
	return stats, nil
}

func (s *InMemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(func(e models.Event) bool { return !e.RetentionExpiry.After(now) }), nil
}

func (s *InMemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(func(e models.Event) bool { return e.CreatedAt.Before(cutoff) }), nil
}

func (s *InMemoryStore) DeleteByOrganization(_ context.Context, orgID id.OrganizationID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := int64(len(s.events[orgID]))
	delete(s.events, orgID)
	return deleted, nil
}

func (s *InMemoryStore) DeleteByActor(_ context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []models.Event
	var deleted int64
	for _, e := range s.events[orgID] {
		if e.ActorID != nil && *e.ActorID == actorID {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events[orgID] = kept
	return deleted, nil
}

func (s *InMemoryStore) RedactActorDetails(_ context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var redacted int64
	events := s.events[orgID]
	for i := range events {
		if events[i].ActorID == nil || *events[i].ActorID != actorID {
			continue
		}
		events[i].ActorEmail = ""
		events[i].IPAddress = ""
		events[i].UserAgent = ""
		events[i].Details = map[string]any{}
		events[i].SensitiveData = false
		redacted++
	}
	return redacted, nil
}

func (s *InMemoryStore) deleteWhere(match func(models.Event) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for orgID, events := range s.events {
		var kept []models.Event
		for _, e := range events {
			if match(e) {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		s.events[orgID] = kept
	}
	return deleted
}

// list filters, sorts newest first with ID tie-break, and pages.
func (s *InMemoryStore) list(orgID id.OrganizationID, page models.Page, match func(models.Event) bool) []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Event
	for _, e := range s.events[orgID] {
		if match(e) {
			matched = append(matched, cloneEvent(e))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		a, b := uuid.UUID(matched[i].ID), uuid.UUID(matched[j].ID)
		return bytes.Compare(a[:], b[:]) > 0
	})

	start := page.Offset()
	if start >= len(matched) {
		return nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end]
}

func cloneEvent(e models.Event) models.Event {
	if e.Details != nil {
		details := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	if e.ActorID != nil {
		aid := *e.ActorID
		e.ActorID = &aid
	}
	return e
}
