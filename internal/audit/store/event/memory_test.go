package event

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditcore/internal/audit/models"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/sentinel"
)

type EventStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *InMemoryStore
	orgA  id.OrganizationID
	orgB  id.OrganizationID
	base  time.Time
}

func TestEventStoreSuite(t *testing.T) {
	suite.Run(t, new(EventStoreSuite))
}

func (s *EventStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemory()
	s.orgA = id.OrganizationID(uuid.New())
	s.orgB = id.OrganizationID(uuid.New())
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *EventStoreSuite) insert(org id.OrganizationID, action models.Action, at time.Time, mutate ...func(*models.Event)) models.Event {
	event := models.Event{
		ID:              id.EventID(uuid.New()),
		OrganizationID:  org,
		Action:          action,
		Severity:        models.SeverityInfo,
		RetentionExpiry: at.AddDate(7, 0, 0),
		CreatedAt:       at,
	}
	for _, m := range mutate {
		m(&event)
	}
	s.Require().NoError(s.store.Insert(s.ctx, &event))
	return event
}

func (s *EventStoreSuite) page() models.Page {
	return models.Page{}.Normalize()
}

func (s *EventStoreSuite) TestRecordedEventAppearsInList() {
	event := s.insert(s.orgA, models.ActionUserLogin, s.base)

	events, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(event.ID, events[0].ID)
}

func (s *EventStoreSuite) TestEventsNeverLeakAcrossOrganizations() {
	s.insert(s.orgA, models.ActionUserLogin, s.base)
	s.insert(s.orgB, models.ActionUserLogin, s.base.Add(time.Minute))

	events, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(s.orgA, events[0].OrganizationID)
}

func (s *EventStoreSuite) TestListOrdersNewestFirst() {
	oldest := s.insert(s.orgA, models.ActionUserLogin, s.base)
	newest := s.insert(s.orgA, models.ActionUserLogout, s.base.Add(2*time.Hour))
	middle := s.insert(s.orgA, models.ActionUserUpdated, s.base.Add(time.Hour))

	events, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(newest.ID, events[0].ID)
	s.Equal(middle.ID, events[1].ID)
	s.Equal(oldest.ID, events[2].ID)
}

func (s *EventStoreSuite) TestListTiesBreakDeterministically() {
	for range 5 {
		s.insert(s.orgA, models.ActionUserLogin, s.base)
	}

	first, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	second, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	s.Equal(first, second)
}

func (s *EventStoreSuite) TestPagination() {
	for i := range 5 {
		s.insert(s.orgA, models.ActionUserLogin, s.base.Add(time.Duration(i)*time.Minute))
	}

	page0, err := s.store.ListByOrganization(s.ctx, s.orgA, models.Page{Number: 0, Size: 2})
	s.Require().NoError(err)
	page1, err := s.store.ListByOrganization(s.ctx, s.orgA, models.Page{Number: 1, Size: 2})
	s.Require().NoError(err)
	page2, err := s.store.ListByOrganization(s.ctx, s.orgA, models.Page{Number: 2, Size: 2})
	s.Require().NoError(err)
	beyond, err := s.store.ListByOrganization(s.ctx, s.orgA, models.Page{Number: 9, Size: 2})
	s.Require().NoError(err)

	s.Len(page0, 2)
	s.Len(page1, 2)
	s.Len(page2, 1)
	s.Empty(beyond)
	s.True(page0[1].CreatedAt.After(page1[0].CreatedAt))
}

func (s *EventStoreSuite) TestListByActor() {
	actor := id.ActorID(uuid.New())
	other := id.ActorID(uuid.New())
	s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) { e.ActorID = &actor })
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(time.Minute), func(e *models.Event) { e.ActorID = &other })
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(2*time.Minute)) // system event

	events, err := s.store.ListByActor(s.ctx, s.orgA, actor, s.page())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(actor, *events[0].ActorID)
}

func (s *EventStoreSuite) TestListByDateRangeInclusive() {
	inside := s.insert(s.orgA, models.ActionUserLogin, s.base)
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(-time.Hour))
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(time.Hour))

	events, err := s.store.ListByDateRange(s.ctx, s.orgA, s.base, s.base, s.page())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(inside.ID, events[0].ID)
}

func (s *EventStoreSuite) TestInvertedDateRangeYieldsEmptyResult() {
	s.insert(s.orgA, models.ActionUserLogin, s.base)

	events, err := s.store.ListByDateRange(s.ctx, s.orgA, s.base.Add(time.Hour), s.base.Add(-time.Hour), s.page())
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *EventStoreSuite) TestListByResource() {
	s.insert(s.orgA, models.ActionPaymentCreated, s.base, func(e *models.Event) {
		e.ResourceType = "payment"
		e.ResourceID = "pay_1"
	})
	s.insert(s.orgA, models.ActionPaymentCaptured, s.base.Add(time.Minute), func(e *models.Event) {
		e.ResourceType = "payment"
		e.ResourceID = "pay_1"
	})
	s.insert(s.orgA, models.ActionPaymentCreated, s.base.Add(2*time.Minute), func(e *models.Event) {
		e.ResourceType = "payment"
		e.ResourceID = "pay_2"
	})

	events, err := s.store.ListByResource(s.ctx, s.orgA, "payment", "pay_1", s.page())
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *EventStoreSuite) TestSearchMatchesActionResourceAndCorrelation() {
	s.insert(s.orgA, models.ActionPaymentRefunded, s.base)
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(time.Minute), func(e *models.Event) {
		e.CorrelationID = "req-refund-42"
	})
	s.insert(s.orgA, models.ActionUserLogout, s.base.Add(2*time.Minute))

	events, err := s.store.Search(s.ctx, s.orgA, "REFUND", s.page())
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *EventStoreSuite) TestCountByActionSince() {
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base)
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(time.Minute))
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(-time.Hour))
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(time.Minute))
	s.insert(s.orgB, models.ActionUserLoginFailed, s.base.Add(time.Minute))

	count, err := s.store.CountByActionSince(s.ctx, s.orgA, models.ActionUserLoginFailed, s.base)
	s.Require().NoError(err)
	s.Equal(int64(2), count)
}

func (s *EventStoreSuite) TestDistinctActionsSortedUnique() {
	s.insert(s.orgA, models.ActionUserLogin, s.base)
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(time.Minute))
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(2*time.Minute))
	s.insert(s.orgB, models.ActionPaymentCreated, s.base)

	actions, err := s.store.DistinctActions(s.ctx, s.orgA)
	s.Require().NoError(err)
	s.Equal([]models.Action{models.ActionUserLogin, models.ActionUserLoginFailed}, actions)
}

// Worked example: three events across two tenants; the first tenant sees its
// own two in reverse chronological order, its distinct actions sorted, and a
// failure count scoped by action and cutoff.
func (s *EventStoreSuite) TestTenantScopedScenario() {
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(10*time.Second))
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(20*time.Second))
	s.insert(s.orgB, models.ActionUserLogin, s.base.Add(15*time.Second))

	events, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(models.ActionUserLoginFailed, events[0].Action)
	s.Equal(models.ActionUserLogin, events[1].Action)

	actions, err := s.store.DistinctActions(s.ctx, s.orgA)
	s.Require().NoError(err)
	s.Equal([]models.Action{models.ActionUserLogin, models.ActionUserLoginFailed}, actions)

	count, err := s.store.CountByActionSince(s.ctx, s.orgA, models.ActionUserLoginFailed, s.base.Add(15*time.Second))
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func (s *EventStoreSuite) TestGetByIDScopedToOrganization() {
	event := s.insert(s.orgA, models.ActionUserLogin, s.base)

	got, err := s.store.GetByID(s.ctx, s.orgA, event.ID)
	s.Require().NoError(err)
	s.Equal(event.ID, got.ID)

	_, err = s.store.GetByID(s.ctx, s.orgB, event.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *EventStoreSuite) TestSuspiciousIPsRespectThreshold() {
	for i := range 5 {
		s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(time.Duration(i)*time.Minute), func(e *models.Event) {
			e.IPAddress = "10.0.0.1"
		})
	}
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base, func(e *models.Event) {
		e.IPAddress = "10.0.0.2"
	})

	activity, err := s.store.SuspiciousIPs(s.ctx, s.orgA, s.base, 3)
	s.Require().NoError(err)
	s.Require().Len(activity, 1)
	s.Equal("10.0.0.1", activity[0].IPAddress)
	s.Equal(int64(5), activity[0].Count)
}

func (s *EventStoreSuite) TestFailedLoginsByActorKeepsLatestUserAgent() {
	actor := id.ActorID(uuid.New())
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base, func(e *models.Event) {
		e.ActorID = &actor
		e.UserAgent = "old-agent"
	})
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(time.Minute), func(e *models.Event) {
		e.ActorID = &actor
		e.UserAgent = "new-agent"
	})

	failures, err := s.store.FailedLoginsByActor(s.ctx, s.orgA, s.base, 2)
	s.Require().NoError(err)
	s.Require().Len(failures, 1)
	s.Equal(actor, failures[0].ActorID)
	s.Equal(int64(2), failures[0].Count)
	s.Equal("new-agent", failures[0].SourceDescription)
}

func (s *EventStoreSuite) TestStatsWindows() {
	now := s.base
	s.insert(s.orgA, models.ActionUserLogin, now.Add(-2*time.Hour))
	s.insert(s.orgA, models.ActionUserLoginFailed, now.AddDate(0, 0, -3), func(e *models.Event) {
		e.Severity = models.SeverityWarning
	})
	s.insert(s.orgA, models.ActionPaymentCreated, now.AddDate(0, 0, -20))
	s.insert(s.orgA, models.ActionUserLogin, now.AddDate(0, 0, -60))

	stats, err := s.store.Stats(s.ctx, s.orgA, now)
	s.Require().NoError(err)
	s.Equal(int64(3), stats.TotalEvents)
	s.Equal(int64(2), stats.EventsLast7d)
	s.Equal(int64(1), stats.EventsLast24h)
	s.Equal(int64(1), stats.SecurityEvents)
	s.Equal(3, stats.DistinctActions)
}

func (s *EventStoreSuite) TestDeleteExpired() {
	s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) {
		e.RetentionExpiry = s.base.Add(-time.Hour)
	})
	kept := s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) {
		e.RetentionExpiry = s.base.Add(time.Hour)
	})

	deleted, err := s.store.DeleteExpired(s.ctx, s.base)
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)

	events, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(kept.ID, events[0].ID)
}

func (s *EventStoreSuite) TestDeleteByActor() {
	actor := id.ActorID(uuid.New())
	s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) { e.ActorID = &actor })
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(time.Minute))

	deleted, err := s.store.DeleteByActor(s.ctx, s.orgA, actor)
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)

	events, err := s.store.ListByOrganization(s.ctx, s.orgA, s.page())
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *EventStoreSuite) TestRedactActorDetailsKeepsEventSkeleton() {
	actor := id.ActorID(uuid.New())
	event := s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) {
		e.ActorID = &actor
		e.ActorEmail = "alice@example.com"
		e.IPAddress = "10.0.0.1"
		e.UserAgent = "browser"
		e.Details = map[string]any{"note": "hello"}
	})

	redacted, err := s.store.RedactActorDetails(s.ctx, s.orgA, actor)
	s.Require().NoError(err)
	s.Equal(int64(1), redacted)

	got, err := s.store.GetByID(s.ctx, s.orgA, event.ID)
	s.Require().NoError(err)
	s.Empty(got.ActorEmail)
	s.Empty(got.IPAddress)
	s.Empty(got.UserAgent)
	s.Empty(got.Details)
	s.Equal(models.ActionUserLogin, got.Action)
}
