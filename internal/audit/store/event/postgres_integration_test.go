//go:build integration

package event_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditcore/internal/audit/models"
	"auditcore/internal/audit/store/event"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/sentinel"
	txcontext "auditcore/pkg/platform/tx"
	"auditcore/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *event.PostgresStore
	orgA     id.OrganizationID
	orgB     id.OrganizationID
	base     time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = event.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "audit_events", "audit_outbox")
	s.Require().NoError(err)

	s.orgA = id.OrganizationID(uuid.New())
	s.orgB = id.OrganizationID(uuid.New())
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) insert(org id.OrganizationID, action models.Action, at time.Time, mutate ...func(*models.Event)) models.Event {
	e := models.Event{
		ID:              id.EventID(uuid.New()),
		OrganizationID:  org,
		Action:          action,
		Severity:        models.SeverityInfo,
		RetentionExpiry: at.AddDate(7, 0, 0),
		CreatedAt:       at,
	}
	for _, m := range mutate {
		m(&e)
	}
	s.Require().NoError(s.store.Insert(context.Background(), &e))
	return e
}

func (s *PostgresStoreSuite) TestInsertWritesEventAndOutboxRowAtomically() {
	ctx := context.Background()
	inserted := s.insert(s.orgA, models.ActionPaymentCreated, s.base, func(e *models.Event) {
		e.Details = map[string]any{"amount": "19.99"}
		e.CorrelationID = "req-1"
	})

	got, err := s.store.GetByID(ctx, s.orgA, inserted.ID)
	s.Require().NoError(err)
	s.Equal(inserted.Action, got.Action)
	s.Equal("19.99", got.Details["amount"])

	var payloadRaw []byte
	err = s.postgres.DB.QueryRowContext(ctx,
		`SELECT payload FROM audit_outbox WHERE event_id = $1`, uuid.UUID(inserted.ID),
	).Scan(&payloadRaw)
	s.Require().NoError(err)

	var payload map[string]any
	s.Require().NoError(json.Unmarshal(payloadRaw, &payload))
	s.Equal(inserted.OrganizationID.String(), payload["organization_id"])
	s.Equal(string(models.ActionPaymentCreated), payload["action"])
}

func (s *PostgresStoreSuite) TestInsertJoinsCallerTransaction() {
	ctx := context.Background()
	tx, err := s.postgres.DB.BeginTx(ctx, nil)
	s.Require().NoError(err)

	e := models.Event{
		ID:              id.EventID(uuid.New()),
		OrganizationID:  s.orgA,
		Action:          models.ActionUserLogin,
		Severity:        models.SeverityInfo,
		RetentionExpiry: s.base.AddDate(7, 0, 0),
		CreatedAt:       s.base,
	}
	s.Require().NoError(s.store.Insert(txcontext.WithTx(ctx, tx), &e))

	// Invisible outside the transaction until commit.
	_, err = s.store.GetByID(ctx, s.orgA, e.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(tx.Commit())
	got, err := s.store.GetByID(ctx, s.orgA, e.ID)
	s.Require().NoError(err)
	s.Equal(e.Action, got.Action)
}

func (s *PostgresStoreSuite) TestInsertRollsBackWithCallerTransaction() {
	ctx := context.Background()
	tx, err := s.postgres.DB.BeginTx(ctx, nil)
	s.Require().NoError(err)

	e := models.Event{
		ID:              id.EventID(uuid.New()),
		OrganizationID:  s.orgA,
		Action:          models.ActionUserLogin,
		Severity:        models.SeverityInfo,
		RetentionExpiry: s.base.AddDate(7, 0, 0),
		CreatedAt:       s.base,
	}
	s.Require().NoError(s.store.Insert(txcontext.WithTx(ctx, tx), &e))
	s.Require().NoError(tx.Rollback())

	_, err = s.store.GetByID(ctx, s.orgA, e.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	// The outbox row rolls back with the event.
	var n int
	s.Require().NoError(s.postgres.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_outbox WHERE event_id = $1`, uuid.UUID(e.ID),
	).Scan(&n))
	s.Zero(n)
}

func (s *PostgresStoreSuite) TestTenantIsolation() {
	s.insert(s.orgA, models.ActionUserLogin, s.base)
	s.insert(s.orgB, models.ActionUserLogin, s.base)

	events, err := s.store.ListByOrganization(context.Background(), s.orgA, models.Page{}.Normalize())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(s.orgA, events[0].OrganizationID)
}

func (s *PostgresStoreSuite) TestOrderingAndPaginationStability() {
	// Identical timestamps force the ID tie-break.
	for range 6 {
		s.insert(s.orgA, models.ActionUserLogin, s.base)
	}

	page0, err := s.store.ListByOrganization(context.Background(), s.orgA, models.Page{Number: 0, Size: 4})
	s.Require().NoError(err)
	page1, err := s.store.ListByOrganization(context.Background(), s.orgA, models.Page{Number: 1, Size: 4})
	s.Require().NoError(err)

	s.Len(page0, 4)
	s.Len(page1, 2)
	seen := make(map[id.EventID]struct{})
	for _, e := range append(page0, page1...) {
		_, dup := seen[e.ID]
		s.False(dup, "event %s returned twice across pages", e.ID)
		seen[e.ID] = struct{}{}
	}
}

func (s *PostgresStoreSuite) TestDateRangeInclusiveBounds() {
	start := s.base
	end := s.base.Add(time.Hour)
	onStart := s.insert(s.orgA, models.ActionUserLogin, start)
	onEnd := s.insert(s.orgA, models.ActionUserLogin, end)
	s.insert(s.orgA, models.ActionUserLogin, end.Add(time.Second))

	events, err := s.store.ListByDateRange(context.Background(), s.orgA, start, end, models.Page{}.Normalize())
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(onEnd.ID, events[0].ID)
	s.Equal(onStart.ID, events[1].ID)
}

func (s *PostgresStoreSuite) TestSearchIsCaseInsensitive() {
	s.insert(s.orgA, models.ActionPaymentRefunded, s.base)
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(time.Minute), func(e *models.Event) {
		e.ResourceType = "RefundBatch"
	})

	events, err := s.store.Search(context.Background(), s.orgA, "refund", models.Page{}.Normalize())
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *PostgresStoreSuite) TestCountAndDistinctActions() {
	ctx := context.Background()
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base)
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(time.Minute))
	s.insert(s.orgA, models.ActionUserLogin, s.base.Add(2*time.Minute))
	s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(-time.Hour))

	count, err := s.store.CountByActionSince(ctx, s.orgA, models.ActionUserLoginFailed, s.base)
	s.Require().NoError(err)
	s.Equal(int64(2), count)

	actions, err := s.store.DistinctActions(ctx, s.orgA)
	s.Require().NoError(err)
	s.Equal([]models.Action{models.ActionUserLogin, models.ActionUserLoginFailed}, actions)
}

func (s *PostgresStoreSuite) TestSuspiciousIPsAndFailedLogins() {
	ctx := context.Background()
	actor := id.ActorID(uuid.New())
	for i := range 4 {
		s.insert(s.orgA, models.ActionUserLoginFailed, s.base.Add(time.Duration(i)*time.Minute), func(e *models.Event) {
			e.ActorID = &actor
			e.IPAddress = "203.0.113.7"
			e.UserAgent = "Mozilla/5.0"
		})
	}
	s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) {
		e.IPAddress = "203.0.113.8"
	})

	ips, err := s.store.SuspiciousIPs(ctx, s.orgA, s.base, 3)
	s.Require().NoError(err)
	s.Require().Len(ips, 1)
	s.Equal("203.0.113.7", ips[0].IPAddress)
	s.Equal(int64(4), ips[0].Count)

	failures, err := s.store.FailedLoginsByActor(ctx, s.orgA, s.base, 3)
	s.Require().NoError(err)
	s.Require().Len(failures, 1)
	s.Equal(actor, failures[0].ActorID)
	s.Equal("Mozilla/5.0", failures[0].SourceDescription)
}

func (s *PostgresStoreSuite) TestDeleteExpiredAndRedaction() {
	ctx := context.Background()
	actor := id.ActorID(uuid.New())
	s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) {
		e.RetentionExpiry = s.base.Add(-time.Hour)
	})
	kept := s.insert(s.orgA, models.ActionUserLogin, s.base, func(e *models.Event) {
		e.ActorID = &actor
		e.ActorEmail = "alice@example.com"
		e.IPAddress = "10.0.0.1"
	})

	deleted, err := s.store.DeleteExpired(ctx, s.base)
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)

	redacted, err := s.store.RedactActorDetails(ctx, s.orgA, actor)
	s.Require().NoError(err)
	s.Equal(int64(1), redacted)

	got, err := s.store.GetByID(ctx, s.orgA, kept.ID)
	s.Require().NoError(err)
	s.Empty(got.ActorEmail)
	s.Empty(got.IPAddress)
}

func (s *PostgresStoreSuite) TestGetByIDOtherTenantNotFound() {
	inserted := s.insert(s.orgA, models.ActionUserLogin, s.base)

	_, err := s.store.GetByID(context.Background(), s.orgB, inserted.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// Concurrent appends from one tenant must all land; the store makes no
// ordering promise for identical timestamps beyond the ID tie-break.
func (s *PostgresStoreSuite) TestConcurrentAppends() {
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := models.Event{
				ID:              id.EventID(uuid.New()),
				OrganizationID:  s.orgA,
				Action:          models.ActionWebhookProcessed,
				Severity:        models.SeverityInfo,
				RetentionExpiry: s.base.AddDate(7, 0, 0),
				CreatedAt:       s.base,
			}
			s.NoError(s.store.Insert(ctx, &e))
		}()
	}
	wg.Wait()

	events, err := s.store.ListByOrganization(ctx, s.orgA, models.Page{Size: 100}.Normalize())
	s.Require().NoError(err)
	s.Len(events, writers)
}
