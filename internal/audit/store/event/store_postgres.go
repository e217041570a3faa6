package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/audit/models"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/sentinel"
	txcontext "auditcore/pkg/platform/tx"
)

// PostgresStore persists audit events in PostgreSQL using the transactional
// outbox pattern: each insert writes the event row and an outbox row in one
// transaction, and the relay worker publishes outbox rows to Kafka.
// This store is pure I/O; validation and redaction belong in the service.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed audit event store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `
	id, organization_id, actor_id, actor_email, action, module,
	resource_type, resource_id, description, severity, ip_address,
	user_agent, correlation_id, details, sensitive_data,
	retention_expiry, created_at
`

// Insert appends one event and its outbox row. Joins a caller transaction
// from context if present, otherwise opens its own so the two writes stay
// atomic either way.
func (s *PostgresStore) Insert(ctx context.Context, event *models.Event) error {
	if tx, ok := txcontext.From(ctx); ok {
		return s.insertTx(ctx, tx, event)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert event: %w", err)
	}
	if err := s.insertTx(ctx, tx, event); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertTx(ctx context.Context, tx *sql.Tx, event *models.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}

	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = tx.ExecContext(ctx, query,
		uuid.UUID(event.ID),
		uuid.UUID(event.OrganizationID),
		actorIDValue(event.ActorID),
		event.ActorEmail,
		string(event.Action),
		event.Module,
		event.ResourceType,
		event.ResourceID,
		event.Description,
		string(event.Severity),
		event.IPAddress,
		event.UserAgent,
		event.CorrelationID,
		details,
		event.SensitiveData,
		event.RetentionExpiry,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload, err := json.Marshal(outboxPayloadFrom(event))
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_outbox (id, organization_id, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		uuid.New(),
		uuid.UUID(event.OrganizationID),
		uuid.UUID(event.ID),
		string(event.Action),
		payload,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// GetByID returns one event scoped to the organization.
func (s *PostgresStore) GetByID(ctx context.Context, orgID id.OrganizationID, eventID id.EventID) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE organization_id = $1 AND id = $2`
	event, err := scanEvent(s.db.QueryRowContext(ctx, query, uuid.UUID(orgID), uuid.UUID(eventID)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return event, nil
}

// ListByOrganization returns a page of a tenant's events, newest first.
// Ties on created_at break by id so pagination is stable.
func (s *PostgresStore) ListByOrganization(ctx context.Context, orgID id.OrganizationID, page models.Page) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE organization_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	return s.queryEvents(ctx, query, uuid.UUID(orgID), page.Size, page.Offset())
}

// ListByActor returns a page of events for one actor within a tenant.
func (s *PostgresStore) ListByActor(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID, page models.Page) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE organization_id = $1 AND actor_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	return s.queryEvents(ctx, query, uuid.UUID(orgID), uuid.UUID(actorID), page.Size, page.Offset())
}

// ListByAction returns a page of events with one action tag within a tenant.
func (s *PostgresStore) ListByAction(ctx context.Context, orgID id.OrganizationID, action models.Action, page models.Page) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE organization_id = $1 AND action = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	return s.queryEvents(ctx, query, uuid.UUID(orgID), string(action), page.Size, page.Offset())
}

// ListByDateRange returns events with created_at in [start, end], inclusive.
// An inverted range yields an empty result, not an error.
func (s *PostgresStore) ListByDateRange(ctx context.Context, orgID id.OrganizationID, start, end time.Time, page models.Page) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE organization_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5
	`
	return s.queryEvents(ctx, query, uuid.UUID(orgID), start, end, page.Size, page.Offset())
}

// ListByResource returns the audit trail of one resource within a tenant.
func (s *PostgresStore) ListByResource(ctx context.Context, orgID id.OrganizationID, resourceType, resourceID string, page models.Page) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE organization_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5
	`
	return s.queryEvents(ctx, query, uuid.UUID(orgID), resourceType, resourceID, page.Size, page.Offset())
}

// Search matches term case-insensitively against action, resource type, and
// correlation ID.
func (s *PostgresStore) Search(ctx context.Context, orgID id.OrganizationID, term string, page models.Page) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE organization_id = $1
		  AND (action ILIKE $2 OR resource_type ILIKE $2 OR correlation_id ILIKE $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`
	return s.queryEvents(ctx, query, uuid.UUID(orgID), "%"+term+"%", page.Size, page.Offset())
}

// ListFiltered returns a page of events matching the filter, newest first.
// Zero-value filter fields are ignored; an empty filter lists the tenant.
func (s *PostgresStore) ListFiltered(ctx context.Context, orgID id.OrganizationID, filter models.Filter, page models.Page) ([]models.Event, error) {
	where, args := filterClauses(orgID, filter)
	query := fmt.Sprintf(`
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset())
	return s.queryEvents(ctx, query, args...)
}

// CountFiltered counts a tenant's events matching the filter.
func (s *PostgresStore) CountFiltered(ctx context.Context, orgID id.OrganizationID, filter models.Filter) (int64, error) {
	where, args := filterClauses(orgID, filter)
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count filtered events: %w", err)
	}
	return count, nil
}

// filterClauses builds the WHERE clause and arguments for a filter. The
// organization scope is always the first clause.
func filterClauses(orgID id.OrganizationID, filter models.Filter) (string, []any) {
	clauses := []string{"organization_id = $1"}
	args := []any{uuid.UUID(orgID)}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.ActorID != nil {
		add("actor_id = $%d", uuid.UUID(*filter.ActorID))
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if len(filter.Actions) > 0 {
		add("action = ANY($%d)", actionsParam(filter.Actions))
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.Start != nil {
		add("created_at >= $%d", *filter.Start)
	}
	if filter.End != nil {
		add("created_at <= $%d", *filter.End)
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(action ILIKE $%d OR resource_type ILIKE $%d OR correlation_id ILIKE $%d)", n, n, n))
	}
	return strings.Join(clauses, " AND "), args
}

// CountByActionSince counts a tenant's events with the given action at or
// after since.
func (s *PostgresStore) CountByActionSince(ctx context.Context, orgID id.OrganizationID, action models.Action, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE organization_id = $1 AND action = $2 AND created_at >= $3
	`, uuid.UUID(orgID), string(action), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events by action: %w", err)
	}
	return count, nil
}

// CountByActorSince counts a tenant's events for one actor at or after since.
func (s *PostgresStore) CountByActorSince(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE organization_id = $1 AND actor_id = $2 AND created_at >= $3
	`, uuid.UUID(orgID), uuid.UUID(actorID), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events by actor: %w", err)
	}
	return count, nil
}

// DistinctActions returns every action tag a tenant has recorded, ascending.
func (s *PostgresStore) DistinctActions(ctx context.Context, orgID id.OrganizationID) ([]models.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT action FROM audit_events
		WHERE organization_id = $1
		ORDER BY action ASC
	`, uuid.UUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("query distinct actions: %w", err)
	}
	defer rows.Close()

	var actions []models.Action
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, models.Action(a))
	}
	return actions, rows.Err()
}

// DistinctResourceTypes returns every resource type a tenant has recorded,
// ascending, empty values excluded.
func (s *PostgresStore) DistinctResourceTypes(ctx context.Context, orgID id.OrganizationID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT resource_type FROM audit_events
		WHERE organization_id = $1 AND resource_type <> ''
		ORDER BY resource_type ASC
	`, uuid.UUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("query distinct resource types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan resource type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// SecurityEventsSince returns a tenant's security-category events at or
// after since, newest first.
func (s *PostgresStore) SecurityEventsSince(ctx context.Context, orgID id.OrganizationID, since time.Time, page models.Page) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE organization_id = $1 AND created_at >= $2
		  AND (action = ANY($3) OR severity IN ('warning', 'critical'))
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5
	`
	return s.queryEvents(ctx, query, uuid.UUID(orgID), since, securityActionsParam(), page.Size, page.Offset())
}

// SuspiciousIPs returns source addresses with at least threshold security
// events since the cutoff, most active first.
func (s *PostgresStore) SuspiciousIPs(ctx context.Context, orgID id.OrganizationID, since time.Time, threshold int64) ([]models.IPActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip_address, COUNT(*) AS cnt
		FROM audit_events
		WHERE organization_id = $1 AND created_at >= $2 AND ip_address <> ''
		  AND (action = ANY($3) OR severity IN ('warning', 'critical'))
		GROUP BY ip_address
		HAVING COUNT(*) >= $4
		ORDER BY cnt DESC, ip_address ASC
	`, uuid.UUID(orgID), since, securityActionsParam(), threshold)
	if err != nil {
		return nil, fmt.Errorf("query suspicious ips: %w", err)
	}
	defer rows.Close()

	var activity []models.IPActivity
	for rows.Next() {
		var a models.IPActivity
		if err := rows.Scan(&a.IPAddress, &a.Count); err != nil {
			return nil, fmt.Errorf("scan ip activity: %w", err)
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

// FailedLoginsByActor returns actors with at least threshold failed login
// events since the cutoff, including the User-Agent of the latest failure.
func (s *PostgresStore) FailedLoginsByActor(ctx context.Context, orgID id.OrganizationID, since time.Time, threshold int64) ([]models.ActorFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, COUNT(*) AS cnt, MAX(created_at) AS last_seen,
		       (ARRAY_AGG(user_agent ORDER BY created_at DESC))[1] AS last_user_agent
		FROM audit_events
		WHERE organization_id = $1 AND action = $2 AND created_at >= $3 AND actor_id IS NOT NULL
		GROUP BY actor_id
		HAVING COUNT(*) >= $4
		ORDER BY cnt DESC, actor_id ASC
	`, uuid.UUID(orgID), string(models.ActionUserLoginFailed), since, threshold)
	if err != nil {
		return nil, fmt.Errorf("query failed logins: %w", err)
	}
	defer rows.Close()

	var failures []models.ActorFailure
	for rows.Next() {
		var (
			f        models.ActorFailure
			actorRaw uuid.UUID
		)
		if err := rows.Scan(&actorRaw, &f.Count, &f.LastSeen, &f.SourceDescription); err != nil {
			return nil, fmt.Errorf("scan actor failure: %w", err)
		}
		f.ActorID = id.ActorID(actorRaw)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// SecurityStats aggregates security activity since the cutoff in one pass.
func (s *PostgresStore) SecurityStats(ctx context.Context, orgID id.OrganizationID, since time.Time) (models.SecurityStatistics, error) {
	stats := models.SecurityStatistics{WindowStart: since}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE action = ANY($3) OR severity IN ('warning', 'critical')),
			COUNT(*) FILTER (WHERE action = $4),
			COUNT(*) FILTER (WHERE severity = 'critical'),
			COUNT(DISTINCT ip_address) FILTER (WHERE ip_address <> '')
		FROM audit_events
		WHERE organization_id = $1 AND created_at >= $2
	`, uuid.UUID(orgID), since, securityActionsParam(), string(models.ActionUserLoginFailed)).Scan(
		&stats.TotalEvents, &stats.FailedLogins, &stats.CriticalEvents, &stats.UniqueIPs,
	)
	if err != nil {
		return models.SecurityStatistics{}, fmt.Errorf("query security stats: %w", err)
	}
	return stats, nil
}

// Stats aggregates a tenant's recent activity in one pass. now anchors the
// 30-day, 7-day, and 24-hour windows.
func (s *PostgresStore) Stats(ctx context.Context, orgID id.OrganizationID, now time.Time) (models.Statistics, error) {
	var stats models.Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $2),
			COUNT(*) FILTER (WHERE created_at >= $3),
			COUNT(*) FILTER (WHERE created_at >= $4),
			COUNT(*) FILTER (WHERE created_at >= $2 AND (action = ANY($5) OR severity IN ('warning', 'critical'))),
			COUNT(*) FILTER (WHERE created_at >= $2 AND severity = 'critical'),
			COUNT(DISTINCT action)
		FROM audit_events
		WHERE organization_id = $1
	`, uuid.UUID(orgID),
		now.AddDate(0, 0, -30), now.AddDate(0, 0, -7), now.Add(-24*time.Hour),
		securityActionsParam(),
	).Scan(
		&stats.TotalEvents, &stats.EventsLast7d, &stats.EventsLast24h,
		&stats.SecurityEvents, &stats.CriticalEvents, &stats.DistinctActions,
	)
	if err != nil {
		return models.Statistics{}, fmt.Errorf("query audit stats: %w", err)
	}
	return stats, nil
}

// DeleteExpired removes events whose retention expiry has passed.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(ctx, "delete expired events",
		`DELETE FROM audit_events WHERE retention_expiry <= $1`, now)
}

// DeleteOlderThan removes events created before the cutoff regardless of
// per-event retention.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(ctx, "delete old events",
		`DELETE FROM audit_events WHERE created_at < $1`, cutoff)
}

// DeleteByOrganization removes every event of one tenant. Used for tenant
// offboarding data deletion requests.
func (s *PostgresStore) DeleteByOrganization(ctx context.Context, orgID id.OrganizationID) (int64, error) {
	return s.deleteWhere(ctx, "delete events by organization",
		`DELETE FROM audit_events WHERE organization_id = $1`, uuid.UUID(orgID))
}

// DeleteByActor removes one actor's events within a tenant.
func (s *PostgresStore) DeleteByActor(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error) {
	return s.deleteWhere(ctx, "delete events by actor",
		`DELETE FROM audit_events WHERE organization_id = $1 AND actor_id = $2`,
		uuid.UUID(orgID), uuid.UUID(actorID))
}

// RedactActorDetails strips PII-bearing columns from one actor's events
// while keeping the event skeleton for the audit trail. Data subject
// requests use this instead of deletion when the events must survive.
func (s *PostgresStore) RedactActorDetails(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_events
		SET actor_email = '', ip_address = '', user_agent = '',
		    details = '{}'::jsonb, sensitive_data = FALSE
		WHERE organization_id = $1 AND actor_id = $2
	`, uuid.UUID(orgID), uuid.UUID(actorID))
	if err != nil {
		return 0, fmt.Errorf("redact actor details: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("redact actor details rows affected: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) deleteWhere(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return rows, nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		event      models.Event
		eventID    uuid.UUID
		orgID      uuid.UUID
		actorID    uuid.NullUUID
		action     string
		severity   string
		detailsRaw []byte
	)
	err := row.Scan(
		&eventID, &orgID, &actorID, &event.ActorEmail, &action, &event.Module,
		&event.ResourceType, &event.ResourceID, &event.Description, &severity,
		&event.IPAddress, &event.UserAgent, &event.CorrelationID, &detailsRaw,
		&event.SensitiveData, &event.RetentionExpiry, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.ID = id.EventID(eventID)
	event.OrganizationID = id.OrganizationID(orgID)
	if actorID.Valid {
		aid := id.ActorID(actorID.UUID)
		event.ActorID = &aid
	}
	event.Action = models.Action(action)
	event.Severity = models.Severity(severity)
	if len(detailsRaw) > 0 {
		if err := json.Unmarshal(detailsRaw, &event.Details); err != nil {
			return nil, fmt.Errorf("unmarshal event details: %w", err)
		}
	}
	return &event, nil
}

func scanEventRows(rows *sql.Rows) (*models.Event, error) {
	event, err := scanEvent(rows)
	if err != nil {
		return nil, fmt.Errorf("scan audit event: %w", err)
	}
	return event, nil
}

func actorIDValue(actorID *id.ActorID) any {
	if actorID == nil {
		return nil
	}
	return uuid.UUID(*actorID)
}
