//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// schema bootstraps the tables the stores expect. Kept here rather than in a
// migration tool so integration tests are self-contained.
const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	organization_id UUID NOT NULL,
	actor_id UUID,
	actor_email TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	module TEXT NOT NULL DEFAULT '',
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'info',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	details JSONB,
	sensitive_data BOOLEAN NOT NULL DEFAULT FALSE,
	retention_expiry TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_org_created
	ON audit_events (organization_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_org_action
	ON audit_events (organization_id, action, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_org_actor
	ON audit_events (organization_id, actor_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_retention
	ON audit_events (retention_expiry);

CREATE TABLE IF NOT EXISTS audit_outbox (
	id UUID PRIMARY KEY,
	organization_id UUID NOT NULL,
	event_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_audit_outbox_unpublished
	ON audit_outbox (created_at) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS export_requests (
	id UUID PRIMARY KEY,
	organization_id UUID NOT NULL,
	requested_by UUID NOT NULL,
	format TEXT NOT NULL,
	filter JSONB,
	status TEXT NOT NULL,
	total_records BIGINT NOT NULL DEFAULT 0,
	processed_records BIGINT NOT NULL DEFAULT 0,
	file_path TEXT NOT NULL DEFAULT '',
	file_size_bytes BIGINT NOT NULL DEFAULT 0,
	download_token TEXT NOT NULL DEFAULT '',
	download_expires_at TIMESTAMPTZ,
	download_count INT NOT NULL DEFAULT 0,
	max_downloads INT NOT NULL DEFAULT 3,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_export_requests_org
	ON export_requests (organization_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_export_requests_pending
	ON export_requests (created_at) WHERE status = 'pending';
`

// PostgresContainer wraps a testcontainers Postgres instance with the schema
// applied.
type PostgresContainer struct {
	Container testcontainers.Container
	URL       string
	DB        *sql.DB
}

// NewPostgresContainer starts a new Postgres container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("auditcore_test"),
		tcpostgres.WithUsername("auditcore"),
		tcpostgres.WithPassword("auditcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	// Shared via the singleton Manager; Ryuk handles teardown.
	return &PostgresContainer{
		Container: container,
		URL:       url,
		DB:        db,
	}
}

// TruncateTables clears the given tables. Use between tests for isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(tables, ", "))
	if _, err := p.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
