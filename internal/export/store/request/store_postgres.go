// Package request provides the export request store implementations: an
// in-memory store for unit tests and a PostgreSQL store for production.
// Stores are pure I/O; download policy and state machine rules live in the
// service and worker.
package request

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/export/models"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/sentinel"
)

// PostgresStore persists export requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed export request store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `
	id, organization_id, requested_by, format, filter, status,
	total_records, processed_records, file_path, file_size_bytes,
	download_token, download_expires_at, download_count, max_downloads,
	error_message, created_at, started_at, completed_at
`

// Insert stores a new export request.
func (s *PostgresStore) Insert(ctx context.Context, req *models.Request) error {
	filter, err := json.Marshal(req.Filter)
	if err != nil {
		return fmt.Errorf("marshal export filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO export_requests (
			id, organization_id, requested_by, format, filter, status,
			total_records, max_downloads, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		uuid.UUID(req.ID),
		uuid.UUID(req.OrganizationID),
		uuid.UUID(req.RequestedBy),
		string(req.Format),
		filter,
		string(req.Status),
		req.TotalRecords,
		req.MaxDownloads,
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert export request: %w", err)
	}
	return nil
}

// GetByID returns one export request scoped to the organization.
func (s *PostgresStore) GetByID(ctx context.Context, orgID id.OrganizationID, exportID id.ExportID) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM export_requests WHERE organization_id = $1 AND id = $2`
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, uuid.UUID(orgID), uuid.UUID(exportID)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get export request: %w", err)
	}
	return req, nil
}

// ListByOrganization returns a page of a tenant's export requests, newest
// first with id tie-break.
func (s *PostgresStore) ListByOrganization(ctx context.Context, orgID id.OrganizationID, limit, offset int) ([]models.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM export_requests
		WHERE organization_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, uuid.UUID(orgID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list export requests: %w", err)
	}
	defer rows.Close()

	var requests []models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export request: %w", err)
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// ClaimNextPending atomically moves the oldest pending request to processing
// and returns it. SKIP LOCKED lets multiple workers drain the queue without
// claiming the same request twice. Returns sentinel.ErrNotFound when the
// queue is empty.
func (s *PostgresStore) ClaimNextPending(ctx context.Context, startedAt time.Time) (*models.Request, error) {
	query := `
		UPDATE export_requests
		SET status = $1, started_at = $2
		WHERE id = (
			SELECT id FROM export_requests
			WHERE status = $3
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + requestColumns
	req, err := scanRequest(s.db.QueryRowContext(ctx, query,
		string(models.StatusProcessing), startedAt, string(models.StatusPending)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("claim pending export: %w", err)
	}
	return req, nil
}

// UpdateProgress records how many events have been written so far, so status
// polls during a long export show movement.
func (s *PostgresStore) UpdateProgress(ctx context.Context, exportID id.ExportID, processed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_requests SET processed_records = $2 WHERE id = $1
	`, uuid.UUID(exportID), processed)
	if err != nil {
		return fmt.Errorf("update export progress: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a successful export run.
func (s *PostgresStore) MarkCompleted(ctx context.Context, exportID id.ExportID, done models.Completion) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_requests
		SET status = $2, total_records = $3, processed_records = $3,
		    file_path = $4, file_size_bytes = $5, download_token = $6,
		    download_expires_at = $7, completed_at = $8
		WHERE id = $1
	`,
		uuid.UUID(exportID),
		string(models.StatusCompleted),
		done.TotalRecords,
		done.FilePath,
		done.FileSizeBytes,
		done.DownloadToken,
		done.ExpiresAt,
		done.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("mark export completed: %w", err)
	}
	return nil
}

// MarkFailed records a terminal processing failure.
func (s *PostgresStore) MarkFailed(ctx context.Context, exportID id.ExportID, message string, failedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_requests
		SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1
	`, uuid.UUID(exportID), string(models.StatusFailed), message, failedAt)
	if err != nil {
		return fmt.Errorf("mark export failed: %w", err)
	}
	return nil
}

// ConsumeDownload increments the download counter if the export is completed
// and under its download limit. Returns sentinel.ErrConflict when the limit
// was already reached, so concurrent downloads cannot exceed it.
func (s *PostgresStore) ConsumeDownload(ctx context.Context, orgID id.OrganizationID, exportID id.ExportID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE export_requests
		SET download_count = download_count + 1
		WHERE organization_id = $1 AND id = $2
		  AND status = $3 AND download_count < max_downloads
	`, uuid.UUID(orgID), uuid.UUID(exportID), string(models.StatusCompleted))
	if err != nil {
		return fmt.Errorf("consume export download: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume export download rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

// PurgeExpired deletes requests whose download window has closed and returns
// their artifact paths so the caller can remove the files.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM export_requests
		WHERE download_expires_at IS NOT NULL AND download_expires_at <= $1
		RETURNING file_path
	`, now)
	if err != nil {
		return nil, fmt.Errorf("purge expired exports: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan purged export path: %w", err)
		}
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		req         models.Request
		exportID    uuid.UUID
		orgID       uuid.UUID
		requestedBy uuid.UUID
		format      string
		filterRaw   []byte
		status      string
		expires     sql.NullTime
		started     sql.NullTime
		completed   sql.NullTime
	)
	err := row.Scan(
		&exportID, &orgID, &requestedBy, &format, &filterRaw, &status,
		&req.TotalRecords, &req.ProcessedRecords, &req.FilePath, &req.FileSizeBytes,
		&req.DownloadToken, &expires, &req.DownloadCount, &req.MaxDownloads,
		&req.ErrorMessage, &req.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	req.ID = id.ExportID(exportID)
	req.OrganizationID = id.OrganizationID(orgID)
	req.RequestedBy = id.ActorID(requestedBy)
	req.Format = models.Format(format)
	req.Status = models.Status(status)
	if len(filterRaw) > 0 {
		if err := json.Unmarshal(filterRaw, &req.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal export filter: %w", err)
		}
	}
	if expires.Valid {
		t := expires.Time
		req.DownloadExpiresAt = &t
	}
	if started.Valid {
		t := started.Time
		req.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		req.CompletedAt = &t
	}
	return &req, nil
}
