// Package models defines the export request domain: asynchronous, token-gated
// extraction of a tenant's audit events into downloadable CSV or JSON files.
package models

import (
	"time"

	auditmodels "auditcore/internal/audit/models"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
)

// Format is the serialization format of an export artifact.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates a caller-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON:
		return Format(s), nil
	}
	return "", dErrors.Newf(dErrors.CodeValidation, "format must be %q or %q", FormatCSV, FormatJSON)
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string { return string(f) }

// ContentType returns the MIME type served on download.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Status tracks an export request through its lifecycle. Requests move
// pending -> processing -> completed or failed; no other transitions exist.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Filter is the persisted snapshot of the event selection for an export.
// It is stored as JSON alongside the request so the worker reproduces the
// exact query the caller asked for, regardless of when processing runs.
type Filter struct {
	ActorID      string     `json:"actor_id,omitempty"`
	Action       string     `json:"action,omitempty"`
	Severity     string     `json:"severity,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Search       string     `json:"search,omitempty"`
}

// EventFilter converts the snapshot into the audit store's filter type.
func (f Filter) EventFilter() (auditmodels.Filter, error) {
	out := auditmodels.Filter{
		Action:       auditmodels.Action(f.Action),
		Severity:     auditmodels.Severity(f.Severity),
		ResourceType: f.ResourceType,
		ResourceID:   f.ResourceID,
		Start:        f.Start,
		End:          f.End,
		Search:       f.Search,
	}
	if f.ActorID != "" {
		actorID, err := id.ParseActorID(f.ActorID)
		if err != nil {
			return auditmodels.Filter{}, dErrors.New(dErrors.CodeValidation, "filter actor_id must be a valid UUID")
		}
		out.ActorID = &actorID
	}
	if f.Severity != "" && !auditmodels.Severity(f.Severity).Valid() {
		return auditmodels.Filter{}, dErrors.New(dErrors.CodeValidation, "filter severity must be info, warning, or critical")
	}
	return out, nil
}

// Request is one export of a tenant's audit events. The row is the source of
// truth for processing state; the artifact file lives on disk next to it.
type Request struct {
	ID             id.ExportID
	OrganizationID id.OrganizationID
	// RequestedBy is the actor who asked for the export. Exports are
	// themselves audited as compliance events.
	RequestedBy      id.ActorID
	Format           Format
	Filter           Filter
	Status           Status
	TotalRecords     int
	ProcessedRecords int
	FilePath         string
	FileSizeBytes    int64
	// DownloadToken is a signed token gating artifact retrieval. Set when
	// processing completes.
	DownloadToken     string
	DownloadExpiresAt *time.Time
	DownloadCount     int
	MaxDownloads      int
	ErrorMessage      string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// Completion carries the terminal state of a successful export run.
type Completion struct {
	TotalRecords  int
	FilePath      string
	FileSizeBytes int64
	DownloadToken string
	ExpiresAt     time.Time
	CompletedAt   time.Time
}

// Downloadable reports whether the artifact can be served right now.
func (r *Request) Downloadable(now time.Time) error {
	if r.Status != StatusCompleted {
		return dErrors.Newf(dErrors.CodeConflict, "export is %s, not completed", r.Status)
	}
	if r.DownloadExpiresAt != nil && now.After(*r.DownloadExpiresAt) {
		return dErrors.New(dErrors.CodeForbidden, "download link has expired")
	}
	if r.DownloadCount >= r.MaxDownloads {
		return dErrors.New(dErrors.CodeForbidden, "download limit reached")
	}
	return nil
}
