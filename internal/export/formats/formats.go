// Package formats writes audit events to export artifacts. Writers stream:
// the worker feeds events batch by batch without holding the full result set
// in memory.
package formats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	auditmodels "auditcore/internal/audit/models"
	"auditcore/internal/export/models"
)

// Writer streams events into an export artifact. Close finalizes the
// artifact; a Writer that is not closed produces a truncated file.
type Writer interface {
	Write(event *auditmodels.Event) error
	Close() error
}

// New returns a streaming writer for the format.
func New(format models.Format, w io.Writer) (Writer, error) {
	switch format {
	case models.FormatCSV:
		return newCSV(w)
	case models.FormatJSON:
		return newJSON(w), nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

var csvHeader = []string{
	"id", "organization_id", "actor_id", "actor_email", "action", "category",
	"module", "resource_type", "resource_id", "description", "severity",
	"ip_address", "user_agent", "correlation_id", "details", "created_at",
}

type csvWriter struct {
	w *csv.Writer
}

func newCSV(w io.Writer) (*csvWriter, error) {
	cw := &csvWriter{w: csv.NewWriter(w)}
	if err := cw.w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return cw, nil
}

func (c *csvWriter) Write(event *auditmodels.Event) error {
	actorID := ""
	if event.ActorID != nil {
		actorID = event.ActorID.String()
	}
	details := ""
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(raw)
	}
	record := []string{
		event.ID.String(),
		event.OrganizationID.String(),
		actorID,
		event.ActorEmail,
		string(event.Action),
		string(event.Action.Category()),
		event.Module,
		event.ResourceType,
		event.ResourceID,
		event.Description,
		string(event.Severity),
		event.IPAddress,
		event.UserAgent,
		event.CorrelationID,
		details,
		event.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := c.w.Write(record); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	return nil
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// jsonWriter emits a single JSON array, one event object per element.
type jsonWriter struct {
	w     io.Writer
	count int
	err   error
}

func newJSON(w io.Writer) *jsonWriter {
	return &jsonWriter{w: w}
}

type jsonEvent struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	ActorEmail     string         `json:"actor_email,omitempty"`
	Action         string         `json:"action"`
	Category       string         `json:"category"`
	Module         string         `json:"module,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Description    string         `json:"description,omitempty"`
	Severity       string         `json:"severity"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (j *jsonWriter) Write(event *auditmodels.Event) error {
	if j.err != nil {
		return j.err
	}
	prefix := ","
	if j.count == 0 {
		prefix = "["
	}
	out := jsonEvent{
		ID:             event.ID.String(),
		OrganizationID: event.OrganizationID.String(),
		ActorEmail:     event.ActorEmail,
		Action:         string(event.Action),
		Category:       string(event.Action.Category()),
		Module:         event.Module,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		Description:    event.Description,
		Severity:       string(event.Severity),
		IPAddress:      event.IPAddress,
		UserAgent:      event.UserAgent,
		CorrelationID:  event.CorrelationID,
		Details:        event.Details,
		CreatedAt:      event.CreatedAt,
	}
	if event.ActorID != nil {
		out.ActorID = event.ActorID.String()
	}
	raw, err := json.Marshal(out)
	if err != nil {
		j.err = fmt.Errorf("marshal event: %w", err)
		return j.err
	}
	if _, err := io.WriteString(j.w, prefix); err != nil {
		j.err = fmt.Errorf("write json: %w", err)
		return j.err
	}
	if _, err := j.w.Write(raw); err != nil {
		j.err = fmt.Errorf("write json: %w", err)
		return j.err
	}
	j.count++
	return nil
}

func (j *jsonWriter) Close() error {
	if j.err != nil {
		return j.err
	}
	// An export with zero matches is still a valid, empty array.
	body := "]"
	if j.count == 0 {
		body = "[]"
	}
	if _, err := io.WriteString(j.w, body); err != nil {
		return fmt.Errorf("finalize json: %w", err)
	}
	return nil
}

// FileName returns the artifact name for an export, e.g.
// "audit-export-<id>.csv".
func FileName(exportID string, format models.Format) string {
	return "audit-export-" + exportID + "." + format.Extension()
}
