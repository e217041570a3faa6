package handler

import (
	"time"

	"auditcore/internal/audit/models"
)

// EventResponse is the wire shape for a single audit event.
type EventResponse struct {
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

// EventsResponse wraps a page of events.
type EventsResponse struct {
	Events []EventResponse `json:"events"`
	Page   int             `json:"page"`
	Size   int             `json:"size"`
}

// ActionsResponse lists a tenant's distinct action tags.
type ActionsResponse struct {
	Actions []models.Action `json:"actions"`
}

// ResourceTypesResponse lists a tenant's distinct resource types.
type ResourceTypesResponse struct {
	ResourceTypes []string `json:"resource_types"`
}

// CountResponse carries a single count result.
type CountResponse struct {
	Count int64 `json:"count"`
}

// StatisticsResponse summarizes recent tenant activity.
type StatisticsResponse struct {
	TotalEvents     int64 `json:"total_events_30d"`
	EventsLast7d    int64 `json:"events_last_7d"`
	EventsLast24h   int64 `json:"events_last_24h"`
	SecurityEvents  int64 `json:"security_events_30d"`
	CriticalEvents  int64 `json:"critical_events_30d"`
	DistinctActions int   `json:"distinct_actions"`
}

// SecurityStatisticsResponse summarizes window security activity.
type SecurityStatisticsResponse struct {
	WindowStart    time.Time `json:"window_start"`
	TotalEvents    int64     `json:"total_events"`
	FailedLogins   int64     `json:"failed_logins"`
	CriticalEvents int64     `json:"critical_events"`
	UniqueIPs      int64     `json:"unique_ips"`
}

// PatternResponse is one detected suspicious pattern.
type PatternResponse struct {
	PatternType string `json:"pattern_type"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
	Occurrences int    `json:"occurrences"`
}

// PatternsResponse wraps the detected patterns.
type PatternsResponse struct {
	Patterns []PatternResponse `json:"patterns"`
}

// DataSubjectResponse reports the scope of a deletion or redaction request.
type DataSubjectResponse struct {
	AffectedEvents int64 `json:"affected_events"`
}

// FromEvent converts a domain event to its wire shape.
func FromEvent(event *models.Event) EventResponse {
	resp := EventResponse{
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
		resp.ActorID = event.ActorID.String()
	}
	return resp
}

// FromEvents converts a page of domain events.
func FromEvents(events []models.Event, page models.Page) EventsResponse {
	out := EventsResponse{
		Events: make([]EventResponse, 0, len(events)),
		Page:   page.Number,
		Size:   page.Size,
	}
	for i := range events {
		out.Events = append(out.Events, FromEvent(&events[i]))
	}
	return out
}

// FromStatistics converts tenant statistics.
func FromStatistics(stats models.Statistics) StatisticsResponse {
	return StatisticsResponse{
		TotalEvents:     stats.TotalEvents,
		EventsLast7d:    stats.EventsLast7d,
		EventsLast24h:   stats.EventsLast24h,
		SecurityEvents:  stats.SecurityEvents,
		CriticalEvents:  stats.CriticalEvents,
		DistinctActions: stats.DistinctActions,
	}
}

// FromSecurityStatistics converts window security statistics.
func FromSecurityStatistics(stats models.SecurityStatistics) SecurityStatisticsResponse {
	return SecurityStatisticsResponse{
		WindowStart:    stats.WindowStart,
		TotalEvents:    stats.TotalEvents,
		FailedLogins:   stats.FailedLogins,
		CriticalEvents: stats.CriticalEvents,
		UniqueIPs:      stats.UniqueIPs,
	}
}

// FromPatterns converts detected patterns.
func FromPatterns(patterns []models.SuspiciousPattern) PatternsResponse {
	out := PatternsResponse{Patterns: make([]PatternResponse, 0, len(patterns))}
	for _, p := range patterns {
		out.Patterns = append(out.Patterns, PatternResponse{
			PatternType: p.PatternType,
			Description: p.Description,
			Severity:    p.Severity,
			Occurrences: p.Occurrences,
		})
	}
	return out
}
