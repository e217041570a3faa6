// Package event provides the audit event store implementations: an
// in-memory store for unit tests and a PostgreSQL store with a
// transactional outbox for production.
package event

import (
	"time"

	"github.com/lib/pq"

	"auditcore/internal/audit/models"
)

// outboxPayload is the JSON shape relayed to Kafka. Downstream consumers
// key on organization_id for partition ordering.
type outboxPayload struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	Action         string         `json:"action"`
	Category       string         `json:"category"`
	Module         string         `json:"module,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Severity       string         `json:"severity"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func outboxPayloadFrom(event *models.Event) outboxPayload {
	p := outboxPayload{
		ID:             event.ID.String(),
		OrganizationID: event.OrganizationID.String(),
		Action:         string(event.Action),
		Category:       string(event.Action.Category()),
		Module:         event.Module,
		ResourceType:   event.ResourceType,
		ResourceID:     event.ResourceID,
		Severity:       string(event.Severity),
		CorrelationID:  event.CorrelationID,
		Details:        event.Details,
		CreatedAt:      event.CreatedAt,
	}
	if event.ActorID != nil {
		p.ActorID = event.ActorID.String()
	}
	return p
}

// securityActionsParam renders the security action catalog as a Postgres
// array parameter for ANY() clauses.
func securityActionsParam() any {
	return actionsParam(models.SecurityActions())
}

func actionsParam(actions []models.Action) any {
	strs := make([]string, len(actions))
	for i, a := range actions {
		strs[i] = string(a)
	}
	return pq.Array(strs)
}
