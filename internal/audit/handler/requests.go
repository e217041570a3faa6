package handler

import (
	"auditcore/internal/audit/models"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
)

// RecordEventRequest is the wire shape for POST .../audit/events.
type RecordEventRequest struct {
	ActorID       string         `json:"actor_id,omitempty"`
	ActorEmail    string         `json:"actor_email,omitempty"`
	Action        string         `json:"action"`
	Module        string         `json:"module,omitempty"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Description   string         `json:"description,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	SensitiveData bool           `json:"sensitive_data,omitempty"`
}

// ToEvent converts the request to a domain event for the given tenant.
// Identifier, timestamp, and client metadata are filled by the service.
func (r RecordEventRequest) ToEvent(orgID id.OrganizationID) (*models.Event, error) {
	event := &models.Event{
		OrganizationID: orgID,
		ActorEmail:     r.ActorEmail,
		Action:         models.Action(r.Action),
		Module:         r.Module,
		ResourceType:   r.ResourceType,
		ResourceID:     r.ResourceID,
		Description:    r.Description,
		Severity:       models.Severity(r.Severity),
		CorrelationID:  r.CorrelationID,
		Details:        r.Details,
		SensitiveData:  r.SensitiveData,
	}
	if r.ActorID != "" {
		actorID, err := id.ParseActorID(r.ActorID)
		if err != nil {
			return nil, dErrors.New(dErrors.CodeValidation, "actor_id must be a valid UUID")
		}
		event.ActorID = &actorID
	}
	return event, nil
}
