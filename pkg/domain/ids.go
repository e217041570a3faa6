// Package domain holds the typed identifiers shared across modules.
//
// IDs are distinct types over uuid.UUID so that an organization ID can never
// be passed where an actor ID is expected. Parsing happens once, at trust
// boundaries; everything past the handler layer works with typed values.
package domain

import (
	"github.com/google/uuid"

	dErrors "auditcore/pkg/domain-errors"
)

// OrganizationID identifies a tenant. Every audit record belongs to exactly
// one organization for its lifetime.
type OrganizationID uuid.UUID

// ActorID identifies the user or system principal behind an audited action.
// The zero value means "system-generated, no actor".
type ActorID uuid.UUID

// EventID identifies a single audit event.
type EventID uuid.UUID

// ExportID identifies an audit log export request.
type ExportID uuid.UUID

// IsNil reports whether the ID is the zero UUID.
func (id OrganizationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ActorID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id EventID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id ExportID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

func (id OrganizationID) String() string { return uuid.UUID(id).String() }
func (id ActorID) String() string        { return uuid.UUID(id).String() }
func (id EventID) String() string        { return uuid.UUID(id).String() }
func (id ExportID) String() string       { return uuid.UUID(id).String() }

// ParseOrganizationID parses and validates an organization ID.
func ParseOrganizationID(s string) (OrganizationID, error) {
	u, err := parseUUID(s)
	return OrganizationID(u), err
}

// ParseActorID parses and validates an actor ID.
func ParseActorID(s string) (ActorID, error) {
	u, err := parseUUID(s)
	return ActorID(u), err
}

// ParseEventID parses and validates an event ID.
func ParseEventID(s string) (EventID, error) {
	u, err := parseUUID(s)
	return EventID(u), err
}

// ParseExportID parses and validates an export request ID.
func ParseExportID(s string) (ExportID, error) {
	u, err := parseUUID(s)
	return ExportID(u), err
}

// parseUUID enforces the shared invariant: IDs must be valid, non-empty,
// non-nil UUIDs. Rejections surface as CodeInvalidInput so the handler layer
// maps them to 400s rather than 500s.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id must be a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return u, nil
}
