package models

import (
	"time"

	id "auditcore/pkg/domain"
)

// Category classifies audit events by their primary purpose. This drives
// retention policy, outbox routing, and which events the ops sampler may drop.
type Category string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// These require tamper-proof storage and long retention (e.g., 7 years).
	CategoryCompliance Category = "compliance"

	// CategorySecurity covers events relevant to security monitoring and
	// forensics. These feed the analytics queries and alerting pipelines.
	CategorySecurity Category = "security"

	// CategoryOperations covers events useful for debugging and operational
	// visibility. These can be sampled with shorter retention.
	CategoryOperations Category = "operations"
)

// Severity levels for audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Action is a dot-separated activity tag, "<module>.<verb>".
type Action string

const (
	// Auth events
	ActionUserLogin         Action = "auth.login"
	ActionUserLoginFailed   Action = "auth.login_failed"
	ActionUserLogout        Action = "auth.logout"
	ActionPasswordChanged   Action = "auth.password_changed"
	ActionPasswordResetSent Action = "auth.password_reset_sent"
	ActionMFAEnabled        Action = "auth.mfa_enabled"
	ActionSessionRevoked    Action = "auth.session_revoked"

	// User events
	ActionUserCreated Action = "user.created"
	ActionUserUpdated Action = "user.updated"
	ActionUserDeleted Action = "user.deleted"
	ActionRoleChanged Action = "user.role_changed"

	// Organization events
	ActionOrganizationCreated Action = "organization.created"
	ActionOrganizationUpdated Action = "organization.updated"
	ActionMemberInvited       Action = "organization.member_invited"
	ActionMemberRemoved       Action = "organization.member_removed"

	// Payment events
	ActionPaymentCreated    Action = "payment.created"
	ActionPaymentCaptured   Action = "payment.captured"
	ActionPaymentFailed     Action = "payment.failed"
	ActionPaymentRefunded   Action = "payment.refunded"
	ActionPayoutInitiated   Action = "payment.payout_initiated"
	ActionDisputeOpened     Action = "payment.dispute_opened"
	ActionWebhookProcessed  Action = "payment.webhook_processed"
	ActionAPIKeyRotated     Action = "payment.api_key_rotated"
	ActionAPIAccessDenied   Action = "payment.api_access_denied"
	ActionSubscriptionStart Action = "subscription.started"
	ActionSubscriptionEnd   Action = "subscription.cancelled"

	// Data subject / compliance events
	ActionDataExported Action = "data.exported"
	ActionDataRedacted Action = "data.redacted"
	ActionDataDeleted  Action = "data.deleted"
)

// actionCategories maps each catalog action to its category. Unknown or
// caller-defined actions default to operations.
var actionCategories = map[Action]Category{
	ActionUserCreated:         CategoryCompliance,
	ActionUserDeleted:         CategoryCompliance,
	ActionRoleChanged:         CategoryCompliance,
	ActionDataExported:        CategoryCompliance,
	ActionDataRedacted:        CategoryCompliance,
	ActionDataDeleted:         CategoryCompliance,
	ActionPaymentRefunded:     CategoryCompliance,
	ActionDisputeOpened:       CategoryCompliance,
	ActionOrganizationCreated: CategoryCompliance,

	ActionUserLoginFailed:   CategorySecurity,
	ActionPasswordChanged:   CategorySecurity,
	ActionPasswordResetSent: CategorySecurity,
	ActionSessionRevoked:    CategorySecurity,
	ActionAPIKeyRotated:     CategorySecurity,
	ActionAPIAccessDenied:   CategorySecurity,
	ActionMemberRemoved:     CategorySecurity,

	ActionUserLogin:           CategoryOperations,
	ActionUserLogout:          CategoryOperations,
	ActionMFAEnabled:          CategoryOperations,
	ActionUserUpdated:         CategoryOperations,
	ActionOrganizationUpdated: CategoryOperations,
	ActionMemberInvited:       CategoryOperations,
	ActionPaymentCreated:      CategoryOperations,
	ActionPaymentCaptured:     CategoryOperations,
	ActionPaymentFailed:       CategoryOperations,
	ActionPayoutInitiated:     CategoryOperations,
	ActionWebhookProcessed:    CategoryOperations,
	ActionSubscriptionStart:   CategoryOperations,
	ActionSubscriptionEnd:     CategoryOperations,
}

// Category returns the Category for this action. Unknown actions default to
// CategoryOperations.
func (a Action) Category() Category {
	if cat, ok := actionCategories[a]; ok {
		return cat
	}
	return CategoryOperations
}

// Event is one immutable audit record. Once written it is never updated;
// deletion happens only through retention expiry or data subject requests.
type Event struct {
	ID             id.EventID
	OrganizationID id.OrganizationID
	// ActorID is nil for system-generated events.
	ActorID    *id.ActorID
	ActorEmail string
	Action     Action
	Module     string
	// ResourceType and ResourceID locate the entity the action touched,
	// e.g. ("payment", "pay_123").
	ResourceType  string
	ResourceID    string
	Description   string
	Severity      Severity
	IPAddress     string
	UserAgent     string
	CorrelationID string
	// Details holds arbitrary structured context. Values are PII-redacted
	// before persistence when redaction is enabled.
	Details         map[string]any
	SensitiveData   bool
	RetentionExpiry time.Time
	CreatedAt       time.Time
}

// SecurityActions returns the catalog actions classified as security
// events, in unspecified order.
func SecurityActions() []Action {
	var actions []Action
	for action, cat := range actionCategories {
		if cat == CategorySecurity {
			actions = append(actions, action)
		}
	}
	return actions
}

// IsSecurity reports whether the event counts toward security analytics:
// either its action is security-classified or its severity is elevated.
func (e *Event) IsSecurity() bool {
	return e.Action.Category() == CategorySecurity ||
		e.Severity == SeverityWarning || e.Severity == SeverityCritical
}

// Filter narrows event queries. Zero-value fields are ignored.
type Filter struct {
	ActorID      *id.ActorID
	Action       Action
	Actions      []Action
	Severity     Severity
	ResourceType string
	ResourceID   string
	Start        *time.Time
	End          *time.Time
	// Search matches action, resource type, and correlation ID,
	// case-insensitive substring.
	Search string
}

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// Page describes offset pagination. Number is zero-based.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps a page to sane bounds: negative numbers become zero,
// missing or oversized page sizes fall back to the defaults.
func (p Page) Normalize() Page {
	if p.Number < 0 {
		p.Number = 0
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

// Offset returns the row offset for this page.
func (p Page) Offset() int {
	return p.Number * p.Size
}

// SuspiciousPattern describes a detected anomaly in a tenant's security
// events, produced by the analytics queries.
type SuspiciousPattern struct {
	PatternType string
	Description string
	// Severity is an integer scale, 1 (low) to 5 (critical).
	Severity    int
	Occurrences int
}

// Statistics summarizes a tenant's recent audit activity.
type Statistics struct {
	TotalEvents     int64
	EventsLast7d    int64
	EventsLast24h   int64
	SecurityEvents  int64
	CriticalEvents  int64
	DistinctActions int
}

// SecurityStatistics summarizes security-relevant activity in a window.
type SecurityStatistics struct {
	WindowStart    time.Time
	TotalEvents    int64
	FailedLogins   int64
	CriticalEvents int64
	UniqueIPs      int64
}

// IPActivity counts security events from a single source address.
type IPActivity struct {
	IPAddress string
	Count     int64
}

// ActorFailure counts failed authentication events for one actor.
type ActorFailure struct {
	ActorID  id.ActorID
	Count    int64
	LastSeen time.Time
	// SourceDescription summarizes the client software seen on the most
	// recent failure, derived from the stored User-Agent.
	SourceDescription string
}
