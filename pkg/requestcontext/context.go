// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values.
//
// Values are set by middleware and consumed by services. Keeping this package
// free of net/http lets services import only what they need.
//
// Usage in services (read values):
//
//	orgID := requestcontext.OrganizationID(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithOrganizationID(ctx, orgID)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "auditcore/pkg/domain"
)

// Context key types (unexported for encapsulation).
type (
	organizationIDKey struct{}
	actorIDKey        struct{}
	clientIPKey       struct{}
	userAgentKey      struct{}
	requestIDKey      struct{}
	requestTimeKey    struct{}
)

// Exported context keys for tests that need raw context.WithValue.
var (
	ContextKeyOrganizationID = organizationIDKey{}
	ContextKeyActorID        = actorIDKey{}
	ContextKeyClientIP       = clientIPKey{}
	ContextKeyUserAgent      = userAgentKey{}
	ContextKeyRequestID      = requestIDKey{}
	ContextKeyRequestTime    = requestTimeKey{}
)

// OrganizationID retrieves the caller's tenant from the context.
// Returns the zero value (nil UUID) if not set.
func OrganizationID(ctx context.Context) id.OrganizationID {
	if orgID, ok := ctx.Value(ContextKeyOrganizationID).(id.OrganizationID); ok {
		return orgID
	}
	return id.OrganizationID{}
}

// WithOrganizationID injects a tenant into the context.
func WithOrganizationID(ctx context.Context, orgID id.OrganizationID) context.Context {
	return context.WithValue(ctx, ContextKeyOrganizationID, orgID)
}

// ActorID retrieves the authenticated principal from the context.
// Returns the zero value (nil UUID) if not set.
func ActorID(ctx context.Context) id.ActorID {
	if actorID, ok := ctx.Value(ContextKeyActorID).(id.ActorID); ok {
		return actorID
	}
	return id.ActorID{}
}

// WithActorID injects an actor into the context.
func WithActorID(ctx context.Context, actorID id.ActorID) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actorID)
}

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(ContextKeyUserAgent).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
// Useful for service unit tests that skip the HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	return context.WithValue(ctx, ContextKeyUserAgent, userAgent)
}

// RequestID retrieves the request correlation ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() for non-HTTP contexts (workers, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Workers use this to keep
// one consistent "now" within a batch; tests use it to pin timestamps.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
