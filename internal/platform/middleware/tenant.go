package middleware

import (
	"log/slog"
	"net/http"

	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
	"auditcore/pkg/platform/httputil"
	"auditcore/pkg/requestcontext"
)

// Tenant extracts the caller's organization and actor from the gateway
// headers and stores them in the context. Requests without a valid
// X-Organization-ID are rejected before reaching handlers; the actor header
// is optional because some callers are service principals.
func Tenant(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			orgID, err := id.ParseOrganizationID(r.Header.Get("X-Organization-ID"))
			if err != nil {
				logger.WarnContext(ctx, "rejected request without valid organization header",
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid X-Organization-ID header"))
				return
			}
			ctx = requestcontext.WithOrganizationID(ctx, orgID)

			if raw := r.Header.Get("X-Actor-ID"); raw != "" {
				actorID, err := id.ParseActorID(raw)
				if err != nil {
					httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid X-Actor-ID header"))
					return
				}
				ctx = requestcontext.WithActorID(ctx, actorID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
