// Package handler wires the audit HTTP surface: tenant-scoped event
// recording, retrieval, search, and security analytics.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"auditcore/internal/audit/analytics"
	"auditcore/internal/audit/models"
	"auditcore/internal/audit/service"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
	"auditcore/pkg/platform/httputil"
	"auditcore/pkg/requestcontext"
)

// Handler wires audit endpoints to the audit and analytics services.
type Handler struct {
	service   *service.Service
	analytics *analytics.Service
	logger    *slog.Logger
}

// New constructs an audit handler with its dependencies.
func New(service *service.Service, analytics *analytics.Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		analytics: analytics,
		logger:    logger,
	}
}

// Register mounts audit endpoints on the router. The tenant middleware has
// already placed the caller's organization in the context; the path
// parameter names the organization being queried and the service enforces
// that the two agree.
func (h *Handler) Register(r chi.Router) {
	r.Route("/organizations/{orgID}/audit", func(r chi.Router) {
		r.Post("/events", h.HandleRecordEvent)
		r.Get("/events", h.HandleListEvents)
		r.Get("/events/count", h.HandleCountEvents)
		r.Get("/events/{eventID}", h.HandleGetEvent)
		r.Get("/actions", h.HandleListActions)
		r.Get("/resource-types", h.HandleListResourceTypes)
		r.Get("/statistics", h.HandleStatistics)
		r.Get("/security/events", h.HandleSecurityEvents)
		r.Get("/security/statistics", h.HandleSecurityStatistics)
		r.Get("/security/patterns", h.HandleSecurityPatterns)
		r.Post("/actors/{actorID}/deletion", h.HandleDeleteActorData)
		r.Post("/actors/{actorID}/redaction", h.HandleRedactActorData)
	})
}

// HandleRecordEvent handles POST /organizations/{orgID}/audit/events.
func (h *Handler) HandleRecordEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[RecordEventRequest](w, r, h.logger)
	if !ok {
		return
	}

	event, err := req.ToEvent(orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.RecordEvent(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to record audit event",
			"request_id", requestcontext.RequestID(ctx),
			"organization_id", orgID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromEvent(event))
}

// HandleListEvents handles GET /organizations/{orgID}/audit/events. Query
// parameters select the query shape: search wins, then actor, action,
// resource, and date range, falling back to the plain tenant listing.
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page := pageFrom(q)

	var (
		events []models.Event
		err    error
	)
	switch {
	case q.Get("search") != "":
		events, err = h.service.SearchEvents(ctx, orgID, q.Get("search"), page)
	case q.Get("actor_id") != "":
		var actorID id.ActorID
		actorID, err = id.ParseActorID(q.Get("actor_id"))
		if err == nil {
			events, err = h.service.ListEventsByActor(ctx, orgID, actorID, page)
		}
	case q.Get("action") != "":
		events, err = h.service.ListEventsByAction(ctx, orgID, models.Action(q.Get("action")), page)
	case q.Get("resource_type") != "" || q.Get("resource_id") != "":
		events, err = h.service.ResourceTrail(ctx, orgID, q.Get("resource_type"), q.Get("resource_id"), page)
	case q.Get("start") != "" || q.Get("end") != "":
		var start, end time.Time
		start, end, err = dateRangeFrom(q)
		if err == nil {
			events, err = h.service.ListEventsByDateRange(ctx, orgID, start, end, page)
		}
	default:
		events, err = h.service.ListEvents(ctx, orgID, page)
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromEvents(events, page.Normalize()))
}

// HandleGetEvent handles GET /organizations/{orgID}/audit/events/{eventID}.
func (h *Handler) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	eventID, err := id.ParseEventID(chi.URLParam(r, "eventID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	event, err := h.service.GetEvent(r.Context(), orgID, eventID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromEvent(event))
}

// HandleCountEvents handles GET /organizations/{orgID}/audit/events/count.
func (h *Handler) HandleCountEvents(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since, err := time.Parse(time.RFC3339, q.Get("since"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "since must be an RFC 3339 timestamp"))
		return
	}
	count, err := h.service.CountByActionSince(r.Context(), orgID, models.Action(q.Get("action")), since)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CountResponse{Count: count})
}

// HandleListActions handles GET /organizations/{orgID}/audit/actions.
func (h *Handler) HandleListActions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	actions, err := h.service.Actions(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ActionsResponse{Actions: actions})
}

// HandleListResourceTypes handles GET /organizations/{orgID}/audit/resource-types.
func (h *Handler) HandleListResourceTypes(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	types, err := h.service.ResourceTypes(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ResourceTypesResponse{ResourceTypes: types})
}

// HandleStatistics handles GET /organizations/{orgID}/audit/statistics.
func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	stats, err := h.service.Statistics(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromStatistics(stats))
}

// HandleSecurityEvents handles GET /organizations/{orgID}/audit/security/events.
func (h *Handler) HandleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since := requestcontext.Now(ctx).Add(-24 * time.Hour)
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "since must be an RFC 3339 timestamp"))
			return
		}
		since = parsed
	}
	page := pageFrom(q)
	events, err := h.analytics.SecurityEvents(ctx, orgID, since, page)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromEvents(events, page.Normalize()))
}

// HandleSecurityStatistics handles GET /organizations/{orgID}/audit/security/statistics.
func (h *Handler) HandleSecurityStatistics(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	stats, err := h.analytics.Statistics(r.Context(), orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSecurityStatistics(stats))
}

// HandleSecurityPatterns handles GET /organizations/{orgID}/audit/security/patterns.
func (h *Handler) HandleSecurityPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	patterns, err := h.analytics.DetectPatterns(ctx, orgID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromPatterns(patterns))
}

// HandleDeleteActorData handles POST /organizations/{orgID}/audit/actors/{actorID}/deletion.
func (h *Handler) HandleDeleteActorData(w http.ResponseWriter, r *http.Request) {
	h.dataSubjectOp(w, r, h.service.DeleteActorData)
}

// HandleRedactActorData handles POST /organizations/{orgID}/audit/actors/{actorID}/redaction.
func (h *Handler) HandleRedactActorData(w http.ResponseWriter, r *http.Request) {
	h.dataSubjectOp(w, r, h.service.RedactActorData)
}

func (h *Handler) dataSubjectOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, orgID id.OrganizationID, actorID id.ActorID) (int64, error)) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	actorID, err := id.ParseActorID(chi.URLParam(r, "actorID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	affected, err := op(ctx, orgID, actorID)
	if err != nil {
		h.logger.ErrorContext(ctx, "data subject request failed",
			"request_id", requestcontext.RequestID(ctx),
			"organization_id", orgID,
			"actor_id", actorID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, DataSubjectResponse{AffectedEvents: affected})
}

func (h *Handler) orgID(w http.ResponseWriter, r *http.Request) (id.OrganizationID, bool) {
	orgID, err := id.ParseOrganizationID(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.OrganizationID{}, false
	}
	return orgID, true
}

func pageFrom(q url.Values) models.Page {
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return models.Page{Number: page, Size: size}
}

func dateRangeFrom(q url.Values) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		return time.Time{}, time.Time{}, dErrors.New(dErrors.CodeBadRequest, "start must be an RFC 3339 timestamp")
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		return time.Time{}, time.Time{}, dErrors.New(dErrors.CodeBadRequest, "end must be an RFC 3339 timestamp")
	}
	return start, end, nil
}
