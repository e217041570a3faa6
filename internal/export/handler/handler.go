// Package handler wires the export HTTP surface: creating export jobs,
// polling their status, and downloading completed artifacts.
package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	auditmodels "auditcore/internal/audit/models"
	"auditcore/internal/export/formats"
	"auditcore/internal/export/models"
	"auditcore/internal/export/service"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/httputil"
	"auditcore/pkg/requestcontext"
)

// Handler wires export endpoints to the export service.
type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

// New constructs an export handler.
func New(service *service.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts export endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/organizations/{orgID}/exports", func(r chi.Router) {
		r.Post("/", h.HandleCreateExport)
		r.Get("/", h.HandleListExports)
		r.Get("/{exportID}", h.HandleGetExport)
		r.Get("/{exportID}/download", h.HandleDownload)
	})
}

// CreateExportRequest is the wire shape for POST .../exports.
type CreateExportRequest struct {
	Format string        `json:"format"`
	Filter models.Filter `json:"filter"`
}

// ExportResponse is the wire shape for one export request.
type ExportResponse struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organization_id"`
	RequestedBy      string     `json:"requested_by"`
	Format           string     `json:"format"`
	Status           string     `json:"status"`
	TotalRecords     int        `json:"total_records"`
	ProcessedRecords int        `json:"processed_records"`
	FileSizeBytes    int64      `json:"file_size_bytes,omitempty"`
	DownloadToken    string     `json:"download_token,omitempty"`
	DownloadExpires  *time.Time `json:"download_expires_at,omitempty"`
	DownloadCount    int        `json:"download_count"`
	MaxDownloads     int        `json:"max_downloads"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ExportsResponse wraps a page of export requests.
type ExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

// FromRequest converts a domain export request to its wire shape.
func FromRequest(req *models.Request) ExportResponse {
	return ExportResponse{
		ID:               req.ID.String(),
		OrganizationID:   req.OrganizationID.String(),
		RequestedBy:      req.RequestedBy.String(),
		Format:           string(req.Format),
		Status:           string(req.Status),
		TotalRecords:     req.TotalRecords,
		ProcessedRecords: req.ProcessedRecords,
		FileSizeBytes:    req.FileSizeBytes,
		DownloadToken:    req.DownloadToken,
		DownloadExpires:  req.DownloadExpiresAt,
		DownloadCount:    req.DownloadCount,
		MaxDownloads:     req.MaxDownloads,
		ErrorMessage:     req.ErrorMessage,
		CreatedAt:        req.CreatedAt,
		StartedAt:        req.StartedAt,
		CompletedAt:      req.CompletedAt,
	}
}

// HandleCreateExport handles POST /organizations/{orgID}/exports.
func (h *Handler) HandleCreateExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[CreateExportRequest](w, r, h.logger)
	if !ok {
		return
	}

	created, err := h.service.RequestExport(ctx, orgID, models.Format(req.Format), req.Filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, FromRequest(created))
}

// HandleListExports handles GET /organizations/{orgID}/exports.
func (h *Handler) HandleListExports(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	requests, err := h.service.ListExports(r.Context(), orgID, auditmodels.Page{Number: page, Size: size})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := ExportsResponse{Exports: make([]ExportResponse, 0, len(requests))}
	for i := range requests {
		out.Exports = append(out.Exports, FromRequest(&requests[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleGetExport handles GET /organizations/{orgID}/exports/{exportID}.
func (h *Handler) HandleGetExport(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	exportID, err := id.ParseExportID(chi.URLParam(r, "exportID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, err := h.service.GetExport(r.Context(), orgID, exportID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRequest(req))
}

// HandleDownload handles GET /organizations/{orgID}/exports/{exportID}/download.
// The token query parameter must carry the signed download token issued when
// the export completed.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	exportID, err := id.ParseExportID(chi.URLParam(r, "exportID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, artifact, err := h.service.OpenDownload(ctx, orgID, exportID, r.URL.Query().Get("token"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	defer artifact.Close()

	w.Header().Set("Content-Type", req.Format.ContentType())
	w.Header().Set("Content-Disposition",
		`attachment; filename="`+formats.FileName(req.ID.String(), req.Format)+`"`)
	if req.FileSizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(req.FileSizeBytes, 10))
	}
	if _, err := io.Copy(w, artifact); err != nil {
		h.logger.ErrorContext(ctx, "failed to stream export artifact",
			"request_id", requestcontext.RequestID(ctx),
			"export_id", exportID,
			"error", err,
		)
	}
}

func (h *Handler) orgID(w http.ResponseWriter, r *http.Request) (id.OrganizationID, bool) {
	orgID, err := id.ParseOrganizationID(chi.URLParam(r, "orgID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.OrganizationID{}, false
	}
	return orgID, true
}
