package request

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditcore/internal/export/models"
	id "auditcore/pkg/domain"
	"auditcore/pkg/platform/sentinel"
)

// InMemoryStore keeps export requests in memory for unit tests, mirroring the
// PostgreSQL store's ordering and claim semantics.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[id.ExportID]*models.Request
}

// NewInMemory constructs an empty in-memory export request store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{requests: make(map[id.ExportID]*models.Request)}
}

func (s *InMemoryStore) Insert(_ context.Context, req *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *InMemoryStore) GetByID(_ context.Context, orgID id.OrganizationID, exportID id.ExportID) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[exportID]
	if !ok || req.OrganizationID != orgID {
		return nil, sentinel.ErrNotFound
	}
	clone := *req
	return &clone, nil
}

func (s *InMemoryStore) ListByOrganization(_ context.Context, orgID id.OrganizationID, limit, offset int) ([]models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.Request
	for _, req := range s.requests {
		if req.OrganizationID == orgID {
			matched = append(matched, *req)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		a, b := uuid.UUID(matched[i].ID), uuid.UUID(matched[j].ID)
		return bytes.Compare(a[:], b[:]) > 0
	})
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *InMemoryStore) ClaimNextPending(_ context.Context, startedAt time.Time) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.Request
	for _, req := range s.requests {
		if req.Status != models.StatusPending {
			continue
		}
		if oldest == nil || req.CreatedAt.Before(oldest.CreatedAt) {
			oldest = req
		}
	}
	if oldest == nil {
		return nil, sentinel.ErrNotFound
	}
	oldest.Status = models.StatusProcessing
	t := startedAt
	oldest.StartedAt = &t
	clone := *oldest
	return &clone, nil
}

func (s *InMemoryStore) UpdateProgress(_ context.Context, exportID id.ExportID, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[exportID]; ok {
		req.ProcessedRecords = processed
	}
	return nil
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, exportID id.ExportID, done models.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[exportID]
	if !ok {
		return sentinel.ErrNotFound
	}
	req.Status = models.StatusCompleted
	req.TotalRecords = done.TotalRecords
	req.ProcessedRecords = done.TotalRecords
	req.FilePath = done.FilePath
	req.FileSizeBytes = done.FileSizeBytes
	req.DownloadToken = done.DownloadToken
	expires := done.ExpiresAt
	req.DownloadExpiresAt = &expires
	completed := done.CompletedAt
	req.CompletedAt = &completed
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, exportID id.ExportID, message string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[exportID]
	if !ok {
		return sentinel.ErrNotFound
	}
	req.Status = models.StatusFailed
	req.ErrorMessage = message
	t := failedAt
	req.CompletedAt = &t
	return nil
}

func (s *InMemoryStore) ConsumeDownload(_ context.Context, orgID id.OrganizationID, exportID id.ExportID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[exportID]
	if !ok || req.OrganizationID != orgID {
		return sentinel.ErrConflict
	}
	if req.Status != models.StatusCompleted || req.DownloadCount >= req.MaxDownloads {
		return sentinel.ErrConflict
	}
	req.DownloadCount++
	return nil
}

func (s *InMemoryStore) PurgeExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for exportID, req := range s.requests {
		if req.DownloadExpiresAt == nil || req.DownloadExpiresAt.After(now) {
			continue
		}
		if req.FilePath != "" {
			paths = append(paths, req.FilePath)
		}
		delete(s.requests, exportID)
	}
	return paths, nil
}
