package service_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	auditmodels "auditcore/internal/audit/models"
	auditservice "auditcore/internal/audit/service"
	"auditcore/internal/audit/store/event"
	"auditcore/internal/export/models"
	"auditcore/internal/export/service"
	"auditcore/internal/export/store/request"
	"auditcore/internal/export/token"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
	"auditcore/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	events  *event.InMemoryStore
	store   *request.InMemoryStore
	signer  *token.Signer
	svc     *service.Service
	audit   *auditservice.Service
	orgID   id.OrganizationID
	actorID id.ActorID
	now     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.events = event.NewInMemory()
	s.store = request.NewInMemory()
	s.signer = token.NewSigner("test-secret", 24*time.Hour)
	s.audit = auditservice.New(s.events)
	s.svc = service.New(s.store, s.events, s.signer,
		service.WithRecorder(s.audit),
		service.WithMaxRecords(100),
		service.WithMaxDownloads(2),
	)
	s.orgID = id.OrganizationID(uuid.New())
	s.actorID = id.ActorID(uuid.New())
	// Token expiry is checked against the wall clock, so the suite anchors
	// on real time rather than a fixed date.
	s.now = time.Now().UTC().Truncate(time.Second)
}

func (s *ServiceSuite) ctx() context.Context {
	ctx := requestcontext.WithOrganizationID(context.Background(), s.orgID)
	ctx = requestcontext.WithActorID(ctx, s.actorID)
	return requestcontext.WithTime(ctx, s.now)
}

func (s *ServiceSuite) recordEvents(n int, action auditmodels.Action) {
	for range n {
		err := s.audit.RecordEvent(s.ctx(), &auditmodels.Event{Action: action})
		s.Require().NoError(err)
	}
}

func (s *ServiceSuite) TestRequestExportQueuesPending() {
	s.recordEvents(3, auditmodels.ActionUserLogin)

	req, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.Require().NoError(err)

	s.False(req.ID.IsNil())
	s.Equal(models.StatusPending, req.Status)
	s.Equal(s.actorID, req.RequestedBy)
	s.Equal(3, req.TotalRecords)
	s.Equal(2, req.MaxDownloads)
	s.Equal(s.now, req.CreatedAt)

	stored, err := s.store.GetByID(s.ctx(), s.orgID, req.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, stored.Status)
}

func (s *ServiceSuite) TestRequestExportIsAudited() {
	req, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatJSON, models.Filter{})
	s.Require().NoError(err)

	trail, err := s.events.ListByAction(s.ctx(), s.orgID, auditmodels.ActionDataExported, auditmodels.Page{Size: 10})
	s.Require().NoError(err)
	s.Require().Len(trail, 1)
	s.Equal(req.ID.String(), trail[0].ResourceID)
	s.Equal("json", trail[0].Details["format"])
}

func (s *ServiceSuite) TestRequestExportRejectsUnknownFormat() {
	_, err := s.svc.RequestExport(s.ctx(), s.orgID, models.Format("xml"), models.Filter{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestRequestExportRequiresActor() {
	ctx := requestcontext.WithOrganizationID(context.Background(), s.orgID)
	_, err := s.svc.RequestExport(ctx, s.orgID, models.FormatCSV, models.Filter{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestRequestExportEnforcesRecordCap() {
	s.recordEvents(101, auditmodels.ActionUserLogin)

	_, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestRequestExportRejectsBadFilterActor() {
	_, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{ActorID: "not-a-uuid"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestForeignOrganizationIsForbidden() {
	_, err := s.svc.RequestExport(s.ctx(), id.OrganizationID(uuid.New()), models.FormatCSV, models.Filter{})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = s.svc.GetExport(s.ctx(), id.OrganizationID(uuid.New()), id.ExportID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestGetExportNotFound() {
	_, err := s.svc.GetExport(s.ctx(), s.orgID, id.ExportID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestListExportsNewestFirst() {
	older, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.Require().NoError(err)

	laterCtx := requestcontext.WithTime(s.ctx(), s.now.Add(time.Minute))
	newer, err := s.svc.RequestExport(laterCtx, s.orgID, models.FormatJSON, models.Filter{})
	s.Require().NoError(err)

	listed, err := s.svc.ListExports(s.ctx(), s.orgID, auditmodels.Page{})
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	s.Equal(newer.ID, listed[0].ID)
	s.Equal(older.ID, listed[1].ID)
}

// completeExport simulates the worker finishing a request with an artifact
// on disk and a signed token.
func (s *ServiceSuite) completeExport(req *models.Request, content string) string {
	path := filepath.Join(s.T().TempDir(), "artifact."+string(req.Format))
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))

	signed, expiresAt, err := s.signer.Issue(req.ID, s.orgID, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.MarkCompleted(s.ctx(), req.ID, models.Completion{
		TotalRecords:  req.TotalRecords,
		FilePath:      path,
		FileSizeBytes: int64(len(content)),
		DownloadToken: signed,
		ExpiresAt:     expiresAt,
		CompletedAt:   s.now,
	}))
	return signed
}

func (s *ServiceSuite) TestDownloadFlow() {
	req, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.Require().NoError(err)
	signed := s.completeExport(req, "id,action\n")

	got, artifact, err := s.svc.OpenDownload(s.ctx(), s.orgID, req.ID, signed)
	s.Require().NoError(err)
	defer artifact.Close()

	body, err := io.ReadAll(artifact)
	s.Require().NoError(err)
	s.Equal("id,action\n", string(body))
	s.Equal(models.StatusCompleted, got.Status)

	stored, err := s.store.GetByID(s.ctx(), s.orgID, req.ID)
	s.Require().NoError(err)
	s.Equal(1, stored.DownloadCount)
}

func (s *ServiceSuite) TestDownloadLimitEnforced() {
	req, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.Require().NoError(err)
	signed := s.completeExport(req, "id,action\n")

	for range 2 {
		_, artifact, err := s.svc.OpenDownload(s.ctx(), s.orgID, req.ID, signed)
		s.Require().NoError(err)
		artifact.Close()
	}

	_, _, err = s.svc.OpenDownload(s.ctx(), s.orgID, req.ID, signed)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestDownloadRejectsPendingExport() {
	req, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.Require().NoError(err)

	signed, _, err := s.signer.Issue(req.ID, s.orgID, s.now)
	s.Require().NoError(err)

	_, _, err = s.svc.OpenDownload(s.ctx(), s.orgID, req.ID, signed)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ServiceSuite) TestDownloadRejectsForeignToken() {
	req, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.Require().NoError(err)
	s.completeExport(req, "id,action\n")

	other, _, err := s.signer.Issue(id.ExportID(uuid.New()), s.orgID, s.now)
	s.Require().NoError(err)

	_, _, err = s.svc.OpenDownload(s.ctx(), s.orgID, req.ID, other)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestDownloadRejectsAfterExpiry() {
	req, err := s.svc.RequestExport(s.ctx(), s.orgID, models.FormatCSV, models.Filter{})
	s.Require().NoError(err)
	signed := s.completeExport(req, "id,action\n")

	lateCtx := requestcontext.WithTime(s.ctx(), s.now.Add(25*time.Hour))
	_, _, err = s.svc.OpenDownload(lateCtx, s.orgID, req.ID, signed)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}
