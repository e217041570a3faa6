package token_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/internal/export/token"
	id "auditcore/pkg/domain"
	dErrors "auditcore/pkg/domain-errors"
)

func TestIssueAndVerify(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Hour)
	exportID := id.ExportID(uuid.New())
	orgID := id.OrganizationID(uuid.New())
	issuedAt := time.Now().UTC()

	signed, expiresAt, err := signer.Issue(exportID, orgID, issuedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, issuedAt.Add(time.Hour), expiresAt, time.Second)

	require.NoError(t, signer.Verify(signed, exportID, orgID))
}

func TestVerifyRejectsWrongExport(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Hour)
	orgID := id.OrganizationID(uuid.New())

	signed, _, err := signer.Issue(id.ExportID(uuid.New()), orgID, time.Now())
	require.NoError(t, err)

	err = signer.Verify(signed, id.ExportID(uuid.New()), orgID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestVerifyRejectsWrongOrganization(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Hour)
	exportID := id.ExportID(uuid.New())

	signed, _, err := signer.Issue(exportID, id.OrganizationID(uuid.New()), time.Now())
	require.NoError(t, err)

	err = signer.Verify(signed, exportID, id.OrganizationID(uuid.New()))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	signer := token.NewSigner("test-secret", time.Minute)
	exportID := id.ExportID(uuid.New())
	orgID := id.OrganizationID(uuid.New())

	signed, _, err := signer.Issue(exportID, orgID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	err = signer.Verify(signed, exportID, orgID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	exportID := id.ExportID(uuid.New())
	orgID := id.OrganizationID(uuid.New())

	signed, _, err := token.NewSigner("secret-a", time.Hour).Issue(exportID, orgID, time.Now())
	require.NoError(t, err)

	err = token.NewSigner("secret-b", time.Hour).Verify(signed, exportID, orgID)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}
