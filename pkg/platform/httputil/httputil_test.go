package httputil_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "auditcore/pkg/domain-errors"
	"auditcore/pkg/platform/httputil"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	httputil.WriteJSON(rec, http.StatusCreated, map[string]string{"id": "abc"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"abc"}`, rec.Body.String())
}

func TestWriteErrorMapsCodes(t *testing.T) {
	cases := []struct {
		code   dErrors.Code
		status int
		wire   string
	}{
		{dErrors.CodeValidation, http.StatusBadRequest, "validation_error"},
		{dErrors.CodeNotFound, http.StatusNotFound, "not_found"},
		{dErrors.CodeUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{dErrors.CodeForbidden, http.StatusForbidden, "forbidden"},
		{dErrors.CodeConflict, http.StatusConflict, "conflict"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		httputil.WriteError(rec, dErrors.New(tc.code, "boom"))

		assert.Equal(t, tc.status, rec.Code, string(tc.code))
		var body struct {
			Error       string `json:"error"`
			Description string `json:"error_description"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.wire, body.Error)
		assert.Equal(t, "boom", body.Description)
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	httputil.WriteError(rec, errors.New("pq: connection reset"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestDecode(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	rec := httptest.NewRecorder()
	decoded, ok := httputil.Decode[payload](rec, req, nil)
	require.True(t, ok)
	assert.Equal(t, "ok", decoded.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{broken`))
	rec = httptest.NewRecorder()
	_, ok = httputil.Decode[payload](rec, req, nil)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
