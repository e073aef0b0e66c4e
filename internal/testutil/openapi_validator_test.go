package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const apiSpecPath = "../../api/openapi/openapi.yaml"

func TestLoadOpenAPIValidator(t *testing.T) {
	v, err := LoadOpenAPIValidator(apiSpecPath)
	require.NoError(t, err)
	require.NotNil(t, v)

	_, err = LoadOpenAPIValidator("missing.yaml")
	require.Error(t, err)
}

func TestOpenAPIValidator_ValidateRequest_WithoutAuthorization(t *testing.T) {
	v := NewOpenAPIValidator(t, apiSpecPath)

	body := `{"recipient_id":"userA","topic":"wish","title":"New quote","dedupe_key":"wq-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	v.ValidateRequest(t, req)
}

func TestOpenAPIValidator_ValidateResponse_KeepsBody(t *testing.T) {
	v := NewOpenAPIValidator(t, apiSpecPath)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString(`{"version":"1.2.3","commit":"abc","build_date":"2026-05-01"}`)
	resp := rec.Result()

	v.ValidateResponse(t, req, resp)

	buf := new(strings.Builder)
	_, err := io.Copy(buf, resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"version":"1.2.3"`)
}
