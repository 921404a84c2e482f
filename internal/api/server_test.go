package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct{ err error }

func (f fakeChecker) Ping(context.Context) error { return f.err }

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAllDependenciesUp(t *testing.T) {
	s := NewServer(0, nil)
	s.AddHealthCheck("postgres", fakeChecker{})
	s.AddHealthCheck("rabbitmq", fakeChecker{})

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Dependencies["postgres"])
	assert.Equal(t, "ok", body.Dependencies["rabbitmq"])
}

func TestHealthzDegraded(t *testing.T) {
	s := NewServer(0, nil)
	s.AddHealthCheck("postgres", fakeChecker{})
	s.AddHealthCheck("rabbitmq", fakeChecker{err: errors.New("connection refused")})

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.Dependencies["rabbitmq"], "refused")
}

func TestInvalidUUIDIsBadRequest(t *testing.T) {
	s := NewServer(0, nil)

	for _, path := range []string{
		"/api/v1/operations/not-a-uuid",
		"/api/v1/executions/42",
		"/api/v1/detections/xyz",
		"/api/v1/detections/xyz/results",
	} {
		rec := doRequest(t, s, http.MethodGet, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestInvalidStatusFilterIsBadRequest(t *testing.T) {
	s := NewServer(0, nil)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/detections?status=exploded")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	s := NewServer(0, nil)
	rec := doRequest(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWriteOnlyMethodsRejected(t *testing.T) {
	s := NewServer(0, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/operations")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
