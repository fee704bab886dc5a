package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nbari/dbpulse/internal/metrics"
)

func TestHandleHealthz(t *testing.T) {
	s := New("127.0.0.1", 0, metrics.New())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestHandleIndex_RootOnly(t *testing.T) {
	s := New("127.0.0.1", 0, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.handleIndex(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/metrics")

	req = httptest.NewRequest(http.MethodGet, "/unknown", nil)
	rec = httptest.NewRecorder()
	s.handleIndex(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
