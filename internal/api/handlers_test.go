package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumbot/internal/domain"
	"quorumbot/internal/obs"
)

type fakeStatus struct{ status Status }

func (f *fakeStatus) Status() Status { return f.status }

type fakeControls struct {
	paused bool
	reason string
}

func (f *fakeControls) PauseTrading(reason string) { f.paused, f.reason = true, reason }
func (f *fakeControls) ResumeTrading()             { f.paused = false }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestRouter(status Status, controls *fakeControls, pinger *fakePinger) http.Handler {
	h := NewHandler(&fakeStatus{status: status}, controls, pinger, nil)
	return SetupRoutes(h, obs.NewMetrics().Registry())
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(Status{}, &fakeControls{}, &fakePinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthCheckDegraded(t *testing.T) {
	router := newTestRouter(Status{}, &fakeControls{}, &fakePinger{err: errors.New("down")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestGetStatus(t *testing.T) {
	status := Status{
		Timestamp:     time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
		Paused:        true,
		Balance:       1000,
		TotalExposure: 250,
		OpenPositions: []*domain.Position{{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.01}},
		Breakers:      map[string]string{"exchange": "closed"},
	}
	router := newTestRouter(status, &fakeControls{}, &fakePinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Paused)
	assert.Equal(t, 250.0, got.TotalExposure)
	require.Len(t, got.OpenPositions, 1)
	assert.Equal(t, "BTCUSDT", got.OpenPositions[0].Symbol)
}

func TestPauseAndResume(t *testing.T) {
	controls := &fakeControls{}
	router := newTestRouter(Status{}, controls, &fakePinger{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pause", strings.NewReader(`{"reason":"ops drill"}`))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, controls.paused)
	assert.Equal(t, "ops drill", controls.reason)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, controls.paused)
}

func TestPauseDefaultsReason(t *testing.T) {
	controls := &fakeControls{}
	router := newTestRouter(Status{}, controls, &fakePinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/pause", strings.NewReader("")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, controls.paused)
	assert.NotEmpty(t, controls.reason)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(Status{}, &fakeControls{}, &fakePinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
