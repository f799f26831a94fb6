package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/profiles"
	"github.com/anstrom/portsweep/internal/services"
)

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fixedStats services.Stats

func (f fixedStats) Stats() services.Stats { return services.Stats(f) }

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		noDB     bool
		status   int
		overall  string
		database string
	}{
		{name: "healthy", status: http.StatusOK, overall: StatusHealthy, database: "ok"},
		{name: "database down", pingErr: fmt.Errorf("refused"), status: http.StatusServiceUnavailable,
			overall: StatusUnhealthy, database: "failed: refused"},
		{name: "no database", noDB: true, status: http.StatusOK, overall: StatusHealthy, database: StatusNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h *HealthHandler
			if tt.noDB {
				h = NewHealthHandler(nil, nil, "1.0.0", logging.NewNop())
			} else {
				db := &mockPinger{}
				db.On("Ping", mock.Anything).Return(tt.pingErr).Once()
				defer db.AssertExpectations(t)
				h = NewHealthHandler(db, fixedStats{}, "1.0.0", logging.NewNop())
			}

			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

			assert.Equal(t, tt.status, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.overall, resp.Status)
			assert.Equal(t, tt.database, resp.Checks["database"])
		})
	}
}

func TestStatusIncludesScanStats(t *testing.T) {
	h := NewHealthHandler(nil, fixedStats{Running: 1, Queued: 2, Tracked: 5, SlotsFree: 3, SlotsMax: 4}, "2.1.0", logging.NewNop())

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "portsweep", resp.Service.Name)
	assert.Equal(t, "2.1.0", resp.Service.Version)
	assert.Positive(t, resp.Service.PID)
	assert.Equal(t, 2, resp.Scans.Queued)
	assert.Equal(t, 4, resp.Scans.SlotsMax)
	assert.NotEmpty(t, resp.System.GoVersion)
}

func TestVersionAndLiveness(t *testing.T) {
	h := NewHealthHandler(nil, nil, "0.9.0", logging.NewNop())

	rec := httptest.NewRecorder()
	h.Version(rec, httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))
	assert.Contains(t, rec.Body.String(), `"version":"0.9.0"`)

	rec = httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/api/v1/liveness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)
}

func TestProfileHandler(t *testing.T) {
	h := NewProfileHandler(profiles.NewManager(nil), logging.NewNop())
	r := newProfileRouter(h)

	rec := serve(r, http.MethodGet, "/api/v1/profiles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []ProfileResponse `json:"data"`
		Total int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, int64(len(list.Data)), list.Total)
	assert.NotEmpty(t, list.Data)

	rec = serve(r, http.MethodGet, "/api/v1/profiles/database", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p ProfileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 6, p.PortCount)
	assert.True(t, p.BuiltIn)

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/v1/profiles/nope", "").Code)
}

func newProfileRouter(h *ProfileHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/profiles", h.ListProfiles).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/profiles/{name}", h.GetProfile).Methods(http.MethodGet)
	return r
}
