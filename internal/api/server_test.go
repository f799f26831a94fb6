package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	apihandlers "github.com/anstrom/portsweep/internal/api/handlers"
	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

// MockDB provides a mock database for health checks.
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type fixedResolver struct{}

func (fixedResolver) ResolveTarget(_ context.Context, host string) (string, error) {
	if strings.HasSuffix(host, ".invalid") {
		return "", fmt.Errorf("no such host %q", host)
	}
	return "192.0.2.10", nil
}

func createTestConfig() *config.Config {
	cfg := config.Default()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	cfg.API.EnableCORS = true
	cfg.API.CORSOrigins = []string{"*"}
	return cfg
}

func newTestManager(t *testing.T, prober scanning.Prober) *services.ScanManager {
	t.Helper()
	m := services.NewScanManager(services.ManagerConfig{
		MaxConcurrentScans: 2,
		Logger:             logging.NewNop(),
		EngineOptions: []scanning.Option{
			scanning.WithProber(prober),
			scanning.WithResolver(fixedResolver{}),
			scanning.WithLogger(logging.NewNop()),
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func openPorts(open ...int) scanning.Prober {
	set := map[int]bool{}
	for _, p := range open {
		set[p] = true
	}
	return scanning.FuncProber(func(_ context.Context, _ string, port int, _ time.Duration) scanning.ProbeOutcome {
		if set[port] {
			return scanning.ProbeOutcome{Port: port, Status: scanning.StatusOpen, Banner: "SSH-2.0-OpenSSH_9.6"}
		}
		return scanning.ProbeOutcome{Port: port, Status: scanning.StatusClosed}
	})
}

type testServer struct {
	*httptest.Server
	manager *services.ScanManager
	api     *Server
}

func newTestServer(t *testing.T, cfg *config.Config, db apihandlers.DatabasePinger) *testServer {
	t.Helper()
	manager := newTestManager(t, openPorts(22, 80))

	srv, err := New(cfg, apihandlers.Deps{
		Scans:    manager,
		Database: db,
		Resolver: fixedResolver{},
		Version:  "test",
		Logger:   logging.NewNop(),
	}, metrics.NewPrometheusMetrics())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.handlers.Close()
		ts.Close()
	})
	return &testServer{Server: ts, manager: manager, api: srv}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestNewRejectsAuthWithoutKeys(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.AuthEnabled = true

	_, err := New(cfg, apihandlers.Deps{Scans: newTestManager(t, openPorts())}, nil)
	assert.Error(t, err)

	_, err = New(nil, apihandlers.Deps{}, nil)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	t.Run("no database", func(t *testing.T) {
		ts := newTestServer(t, createTestConfig(), nil)

		resp, body := ts.do(t, http.MethodGet, "/api/v1/health", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		health := decode(t, body)
		assert.Equal(t, "healthy", health["status"])
		assert.Equal(t, "not configured", health["checks"].(map[string]any)["database"])
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	})

	t.Run("database down", func(t *testing.T) {
		db := &MockDB{}
		db.On("Ping", mock.Anything).Return(fmt.Errorf("connection refused"))
		ts := newTestServer(t, createTestConfig(), db)

		resp, body := ts.do(t, http.MethodGet, "/api/v1/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "unhealthy", decode(t, body)["status"])
		db.AssertExpectations(t)
	})

	t.Run("status and version", func(t *testing.T) {
		ts := newTestServer(t, createTestConfig(), nil)

		resp, body := ts.do(t, http.MethodGet, "/api/v1/status", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		status := decode(t, body)
		assert.Equal(t, "test", status["service"].(map[string]any)["version"])
		assert.Equal(t, float64(2), status["scans"].(map[string]any)["slots_max"])

		resp, _ = ts.do(t, http.MethodGet, "/api/v1/liveness", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCatalogEndpoints(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/ports/445", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode(t, body)
	assert.Equal(t, "SMB", info["service"])
	assert.Equal(t, true, info["is_dangerous"])

	for _, bad := range []string{"0", "65536", "ssh"} {
		resp, body = ts.do(t, http.MethodGet, "/api/v1/ports/"+bad, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
		assert.Equal(t, "VALIDATION", decode(t, body)["code"])
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/ports", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(26), decode(t, body)["total"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/profiles", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), decode(t, body)["total"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/profiles/WEB", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	web := decode(t, body)
	assert.Equal(t, "web", web["name"])
	assert.Equal(t, float64(6), web["port_count"])
	assert.Equal(t, float64(2000), web["timeout_ms"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/profiles/stealth", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidateTarget(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	tests := []struct {
		name      string
		body      string
		status    int
		valid     bool
		portCount float64
	}{
		{"resolvable", `{"target":"scanme.example","ports":"1-100"}`, http.StatusOK, true, 100},
		{"unresolvable", `{"target":"nope.invalid"}`, http.StatusOK, false, 0},
		{"missing target", `{"ports":"80"}`, http.StatusBadRequest, false, 0},
		{"bad ports", `{"target":"h","ports":"80-"}`, http.StatusBadRequest, false, 0},
		{"unknown field", `{"target":"h","mode":"syn"}`, http.StatusBadRequest, false, 0},
		{"malformed json", `{"target":`, http.StatusBadRequest, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/v1/targets/validate", tt.body)
			require.Equal(t, tt.status, resp.StatusCode, string(body))
			if tt.status != http.StatusOK {
				return
			}
			out := decode(t, body)
			assert.Equal(t, tt.valid, out["valid"])
			if tt.portCount > 0 {
				assert.Equal(t, tt.portCount, out["port_count"])
			}
		})
	}
}

func waitForState(t *testing.T, ts *testServer, id, state string) map[string]any {
	t.Helper()
	var job map[string]any
	require.Eventually(t, func() bool {
		resp, body := ts.do(t, http.MethodGet, "/api/v1/scans/"+id, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		job = decode(t, body)
		return job["state"] == state
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestScanLifecycle(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/scans", `{"target":"scanme.example","ports":"20-25,80"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	accepted := decode(t, body)
	id := accepted["id"].(string)
	assert.Equal(t, "queued", accepted["state"])
	assert.Equal(t, "/api/v1/scans/"+id, resp.Header.Get("Location"))

	job := waitForState(t, ts, id, "completed")
	assert.Equal(t, "api", job["source"])
	assert.Equal(t, float64(7), job["total"])
	result := job["result"].(map[string]any)
	assert.Equal(t, "192.0.2.10", result["target"])
	assert.Len(t, result["open_ports"], 2)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/scans?state=completed", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode(t, body)
	assert.Equal(t, float64(1), list["total"])
	assert.Nil(t, list["data"].([]any)[0].(map[string]any)["result"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/scans/"+id+"/report?format=xml", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "<scanresult")

	resp, body = ts.do(t, http.MethodGet, "/api/v1/scans/"+id+"/report?format=html", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "SSH-2.0-OpenSSH_9.6")

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/scans/"+id+"/report?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodDelete, "/api/v1/scans/"+id, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
}

func TestCreateScanValidation(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing target", `{"ports":"80"}`, "target"},
		{"bad port spec", `{"target":"h","ports":"99999"}`, ""},
		{"unknown profile", `{"target":"h","profile":"stealth"}`, ""},
		{"concurrency too high", `{"target":"h","concurrency":100000}`, "concurrency"},
		{"negative timeout", `{"target":"h","timeout_ms":-1}`, "timeout_ms"},
		{"empty body", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/v1/scans", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			out := decode(t, body)
			assert.Equal(t, "VALIDATION", out["code"])
			if tt.field != "" {
				assert.Contains(t, out["message"], tt.field)
			}
		})
	}

	assert.Empty(t, ts.manager.List())
}

func TestUnknownScan(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/scans/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decode(t, body)["code"])

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/scans/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestContentTypeEnforced(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/scans", `target=h`, "Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("ps_testkeytestkey"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := createTestConfig()
	cfg.API.AuthEnabled = true
	cfg.API.APIKeyHashes = []string{string(hash)}
	ts := newTestServer(t, cfg, nil)

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")

	resp, _ = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "metrics stay public")

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/scans", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/scans", "", "X-API-Key", "ps_wrongkeywrongkey")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/scans", "", "X-API-Key", "ps_testkeytestkey")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	resp, _ := ts.do(t, http.MethodOptions, "/api/v1/scans", "",
		"Origin", "https://dashboard.example",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	ts.do(t, http.MethodGet, "/api/v1/ports/22", "")
	resp, body := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "portsweep_api_requests_total")
	assert.Contains(t, string(body), `path="/api/v1/ports/{port}"`)
}

func TestScanWebSocket(t *testing.T) {
	ts := newTestServer(t, createTestConfig(), nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/scans"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return ts.api.handlers.WebSocket.ConnectedClients() == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/scans", `{"target":"scanme.example","ports":"22"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	id := decode(t, body)["id"].(string)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg apihandlers.WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, id, msg.Data.ScanID)
		if msg.Type == apihandlers.MessageScanFinished {
			assert.Equal(t, services.StateCompleted, msg.Data.State)
			require.NotNil(t, msg.Data.Result)
			assert.Equal(t, []int{22}, msg.Data.Result.OpenPortNumbers())
			break
		}
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := createTestConfig()
	srv, err := New(cfg, apihandlers.Deps{Scans: newTestManager(t, openPorts()), Logger: logging.NewNop()}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(srv.Address(), ":0")
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + srv.Address() + "/api/v1/liveness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + srv.Address() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no metrics without a registry")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
