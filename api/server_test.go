package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wricardo/dscars/game/config"
	"github.com/wricardo/dscars/game/server"
	"github.com/wricardo/dscars/transport/websocket"
)

// MockController implements ServerController for testing
type MockController struct {
	StartFunc         func(port int) error
	StopFunc          func()
	IsRunningFunc     func() bool
	StatusFunc        func() server.Status
	LocalHostNameFunc func() string

	started []int
	stopped int
}

func (m *MockController) Start(port int) error {
	m.started = append(m.started, port)
	if m.StartFunc != nil {
		return m.StartFunc(port)
	}
	return nil
}

func (m *MockController) Stop() {
	m.stopped++
	if m.StopFunc != nil {
		m.StopFunc()
	}
}

func (m *MockController) IsRunning() bool {
	if m.IsRunningFunc != nil {
		return m.IsRunningFunc()
	}
	return false
}

func (m *MockController) Status() server.Status {
	if m.StatusFunc != nil {
		return m.StatusFunc()
	}
	return server.Status{HostName: m.LocalHostName()}
}

func (m *MockController) LocalHostName() string {
	if m.LocalHostNameFunc != nil {
		return m.LocalHostNameFunc()
	}
	return "test-host"
}

// Test helpers
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(controller ServerController) *Server {
	return NewServer(controller, Options{
		Settings: *config.Default(),
		Gatherer: prometheus.NewRegistry(),
		Logger:   discardLogger(),
	})
}

func doRequest(t *testing.T, s http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return resp["error"]
}

func sampleStatus() server.Status {
	now := time.Now()
	return server.Status{
		Running:  true,
		Address:  "[::]:24816",
		HostName: "test-host",
		Sessions: []server.SessionInfo{
			{ID: "a", Remote: "127.0.0.1:5000", MatchID: 1, Slot: 1, LastActivity: now},
			{ID: "b", Remote: "127.0.0.1:5001", MatchID: 1, Slot: 2, LastActivity: now},
			{ID: "c", Remote: "127.0.0.1:5002", WaitingFor: "Hard", LastActivity: now},
			{ID: "d", Remote: "127.0.0.1:5003", WaitingFor: "Medium", LastActivity: now},
		},
		Lobby: []server.LobbyEntry{
			{SessionID: "c", MapName: "Hard", CarDesignIndex: 1, WaitingSince: now},
			{SessionID: "d", MapName: "Medium", CarDesignIndex: 3, WaitingSince: now},
		},
		Matches: []server.MatchInfo{
			{ID: 1, MapName: "Easy", Players: [2]string{"a", "b"}, Started: true, CreatedAt: now},
		},
	}
}

func TestNewServer(t *testing.T) {
	s := setupTestServer(&MockController{})

	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.router == nil {
		t.Error("Router not initialized")
	}
	if s.logger == nil || s.gatherer == nil {
		t.Error("Defaults not applied")
	}
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(&MockController{IsRunningFunc: func() bool { return true }})

	w := doRequest(t, s, "GET", "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" || resp["running"] != true {
		t.Errorf("Unexpected health response %v", resp)
	}
}

func TestHandleStatus(t *testing.T) {
	s := setupTestServer(&MockController{StatusFunc: sampleStatus})

	w := doRequest(t, s, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Running || resp.HostName != "test-host" {
		t.Errorf("Unexpected status %+v", resp.Status)
	}
	if len(resp.Ports) != 3 || resp.DefaultPort != 24816 {
		t.Errorf("Unexpected ports %v / %d", resp.Ports, resp.DefaultPort)
	}
	if len(resp.Maps) != 3 || len(resp.Matches) != 1 {
		t.Errorf("Unexpected maps %v or matches %v", resp.Maps, resp.Matches)
	}
}

func TestHandleStart(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		startErr   error
		wantStatus int
		wantPort   int
	}{
		{"default port", nil, nil, http.StatusOK, 24816},
		{"allowed port", map[string]int{"port": 48162}, nil, http.StatusOK, 48162},
		{"port not allowed", map[string]int{"port": 8080}, nil, http.StatusBadRequest, 0},
		{"already running", map[string]int{"port": 16248}, server.ErrAlreadyRunning, http.StatusConflict, 16248},
		{"listen failure", map[string]int{"port": 16248}, fmt.Errorf("failed to listen: address in use"), http.StatusInternalServerError, 16248},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			controller := &MockController{
				StartFunc: func(int) error { return test.startErr },
			}
			s := setupTestServer(controller)

			w := doRequest(t, s, "POST", "/api/server/start", test.body)
			if w.Code != test.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", test.wantStatus, w.Code, w.Body.String())
			}

			if test.wantPort == 0 {
				if len(controller.started) != 0 {
					t.Errorf("Start should not be called, got %v", controller.started)
				}
				if msg := decodeError(t, w); !strings.Contains(msg, "not allowed") {
					t.Errorf("Unexpected error message %q", msg)
				}
				return
			}
			if len(controller.started) != 1 || controller.started[0] != test.wantPort {
				t.Errorf("Expected Start(%d), got %v", test.wantPort, controller.started)
			}
		})
	}
}

func TestHandleStart_InvalidBody(t *testing.T) {
	controller := &MockController{}
	s := setupTestServer(controller)

	req := httptest.NewRequest("POST", "/api/server/start", strings.NewReader("{port"))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if len(controller.started) != 0 {
		t.Error("Start should not be called for a bad body")
	}
}

func TestHandleStop(t *testing.T) {
	running := true
	controller := &MockController{
		IsRunningFunc: func() bool { return running },
		StopFunc:      func() { running = false },
	}
	s := setupTestServer(controller)

	w := doRequest(t, s, "POST", "/api/server/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if controller.stopped != 1 {
		t.Errorf("Expected one Stop call, got %d", controller.stopped)
	}

	// Stopping again is a conflict
	w = doRequest(t, s, "POST", "/api/server/stop", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if controller.stopped != 1 {
		t.Errorf("Stop should not be called when not running")
	}
}

func TestHandleListSessions(t *testing.T) {
	s := setupTestServer(&MockController{StatusFunc: sampleStatus})

	w := doRequest(t, s, "GET", "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Count    int                  `json:"count"`
		Sessions []server.SessionInfo `json:"sessions"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Count != 4 || len(resp.Sessions) != 4 {
		t.Errorf("Expected 4 sessions, got %d", resp.Count)
	}
}

func TestHandleLobby(t *testing.T) {
	s := setupTestServer(&MockController{StatusFunc: sampleStatus})

	tests := []struct {
		path      string
		wantCount int
	}{
		{"/api/lobby", 2},
		{"/api/lobby?map=Hard", 1},
		{"/api/lobby?map=Easy", 0},
	}

	for _, test := range tests {
		t.Run(test.path, func(t *testing.T) {
			w := doRequest(t, s, "GET", test.path, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}

			var resp struct {
				Count   int                 `json:"count"`
				Entries []server.LobbyEntry `json:"entries"`
			}
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Count != test.wantCount || len(resp.Entries) != test.wantCount {
				t.Errorf("Expected %d entries, got %d", test.wantCount, resp.Count)
			}
			if resp.Entries == nil {
				t.Error("Entries should be an empty list, not null")
			}
		})
	}
}

func TestHandleListMatches_Empty(t *testing.T) {
	s := setupTestServer(&MockController{})

	w := doRequest(t, s, "GET", "/api/matches", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"matches":[]`) {
		t.Errorf("Expected an empty match list, got %s", w.Body.String())
	}
}

func TestHandleGetMatch(t *testing.T) {
	s := setupTestServer(&MockController{StatusFunc: sampleStatus})

	w := doRequest(t, s, "GET", "/api/matches/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var match server.MatchInfo
	json.NewDecoder(w.Body).Decode(&match)
	if match.ID != 1 || match.MapName != "Easy" || match.Players != [2]string{"a", "b"} {
		t.Errorf("Unexpected match %+v", match)
	}

	w = doRequest(t, s, "GET", "/api/matches/9", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = doRequest(t, s, "GET", "/api/matches/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dscars_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := NewServer(&MockController{}, Options{
		Settings: *config.Default(),
		Gatherer: reg,
		Logger:   discardLogger(),
	})

	w := doRequest(t, s, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dscars_test_total 1") {
		t.Errorf("Metric missing from exposition:\n%s", w.Body.String())
	}
}

func TestHandle_ExtraRoute(t *testing.T) {
	s := setupTestServer(&MockController{})
	s.Handle("/mcp", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := doRequest(t, s, "POST", "/mcp", nil)
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected mounted handler to answer, got %d", w.Code)
	}
}

func TestHandleWebSocket(t *testing.T) {
	hub := websocket.NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s := NewServer(&MockController{}, Options{
		Settings: *config.Default(),
		Hub:      hub,
		Gatherer: prometheus.NewRegistry(),
		Logger:   discardLogger(),
	})

	// A bad match id is rejected before the upgrade
	w := doRequest(t, s, "GET", "/ws?match=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	// Without the hub the route does not exist
	w = doRequest(t, setupTestServer(&MockController{}), "GET", "/ws", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without a hub, got %d", w.Code)
	}
}
