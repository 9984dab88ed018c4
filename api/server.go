package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/wricardo/dscars/game/config"
	"github.com/wricardo/dscars/game/server"
	"github.com/wricardo/dscars/transport/websocket"
)

// ServerController is the part of the game server the admin API drives.
// *server.Server implements it.
type ServerController interface {
	Start(port int) error
	Stop()
	IsRunning() bool
	Status() server.Status
	LocalHostName() string
}

// Options configures an admin API server
type Options struct {
	// Settings supplies the port allow-list, default port and map names
	Settings config.Settings

	// Hub serves /ws when set
	Hub *websocket.Hub

	// Gatherer serves /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server represents the REST admin API
type Server struct {
	controller ServerController
	settings   config.Settings
	hub        *websocket.Hub
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	router     *mux.Router
}

// NewServer creates a new admin API server
func NewServer(controller ServerController, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		controller: controller,
		settings:   opts.Settings,
		hub:        opts.Hub,
		gatherer:   gatherer,
		logger:     logger.With("component", "api"),
		router:     mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Server lifecycle
	api.HandleFunc("/server/start", s.handleStart).Methods("POST")
	api.HandleFunc("/server/stop", s.handleStop).Methods("POST")

	// Matchmaking state
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/lobby", s.handleLobby).Methods("GET")
	api.HandleFunc("/matches", s.handleListMatches).Methods("GET")
	api.HandleFunc("/matches/{id}", s.handleGetMatch).Methods("GET")

	// Live monitor
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handle mounts an extra handler, such as the MCP endpoint
func (s *Server) Handle(path string, handler http.Handler) {
	s.router.Handle(path, handler)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	server.Status
	Ports       []int    `json:"ports"`
	DefaultPort int      `json:"default_port"`
	Maps        []string `json:"maps"`
}

func (s *Server) statusResponse() StatusResponse {
	return StatusResponse{
		Status:      s.controller.Status(),
		Ports:       s.settings.Server.Ports,
		DefaultPort: s.settings.Server.DefaultPort,
		Maps:        s.settings.Maps,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.controller.IsRunning(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.statusResponse())
}

// Lifecycle Handlers

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port int `json:"port,omitempty"`
	}

	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	port := req.Port
	if port == 0 {
		port = s.settings.Server.DefaultPort
	}
	if !s.settings.IsAllowedPort(port) {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("Port %d is not allowed, use one of %v", port, s.settings.Server.Ports))
		return
	}

	if err := s.controller.Start(port); err != nil {
		switch {
		case errors.Is(err, server.ErrAlreadyRunning):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, server.ErrInvalidPort):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.logger.Info("server started from admin API", "port", port)
	respondJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.controller.IsRunning() {
		respondError(w, http.StatusConflict, "server is not running")
		return
	}

	s.controller.Stop()
	s.logger.Info("server stopped from admin API")
	respondJSON(w, http.StatusOK, s.statusResponse())
}

// Matchmaking Handlers

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.controller.Status().Sessions
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": lo.Ternary(sessions == nil, []server.SessionInfo{}, sessions),
	})
}

func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	entries := s.controller.Status().Lobby

	// Optional filter by map name
	if mapName := r.URL.Query().Get("map"); mapName != "" {
		entries = lo.Filter(entries, func(e server.LobbyEntry, _ int) bool {
			return e.MapName == mapName
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": lo.Ternary(entries == nil, []server.LobbyEntry{}, entries),
	})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	matches := s.controller.Status().Matches
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(matches),
		"matches": lo.Ternary(matches == nil, []server.MatchInfo{}, matches),
	})
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["id"])
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid match id")
		return
	}

	match, ok := lo.Find(s.controller.Status().Matches, func(m server.MatchInfo) bool {
		return m.ID == id
	})
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("Match %d not found", id))
		return
	}

	respondJSON(w, http.StatusOK, match)
}

// WebSocket Handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	topic := websocket.TopicAll
	if raw := r.URL.Query().Get("match"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid match id")
			return
		}
		topic = websocket.MatchTopic(id)
	}

	s.hub.ServeWS(w, r, topic)
}
