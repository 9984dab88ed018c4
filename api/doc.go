// Package api provides the HTTP admin API for the DS Cars server.
//
// The api package implements:
//   - Starting and stopping the game server on an allowed port
//   - Status, session, lobby and match listings
//   - Prometheus metrics exposition
//   - WebSocket upgrade for the live event monitor
//
// Endpoints:
//
// Health and Status:
//   - GET /api/health - Liveness and whether the game server is running
//   - GET /api/status - Server status plus allowed ports and known maps
//
// Server Lifecycle:
//   - POST /api/server/start - Start on {"port": N}, or the default port
//   - POST /api/server/stop - Stop and notify every connected player
//
// Matchmaking:
//   - GET /api/sessions - Connected players
//   - GET /api/lobby - Waiting players (optional ?map=Easy filter)
//   - GET /api/matches - Live matches
//   - GET /api/matches/{id} - One live match
//
// Monitoring:
//   - GET /metrics - Prometheus metrics
//   - GET /ws - Event feed; ?match=N limits it to one match
//
// Usage:
//
//	srv := server.New(server.Options{Observer: hub})
//	handler := api.NewServer(srv, api.Options{Settings: settings, Hub: hub})
//	http.ListenAndServe(settings.Admin.Addr, handler)
//
// Error Handling:
//
// Errors are returned as JSON with an appropriate HTTP status code:
//
//	{"error": "Port 80 is not allowed, use one of [24816 48162 16248]"}
//
// A start request for a port outside the allow-list is rejected with 400,
// and starting a server that is already running yields 409.
package api
