// Package server provides the DS Cars matchmaking and relay server.
//
// The server package implements:
//   - A TCP accept loop with a bounded pool of player sessions
//   - Per-connection sessions with fault counting and an outbound queue
//   - A lobby that pairs players asking for the same map
//   - Matches that run the start handshake and relay in-game traffic
//   - An event feed for monitors and Prometheus metrics
//
// Core Types:
//
// Server owns the listener, the live sessions and the lobby. Session reads
// from one connection and dispatches each message. Match holds the two
// players of one game and decides what gets relayed between them.
//
// Matchmaking:
//
// The lobby is a single goroutine that owns the waiting list and the set of
// live matches. Every insertion scans the earlier entries in join order and
// pairs the newcomer with the first player waiting for the same map. The
// earlier player gets slot 1. Both players are removed from the lobby in the
// same step that creates the match, so nobody can be paired twice.
//
// Start Handshake:
//
// Each player announces readiness with its chosen car. Once both are ready,
// each receives OpponentFoundStartGame carrying the opponent's car and its
// own slot. Relayed traffic only flows after that, and stops for good after
// the first crash.
//
// Concurrency:
//
// Sessions never write to the network from the caller's goroutine. Send
// queues the message and a per-session writer drains it, so a slow peer only
// slows itself down. Each match has its own mutex; there is no lock shared
// between matches.
//
// Usage:
//
//	srv := server.New(server.Options{
//		Observer:   hub,
//		Registerer: prometheus.DefaultRegisterer,
//	})
//	if err := srv.Start(24816); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop()
package server
