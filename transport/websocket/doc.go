// Package websocket provides the live monitor for the DS Cars server.
//
// The websocket package implements:
//   - A Hub that receives server events as a server.Observer
//   - Topic subscriptions (every event, or the events of one match)
//   - Non-blocking fan-out that drops events for slow monitors
//   - Connection lifecycle management with ping/pong keepalive
//
// Architecture:
//
// The package uses a hub-and-spoke model where a central Hub goroutine owns
// all subscriptions. Each monitor connection has a read pump that only
// watches for disconnects and a write pump that delivers one JSON frame per
// event.
//
// Message Protocol:
//
// Monitors never send anything meaningful. Outgoing frames look like:
//
//	{"topic":"match:3","event":{"type":"match_started","match_id":3,...}}
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//
//	srv := server.New(server.Options{Observer: hub})
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//		hub.ServeWS(w, r, websocket.TopicAll)
//	})
package websocket
