// Package mcp provides a Model Context Protocol interface for the DS Cars
// server.
//
// The mcp package implements:
//   - MCP server for AI agent integration
//   - Tool definitions for the admin operations
//   - Proxying every tool call to the admin REST API
//   - Stdio and HTTP transport modes
//
// MCP Tools:
//   - server_status: Running state, address, counts, allowed ports and maps
//   - start_server: Start the game server on an allowed port
//   - stop_server: Stop the game server
//   - list_sessions: Connected players
//   - list_lobby: Players waiting for an opponent, optionally by map
//   - list_matches: Live matches
//   - get_match: One live match
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080", version)
//
//	// Stdio mode
//	server.ServeStdio(client.GetMCPServer())
//
//	// HTTP mode
//	apiServer.Handle("/mcp", client.HTTPHandler())
package mcp
