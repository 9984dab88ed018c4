package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/dscars/api"
	gameserver "github.com/wricardo/dscars/game/server"
)

// Client is a thin MCP client that proxies to the admin API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
	version    string
}

// NewClient creates a new MCP client that calls the admin API at baseURL
func NewClient(baseURL, version string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		version: version,
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"DS Cars Server",
		c.version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`DS Cars Server - MCP Interface

This is a thin client that proxies all requests to the admin API of a DS Cars
matchmaking server. Players connect over TCP, wait in the lobby for someone
who picked the same map, and are paired into two-player matches.

AVAILABLE TOOLS:
- server_status: Whether the game server runs, its address and counts
- start_server: Start the game server on an allowed port
- stop_server: Stop the game server; every player is told it went down
- list_sessions: Connected players
- list_lobby: Players waiting for an opponent
- list_matches: Live matches
- get_match: Details of one match`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	noArgs := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]interface{}{},
	}

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "server_status",
		Description: "Get the game server status, allowed ports and known maps",
		InputSchema: noArgs,
	}, c.handleServerStatus)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "start_server",
		Description: "Start the game server. Without a port the configured default is used.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"port": map[string]interface{}{
					"type":        "integer",
					"description": "TCP port from the allowed list (optional)",
				},
			},
		},
	}, c.handleStartServer)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "stop_server",
		Description: "Stop the game server and disconnect every player",
		InputSchema: noArgs,
	}, c.handleStopServer)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List connected players",
		InputSchema: noArgs,
	}, c.handleListSessions)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_lobby",
		Description: "List players waiting for an opponent",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"map": map[string]interface{}{
					"type":        "string",
					"description": "Only show players waiting on this map (optional)",
				},
			},
		},
	}, c.handleListLobby)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_matches",
		Description: "List live matches",
		InputSchema: noArgs,
	}, c.handleListMatches)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_match",
		Description: "Get details of a live match",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"match_id": map[string]interface{}{
					"type":        "integer",
					"description": "Match ID",
				},
			},
			Required: []string{"match_id"},
		},
	}, c.handleGetMatch)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// HTTPHandler answers single JSON-RPC messages posted to it
func (c *Client) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := c.mcpServer.HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// Tool handlers

func (c *Client) handleServerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status api.StatusResponse
	if err := c.apiCall(ctx, "GET", "/api/status", nil, &status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatStatus(&status)), nil
}

func (c *Client) handleStartServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	body := map[string]int{}
	if port, ok := args["port"].(float64); ok {
		body["port"] = int(port)
	}

	var status api.StatusResponse
	if err := c.apiCall(ctx, "POST", "/api/server/start", body, &status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := "Game server started\n\n" + formatStatus(&status)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleStopServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status api.StatusResponse
	if err := c.apiCall(ctx, "POST", "/api/server/stop", nil, &status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText("Game server stopped"), nil
}

func (c *Client) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count    int                      `json:"count"`
		Sessions []gameserver.SessionInfo `json:"sessions"`
	}

	if err := c.apiCall(ctx, "GET", "/api/sessions", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Connected Players (%d):\n\n", response.Count)
	for _, s := range response.Sessions {
		state := "idle"
		switch {
		case s.MatchID != 0:
			state = fmt.Sprintf("match %d, slot %d", s.MatchID, s.Slot)
		case s.WaitingFor != "":
			state = "waiting on " + s.WaitingFor
		}
		result += fmt.Sprintf("- %s from %s (%s)\n", s.ID, s.Remote, state)
	}

	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleListLobby(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := "/api/lobby"
	if mapName, _ := arguments(request)["map"].(string); mapName != "" {
		path += "?map=" + mapName
	}

	var response struct {
		Count   int                     `json:"count"`
		Entries []gameserver.LobbyEntry `json:"entries"`
	}
	if err := c.apiCall(ctx, "GET", path, nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatLobby(response.Entries)), nil
}

func (c *Client) handleListMatches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count   int                    `json:"count"`
		Matches []gameserver.MatchInfo `json:"matches"`
	}
	if err := c.apiCall(ctx, "GET", "/api/matches", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if response.Count == 0 {
		return mcp.NewToolResultText("No live matches"), nil
	}

	result := fmt.Sprintf("Live Matches (%d):\n\n", response.Count)
	for i := range response.Matches {
		result += formatMatch(&response.Matches[i]) + "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleGetMatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := arguments(request)["match_id"].(float64)
	if !ok || id <= 0 {
		return mcp.NewToolResultError("match_id must be a positive number"), nil
	}

	var match gameserver.MatchInfo
	if err := c.apiCall(ctx, "GET", fmt.Sprintf("/api/matches/%d", int(id)), nil, &match); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatMatch(&match)), nil
}

// Formatting helpers

func formatStatus(status *api.StatusResponse) string {
	var b strings.Builder

	if status.Running {
		fmt.Fprintf(&b, "Game server: RUNNING on %s\n", status.Address)
	} else {
		b.WriteString("Game server: STOPPED\n")
	}
	fmt.Fprintf(&b, "Host: %s\n", status.HostName)
	fmt.Fprintf(&b, "Players: %d connected, %d waiting\n", len(status.Sessions), len(status.Lobby))
	fmt.Fprintf(&b, "Matches: %d live\n", len(status.Matches))
	fmt.Fprintf(&b, "Allowed ports: %v (default %d)\n", status.Ports, status.DefaultPort)
	fmt.Fprintf(&b, "Maps: %s\n", strings.Join(status.Maps, ", "))

	return b.String()
}

func formatLobby(entries []gameserver.LobbyEntry) string {
	if len(entries) == 0 {
		return "Lobby is empty"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Waiting Players (%d):\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s on %s with car %d (waiting %s)\n",
			e.SessionID, e.MapName, e.CarDesignIndex, time.Since(e.WaitingSince).Round(time.Second))
	}
	return b.String()
}

func formatMatch(m *gameserver.MatchInfo) string {
	state := "starting"
	switch {
	case m.Left[0] || m.Left[1]:
		state = "ending"
	case m.Crashes > 0:
		state = "crashed"
	case m.Started:
		state = "racing"
	}

	return fmt.Sprintf("Match %d on %s [%s]\n  Slot 1: %s\n  Slot 2: %s\n",
		m.ID, m.MapName, state, m.Players[0], m.Players[1])
}
