// Command dscars runs the DS Cars matchmaking server.
//
// It supports these commands:
//  1. "serve" (default) – runs the TCP game server plus the HTTP admin API,
//     live WebSocket monitor, /metrics and an /mcp HTTP endpoint
//  2. "mcp" – runs an MCP stdio server against a running admin API, or an
//     internal one when none is available
//  3. "check-config" – validates the settings file and prints the result
//  4. "version" – prints the version
//
// The game listener can optionally be published through an ngrok TCP
// tunnel so players outside the local network can join.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/wricardo/dscars/api"
	"github.com/wricardo/dscars/game/config"
	"github.com/wricardo/dscars/game/protocol"
	"github.com/wricardo/dscars/game/server"
	"github.com/wricardo/dscars/transport/mcp"
	"github.com/wricardo/dscars/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "DS Cars Server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newApp builds the command tree. Command output goes to stdout; logs go to
// stderr so the stdio MCP transport stays clean.
func newApp(stdout io.Writer) *cli.Command {
	serve := &cli.Command{
		Name:  "serve",
		Usage: "run the game server and the admin API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "game server port (must be one of the allowed ports)",
				Sources: cli.EnvVars("DSCARS_PORT"),
			},
			&cli.BoolFlag{
				Name:  "start",
				Usage: "start the game server immediately instead of waiting for the admin API",
			},
			&cli.BoolFlag{
				Name:  "no-admin",
				Usage: "do not serve the admin API",
			},
			&cli.BoolFlag{
				Name:  "ngrok",
				Usage: "publish the game server through an ngrok TCP tunnel",
			},
		},
		Action: runServe,
	}

	return &cli.Command{
		Name:    "dscars",
		Usage:   AppName,
		Version: Version,
		Writer:  stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/dscars.yml",
				Usage:   "settings file; built-in defaults are used when it is missing",
				Sources: cli.EnvVars("DSCARS_CONFIG"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				Sources: cli.EnvVars("DSCARS_DEBUG"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := slog.LevelInfo
			if cmd.Bool("debug") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return ctx, nil
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			serve,
			{
				Name:   "mcp",
				Usage:  "run an MCP stdio server proxying the admin API",
				Action: runStdioMCP,
			},
			{
				Name:  "check-config",
				Usage: "validate the settings file and print the effective settings",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "strict",
						Usage: "require the file to exist and ignore environment overrides",
					},
				},
				Action: runCheckConfig,
			},
			{
				Name:  "init-config",
				Usage: "write the built-in defaults to the settings file",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
				},
				Action: runInitConfig,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Fprintf(cmd.Root().Writer, "%s v%s\n", AppName, Version)
					return nil
				},
			},
		},
	}
}

// loadSettings reads the settings file named by --config
func loadSettings(cmd *cli.Command) (*config.Manager, error) {
	manager, err := config.NewManager(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if manager.FromFile() {
		slog.Debug("settings loaded", "path", manager.Path())
	} else {
		slog.Debug("settings file not found, using defaults", "path", manager.Path())
	}
	return manager, nil
}

// eventLogger writes every server event to the log at debug level
func eventLogger(logger *slog.Logger) server.Observer {
	return server.ObserverFunc(func(e server.Event) {
		logger.Debug("server event",
			"type", e.Type,
			"session_id", e.SessionID,
			"match_id", e.MatchID,
			"map", e.MapName,
			"slot", e.Slot,
			"detail", e.Detail)
	})
}

// newGameServer builds the game server from settings
func newGameServer(settings config.Settings, observer server.Observer, reg prometheus.Registerer) (*server.Server, error) {
	codec, err := protocol.CodecByName(settings.Server.Codec)
	if err != nil {
		return nil, err
	}

	return server.New(server.Options{
		Codec:          codec,
		FaultThreshold: settings.Server.FaultThreshold,
		MaxSessions:    settings.Server.MaxSessions,
		OutboundQueue:  settings.Server.OutboundQueue,
		WriteTimeout:   settings.Server.WriteTimeout,
		Logger:         slog.Default(),
		Observer:       observer,
		Registerer:     reg,
	}), nil
}

// runServe starts the game server (directly, on demand, or behind ngrok)
// and the admin API, and stops both on SIGINT or SIGTERM.
func runServe(ctx context.Context, cmd *cli.Command) error {
	manager, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	settings := manager.Get()

	port := settings.Server.DefaultPort
	if cmd.IsSet("port") {
		port = int(cmd.Int("port"))
	}
	if !settings.IsAllowedPort(port) {
		return fmt.Errorf("port %d is not allowed, use one of %v", port, settings.Server.Ports)
	}
	useNgrok := settings.Ngrok.Enabled || cmd.Bool("ngrok")
	if useNgrok && settings.Ngrok.AuthToken == "" {
		return errors.New("ngrok enabled but no auth token provided (set NGROK_AUTHTOKEN or ngrok.authtoken)")
	}
	adminEnabled := settings.Admin.Enabled && !cmd.Bool("no-admin")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	logger.Info("starting", "app", AppName, "version", Version)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	observer := server.Observers{hub, eventLogger(logger)}
	srv, err := newGameServer(settings, observer, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	switch {
	case useNgrok:
		tun, err := ngrok.Listen(ctx,
			ngrokConfig.TCPEndpoint(),
			ngrok.WithAuthtoken(settings.Ngrok.AuthToken),
		)
		if err != nil {
			return fmt.Errorf("failed to start ngrok tunnel: %w", err)
		}
		if err := srv.Serve(tun); err != nil {
			tun.Close()
			return err
		}
		logger.Info("ngrok tunnel established", "url", tun.URL())

	case settings.Server.AutoStart || cmd.Bool("start") || !adminEnabled:
		if err := srv.Start(port); err != nil {
			return fmt.Errorf("failed to start game server: %w", err)
		}
		logger.Info("game server listening", "port", port, "host", srv.LocalHostName())

	default:
		logger.Info("game server idle, start it through the admin API", "port", port)
	}

	var httpServer *http.Server
	if adminEnabled {
		addr := settings.Admin.Addr
		apiServer := api.NewServer(srv, api.Options{
			Settings: settings,
			Hub:      hub,
			Logger:   logger,
		})
		mcpClient := mcp.NewClient("http://"+addr, Version)
		apiServer.Handle("/mcp", mcpClient.HTTPHandler())

		httpServer = &http.Server{
			Addr:         addr,
			Handler:      apiServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		g.Go(func() error {
			logger.Info("admin API listening",
				"api", "http://"+addr+"/api",
				"monitor", "ws://"+addr+"/ws",
				"metrics", "http://"+addr+"/metrics",
				"mcp", "http://"+addr+"/mcp")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		// Players are told the server went down before the listener closes
		srv.Stop()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("admin API shutdown error", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// adminAPIAvailable reports whether an admin API answers its health check
// at baseURL.
func adminAPIAvailable(client *http.Client, baseURL string) bool {
	resp, err := client.Get(baseURL + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// runStdioMCP runs an MCP stdio server. It reuses the admin API configured
// in settings when it answers; otherwise it starts an internal admin API on
// a random loopback port, backed by an idle game server.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	manager, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	settings := manager.Get()
	logger := slog.Default()

	externalURL := "http://" + settings.Admin.Addr
	logger.Info("checking for external admin API", "url", externalURL)

	baseURL := externalURL
	if adminAPIAvailable(&http.Client{Timeout: 2 * time.Second}, externalURL) {
		logger.Info("external admin API found, using it for MCP")
	} else {
		logger.Info("no external admin API found, starting internal one")

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}

		// The internal game server keeps its metrics to itself
		srv, err := newGameServer(settings, eventLogger(logger), nil)
		if err != nil {
			listener.Close()
			return err
		}
		defer srv.Stop()

		httpServer := &http.Server{
			Handler: api.NewServer(srv, api.Options{
				Settings: settings,
				Gatherer: prometheus.NewRegistry(),
				Logger:   logger,
			}),
		}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("internal admin API error", "error", err)
			}
		}()
		defer httpServer.Close()

		baseURL = "http://" + listener.Addr().String()
	}

	mcpClient := mcp.NewClient(baseURL, Version)
	logger.Info("MCP stdio server ready", "api", baseURL)

	if err := mcpserver.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

// runCheckConfig validates the settings and prints them as YAML
func runCheckConfig(ctx context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer

	var settings config.Settings
	if cmd.Bool("strict") {
		path := cmd.String("config")
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = *loaded
		fmt.Fprintf(out, "# %s is valid\n", path)
	} else {
		manager, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		settings = manager.Get()
		if manager.FromFile() {
			fmt.Fprintf(out, "# %s is valid\n", manager.Path())
		} else {
			fmt.Fprintf(out, "# %s not found, built-in defaults in effect\n", manager.Path())
		}
	}

	// Keep the ngrok token out of the output
	if settings.Ngrok.AuthToken != "" {
		settings.Ngrok.AuthToken = "********"
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// runInitConfig writes the default settings to --config
func runInitConfig(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite it", path)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "wrote default settings to %s\n", path)
	return nil
}
